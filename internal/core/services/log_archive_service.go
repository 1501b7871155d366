package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"path"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/theblitlabs/taskfleet/internal/core/config"
	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

type ObjectPutter interface {
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// ArchivedLog is the document stored for one finished attempt.
type ArchivedLog struct {
	TaskID     uint              `json:"task_id"`
	DeviceID   uint              `json:"device_id"`
	Platform   string            `json:"platform"`
	Type       models.TaskType   `json:"type"`
	RunType    models.RunType    `json:"run_type"`
	Detail     models.TaskDetail `json:"detail"`
	Logs       []models.LogEntry `json:"logs"`
	ArchivedAt time.Time         `json:"archived_at"`
}

type LogArchiveService struct {
	client     ObjectPutter
	bucketName string
}

func NewLogArchiveService(cfg *config.Config) (*LogArchiveService, error) {
	if cfg.AWS.AccessKeyID == "" || cfg.AWS.SecretAccessKey == "" {
		return nil, fmt.Errorf("missing required AWS credentials")
	}

	if cfg.AWS.Region == "" {
		return nil, fmt.Errorf("AWS region must be specified")
	}

	if cfg.AWS.BucketName == "" {
		return nil, fmt.Errorf("AWS bucket name must be specified")
	}

	creds := credentials.NewStaticCredentialsProvider(
		cfg.AWS.AccessKeyID,
		cfg.AWS.SecretAccessKey,
		"",
	)

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWS.Region),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		return nil, fmt.Errorf("unable to load AWS SDK config: %w", err)
	}

	return NewLogArchiveServiceWithClient(s3.NewFromConfig(awsCfg), cfg.AWS.BucketName), nil
}

func NewLogArchiveServiceWithClient(client ObjectPutter, bucketName string) *LogArchiveService {
	return &LogArchiveService{client: client, bucketName: bucketName}
}

// Archive uploads the attempt as JSON under task-logs/<date>/ and returns the object key.
func (s *LogArchiveService) Archive(ctx context.Context, task *models.Task, detail models.DetailWithLogs) (string, error) {
	log := logger.WithComponent("log_archive_service")

	doc := ArchivedLog{
		TaskID:     task.ID,
		DeviceID:   task.DeviceID,
		Platform:   task.Platform,
		Type:       task.Type,
		RunType:    task.RunType,
		Detail:     detail.TaskDetail,
		Logs:       detail.Logs,
		ArchivedAt: time.Now().UTC(),
	}
	body, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("failed to marshal log archive: %w", err)
	}

	day := detail.RunDate
	if day == "" {
		day = doc.ArchivedAt.Format(models.RunDateLayout)
	}
	filename := fmt.Sprintf("task-%d-detail-%d-%s.json", task.ID, detail.ID, uuid.New().String())
	key := path.Join("task-logs", day, filename)

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucketName),
		Key:           aws.String(key),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		log.Error().Err(err).
			Str("bucket", s.bucketName).
			Str("key", key).
			Msg("Failed to upload log archive to S3")
		return "", fmt.Errorf("failed to upload log archive: %w", err)
	}

	return key, nil
}
