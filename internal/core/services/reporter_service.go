package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

const archiveTimeout = 30 * time.Second

type ReporterRepository interface {
	AppendLogs(ctx context.Context, detailID uint, entries []models.LogEntry) error
	Finalize(ctx context.Context, detailID uint, outcome models.DetailStatus, at time.Time) (*models.Task, *models.TaskDetail, error)
	CloseSlots(ctx context.Context, deviceIDs []uint, platform string, at time.Time) ([]uint, error)
	Logs(ctx context.Context, taskID uint) ([]models.DetailWithLogs, error)
}

type LogLine struct {
	Type    models.LogType `json:"type"`
	Message string         `json:"message"`
}

type ReportInput struct {
	DetailID uint
	Outcome  string
	Logs     []LogLine
}

type ReporterService struct {
	repo     ReporterRepository
	archiver ports.LogArchiver
	metrics  *Metrics
	now      func() time.Time
	archives sync.WaitGroup
}

func NewReporterService(repo ReporterRepository, metrics *Metrics) *ReporterService {
	return &ReporterService{
		repo:    repo,
		metrics: metrics,
		now:     time.Now,
	}
}

// SetArchiver enables uploading the log history of finished once and timer attempts.
func (s *ReporterService) SetArchiver(archiver ports.LogArchiver) {
	s.archiver = archiver
}

func (s *ReporterService) SetClock(now func() time.Time) {
	s.now = now
}

// ParseOutcome accepts success or failed in any case.
func ParseOutcome(outcome string) (models.DetailStatus, error) {
	switch models.DetailStatus(strings.ToLower(strings.TrimSpace(outcome))) {
	case models.DetailStatusSuccess:
		return models.DetailStatusSuccess, nil
	case models.DetailStatusFailed:
		return models.DetailStatusFailed, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}
}

// Report appends the agent's log lines, then records its outcome. Both writes
// are attempted even if one fails, and their errors are returned together.
func (s *ReporterService) Report(ctx context.Context, in ReportInput) error {
	log := logger.WithComponent("reporter_service")

	outcome, err := ParseOutcome(in.Outcome)
	if err != nil {
		return err
	}

	entries := make([]models.LogEntry, 0, len(in.Logs))
	for _, line := range in.Logs {
		logType := models.LogType(strings.ToLower(string(line.Type)))
		if !logType.Valid() {
			logType = models.LogTypeInfo
		}
		entries = append(entries, models.LogEntry{Type: logType, Message: line.Message})
	}

	var result *multierror.Error

	if err := s.repo.AppendLogs(ctx, in.DetailID, entries); err != nil {
		log.Error().Err(err).Uint("detail_id", in.DetailID).Msg("Failed to append reported logs")
		result = multierror.Append(result, fmt.Errorf("append logs: %w", err))
	}

	task, detail, err := s.repo.Finalize(ctx, in.DetailID, outcome, s.now().UTC())
	if err != nil {
		log.Error().Err(err).Uint("detail_id", in.DetailID).Msg("Failed to record reported outcome")
		result = multierror.Append(result, fmt.Errorf("update status: %w", err))
		return result.ErrorOrNil()
	}

	s.metrics.observeReport(string(outcome))
	log.Info().
		Uint("task_id", task.ID).
		Uint("detail_id", detail.ID).
		Str("outcome", string(outcome)).
		Str("task_status", string(task.Status)).
		Int("log_lines", len(entries)).
		Msg("Execution reported")

	if s.archiver != nil && task.RunType != models.RunTypeDaily && task.Status.Terminal() && !task.IsDeleted() {
		s.archive(task, detail.ID)
	}

	return result.ErrorOrNil()
}

func (s *ReporterService) archive(task *models.Task, detailID uint) {
	s.archives.Add(1)
	go func() {
		defer s.archives.Done()
		log := logger.WithComponent("reporter_service")

		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()

		history, err := s.repo.Logs(ctx, task.ID)
		if err != nil {
			log.Error().Err(err).Uint("task_id", task.ID).Msg("Failed to load logs for archive")
			return
		}
		for _, d := range history {
			if d.ID != detailID {
				continue
			}
			location, err := s.archiver.Archive(ctx, task, d)
			if err != nil {
				log.Error().Err(err).Uint("detail_id", detailID).Msg("Failed to archive logs")
				return
			}
			log.Info().
				Uint("detail_id", detailID).
				Str("location", location).
				Msg("Logs archived")
			return
		}
	}()
}

// Wait blocks until pending archive uploads finish.
func (s *ReporterService) Wait() {
	s.archives.Wait()
}

// Close cancels every await or alloc task of the devices on platform and
// returns how many were cancelled. Running tasks are left to finish.
func (s *ReporterService) Close(ctx context.Context, deviceIDs []uint, platform string) (int64, error) {
	platform = strings.TrimSpace(platform)
	if platform == "" {
		return 0, fmt.Errorf("%w: platform is required", ErrInvalidParams)
	}
	deviceIDs = dedupe(deviceIDs)
	if len(deviceIDs) == 0 {
		return 0, fmt.Errorf("%w: at least one device is required", ErrInvalidDevice)
	}

	ids, err := s.repo.CloseSlots(ctx, deviceIDs, platform, s.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to close tasks: %w", err)
	}

	log := logger.WithComponent("reporter_service")

	log.Info().
		Interface("device_ids", deviceIDs).
		Str("platform", platform).
		Interface("task_ids", ids).
		Msg("Closed device platform tasks")
	return int64(len(ids)), nil
}
