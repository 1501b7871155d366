package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/params"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

type TaskRepository interface {
	CreateBatch(ctx context.Context, tasks []*models.Task) error
	Get(ctx context.Context, id uint) (*models.Task, error)
	List(ctx context.Context, filter models.TaskFilter, page models.Page) (*models.PageResult[models.Task], error)
	Cancel(ctx context.Context, ids []uint, at time.Time) (int64, error)
	AppendLogs(ctx context.Context, detailID uint, entries []models.LogEntry) error
	Logs(ctx context.Context, taskID uint) ([]models.DetailWithLogs, error)
}

// DeviceLookup resolves device ids at task creation.
type DeviceLookup interface {
	GetMany(ctx context.Context, ids []uint) ([]*models.Device, error)
}

type CreateTaskInput struct {
	DeviceIDs []uint
	Platform  string
	Type      models.TaskType
	RunType   models.RunType
	RunTime   string
	Params    json.RawMessage
}

type TaskService struct {
	repo     TaskRepository
	devices  DeviceLookup
	codec    *params.Registry
	location *time.Location
	trigger  ports.DeviceTrigger
	now      func() time.Time
}

func NewTaskService(repo TaskRepository, devices DeviceLookup, codec *params.Registry, location *time.Location) *TaskService {
	if codec == nil {
		codec = params.Default()
	}
	if location == nil {
		location = time.Local
	}
	return &TaskService{
		repo:     repo,
		devices:  devices,
		codec:    codec,
		location: location,
		now:      time.Now,
	}
}

// SetTrigger lets freshly created tasks be considered without waiting for the next tick.
func (s *TaskService) SetTrigger(trigger ports.DeviceTrigger) {
	s.trigger = trigger
}

func (s *TaskService) SetClock(now func() time.Time) {
	s.now = now
}

// Create validates the plan once and stores one await task per device, all or nothing.
func (s *TaskService) Create(ctx context.Context, in CreateTaskInput) ([]*models.Task, error) {
	log := logger.WithComponent("task_service")

	deviceIDs := dedupe(in.DeviceIDs)
	if len(deviceIDs) == 0 {
		return nil, fmt.Errorf("%w: at least one device is required", ErrInvalidDevice)
	}

	platform := strings.TrimSpace(in.Platform)
	if platform == "" {
		return nil, &params.FieldError{Field: "platform", Reason: "is required"}
	}

	runTime, err := NormalizeRunTime(in.RunType, in.RunTime, s.location)
	if err != nil {
		return nil, err
	}

	decoded, err := s.codec.Decode(in.Type, in.Params)
	if err != nil {
		log.Debug().Err(err).Str("type", string(in.Type)).Msg("Rejected task params")
		return nil, err
	}
	canonical, err := params.Encode(decoded)
	if err != nil {
		return nil, err
	}

	devices, err := s.devices.GetMany(ctx, deviceIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load devices: %w", err)
	}
	if len(devices) != len(deviceIDs) {
		known := make(map[uint]struct{}, len(devices))
		for _, d := range devices {
			known[d.ID] = struct{}{}
		}
		for _, id := range deviceIDs {
			if _, ok := known[id]; !ok {
				return nil, fmt.Errorf("%w: unknown device %d", ErrInvalidDevice, id)
			}
		}
	}

	tasks := make([]*models.Task, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		tasks = append(tasks, &models.Task{
			DeviceID:  id,
			Platform:  platform,
			Type:      in.Type,
			RunType:   in.RunType,
			RunTime:   runTime,
			Params:    models.RawParams(canonical),
			Status:    models.TaskStatusAwait,
			Lifecycle: models.LifecycleActive,
		})
	}

	if err := s.repo.CreateBatch(ctx, tasks); err != nil {
		log.Error().Err(err).Int("devices", len(tasks)).Msg("Failed to store tasks")
		return nil, fmt.Errorf("failed to create tasks: %w", err)
	}

	log.Info().
		Str("type", string(in.Type)).
		Str("run_type", string(in.RunType)).
		Str("platform", platform).
		Int("tasks", len(tasks)).
		Msg("Tasks created")

	if s.trigger != nil {
		for _, id := range deviceIDs {
			s.trigger.TriggerDevice(id)
		}
	}
	return tasks, nil
}

func (s *TaskService) Get(ctx context.Context, taskID uint) (*models.Task, error) {
	return s.repo.Get(ctx, taskID)
}

func (s *TaskService) List(ctx context.Context, filter models.TaskFilter, page models.Page) (*models.PageResult[models.Task], error) {
	return s.repo.List(ctx, filter, page)
}

func (s *TaskService) Cancel(ctx context.Context, taskID uint) error {
	_, err := s.CancelBatch(ctx, []uint{taskID})
	return err
}

// CancelBatch returns how many tasks moved to cancelled; already cancelled ones are not counted.
func (s *TaskService) CancelBatch(ctx context.Context, taskIDs []uint) (int64, error) {
	n, err := s.repo.Cancel(ctx, taskIDs, s.now().UTC())
	if err != nil {
		return 0, err
	}
	log := logger.WithComponent("task_service")
	log.Info().
		Interface("task_ids", taskIDs).
		Int64("cancelled", n).
		Msg("Tasks cancelled")
	return n, nil
}

func (s *TaskService) AppendLog(ctx context.Context, detailID uint, logType models.LogType, message string) error {
	if !logType.Valid() {
		return &params.FieldError{Field: "type", Reason: "must be one of info, warn, error"}
	}
	if err := s.repo.AppendLogs(ctx, detailID, []models.LogEntry{{Type: logType, Message: message}}); err != nil {
		return fmt.Errorf("failed to append log to detail %d: %w", detailID, err)
	}
	return nil
}

// Logs returns every attempt of the task, newest first.
func (s *TaskService) Logs(ctx context.Context, taskID uint) ([]models.DetailWithLogs, error) {
	if _, err := s.repo.Get(ctx, taskID); err != nil {
		return nil, err
	}
	return s.repo.Logs(ctx, taskID)
}

func dedupe(ids []uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok || id == 0 {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
