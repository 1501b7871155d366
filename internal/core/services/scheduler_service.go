package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"golang.org/x/sync/errgroup"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/params"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/internal/database/repositories"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

const (
	triggerDebounce = 100 * time.Millisecond
	passTimeout     = 2 * time.Minute
)

type SchedulerRepository interface {
	ListAwait(ctx context.Context, deviceID uint) ([]*models.Task, error)
	BusySlots(ctx context.Context) (map[models.Slot]struct{}, error)
	HasDeliveredOn(ctx context.Context, taskID uint, runDate string) (bool, error)
	Promote(ctx context.Context, p repositories.Promotion) (*models.TaskDetail, error)
	Exhaust(ctx context.Context, taskID uint, runDate string, at time.Time, reason string) (*models.TaskDetail, error)
	Acknowledge(ctx context.Context, detailID uint, message string) error
	Undeliver(ctx context.Context, detailID uint, at time.Time, reason string, maxAttempts int) (bool, error)
}

type SchedulerOptions struct {
	TickInterval        time.Duration
	ActiveWindow        time.Duration
	Location            *time.Location
	MaxDispatchAttempts int
	DispatchConcurrency int
}

func (o SchedulerOptions) withDefaults() SchedulerOptions {
	if o.TickInterval <= 0 {
		o.TickInterval = 30 * time.Second
	}
	if o.ActiveWindow <= 0 {
		o.ActiveWindow = models.DefaultActiveWindow
	}
	if o.Location == nil {
		o.Location = time.Local
	}
	if o.DispatchConcurrency <= 0 {
		o.DispatchConcurrency = 8
	}
	return o
}

// TickReport summarises one scheduling pass by task id.
type TickReport struct {
	Considered  int    `json:"considered"`
	Skipped     int    `json:"skipped"`
	Dispatched  []uint `json:"dispatched"`
	Undelivered []uint `json:"undelivered"`
	Exhausted   []uint `json:"exhausted"`
	Invalid     []uint `json:"invalid"`
	Rejected    []uint `json:"rejected"`
}

type handoff struct {
	task   *models.Task
	detail *models.TaskDetail
}

type SchedulerService struct {
	repo       SchedulerRepository
	dispatcher ports.Dispatcher
	codec      *params.Registry
	metrics    *Metrics
	opts       SchedulerOptions
	now        func() time.Time

	scheduler  *gocron.Scheduler
	mutex      sync.Mutex
	isRunning  bool
	stopCh     chan struct{}
	workerDone chan struct{}
	triggerCh  chan uint
}

func NewSchedulerService(repo SchedulerRepository, dispatcher ports.Dispatcher, codec *params.Registry, metrics *Metrics, opts SchedulerOptions) *SchedulerService {
	if codec == nil {
		codec = params.Default()
	}
	return &SchedulerService{
		repo:       repo,
		dispatcher: dispatcher,
		codec:      codec,
		metrics:    metrics,
		opts:       opts.withDefaults(),
		now:        time.Now,
		triggerCh:  make(chan uint, 256),
	}
}

func (s *SchedulerService) SetClock(now func() time.Time) {
	s.now = now
}

// Tick runs one scheduling pass over every device.
func (s *SchedulerService) Tick(ctx context.Context, now time.Time) (*TickReport, error) {
	return s.run(ctx, 0, now)
}

// TickDevice runs one scheduling pass restricted to a single device.
func (s *SchedulerService) TickDevice(ctx context.Context, deviceID uint, now time.Time) (*TickReport, error) {
	if deviceID == 0 {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidDevice)
	}
	return s.run(ctx, deviceID, now)
}

func (s *SchedulerService) run(ctx context.Context, deviceID uint, now time.Time) (*TickReport, error) {
	log := logger.WithComponent("scheduler_service")
	started := time.Now()
	defer func() { s.metrics.observeTick(time.Since(started)) }()

	now = now.UTC()
	tasks, err := s.repo.ListAwait(ctx, deviceID)
	if err != nil {
		return nil, fmt.Errorf("failed to list await tasks: %w", err)
	}
	busy, err := s.repo.BusySlots(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load busy slots: %w", err)
	}

	report := &TickReport{}
	runDate := RunDate(now, s.opts.Location)
	var handoffs []*handoff

	for _, task := range tasks {
		report.Considered++
		slot := models.Slot{DeviceID: task.DeviceID, Platform: task.Platform}

		if _, held := busy[slot]; held {
			log.Debug().Err(ErrConcurrentTask).
				Uint("task_id", task.ID).
				Uint("device_id", task.DeviceID).
				Str("platform", task.Platform).
				Msg("Slot busy, skipping task")
			report.Skipped++
			continue
		}

		due, err := s.eligible(ctx, task, now, runDate)
		if err != nil {
			log.Error().Err(err).Uint("task_id", task.ID).Msg("Failed to evaluate eligibility")
			report.Skipped++
			continue
		}
		if !due {
			continue
		}

		if task.Device == nil || !task.Device.Dispatchable(now, s.opts.ActiveWindow) {
			log.Debug().
				Uint("task_id", task.ID).
				Uint("device_id", task.DeviceID).
				Msg("Device offline or disabled, leaving task await")
			report.Skipped++
			continue
		}

		if h := s.promote(ctx, task, runDate, now, report); h != nil {
			busy[slot] = struct{}{}
			handoffs = append(handoffs, h)
		}
	}

	s.handOff(ctx, handoffs, now, report)

	event := log.Debug()
	if len(report.Dispatched)+len(report.Undelivered)+len(report.Exhausted)+len(report.Invalid)+len(report.Rejected) > 0 {
		event = log.Info()
	}
	event.
		Uint("device_id", deviceID).
		Int("considered", report.Considered).
		Int("skipped", report.Skipped).
		Int("dispatched", len(report.Dispatched)).
		Int("undelivered", len(report.Undelivered)).
		Int("exhausted", len(report.Exhausted)).
		Int("invalid", len(report.Invalid)).
		Int("rejected", len(report.Rejected)).
		Dur("duration", time.Since(started)).
		Msg("Scheduling pass finished")

	return report, nil
}

func (s *SchedulerService) eligible(ctx context.Context, task *models.Task, now time.Time, runDate string) (bool, error) {
	switch task.RunType {
	case models.RunTypeOnce:
		return true, nil
	case models.RunTypeTimer:
		return timerDue(task.RunTime, now, s.opts.Location)
	case models.RunTypeDaily:
		due, err := dailyDue(task.RunTime, now, s.opts.Location)
		if err != nil || !due {
			return false, err
		}
		delivered, err := s.repo.HasDeliveredOn(ctx, task.ID, runDate)
		if err != nil {
			return false, err
		}
		return !delivered, nil
	default:
		return false, fmt.Errorf("unknown run type %q", task.RunType)
	}
}

// promote reserves what the task consumes and moves it to alloc. It returns
// nil when the task is not to be handed off in this pass.
func (s *SchedulerService) promote(ctx context.Context, task *models.Task, runDate string, now time.Time, report *TickReport) *handoff {
	log := logger.WithComponent("scheduler_service")

	promotion := repositories.Promotion{
		TaskID:     task.ID,
		RunDate:    runDate,
		At:         now,
		OncePerDay: task.RunType == models.RunTypeDaily,
	}

	decoded, err := s.codec.Decode(task.Type, task.Params)
	if err != nil {
		s.failBeforeDispatch(ctx, task, runDate, now, DispatchResultInvalid,
			fmt.Sprintf("stored params rejected: %v", err), report)
		return nil
	}
	if r, ok := decoded.(params.Reserver); ok {
		productID, quantity := r.Reservation()
		promotion.Reserve = &repositories.Reservation{ProductID: productID, Quantity: quantity}
	}

	detail, err := s.repo.Promote(ctx, promotion)
	switch {
	case err == nil:
		return &handoff{task: task, detail: detail}
	case errors.Is(err, repositories.ErrInsufficientStock), errors.Is(err, repositories.ErrProductNotFound):
		reason := fmt.Sprintf("%v: product %d cannot supply %d units: %v",
			ErrResourceExhausted, promotion.Reserve.ProductID, promotion.Reserve.Quantity, err)
		s.failBeforeDispatch(ctx, task, runDate, now, DispatchResultExhausted, reason, report)
	case errors.Is(err, ErrConcurrentTask), errors.Is(err, repositories.ErrStaleTransition):
		log.Debug().Err(err).Uint("task_id", task.ID).Msg("Lost promotion race, skipping task")
		report.Skipped++
	default:
		log.Error().Err(err).Uint("task_id", task.ID).Msg("Failed to promote task")
		report.Skipped++
	}
	return nil
}

// failBeforeDispatch fails an await task that can never be handed off, either
// because its resources ran out or because its stored params no longer decode.
func (s *SchedulerService) failBeforeDispatch(ctx context.Context, task *models.Task, runDate string, now time.Time, result, reason string, report *TickReport) {
	log := logger.WithComponent("scheduler_service")
	if _, err := s.repo.Exhaust(ctx, task.ID, runDate, now, reason); err != nil {
		log.Error().Err(err).Uint("task_id", task.ID).Msg("Failed to fail undispatchable task")
		report.Skipped++
		return
	}
	log.Warn().
		Uint("task_id", task.ID).
		Uint("device_id", task.DeviceID).
		Str("result", result).
		Str("reason", reason).
		Msg("Task failed before dispatch")
	if result == DispatchResultInvalid {
		report.Invalid = append(report.Invalid, task.ID)
	} else {
		report.Exhausted = append(report.Exhausted, task.ID)
	}
	s.metrics.observeDispatch(result)
}

// handOff delivers the promoted tasks concurrently, bounded by the configured
// concurrency. Bookkeeping after delivery outlives a cancelled ctx so no attempt
// is left in alloc.
func (s *SchedulerService) handOff(ctx context.Context, handoffs []*handoff, now time.Time, report *TickReport) {
	if len(handoffs) == 0 {
		return
	}

	var mu sync.Mutex
	var g errgroup.Group
	g.SetLimit(s.opts.DispatchConcurrency)

	for _, h := range handoffs {
		h := h
		g.Go(func() error {
			result := s.deliver(ctx, h, now)
			s.metrics.observeDispatch(result)

			mu.Lock()
			defer mu.Unlock()
			switch result {
			case DispatchResultDelivered:
				report.Dispatched = append(report.Dispatched, h.task.ID)
			case DispatchResultUnreachable:
				report.Undelivered = append(report.Undelivered, h.task.ID)
			case DispatchResultRejected:
				report.Rejected = append(report.Rejected, h.task.ID)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (s *SchedulerService) deliver(ctx context.Context, h *handoff, now time.Time) string {
	log := logger.WithComponent("scheduler_service").With().
		Uint("task_id", h.task.ID).
		Uint("detail_id", h.detail.ID).
		Uint("device_id", h.task.DeviceID).
		Logger()

	payload := ports.DispatchPayload{
		TaskID:       h.task.ID,
		TaskDetailID: h.detail.ID,
		Type:         h.task.Type,
		Platform:     h.task.Platform,
		Params:       json.RawMessage(h.task.Params),
	}

	dispatchErr := s.dispatcher.Dispatch(ctx, h.task.Device, payload)
	bookkeeping := context.WithoutCancel(ctx)

	if dispatchErr != nil {
		reason := fmt.Sprintf("%v: %v", ErrDispatchUnreachable, dispatchErr)
		failed, err := s.repo.Undeliver(bookkeeping, h.detail.ID, now, reason, s.opts.MaxDispatchAttempts)
		if err != nil {
			log.Error().Err(err).Msg("Failed to record undelivered attempt")
		} else {
			log.Warn().Err(dispatchErr).Bool("gave_up", failed).Msg("Dispatch failed")
		}
		return DispatchResultUnreachable
	}

	message := fmt.Sprintf("dispatched to device %s", h.task.Device.Number)
	err := s.repo.Acknowledge(bookkeeping, h.detail.ID, message)
	switch {
	case err == nil:
		log.Info().Msg("Task dispatched")
	case errors.Is(err, ErrTaskCancelled):
		log.Info().Msg("Task cancelled during dispatch, acknowledgement rejected")
		return DispatchResultRejected
	case errors.Is(err, repositories.ErrStaleTransition):
		log.Debug().Msg("Agent reported before acknowledgement")
	default:
		log.Error().Err(err).Msg("Failed to acknowledge dispatch")
	}
	return DispatchResultDelivered
}

// TriggerDevice queues an immediate pass for the device. It never blocks;
// bursts are coalesced.
func (s *SchedulerService) TriggerDevice(deviceID uint) {
	select {
	case s.triggerCh <- deviceID:
	default:
	}
}

func (s *SchedulerService) triggerWorker(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	log := logger.WithComponent("scheduler_service")

	pending := make(map[uint]struct{})
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case <-stopCh:
			if timer != nil {
				timer.Stop()
			}
			return
		case id := <-s.triggerCh:
			pending[id] = struct{}{}
			if timer == nil {
				timer = time.NewTimer(triggerDebounce)
				fire = timer.C
			}
		case <-fire:
			timer, fire = nil, nil
			ids := pending
			pending = make(map[uint]struct{})

			for id := range ids {
				ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
				if _, err := s.TickDevice(ctx, id, s.now()); err != nil {
					log.Error().Err(err).Uint("device_id", id).Msg("Triggered scheduling pass failed")
				}
				cancel()
			}
		}
	}
}

func (s *SchedulerService) Start() error {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.isRunning {
		return nil
	}

	log := logger.WithComponent("scheduler_service")
	log.Info().
		Dur("tick_interval", s.opts.TickInterval).
		Dur("active_window", s.opts.ActiveWindow).
		Str("timezone", s.opts.Location.String()).
		Int("max_dispatch_attempts", s.opts.MaxDispatchAttempts).
		Msg("Starting scheduler")

	s.scheduler = gocron.NewScheduler(time.UTC)
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh

	job, err := s.scheduler.Every(s.opts.TickInterval).SingletonMode().Do(func() {
		select {
		case <-stopCh:
			return
		default:
			ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
			defer cancel()
			if _, err := s.Tick(ctx, s.now()); err != nil {
				log.Error().Err(err).Msg("Scheduling pass failed")
			}
		}
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to schedule ticks")
		return err
	}

	s.workerDone = make(chan struct{})
	go s.triggerWorker(stopCh, s.workerDone)

	s.scheduler.StartAsync()
	s.isRunning = true

	log.Info().
		Str("next_run", job.NextRun().String()).
		Msg("Scheduler started")
	return nil
}

func (s *SchedulerService) Stop() {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if !s.isRunning {
		return
	}

	close(s.stopCh)
	if s.scheduler != nil {
		s.scheduler.Stop()
	}
	<-s.workerDone

	s.isRunning = false
	log := logger.WithComponent("scheduler_service")
	log.Info().Msg("Scheduler stopped")
}

func (s *SchedulerService) IsRunning() bool {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.isRunning
}
