package services

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/internal/database/repositories"
	"github.com/theblitlabs/taskfleet/internal/testutil"
)

var errAgentDown = errors.New("connection refused")

type fakeDispatcher struct {
	mu      sync.Mutex
	sent    []ports.DispatchPayload
	failFor map[uint]error
	onSend  func(payload ports.DispatchPayload)
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{failFor: make(map[uint]error)}
}

func (d *fakeDispatcher) Dispatch(_ context.Context, device *models.Device, payload ports.DispatchPayload) error {
	d.mu.Lock()
	err := d.failFor[device.ID]
	hook := d.onSend
	d.mu.Unlock()

	if hook != nil {
		hook(payload)
	}
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.sent = append(d.sent, payload)
	d.mu.Unlock()
	return nil
}

func (d *fakeDispatcher) fail(deviceID uint, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err == nil {
		delete(d.failFor, deviceID)
		return
	}
	d.failFor[deviceID] = err
}

func (d *fakeDispatcher) payloads() []ports.DispatchPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]ports.DispatchPayload(nil), d.sent...)
}

type recordingTrigger struct {
	mu  sync.Mutex
	ids []uint
}

func (r *recordingTrigger) TriggerDevice(deviceID uint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, deviceID)
}

func (r *recordingTrigger) triggered() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.ids...)
}

type fixture struct {
	db         *gorm.DB
	tasks      *repositories.TaskRepository
	devices    *repositories.DeviceRepository
	dispatcher *fakeDispatcher
	metrics    *Metrics
	scheduler  *SchedulerService
	reporter   *ReporterService
	taskSvc    *TaskService
}

func newFixture(t *testing.T, opts SchedulerOptions) *fixture {
	t.Helper()

	db := testutil.NewDB(t)
	taskRepo := repositories.NewTaskRepository(db)
	deviceRepo := repositories.NewDeviceRepository(db)
	dispatcher := newFakeDispatcher()
	metrics := NewMetrics(prometheus.NewRegistry())

	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.ActiveWindow == 0 {
		opts.ActiveWindow = 5 * time.Minute
	}
	if opts.DispatchConcurrency == 0 {
		opts.DispatchConcurrency = 4
	}

	return &fixture{
		db:         db,
		tasks:      taskRepo,
		devices:    deviceRepo,
		dispatcher: dispatcher,
		metrics:    metrics,
		scheduler:  NewSchedulerService(taskRepo, dispatcher, nil, metrics, opts),
		reporter:   NewReporterService(taskRepo, metrics),
		taskSvc:    NewTaskService(taskRepo, deviceRepo, nil, opts.Location),
	}
}

func (f *fixture) heartbeat(t *testing.T, device *models.Device, at time.Time) {
	t.Helper()
	require.NoError(t, f.devices.Touch(context.Background(), device.ID, "", at))
}

func (f *fixture) task(t *testing.T, id uint) *models.Task {
	t.Helper()
	task, err := f.tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func (f *fixture) history(t *testing.T, taskID uint) []models.DetailWithLogs {
	t.Helper()
	history, err := f.tasks.Logs(context.Background(), taskID)
	require.NoError(t, err)
	return history
}

func may1(hour, minute int) time.Time {
	return time.Date(2024, 5, 1, hour, minute, 0, 0, time.UTC)
}

func (f *fixture) products() *repositories.ProductRepository {
	return repositories.NewProductRepository(f.db)
}

func uintString(v uint) string {
	return strconv.FormatUint(uint64(v), 10)
}
