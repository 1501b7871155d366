package services

import (
	"context"
	"sync"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/internal/testutil"
)

func TestSchedulerService_DispatchesOnceTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	task := testutil.SeedTask(t, f.db, &models.Task{
		DeviceID: device.ID,
		Params:   models.RawParams(`{"auto_reply":"thanks"}`),
	})

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, report.Dispatched)

	sent := f.dispatcher.payloads()
	require.Len(t, sent, 1)
	assert.Equal(t, task.ID, sent[0].TaskID)
	assert.Equal(t, "wechat", sent[0].Platform)
	assert.JSONEq(t, `{"auto_reply":"thanks"}`, string(sent[0].Params))

	assert.Equal(t, models.TaskStatusRunning, f.task(t, task.ID).Status)
	history := f.history(t, task.ID)
	require.Len(t, history, 1)
	assert.Equal(t, sent[0].TaskDetailID, history[0].ID)
	assert.Equal(t, models.DetailStatusRunning, history[0].Status)
	assert.Equal(t, "2024-05-01", history[0].RunDate)
	require.Len(t, history[0].Logs, 1)
	assert.Contains(t, history[0].Logs[0].Message, "SN-1")

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.dispatches.WithLabelValues(DispatchResultDelivered)))

	again, err := f.scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, again.Considered)
}

func TestSchedulerService_SerialisesDevicePlatform(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	first := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})
	second := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})
	other := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID, Platform: "douyin"})

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{first.ID, other.ID}, report.Dispatched)

	assert.Equal(t, models.TaskStatusRunning, f.task(t, first.ID).Status)
	assert.Equal(t, models.TaskStatusAwait, f.task(t, second.ID).Status)
	assert.Empty(t, f.history(t, second.ID))

	// The slot frees up once the first task reports.
	history := f.history(t, first.ID)
	require.NoError(t, f.reporter.Report(ctx, ReportInput{DetailID: history[0].ID, Outcome: "success"}))

	report, err = f.scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uint{second.ID}, report.Dispatched)
}

func TestSchedulerService_SkipsOfflineAndDisabledDevices(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{ActiveWindow: 5 * time.Minute})
	now := may1(10, 0)

	stale := testutil.SeedDevice(t, f.db, "SN-STALE", now.Add(-10*time.Minute))
	disabled := testutil.SeedDevice(t, f.db, "SN-OFF", now)
	require.NoError(t, f.devices.SetStatus(ctx, disabled.ID, models.DeviceStatusDisabled))

	staleTask := testutil.SeedTask(t, f.db, &models.Task{DeviceID: stale.ID})
	disabledTask := testutil.SeedTask(t, f.db, &models.Task{DeviceID: disabled.ID})

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Empty(t, report.Dispatched)
	assert.Equal(t, 2, report.Skipped)
	assert.Empty(t, f.dispatcher.payloads())

	for _, id := range []uint{staleTask.ID, disabledTask.ID} {
		assert.Equal(t, models.TaskStatusAwait, f.task(t, id).Status)
		assert.Empty(t, f.history(t, id))
	}

	f.heartbeat(t, stale, now)
	report, err = f.scheduler.TickDevice(ctx, stale.ID, now)
	require.NoError(t, err)
	assert.Equal(t, []uint{staleTask.ID}, report.Dispatched)
}

func TestSchedulerService_TimerFiresOnceAtRunTime(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(9, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	task := testutil.SeedTask(t, f.db, &models.Task{
		DeviceID: device.ID,
		RunType:  models.RunTypeTimer,
		RunTime:  "2024-05-01 10:00:00",
	})

	report, err := f.scheduler.Tick(ctx, may1(9, 59))
	require.NoError(t, err)
	assert.Empty(t, report.Dispatched)

	f.heartbeat(t, device, may1(10, 0))
	report, err = f.scheduler.Tick(ctx, may1(10, 0))
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, report.Dispatched)

	history := f.history(t, task.ID)
	require.NoError(t, f.reporter.Report(ctx, ReportInput{DetailID: history[0].ID, Outcome: "failed"}))
	assert.Equal(t, models.TaskStatusFailed, f.task(t, task.ID).Status)

	f.heartbeat(t, device, may1(11, 0))
	report, err = f.scheduler.Tick(ctx, may1(11, 0))
	require.NoError(t, err)
	assert.Zero(t, report.Considered)

	err = f.reporter.Report(ctx, ReportInput{DetailID: history[0].ID, Outcome: "success"})
	assert.ErrorIs(t, err, ErrDetailFinalized)
	assert.Equal(t, models.TaskStatusFailed, f.task(t, task.ID).Status)
	assert.Len(t, f.history(t, task.ID), 1)
}

// Scenario B: a daily task fires once per calendar day.
func TestSchedulerService_DailyFiresOncePerDay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})

	device := testutil.SeedDevice(t, f.db, "SN-1", may1(8, 0))
	task := testutil.SeedTask(t, f.db, &models.Task{
		DeviceID: device.ID,
		RunType:  models.RunTypeDaily,
		RunTime:  "09:00",
	})

	tick := func(now time.Time) *TickReport {
		t.Helper()
		f.heartbeat(t, device, now)
		report, err := f.scheduler.Tick(ctx, now)
		require.NoError(t, err)
		return report
	}

	assert.Empty(t, tick(may1(8, 59)).Dispatched)
	assert.Equal(t, []uint{task.ID}, tick(may1(9, 1)).Dispatched)

	history := f.history(t, task.ID)
	require.NoError(t, f.reporter.Report(ctx, ReportInput{DetailID: history[0].ID, Outcome: "success"}))
	assert.Equal(t, models.TaskStatusAwait, f.task(t, task.ID).Status)

	assert.Empty(t, tick(may1(12, 0)).Dispatched)
	assert.Empty(t, tick(may1(23, 59)).Dispatched)

	nextDay := may1(9, 0).AddDate(0, 0, 1)
	assert.Equal(t, []uint{task.ID}, tick(nextDay).Dispatched)

	history = f.history(t, task.ID)
	require.Len(t, history, 2)
	assert.Equal(t, "2024-05-02", history[0].RunDate)
	assert.Equal(t, "2024-05-01", history[1].RunDate)
}

func TestSchedulerService_DailyUsesConfiguredTimezone(t *testing.T) {
	ctx := context.Background()
	shanghai, err := time.LoadLocation("Asia/Shanghai")
	require.NoError(t, err)
	f := newFixture(t, SchedulerOptions{Location: shanghai})

	// 01:30 UTC is 09:30 in Shanghai.
	now := may1(1, 30)
	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	task := testutil.SeedTask(t, f.db, &models.Task{
		DeviceID: device.ID,
		RunType:  models.RunTypeDaily,
		RunTime:  "09:00",
	})

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, report.Dispatched)
	assert.Equal(t, "2024-05-01", f.history(t, task.ID)[0].RunDate)
}

// Scenario D: two units for three requests.
func TestSchedulerService_ProductReleaseExhaustsPool(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	product := testutil.SeedProduct(t, f.db, "gift box", 2)
	var deviceIDs []uint
	for _, number := range []string{"SN-1", "SN-2", "SN-3"} {
		deviceIDs = append(deviceIDs, testutil.SeedDevice(t, f.db, number, now).ID)
	}

	tasks, err := f.taskSvc.Create(ctx, CreateTaskInput{
		DeviceIDs: deviceIDs,
		Platform:  "wechat",
		Type:      models.TaskTypeProductRelease,
		RunType:   models.RunTypeOnce,
		Params:    []byte(`{"product_id":` + uintString(product.ID) + `,"quantity":1,"price_cents":990}`),
	})
	require.NoError(t, err)
	require.Len(t, tasks, 3)

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{tasks[0].ID, tasks[1].ID}, report.Dispatched)
	assert.Equal(t, []uint{tasks[2].ID}, report.Exhausted)

	exhausted := f.task(t, tasks[2].ID)
	assert.Equal(t, models.TaskStatusFailed, exhausted.Status)
	history := f.history(t, exhausted.ID)
	require.Len(t, history, 1)
	assert.Equal(t, models.DetailStatusFailed, history[0].Status)
	require.Len(t, history[0].Logs, 1)
	assert.Equal(t, models.LogTypeError, history[0].Logs[0].Type)
	assert.Contains(t, history[0].Logs[0].Message, ErrResourceExhausted.Error())

	stored, err := f.products().Get(ctx, product.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.Stock)

	// Exhaustion is final.
	report, err = f.scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, report.Exhausted)
}

func TestSchedulerService_UndecodableParamsFailAsInvalid(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	task := testutil.SeedTask(t, f.db, &models.Task{
		DeviceID: device.ID,
		Type:     models.TaskTypeProductRelease,
		Params:   models.RawParams(`{"quantity":1}`),
	})

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, report.Invalid)
	assert.Empty(t, report.Exhausted)
	assert.Empty(t, f.dispatcher.payloads())

	assert.Equal(t, models.TaskStatusFailed, f.task(t, task.ID).Status)
	history := f.history(t, task.ID)
	require.Len(t, history, 1)
	require.Len(t, history[0].Logs, 1)
	assert.Contains(t, history[0].Logs[0].Message, "stored params rejected")
	assert.NotContains(t, history[0].Logs[0].Message, ErrResourceExhausted.Error())

	assert.Equal(t, 1.0, promtest.ToFloat64(f.metrics.dispatches.WithLabelValues(DispatchResultInvalid)))
	assert.Zero(t, promtest.ToFloat64(f.metrics.dispatches.WithLabelValues(DispatchResultExhausted)))
}

func TestSchedulerService_UnreachableAgentRetries(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	product := testutil.SeedProduct(t, f.db, "gift box", 1)
	task := testutil.SeedTask(t, f.db, &models.Task{
		DeviceID: device.ID,
		Type:     models.TaskTypeProductRelease,
		Params:   models.RawParams(`{"product_id":` + uintString(product.ID) + `,"quantity":1,"price_cents":0}`),
	})

	f.dispatcher.fail(device.ID, errAgentDown)
	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, report.Undelivered)

	assert.Equal(t, models.TaskStatusAwait, f.task(t, task.ID).Status)
	history := f.history(t, task.ID)
	require.Len(t, history, 1)
	assert.Equal(t, models.DetailStatusUndelivered, history[0].Status)
	require.NotEmpty(t, history[0].Logs)
	assert.Equal(t, models.LogTypeWarn, history[0].Logs[0].Type)
	assert.Contains(t, history[0].Logs[0].Message, ErrDispatchUnreachable.Error())

	stored, err := f.products().Get(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Stock)

	f.dispatcher.fail(device.ID, nil)
	report, err = f.scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, report.Dispatched)
	assert.Len(t, f.history(t, task.ID), 2)
}

func TestSchedulerService_GivesUpAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{MaxDispatchAttempts: 2})
	now := may1(10, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	task := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})
	f.dispatcher.fail(device.ID, errAgentDown)

	for i := 0; i < 2; i++ {
		_, err := f.scheduler.Tick(ctx, now.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	assert.Equal(t, models.TaskStatusFailed, f.task(t, task.ID).Status)

	report, err := f.scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Considered)
}

// Scenario E: close lands between promotion and acknowledgement.
func TestSchedulerService_CloseWinsOverAcknowledgement(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	task := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})

	f.dispatcher.onSend = func(ports.DispatchPayload) {
		closed, err := f.reporter.Close(ctx, []uint{device.ID}, "wechat")
		assert.NoError(t, err)
		assert.Equal(t, int64(1), closed)
	}

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, []uint{task.ID}, report.Rejected)
	assert.Empty(t, report.Dispatched)

	stored := f.task(t, task.ID)
	assert.True(t, stored.IsDeleted())
	assert.Equal(t, models.TaskStatusAlloc, stored.Status)

	history := f.history(t, task.ID)
	require.Len(t, history, 1)
	assert.Equal(t, models.LifecycleCancelled, history[0].Lifecycle)
	assert.Equal(t, models.DetailStatusAlloc, history[0].Status)
	assert.Empty(t, history[0].Logs)

	f.dispatcher.onSend = nil
	report, err = f.scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Considered)
}

func TestSchedulerService_CancelledRunningTaskKeepsSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	first := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})

	report, err := f.scheduler.Tick(ctx, now)
	require.NoError(t, err)
	require.Equal(t, []uint{first.ID}, report.Dispatched)
	detailID := f.dispatcher.payloads()[0].TaskDetailID

	require.NoError(t, f.taskSvc.Cancel(ctx, first.ID))
	second := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})

	report, err = f.scheduler.Tick(ctx, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Empty(t, report.Dispatched)
	assert.Equal(t, 1, report.Skipped)
	assert.Len(t, f.dispatcher.payloads(), 1)
	assert.Equal(t, models.TaskStatusAwait, f.task(t, second.ID).Status)

	// The agent finishing the cancelled attempt releases the slot.
	require.NoError(t, f.reporter.Report(ctx, ReportInput{DetailID: detailID, Outcome: "success"}))

	report, err = f.scheduler.Tick(ctx, now.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []uint{second.ID}, report.Dispatched)
}

func TestSchedulerService_ConcurrentTicksKeepOneTaskPerSlot(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	now := may1(10, 0)

	for _, number := range []string{"SN-1", "SN-2"} {
		device := testutil.SeedDevice(t, f.db, number, now)
		for i := 0; i < 3; i++ {
			testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})
		}
	}

	const ticks = 8
	reports := make([]*TickReport, ticks)
	var wg sync.WaitGroup
	for i := 0; i < ticks; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			report, err := f.scheduler.Tick(ctx, now)
			assert.NoError(t, err)
			reports[i] = report
		}(i)
	}
	wg.Wait()

	dispatched := 0
	for _, r := range reports {
		if r != nil {
			dispatched += len(r.Dispatched)
		}
	}
	assert.Equal(t, 2, dispatched)

	busy, err := f.tasks.BusySlots(ctx)
	require.NoError(t, err)
	assert.Len(t, busy, 2)

	var running int64
	require.NoError(t, f.db.Model(&models.Task{}).
		Where("status IN ?", models.BusyStatuses).
		Count(&running).Error)
	assert.Equal(t, int64(2), running)
}

func TestSchedulerService_TriggerRunsDevicePass(t *testing.T) {
	f := newFixture(t, SchedulerOptions{TickInterval: time.Hour})
	now := time.Now().UTC()
	f.scheduler.SetClock(func() time.Time { return now })

	device := testutil.SeedDevice(t, f.db, "SN-1", now)
	require.NoError(t, f.scheduler.Start())
	defer f.scheduler.Stop()
	assert.True(t, f.scheduler.IsRunning())

	task := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})
	f.scheduler.TriggerDevice(device.ID)

	assert.Eventually(t, func() bool {
		stored, err := f.tasks.Get(context.Background(), task.ID)
		return err == nil && stored.Status == models.TaskStatusRunning
	}, 5*time.Second, 20*time.Millisecond)

	f.scheduler.Stop()
	assert.False(t, f.scheduler.IsRunning())
}

func TestSchedulerService_TickDeviceRequiresID(t *testing.T) {
	f := newFixture(t, SchedulerOptions{})
	_, err := f.scheduler.TickDevice(context.Background(), 0, may1(10, 0))
	assert.ErrorIs(t, err, ErrInvalidDevice)
}
