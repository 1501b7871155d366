package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/params"
	"github.com/theblitlabs/taskfleet/internal/testutil"
)

func TestTaskService_CreateSharesNormalizedParams(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	trigger := &recordingTrigger{}
	f.taskSvc.SetTrigger(trigger)

	d1 := testutil.SeedDevice(t, f.db, "SN-1", may1(10, 0))
	d2 := testutil.SeedDevice(t, f.db, "SN-2", may1(10, 0))

	tasks, err := f.taskSvc.Create(ctx, CreateTaskInput{
		DeviceIDs: []uint{d1.ID, d2.ID, d1.ID},
		Platform:  " wechat ",
		Type:      models.TaskTypeFriendAdd,
		RunType:   models.RunTypeDaily,
		RunTime:   "9:05",
		Params:    []byte(`{"targets":[" alice ","bob","alice"]}`),
	})
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	want := `{"targets":["alice","bob"],"daily_limit":20,"interval":{"min_seconds":30,"max_seconds":120}}`
	for _, task := range tasks {
		stored := f.task(t, task.ID)
		assert.Equal(t, models.TaskStatusAwait, stored.Status)
		assert.Equal(t, models.LifecycleActive, stored.Lifecycle)
		assert.Equal(t, "wechat", stored.Platform)
		assert.Equal(t, "09:05", stored.RunTime)
		assert.JSONEq(t, want, string(stored.Params))
	}
	assert.Equal(t, []uint{d1.ID, d2.ID}, trigger.triggered())
}

func TestTaskService_CreateRejects(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	device := testutil.SeedDevice(t, f.db, "SN-1", may1(10, 0))

	valid := CreateTaskInput{
		DeviceIDs: []uint{device.ID},
		Platform:  "wechat",
		Type:      models.TaskTypeMessageReplyClose,
		RunType:   models.RunTypeOnce,
		Params:    []byte(`{}`),
	}

	tests := []struct {
		name   string
		mutate func(in *CreateTaskInput)
		target error
		field  string
	}{
		{"no devices", func(in *CreateTaskInput) { in.DeviceIDs = nil }, ErrInvalidDevice, ""},
		{"unknown device", func(in *CreateTaskInput) { in.DeviceIDs = []uint{device.ID, 999} }, ErrInvalidDevice, ""},
		{"empty platform", func(in *CreateTaskInput) { in.Platform = " " }, ErrInvalidParams, "platform"},
		{"unknown run type", func(in *CreateTaskInput) { in.RunType = "hourly" }, ErrInvalidParams, "run_type"},
		{"once with run time", func(in *CreateTaskInput) { in.RunTime = "09:00" }, ErrInvalidParams, "run_time"},
		{"timer without time", func(in *CreateTaskInput) { in.RunType = models.RunTypeTimer }, ErrInvalidParams, "run_time"},
		{"daily bad time", func(in *CreateTaskInput) {
			in.RunType = models.RunTypeDaily
			in.RunTime = "25:00"
		}, ErrInvalidParams, "run_time"},
		{"unknown type", func(in *CreateTaskInput) { in.Type = "poster_print" }, params.ErrUnknownType, ""},
		{"bad params", func(in *CreateTaskInput) {
			in.Type = models.TaskTypeLiveScrape
			in.Params = []byte(`{"room_url":"not a url"}`)
		}, ErrInvalidParams, "room_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := valid
			tt.mutate(&in)

			tasks, err := f.taskSvc.Create(ctx, in)
			assert.Nil(t, tasks)
			require.ErrorIs(t, err, tt.target)
			if tt.field != "" {
				var fe *params.FieldError
				require.True(t, errors.As(err, &fe), err.Error())
				assert.Equal(t, tt.field, fe.Field)
			}
		})
	}

	page, err := f.taskSvc.List(ctx, models.TaskFilter{IncludeCancelled: true}, models.Page{})
	require.NoError(t, err)
	assert.Zero(t, page.Total)
}

func TestTaskService_TimerRunTimeCanonical(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	device := testutil.SeedDevice(t, f.db, "SN-1", may1(10, 0))

	tasks, err := f.taskSvc.Create(ctx, CreateTaskInput{
		DeviceIDs: []uint{device.ID},
		Platform:  "wechat",
		Type:      models.TaskTypeMessageReplyClose,
		RunType:   models.RunTypeTimer,
		RunTime:   "2024-05-01T18:30:00+08:00",
	})
	require.NoError(t, err)
	assert.Equal(t, "2024-05-01 10:30:00", tasks[0].RunTime)
}

func TestTaskService_CancelAndLogs(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, SchedulerOptions{})
	f.taskSvc.SetClock(func() time.Time { return may1(10, 0) })

	device := testutil.SeedDevice(t, f.db, "SN-1", may1(10, 0))
	task := testutil.SeedTask(t, f.db, &models.Task{DeviceID: device.ID})

	_, err := f.scheduler.Tick(ctx, may1(10, 0))
	require.NoError(t, err)
	history, err := f.taskSvc.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)

	require.NoError(t, f.taskSvc.AppendLog(ctx, history[0].ID, models.LogTypeWarn, "captcha shown"))
	assert.ErrorIs(t, f.taskSvc.AppendLog(ctx, history[0].ID, "debug", "x"), ErrInvalidParams)
	assert.ErrorIs(t, f.taskSvc.AppendLog(ctx, 999, models.LogTypeInfo, "x"), ErrDetailNotFound)

	require.NoError(t, f.taskSvc.Cancel(ctx, task.ID))
	require.NoError(t, f.taskSvc.Cancel(ctx, task.ID))

	stored := f.task(t, task.ID)
	assert.True(t, stored.IsDeleted())
	require.NotNil(t, stored.CancelledAt)

	history, err = f.taskSvc.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, history[0].Logs, 2)
	assert.Equal(t, "captcha shown", history[0].Logs[1].Message)
	assert.Equal(t, models.LifecycleCancelled, history[0].Lifecycle)

	visible, err := f.taskSvc.List(ctx, models.TaskFilter{}, models.Page{})
	require.NoError(t, err)
	assert.Zero(t, visible.Total)

	assert.ErrorIs(t, f.taskSvc.Cancel(ctx, 999), ErrTaskNotFound)
	_, err = f.taskSvc.CancelBatch(ctx, []uint{task.ID, 999})
	assert.ErrorIs(t, err, ErrTaskNotFound)
	_, err = f.taskSvc.Logs(ctx, 999)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}
