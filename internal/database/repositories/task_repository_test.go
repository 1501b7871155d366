package repositories

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/testutil"
)

var testNow = time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

func setupTaskRepo(t *testing.T) (*gorm.DB, *TaskRepository, *models.Device) {
	t.Helper()
	db := testutil.NewDB(t)
	device := testutil.SeedDevice(t, db, "SN-TASK", testNow)
	return db, NewTaskRepository(db), device
}

func promote(t *testing.T, repo *TaskRepository, taskID uint) *models.TaskDetail {
	t.Helper()
	detail, err := repo.Promote(context.Background(), Promotion{TaskID: taskID, RunDate: "2024-05-01", At: testNow})
	require.NoError(t, err)
	return detail
}

func TestTaskRepository_CreateBatchAndList(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)
	other := testutil.SeedDevice(t, db, "XYZ-9", testNow)

	tasks := []*models.Task{
		{DeviceID: device.ID, Platform: "wechat", Type: models.TaskTypeFriendAdd, RunType: models.RunTypeOnce, Params: models.RawParams(`{"targets":["a"]}`)},
		{DeviceID: other.ID, Platform: "wechat", Type: models.TaskTypeFriendAdd, RunType: models.RunTypeOnce, Params: models.RawParams(`{"targets":["a"]}`)},
	}
	require.NoError(t, repo.CreateBatch(ctx, tasks))
	for _, task := range tasks {
		assert.NotZero(t, task.ID)
		assert.Equal(t, models.TaskStatusAwait, task.Status)
		assert.Equal(t, models.LifecycleActive, task.Lifecycle)
	}

	page, err := repo.List(ctx, models.TaskFilter{Keyword: "XYZ"}, models.Page{})
	require.NoError(t, err)
	require.Equal(t, int64(1), page.Total)
	assert.Equal(t, other.ID, page.Items[0].DeviceID)
	require.NotNil(t, page.Items[0].Device)
	assert.Equal(t, "XYZ-9", page.Items[0].Device.Number)
	assert.JSONEq(t, `{"targets":["a"]}`, string(page.Items[0].Params))

	got, err := repo.Get(ctx, tasks[0].ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskTypeFriendAdd, got.Type)

	_, err = repo.Get(ctx, 12345)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskRepository_CancelCascadesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)

	task := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID})
	detail := promote(t, repo, task.ID)
	require.NoError(t, repo.AppendLogs(ctx, detail.ID, []models.LogEntry{{Type: models.LogTypeInfo, Message: "started"}}))

	n, err := repo.Cancel(ctx, []uint{task.ID}, testNow)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = repo.Cancel(ctx, []uint{task.ID}, testNow)
	require.NoError(t, err)
	assert.Zero(t, n)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, got.IsDeleted())
	assert.Equal(t, models.TaskStatusAlloc, got.Status)

	logs, err := repo.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.LifecycleCancelled, logs[0].Lifecycle)
	require.Len(t, logs[0].Logs, 1)

	_, err = repo.Cancel(ctx, []uint{task.ID, 4242}, testNow)
	assert.ErrorIs(t, err, ErrTaskNotFound)
}

func TestTaskRepository_PromoteRespectsSlot(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)

	first := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "douyin"})
	second := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "douyin"})
	otherPlatform := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "wechat"})

	promote(t, repo, first.ID)

	_, err := repo.Promote(ctx, Promotion{TaskID: second.ID, RunDate: "2024-05-01", At: testNow})
	assert.ErrorIs(t, err, ErrSlotBusy)

	promote(t, repo, otherPlatform.ID)

	_, err = repo.Promote(ctx, Promotion{TaskID: first.ID, RunDate: "2024-05-01", At: testNow})
	assert.ErrorIs(t, err, ErrStaleTransition)

	slots, err := repo.BusySlots(ctx)
	require.NoError(t, err)
	assert.Len(t, slots, 2)
	assert.Contains(t, slots, models.Slot{DeviceID: device.ID, Platform: "douyin"})
}

func TestTaskRepository_CancelledOpenAttemptHoldsSlot(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)
	slot := models.Slot{DeviceID: device.ID, Platform: "douyin"}

	running := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "douyin"})
	detail := promote(t, repo, running.ID)
	require.NoError(t, repo.Acknowledge(ctx, detail.ID, ""))

	_, err := repo.Cancel(ctx, []uint{running.ID}, testNow)
	require.NoError(t, err)

	slots, err := repo.BusySlots(ctx)
	require.NoError(t, err)
	assert.Contains(t, slots, slot)

	next := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "douyin"})
	_, err = repo.Promote(ctx, Promotion{TaskID: next.ID, RunDate: "2024-05-01", At: testNow})
	assert.ErrorIs(t, err, ErrSlotBusy)

	_, _, err = repo.Finalize(ctx, detail.ID, models.DetailStatusFailed, testNow)
	require.NoError(t, err)

	slots, err = repo.BusySlots(ctx)
	require.NoError(t, err)
	assert.NotContains(t, slots, slot)
	promote(t, repo, next.ID)
}

func TestTaskRepository_ConcurrentPromotionsHaveOneWinner(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)

	var ids []uint
	for i := 0; i < 6; i++ {
		ids = append(ids, testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID}).ID)
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, id := range ids {
		wg.Add(1)
		go func(id uint) {
			defer wg.Done()
			if _, err := repo.Promote(ctx, Promotion{TaskID: id, RunDate: "2024-05-01", At: testNow}); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	var busy int64
	require.NoError(t, db.Model(&models.Task{}).Where("status IN ?", models.BusyStatuses).Count(&busy).Error)
	assert.Equal(t, int64(1), busy)
}

func TestTaskRepository_PromoteReservesStockAtomically(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)
	products := NewProductRepository(db)
	product := testutil.SeedProduct(t, db, "mug", 1)

	a := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "a", Type: models.TaskTypeProductRelease})
	b := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "b", Type: models.TaskTypeProductRelease})

	reserve := &Reservation{ProductID: product.ID, Quantity: 1}
	detail, err := repo.Promote(ctx, Promotion{TaskID: a.ID, RunDate: "2024-05-01", At: testNow, Reserve: reserve})
	require.NoError(t, err)

	_, err = repo.Promote(ctx, Promotion{TaskID: b.ID, RunDate: "2024-05-01", At: testNow, Reserve: reserve})
	assert.ErrorIs(t, err, ErrInsufficientStock)

	got, err := repo.Get(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAwait, got.Status, "failed reservation must roll the promotion back")

	var details int64
	require.NoError(t, db.Model(&models.TaskDetail{}).Where("task_id = ?", b.ID).Count(&details).Error)
	assert.Zero(t, details)

	uses, err := products.UsesByTask(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, uses, 1)
	assert.Equal(t, detail.ID, uses[0].TaskDetailID)

	left, err := products.Get(ctx, product.ID)
	require.NoError(t, err)
	assert.Zero(t, left.Stock)
}

func TestTaskRepository_UndeliverReleasesAndReverts(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)
	products := NewProductRepository(db)
	product := testutil.SeedProduct(t, db, "mug", 3)

	task := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Type: models.TaskTypeProductRelease})
	detail, err := repo.Promote(ctx, Promotion{
		TaskID:  task.ID,
		RunDate: "2024-05-01",
		At:      testNow,
		Reserve: &Reservation{ProductID: product.ID, Quantity: 2},
	})
	require.NoError(t, err)

	failed, err := repo.Undeliver(ctx, detail.ID, testNow, "agent unreachable", 0)
	require.NoError(t, err)
	assert.False(t, failed)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAwait, got.Status)

	stock, err := products.Get(ctx, product.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stock.Stock)

	uses, err := products.UsesByTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, uses)

	logs, err := repo.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, models.DetailStatusUndelivered, logs[0].Status)
	require.Len(t, logs[0].Logs, 1)
	assert.Equal(t, models.LogTypeWarn, logs[0].Logs[0].Type)

	delivered, err := repo.HasDeliveredOn(ctx, task.ID, "2024-05-01")
	require.NoError(t, err)
	assert.False(t, delivered)
}

func TestTaskRepository_UndeliverFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)
	task := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID})

	for attempt := 1; attempt <= 2; attempt++ {
		detail := promote(t, repo, task.ID)
		failed, err := repo.Undeliver(ctx, detail.ID, testNow, "agent unreachable", 2)
		require.NoError(t, err)
		assert.Equal(t, attempt == 2, failed)
	}

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)

	n, err := repo.CountUndelivered(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTaskRepository_AcknowledgeRejectsCancelled(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)
	task := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID})
	detail := promote(t, repo, task.ID)

	_, err := repo.Cancel(ctx, []uint{task.ID}, testNow)
	require.NoError(t, err)

	err = repo.Acknowledge(ctx, detail.ID, "delivered")
	assert.ErrorIs(t, err, ErrTaskCancelled)

	got, err := repo.Get(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAlloc, got.Status)

	logs, err := repo.Logs(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Empty(t, logs[0].Logs)
}

func TestTaskRepository_FinalizeDailyRearms(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)
	daily := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, RunType: models.RunTypeDaily, RunTime: "09:00"})
	once := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "other"})

	dailyDetail := promote(t, repo, daily.ID)
	require.NoError(t, repo.Acknowledge(ctx, dailyDetail.ID, ""))
	task, detail, err := repo.Finalize(ctx, dailyDetail.ID, models.DetailStatusSuccess, testNow)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusAwait, task.Status)
	assert.Equal(t, models.DetailStatusSuccess, detail.Status)
	require.NotNil(t, detail.FinishedAt)

	_, err = repo.Promote(ctx, Promotion{TaskID: daily.ID, RunDate: "2024-05-01", At: testNow, OncePerDay: true})
	assert.ErrorIs(t, err, ErrStaleTransition)

	onceDetail := promote(t, repo, once.ID)
	task, _, err = repo.Finalize(ctx, onceDetail.ID, models.DetailStatusFailed, testNow)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, task.Status)

	_, _, err = repo.Finalize(ctx, onceDetail.ID, models.DetailStatusSuccess, testNow)
	assert.ErrorIs(t, err, ErrDetailFinalized)
}

func TestTaskRepository_CloseSlots(t *testing.T) {
	ctx := context.Background()
	db, repo, device := setupTaskRepo(t)

	awaiting := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "douyin"})
	allocated := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "douyin"})
	require.NoError(t, db.Model(allocated).Update("status", models.TaskStatusAlloc).Error)
	running := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "douyin", Status: models.TaskStatusRunning})
	elsewhere := testutil.SeedTask(t, db, &models.Task{DeviceID: device.ID, Platform: "wechat"})

	ids, err := repo.CloseSlots(ctx, []uint{device.ID}, "douyin", testNow)
	require.NoError(t, err)
	assert.ElementsMatch(t, []uint{awaiting.ID, allocated.ID}, ids)

	for _, id := range []uint{running.ID, elsewhere.ID} {
		got, err := repo.Get(ctx, id)
		require.NoError(t, err)
		assert.False(t, got.IsDeleted())
	}
}

func TestTaskRepository_AppendLogsUnknownDetail(t *testing.T) {
	_, repo, _ := setupTaskRepo(t)
	err := repo.AppendLogs(context.Background(), 777, []models.LogEntry{{Type: models.LogTypeInfo, Message: "x"}})
	assert.ErrorIs(t, err, ErrDetailNotFound)
}
