package repositories

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

var (
	ErrTaskNotFound   = errors.New("task not found")
	ErrDetailNotFound = errors.New("task detail not found")
)

type TaskRepository struct {
	db *gorm.DB
}

func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// CreateBatch inserts every task or none.
func (r *TaskRepository) CreateBatch(ctx context.Context, tasks []*models.Task) error {
	if len(tasks) == 0 {
		return nil
	}
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, task := range tasks {
			if len(task.Params) == 0 {
				task.Params = models.RawParams("{}")
			}
			if task.Status == "" {
				task.Status = models.TaskStatusAwait
			}
			if task.Lifecycle == "" {
				task.Lifecycle = models.LifecycleActive
			}
		}
		return tx.Create(&tasks).Error
	})
}

func (r *TaskRepository) Get(ctx context.Context, id uint) (*models.Task, error) {
	var task models.Task
	result := r.db.WithContext(ctx).Preload("Device").First(&task, id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrTaskNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &task, nil
}

func (r *TaskRepository) GetDetail(ctx context.Context, id uint) (*models.TaskDetail, error) {
	var detail models.TaskDetail
	result := r.db.WithContext(ctx).First(&detail, id)
	if errors.Is(result.Error, gorm.ErrRecordNotFound) {
		return nil, ErrDetailNotFound
	}
	if result.Error != nil {
		return nil, result.Error
	}
	return &detail, nil
}

// List pages through tasks, newest first. The keyword matches the owning device number.
func (r *TaskRepository) List(ctx context.Context, filter models.TaskFilter, page models.Page) (*models.PageResult[models.Task], error) {
	page = page.Normalize()

	filtered := func(db *gorm.DB) *gorm.DB {
		if !filter.IncludeCancelled {
			db = db.Where("tasks.lifecycle = ?", models.LifecycleActive)
		}
		if filter.DeviceID != 0 {
			db = db.Where("tasks.device_id = ?", filter.DeviceID)
		}
		if filter.Type != "" {
			db = db.Where("tasks.type = ?", filter.Type)
		}
		if filter.RunType != "" {
			db = db.Where("tasks.run_type = ?", filter.RunType)
		}
		if filter.Status != "" {
			db = db.Where("tasks.status = ?", filter.Status)
		}
		if kw := strings.TrimSpace(filter.Keyword); kw != "" {
			db = db.Joins("JOIN devices ON devices.id = tasks.device_id").
				Where("devices.number LIKE ?", "%"+kw+"%")
		}
		return db
	}

	var total int64
	if err := r.db.WithContext(ctx).Model(&models.Task{}).Scopes(filtered).Count(&total).Error; err != nil {
		return nil, err
	}

	tasks := []models.Task{}
	if err := r.db.WithContext(ctx).Model(&models.Task{}).Scopes(filtered).
		Preload("Device").
		Order("tasks.id DESC").
		Limit(page.Size).
		Offset(page.Offset()).
		Find(&tasks).Error; err != nil {
		return nil, err
	}

	return &models.PageResult[models.Task]{
		Items: tasks,
		Total: total,
		Page:  page.Number,
		Size:  page.Size,
	}, nil
}

// ListAwait returns active await tasks in FIFO order. deviceID 0 means every device.
func (r *TaskRepository) ListAwait(ctx context.Context, deviceID uint) ([]*models.Task, error) {
	query := r.db.WithContext(ctx).
		Preload("Device").
		Where("status = ? AND lifecycle = ?", models.TaskStatusAwait, models.LifecycleActive)
	if deviceID != 0 {
		query = query.Where("device_id = ?", deviceID)
	}

	var tasks []*models.Task
	err := query.Order("id ASC").Find(&tasks).Error
	return tasks, err
}

// BusySlots lists device+platform pairs that hold an active alloc or running
// task, or an open attempt of a cancelled one.
func (r *TaskRepository) BusySlots(ctx context.Context) (map[models.Slot]struct{}, error) {
	type slotRow struct {
		DeviceID uint
		Platform string
	}

	var active []slotRow
	if err := r.db.WithContext(ctx).Model(&models.Task{}).
		Distinct("device_id", "platform").
		Where("status IN ? AND lifecycle = ?", models.BusyStatuses, models.LifecycleActive).
		Find(&active).Error; err != nil {
		return nil, err
	}

	var open []slotRow
	if err := r.db.WithContext(ctx).Model(&models.TaskDetail{}).
		Select("DISTINCT tasks.device_id AS device_id, tasks.platform AS platform").
		Joins("JOIN tasks ON tasks.id = task_details.task_id").
		Where("task_details.status IN ?", models.OpenDetailStatuses).
		Scan(&open).Error; err != nil {
		return nil, err
	}

	slots := make(map[models.Slot]struct{}, len(active)+len(open))
	for _, row := range append(active, open...) {
		slots[models.Slot{DeviceID: row.DeviceID, Platform: row.Platform}] = struct{}{}
	}
	return slots, nil
}

// slotBusy is the in-transaction form of BusySlots for one slot, ignoring exceptTaskID.
func slotBusy(tx *gorm.DB, deviceID uint, platform string, exceptTaskID uint) (bool, error) {
	var active int64
	if err := tx.Model(&models.Task{}).
		Where("device_id = ? AND platform = ? AND lifecycle = ? AND status IN ? AND id <> ?",
			deviceID, platform, models.LifecycleActive, models.BusyStatuses, exceptTaskID).
		Count(&active).Error; err != nil {
		return false, err
	}
	if active > 0 {
		return true, nil
	}

	var open int64
	if err := tx.Model(&models.TaskDetail{}).
		Joins("JOIN tasks ON tasks.id = task_details.task_id").
		Where("tasks.device_id = ? AND tasks.platform = ? AND tasks.id <> ? AND task_details.status IN ?",
			deviceID, platform, exceptTaskID, models.OpenDetailStatuses).
		Count(&open).Error; err != nil {
		return false, err
	}
	return open > 0, nil
}

// HasDeliveredOn reports whether the task already reached its device on runDate.
// Undelivered attempts do not count.
func (r *TaskRepository) HasDeliveredOn(ctx context.Context, taskID uint, runDate string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TaskDetail{}).
		Where("task_id = ? AND run_date = ? AND status <> ?", taskID, runDate, models.DetailStatusUndelivered).
		Count(&count).Error
	return count > 0, err
}

func (r *TaskRepository) CountUndelivered(ctx context.Context, taskID uint) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.TaskDetail{}).
		Where("task_id = ? AND status = ?", taskID, models.DetailStatusUndelivered).
		Count(&count).Error
	return count, err
}

// Cancel marks the tasks and their details cancelled. Unknown ids fail the
// whole call; already cancelled tasks are left as they are.
func (r *TaskRepository) Cancel(ctx context.Context, ids []uint, at time.Time) (int64, error) {
	ids = uniqueIDs(ids)
	if len(ids) == 0 {
		return 0, ErrTaskNotFound
	}

	var cancelled int64
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var found int64
		if err := tx.Model(&models.Task{}).Where("id IN ?", ids).Count(&found).Error; err != nil {
			return err
		}
		if found != int64(len(ids)) {
			return ErrTaskNotFound
		}

		n, err := cancelTasks(tx, ids, at)
		cancelled = n
		return err
	})
	return cancelled, err
}

// CloseSlots cancels active await and alloc tasks of the devices on platform.
func (r *TaskRepository) CloseSlots(ctx context.Context, deviceIDs []uint, platform string, at time.Time) ([]uint, error) {
	deviceIDs = uniqueIDs(deviceIDs)
	if len(deviceIDs) == 0 {
		return nil, nil
	}

	var ids []uint
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := lockDevices(tx, deviceIDs); err != nil {
			return err
		}

		if err := tx.Model(&models.Task{}).
			Where("device_id IN ? AND platform = ? AND lifecycle = ? AND status IN ?",
				deviceIDs, platform, models.LifecycleActive,
				[]models.TaskStatus{models.TaskStatusAwait, models.TaskStatusAlloc}).
			Order("id ASC").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}

		_, err := cancelTasks(tx, ids, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func cancelTasks(tx *gorm.DB, ids []uint, at time.Time) (int64, error) {
	result := tx.Model(&models.Task{}).
		Where("id IN ? AND lifecycle = ?", ids, models.LifecycleActive).
		Updates(map[string]interface{}{
			"lifecycle":    models.LifecycleCancelled,
			"cancelled_at": at,
		})
	if result.Error != nil {
		return 0, result.Error
	}

	if err := tx.Model(&models.TaskDetail{}).
		Where("task_id IN ? AND lifecycle = ?", ids, models.LifecycleActive).
		Update("lifecycle", models.LifecycleCancelled).Error; err != nil {
		return 0, err
	}
	return result.RowsAffected, nil
}

// AppendLogs inserts entries for one attempt in the given order.
func (r *TaskRepository) AppendLogs(ctx context.Context, detailID uint, entries []models.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if _, err := r.GetDetail(ctx, detailID); err != nil {
		return err
	}
	for i := range entries {
		entries[i].ID = 0
		entries[i].TaskDetailID = detailID
	}
	return r.db.WithContext(ctx).Create(&entries).Error
}

// Logs returns every attempt of a task, newest first, each with its ordered log.
func (r *TaskRepository) Logs(ctx context.Context, taskID uint) ([]models.DetailWithLogs, error) {
	var details []models.TaskDetail
	if err := r.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id DESC").
		Find(&details).Error; err != nil {
		return nil, err
	}

	result := make([]models.DetailWithLogs, len(details))
	if len(details) == 0 {
		return result, nil
	}

	detailIDs := make([]uint, len(details))
	index := make(map[uint]int, len(details))
	for i, d := range details {
		detailIDs[i] = d.ID
		index[d.ID] = i
		result[i] = models.DetailWithLogs{TaskDetail: d, Logs: []models.LogEntry{}}
	}

	var entries []models.LogEntry
	if err := r.db.WithContext(ctx).
		Where("task_detail_id IN ?", detailIDs).
		Order("id ASC").
		Find(&entries).Error; err != nil {
		return nil, err
	}
	for _, e := range entries {
		i := index[e.TaskDetailID]
		result[i].Logs = append(result[i].Logs, e)
	}
	return result, nil
}

func uniqueIDs(ids []uint) []uint {
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
