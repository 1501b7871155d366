package repositories

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

var (
	// ErrSlotBusy means another task of the device+platform is alloc or running,
	// or still has an attempt open on the agent.
	ErrSlotBusy = errors.New("device platform slot busy")
	// ErrStaleTransition means the row moved on since it was read.
	ErrStaleTransition = errors.New("task state changed concurrently")
	ErrTaskCancelled   = errors.New("task cancelled")
	ErrDetailFinalized = errors.New("task detail already finalized")
)

// Reservation is the stock a promotion must take from the catalog pool.
type Reservation struct {
	ProductID uint
	Quantity  int64
}

type Promotion struct {
	TaskID  uint
	RunDate string
	At      time.Time
	Reserve *Reservation
	// OncePerDay rejects the promotion if an attempt already reached the device on RunDate.
	OncePerDay bool
}

// lockDevices takes the row locks that serialise every transition of the
// devices' slots. sqlite ignores the clause and serialises writers itself.
func lockDevices(tx *gorm.DB, ids []uint) error {
	var locked []models.Device
	return tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Select("id").
		Where("id IN ?", ids).
		Order("id ASC").
		Find(&locked).Error
}

// Promote moves an await task to alloc and opens its attempt. The slot
// invariant is re-checked under the device lock, so two concurrent ticks can
// never both win. Stock is reserved in the same transaction.
func (r *TaskRepository) Promote(ctx context.Context, p Promotion) (*models.TaskDetail, error) {
	var detail *models.TaskDetail
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, p.TaskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		if err := lockDevices(tx, []uint{task.DeviceID}); err != nil {
			return fmt.Errorf("lock device %d: %w", task.DeviceID, err)
		}

		busy, err := slotBusy(tx, task.DeviceID, task.Platform, task.ID)
		if err != nil {
			return err
		}
		if busy {
			return ErrSlotBusy
		}

		if p.OncePerDay {
			var delivered int64
			if err := tx.Model(&models.TaskDetail{}).
				Where("task_id = ? AND run_date = ? AND status <> ?", task.ID, p.RunDate, models.DetailStatusUndelivered).
				Count(&delivered).Error; err != nil {
				return err
			}
			if delivered > 0 {
				return ErrStaleTransition
			}
		}

		result := tx.Model(&models.Task{}).
			Where("id = ? AND status = ? AND lifecycle = ?", task.ID, models.TaskStatusAwait, models.LifecycleActive).
			Updates(map[string]interface{}{
				"status":        models.TaskStatusAlloc,
				"last_fired_at": p.At,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleTransition
		}

		detail = &models.TaskDetail{
			TaskID:    task.ID,
			DeviceID:  task.DeviceID,
			Status:    models.DetailStatusAlloc,
			Lifecycle: models.LifecycleActive,
			RunDate:   p.RunDate,
			StartedAt: p.At,
		}
		if err := tx.Create(detail).Error; err != nil {
			return err
		}

		if p.Reserve != nil {
			use := &models.ProductUse{
				ProductID:    p.Reserve.ProductID,
				TaskDetailID: detail.ID,
				TaskID:       task.ID,
				DeviceID:     task.DeviceID,
				Quantity:     p.Reserve.Quantity,
			}
			if err := NewProductRepository(tx).Reserve(ctx, use); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// Exhaust fails an await task whose resources ran out, recording a failed
// attempt and the reason.
func (r *TaskRepository) Exhaust(ctx context.Context, taskID uint, runDate string, at time.Time, reason string) (*models.TaskDetail, error) {
	var detail *models.TaskDetail
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var task models.Task
		if err := tx.First(&task, taskID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrTaskNotFound
			}
			return err
		}

		result := tx.Model(&models.Task{}).
			Where("id = ? AND status = ? AND lifecycle = ?", taskID, models.TaskStatusAwait, models.LifecycleActive).
			Update("status", models.TaskStatusFailed)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleTransition
		}

		finished := at
		detail = &models.TaskDetail{
			TaskID:     taskID,
			DeviceID:   task.DeviceID,
			Status:     models.DetailStatusFailed,
			Lifecycle:  models.LifecycleActive,
			RunDate:    runDate,
			StartedAt:  at,
			FinishedAt: &finished,
		}
		if err := tx.Create(detail).Error; err != nil {
			return err
		}

		return tx.Create(&models.LogEntry{
			TaskDetailID: detail.ID,
			Type:         models.LogTypeError,
			Message:      reason,
		}).Error
	})
	if err != nil {
		return nil, err
	}
	return detail, nil
}

// Acknowledge promotes a delivered attempt from alloc to running. A cancelled
// task or attempt rejects the acknowledgement and stays where it was.
func (r *TaskRepository) Acknowledge(ctx context.Context, detailID uint, message string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var detail models.TaskDetail
		if err := tx.First(&detail, detailID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDetailNotFound
			}
			return err
		}

		if err := lockDevices(tx, []uint{detail.DeviceID}); err != nil {
			return fmt.Errorf("lock device %d: %w", detail.DeviceID, err)
		}

		var task models.Task
		if err := tx.First(&task, detail.TaskID).Error; err != nil {
			return err
		}
		if task.Lifecycle == models.LifecycleCancelled {
			return ErrTaskCancelled
		}

		result := tx.Model(&models.TaskDetail{}).
			Where("id = ? AND status = ? AND lifecycle = ?", detailID, models.DetailStatusAlloc, models.LifecycleActive).
			Update("status", models.DetailStatusRunning)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleTransition
		}

		result = tx.Model(&models.Task{}).
			Where("id = ? AND status = ? AND lifecycle = ?", task.ID, models.TaskStatusAlloc, models.LifecycleActive).
			Update("status", models.TaskStatusRunning)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleTransition
		}

		if message == "" {
			return nil
		}
		return tx.Create(&models.LogEntry{
			TaskDetailID: detailID,
			Type:         models.LogTypeInfo,
			Message:      message,
		}).Error
	})
}

// Undeliver closes an attempt whose hand-off failed: the detail becomes
// undelivered, reserved stock goes back to the pool and the task returns to
// await. When maxAttempts is positive and reached, the task fails instead.
// It reports whether the task was failed.
func (r *TaskRepository) Undeliver(ctx context.Context, detailID uint, at time.Time, reason string, maxAttempts int) (bool, error) {
	var failed bool
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var detail models.TaskDetail
		if err := tx.First(&detail, detailID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDetailNotFound
			}
			return err
		}

		result := tx.Model(&models.TaskDetail{}).
			Where("id = ? AND status = ?", detailID, models.DetailStatusAlloc).
			Updates(map[string]interface{}{
				"status":      models.DetailStatusUndelivered,
				"finished_at": at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrStaleTransition
		}

		if _, err := NewProductRepository(tx).Release(ctx, detailID); err != nil {
			return fmt.Errorf("release stock: %w", err)
		}

		entries := []models.LogEntry{{TaskDetailID: detailID, Type: models.LogTypeWarn, Message: reason}}

		next := models.TaskStatusAwait
		if maxAttempts > 0 {
			var attempts int64
			if err := tx.Model(&models.TaskDetail{}).
				Where("task_id = ? AND status = ?", detail.TaskID, models.DetailStatusUndelivered).
				Count(&attempts).Error; err != nil {
				return err
			}
			if attempts >= int64(maxAttempts) {
				next = models.TaskStatusFailed
				failed = true
				entries = append(entries, models.LogEntry{
					TaskDetailID: detailID,
					Type:         models.LogTypeError,
					Message:      fmt.Sprintf("giving up after %d undelivered attempts", attempts),
				})
			}
		}

		if err := tx.Model(&models.Task{}).
			Where("id = ? AND status = ? AND lifecycle = ?", detail.TaskID, models.TaskStatusAlloc, models.LifecycleActive).
			Update("status", next).Error; err != nil {
			return err
		}

		return tx.Create(&entries).Error
	})
	return failed, err
}

// Finalize records an agent outcome on an attempt and advances its task.
// Daily tasks re-arm to await after success; once and timer tasks stay
// terminal. A cancelled task keeps the status it had reached.
func (r *TaskRepository) Finalize(ctx context.Context, detailID uint, outcome models.DetailStatus, at time.Time) (*models.Task, *models.TaskDetail, error) {
	if outcome != models.DetailStatusSuccess && outcome != models.DetailStatusFailed {
		return nil, nil, fmt.Errorf("finalize detail %d: outcome %q is not terminal", detailID, outcome)
	}

	var task models.Task
	var detail models.TaskDetail
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&detail, detailID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrDetailNotFound
			}
			return err
		}

		if err := lockDevices(tx, []uint{detail.DeviceID}); err != nil {
			return fmt.Errorf("lock device %d: %w", detail.DeviceID, err)
		}

		result := tx.Model(&models.TaskDetail{}).
			Where("id = ? AND status IN ?", detailID,
				[]models.DetailStatus{models.DetailStatusAlloc, models.DetailStatusRunning}).
			Updates(map[string]interface{}{
				"status":      outcome,
				"finished_at": at,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrDetailFinalized
		}

		if err := tx.Preload("Device").First(&task, detail.TaskID).Error; err != nil {
			return err
		}
		if task.Lifecycle == models.LifecycleCancelled {
			detail = models.TaskDetail{}
			return tx.First(&detail, detailID).Error
		}

		next := models.TaskStatus(outcome)
		if task.RunType == models.RunTypeDaily && outcome == models.DetailStatusSuccess {
			next = models.TaskStatusAwait
		}

		if err := tx.Model(&models.Task{}).
			Where("id = ? AND status IN ?", task.ID, models.BusyStatuses).
			Update("status", next).Error; err != nil {
			return err
		}

		task = models.Task{}
		if err := tx.Preload("Device").First(&task, detail.TaskID).Error; err != nil {
			return err
		}
		detail = models.TaskDetail{}
		return tx.First(&detail, detailID).Error
	})
	if err != nil {
		return nil, nil, err
	}
	return &task, &detail, nil
}
