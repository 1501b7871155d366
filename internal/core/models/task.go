package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

type (
	TaskStatus string
	TaskType   string
	RunType    string
	Lifecycle  string
)

const (
	TaskStatusAwait   TaskStatus = "await"
	TaskStatusAlloc   TaskStatus = "alloc"
	TaskStatusRunning TaskStatus = "running"
	TaskStatusSuccess TaskStatus = "success"
	TaskStatusFailed  TaskStatus = "failed"
)

func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusAwait, TaskStatusAlloc, TaskStatusRunning, TaskStatusSuccess, TaskStatusFailed:
		return true
	}
	return false
}

func (s TaskStatus) Terminal() bool {
	return s == TaskStatusSuccess || s == TaskStatusFailed
}

// Busy statuses hold the device+platform slot.
func (s TaskStatus) Busy() bool {
	return s == TaskStatusAlloc || s == TaskStatusRunning
}

var BusyStatuses = []TaskStatus{TaskStatusAlloc, TaskStatusRunning}

const (
	TaskTypeFriendAdd         TaskType = "friend_add"
	TaskTypeContentPush       TaskType = "content_push"
	TaskTypeProductRelease    TaskType = "product_release"
	TaskTypeMessageReplyClose TaskType = "message_reply_close"
	TaskTypeLiveScrape        TaskType = "live_scrape"
)

const (
	RunTypeOnce  RunType = "once"
	RunTypeTimer RunType = "timer"
	RunTypeDaily RunType = "daily"
)

func (r RunType) Valid() bool {
	return r == RunTypeOnce || r == RunTypeTimer || r == RunTypeDaily
}

const (
	LifecycleActive    Lifecycle = "active"
	LifecycleCancelled Lifecycle = "cancelled"
)

// RawParams is the canonical JSON parameter payload, stored as text so every
// dialect treats it the same way.
type RawParams json.RawMessage

func (p RawParams) Value() (driver.Value, error) {
	if len(p) == 0 {
		return "{}", nil
	}
	return string(p), nil
}

func (p *RawParams) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*p = nil
	case string:
		*p = RawParams(v)
	case []byte:
		*p = append((*p)[:0], v...)
	default:
		return fmt.Errorf("unsupported params column type %T", src)
	}
	return nil
}

func (p RawParams) MarshalJSON() ([]byte, error) {
	if len(p) == 0 {
		return []byte("null"), nil
	}
	return p, nil
}

func (p *RawParams) UnmarshalJSON(b []byte) error {
	*p = append((*p)[:0], b...)
	return nil
}

type Task struct {
	ID          uint       `json:"id" gorm:"primaryKey;autoIncrement"`
	DeviceID    uint       `json:"device_id" gorm:"not null;index:idx_task_slot,priority:1"`
	Platform    string     `json:"platform" gorm:"type:varchar(64);not null;index:idx_task_slot,priority:2"`
	Type        TaskType   `json:"type" gorm:"type:varchar(32);not null;index"`
	RunType     RunType    `json:"run_type" gorm:"type:varchar(16);not null"`
	RunTime     string     `json:"run_time" gorm:"type:varchar(32)"`
	Params      RawParams  `json:"params" gorm:"type:text"`
	Status      TaskStatus `json:"status" gorm:"type:varchar(16);not null;index:idx_task_slot,priority:3"`
	Lifecycle   Lifecycle  `json:"lifecycle" gorm:"type:varchar(16);not null;default:active;index"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt   time.Time  `json:"updated_at" gorm:"autoUpdateTime"`

	Device *Device `json:"device,omitempty" gorm:"foreignKey:DeviceID"`
}

func (t *Task) IsDeleted() bool {
	return t.Lifecycle == LifecycleCancelled
}

func (t Task) MarshalJSON() ([]byte, error) {
	type alias Task
	return json.Marshal(struct {
		alias
		IsDeleted bool `json:"is_deleted"`
	}{alias(t), t.IsDeleted()})
}

// DetailStatus extends the task statuses with undelivered, which marks an
// attempt whose hand-off never reached the agent.
type DetailStatus string

const (
	DetailStatusAlloc       DetailStatus = "alloc"
	DetailStatusRunning     DetailStatus = "running"
	DetailStatusSuccess     DetailStatus = "success"
	DetailStatusFailed      DetailStatus = "failed"
	DetailStatusUndelivered DetailStatus = "undelivered"
)

// OpenDetailStatuses mark an attempt the agent may still be executing. An open
// attempt holds its slot even after the task is cancelled.
var OpenDetailStatuses = []DetailStatus{DetailStatusAlloc, DetailStatusRunning}

func (s DetailStatus) Final() bool {
	return s == DetailStatusSuccess || s == DetailStatusFailed || s == DetailStatusUndelivered
}

// RunDateLayout is the calendar day key of a TaskDetail.
const RunDateLayout = "2006-01-02"

type TaskDetail struct {
	ID         uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskID     uint         `json:"task_id" gorm:"not null;index:idx_detail_day,priority:1"`
	DeviceID   uint         `json:"device_id" gorm:"not null;index"`
	Status     DetailStatus `json:"status" gorm:"type:varchar(16);not null"`
	Lifecycle  Lifecycle    `json:"lifecycle" gorm:"type:varchar(16);not null;default:active"`
	RunDate    string       `json:"run_date" gorm:"type:varchar(10);index:idx_detail_day,priority:2"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt *time.Time   `json:"finished_at,omitempty"`
	CreatedAt  time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

type LogType string

const (
	LogTypeInfo  LogType = "info"
	LogTypeWarn  LogType = "warn"
	LogTypeError LogType = "error"
)

func (t LogType) Valid() bool {
	return t == LogTypeInfo || t == LogTypeWarn || t == LogTypeError
}

type LogEntry struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	TaskDetailID uint      `json:"task_detail_id" gorm:"not null;index"`
	Type         LogType   `json:"type" gorm:"type:varchar(16);not null"`
	Message      string    `json:"message" gorm:"type:text"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// DetailWithLogs is one execution attempt together with its log history.
type DetailWithLogs struct {
	TaskDetail
	Logs []LogEntry `json:"logs"`
}
