package models

import "time"

type DeviceStatus string

const (
	DeviceStatusNormal   DeviceStatus = "normal"
	DeviceStatusDisabled DeviceStatus = "disabled"
)

func (s DeviceStatus) Valid() bool {
	return s == DeviceStatusNormal || s == DeviceStatusDisabled
}

// DefaultActiveWindow is how long a heartbeat keeps a device online.
const DefaultActiveWindow = 5 * time.Minute

type Device struct {
	ID         uint         `json:"id" gorm:"primaryKey;autoIncrement"`
	Number     string       `json:"number" gorm:"type:varchar(64);uniqueIndex;not null"`
	Name       string       `json:"name" gorm:"type:varchar(255)"`
	IP         string       `json:"ip" gorm:"type:varchar(64)"`
	Webhook    string       `json:"webhook,omitempty" gorm:"type:varchar(255)"`
	Status     DeviceStatus `json:"status" gorm:"type:varchar(16);not null;default:normal;index"`
	IsOnline   bool         `json:"is_online"`
	ActiveTime time.Time    `json:"active_time" gorm:"index"`
	CreatedAt  time.Time    `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt  time.Time    `json:"updated_at" gorm:"autoUpdateTime"`
}

// Online derives liveness from the stored flag and the last heartbeat.
// It never touches storage, so the answer is as fresh as now.
func (d *Device) Online(now time.Time, window time.Duration) bool {
	if d == nil || !d.IsOnline || d.ActiveTime.IsZero() {
		return false
	}
	return now.Sub(d.ActiveTime) <= window
}

// Dispatchable reports whether the scheduler may hand work to the device.
func (d *Device) Dispatchable(now time.Time, window time.Duration) bool {
	return d.Status == DeviceStatusNormal && d.Online(now, window)
}
