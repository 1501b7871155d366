package models

import "time"

// Product is the slice of a catalog item the dispatcher cares about: how many
// units are still available for release.
type Product struct {
	ID        uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	Name      string    `json:"name" gorm:"type:varchar(255)"`
	Stock     int64     `json:"stock" gorm:"not null;default:0"`
	CreatedAt time.Time `json:"created_at" gorm:"autoCreateTime"`
	UpdatedAt time.Time `json:"updated_at" gorm:"autoUpdateTime"`
}

type ProductUse struct {
	ID           uint      `json:"id" gorm:"primaryKey;autoIncrement"`
	ProductID    uint      `json:"product_id" gorm:"not null;uniqueIndex:idx_product_use_attempt,priority:1"`
	TaskDetailID uint      `json:"task_detail_id" gorm:"not null;uniqueIndex:idx_product_use_attempt,priority:2"`
	TaskID       uint      `json:"task_id" gorm:"not null;index"`
	DeviceID     uint      `json:"device_id" gorm:"not null"`
	Quantity     int64     `json:"quantity" gorm:"not null"`
	CreatedAt    time.Time `json:"created_at" gorm:"autoCreateTime"`
}

// All lists every table the service migrates.
func All() []interface{} {
	return []interface{}{
		&Device{},
		&Task{},
		&TaskDetail{},
		&LogEntry{},
		&Product{},
		&ProductUse{},
	}
}
