package models

const (
	DefaultPageSize = 20
	MaxPageSize     = 200
)

type Page struct {
	Number int `form:"page" json:"page"`
	Size   int `form:"size" json:"size"`
}

// Normalize clamps the page to sane bounds, starting at page 1.
func (p Page) Normalize() Page {
	if p.Number < 1 {
		p.Number = 1
	}
	if p.Size < 1 {
		p.Size = DefaultPageSize
	}
	if p.Size > MaxPageSize {
		p.Size = MaxPageSize
	}
	return p
}

func (p Page) Offset() int {
	return (p.Number - 1) * p.Size
}

type PageResult[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Size  int   `json:"size"`
}

type DeviceFilter struct {
	OnlineOnly bool
	Status     DeviceStatus
	Keyword    string
}

type TaskFilter struct {
	DeviceID         uint
	Type             TaskType
	RunType          RunType
	Status           TaskStatus
	Keyword          string
	IncludeCancelled bool
}

// Slot is the concurrency scope of a task: one device on one platform.
type Slot struct {
	DeviceID uint
	Platform string
}
