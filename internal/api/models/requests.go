package models

import (
	"encoding/json"

	coremodels "github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/services"
)

type RegisterDeviceRequest struct {
	Number  string `json:"number" binding:"required"`
	Name    string `json:"name"`
	IP      string `json:"ip"`
	Webhook string `json:"webhook,omitempty"`
}

type HeartbeatRequest struct {
	IP string `json:"ip"`
}

type SetDeviceStatusRequest struct {
	Status coremodels.DeviceStatus `json:"status" binding:"required"`
}

type DeviceListQuery struct {
	OnlineOnly bool                    `form:"online_only"`
	Status     coremodels.DeviceStatus `form:"status"`
	Keyword    string                  `form:"keyword"`
	Page       int                     `form:"page"`
	Size       int                     `form:"size"`
}

// DeviceView adds the liveness derived at read time.
type DeviceView struct {
	coremodels.Device
	Online bool `json:"online"`
}

type CreateTaskRequest struct {
	DeviceIDs []uint              `json:"device_ids"`
	Platform  string              `json:"platform"`
	Type      coremodels.TaskType `json:"type" binding:"required"`
	RunType   coremodels.RunType  `json:"run_type" binding:"required"`
	RunTime   string              `json:"run_time"`
	Params    json.RawMessage     `json:"params"`
}

type TaskListQuery struct {
	DeviceID         uint                  `form:"device_id"`
	Type             coremodels.TaskType   `form:"type"`
	RunType          coremodels.RunType    `form:"run_type"`
	Status           coremodels.TaskStatus `form:"status"`
	Keyword          string                `form:"keyword"`
	IncludeCancelled bool                  `form:"include_cancelled"`
	Page             int                   `form:"page"`
	Size             int                   `form:"size"`
}

type CancelTasksRequest struct {
	IDs []uint `json:"ids" binding:"required"`
}

type CloseTasksRequest struct {
	DeviceIDs []uint `json:"device_ids" binding:"required"`
	Platform  string `json:"platform" binding:"required"`
}

type ReportRequest struct {
	Outcome string             `json:"outcome" binding:"required"`
	Logs    []services.LogLine `json:"logs"`
}

type CountResponse struct {
	Count int64 `json:"count"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type AppendLogRequest struct {
	Type    coremodels.LogType `json:"type" binding:"required"`
	Message string             `json:"message" binding:"required"`
}
