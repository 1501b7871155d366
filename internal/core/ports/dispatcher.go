package ports

import (
	"context"
	"encoding/json"

	"github.com/theblitlabs/taskfleet/internal/core/models"
)

// DispatchPayload is what a device agent receives for one attempt.
type DispatchPayload struct {
	TaskID       uint            `json:"task_id"`
	TaskDetailID uint            `json:"task_detail_id"`
	Type         models.TaskType `json:"type"`
	Platform     string          `json:"platform"`
	Params       json.RawMessage `json:"params"`
}

// Dispatcher hands a payload to a device agent. A nil error means the agent
// took it; any error means the agent was unreachable.
type Dispatcher interface {
	Dispatch(ctx context.Context, device *models.Device, payload DispatchPayload) error
}

// DeviceTrigger asks for an immediate scheduling pass over one device.
type DeviceTrigger interface {
	TriggerDevice(deviceID uint)
}
