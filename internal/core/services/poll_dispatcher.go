package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

// PollDispatcher meets long-polling agents halfway: Dispatch succeeds only
// once a poller of the device has taken the payload.
type PollDispatcher struct {
	mu        sync.Mutex
	mailboxes map[uint]chan ports.DispatchPayload
	timeout   time.Duration
}

func NewPollDispatcher(timeout time.Duration) *PollDispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &PollDispatcher{
		mailboxes: make(map[uint]chan ports.DispatchPayload),
		timeout:   timeout,
	}
}

func (d *PollDispatcher) mailbox(deviceID uint) chan ports.DispatchPayload {
	d.mu.Lock()
	defer d.mu.Unlock()
	box, ok := d.mailboxes[deviceID]
	if !ok {
		box = make(chan ports.DispatchPayload)
		d.mailboxes[deviceID] = box
	}
	return box
}

func (d *PollDispatcher) Dispatch(ctx context.Context, device *models.Device, payload ports.DispatchPayload) error {
	timer := time.NewTimer(d.timeout)
	defer timer.Stop()

	select {
	case d.mailbox(device.ID) <- payload:
		return nil
	case <-timer.C:
		return fmt.Errorf("no poller for device %s within %s", device.Number, d.timeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Poll waits up to wait for a payload addressed to the device. ok is false on timeout.
func (d *PollDispatcher) Poll(ctx context.Context, deviceID uint, wait time.Duration) (ports.DispatchPayload, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case payload := <-d.mailbox(deviceID):
		log := logger.WithComponent("poll_dispatcher")
		log.Debug().
			Uint("device_id", deviceID).
			Uint("task_id", payload.TaskID).
			Msg("Payload handed to poller")
		return payload, true, nil
	case <-timer.C:
		return ports.DispatchPayload{}, false, nil
	case <-ctx.Done():
		return ports.DispatchPayload{}, false, ctx.Err()
	}
}
