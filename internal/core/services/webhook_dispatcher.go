package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

type WebhookMessage struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// WebhookDispatcher POSTs each payload to the webhook the device registered.
type WebhookDispatcher struct {
	client *http.Client
}

func NewWebhookDispatcher(timeout time.Duration) *WebhookDispatcher {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &WebhookDispatcher{
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

func (d *WebhookDispatcher) Dispatch(ctx context.Context, device *models.Device, payload ports.DispatchPayload) error {
	log := logger.WithComponent("webhook_dispatcher")

	if device.Webhook == "" {
		return fmt.Errorf("device %s has no webhook registered", device.Number)
	}

	body, err := json.Marshal(WebhookMessage{Type: "dispatch", Payload: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook message: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, device.Webhook, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		log.Warn().
			Str("device", device.Number).
			Int("status", resp.StatusCode).
			Str("body", string(respBody)).
			Msg("Webhook rejected dispatch")
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	log.Debug().
		Str("device", device.Number).
		Uint("task_id", payload.TaskID).
		Msg("Webhook accepted dispatch")
	return nil
}
