package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/theblitlabs/taskfleet/internal/core/models"
	"github.com/theblitlabs/taskfleet/internal/core/ports"
	"github.com/theblitlabs/taskfleet/pkg/logger"
)

type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DispatchEnvelope is the value of a dispatch record. Records are keyed by
// device number so one device sees its payloads in order.
type DispatchEnvelope struct {
	ID           string                `json:"id"`
	DeviceID     uint                  `json:"device_id"`
	DeviceNumber string                `json:"device_number"`
	DispatchedAt time.Time             `json:"dispatched_at"`
	Payload      ports.DispatchPayload `json:"payload"`
}

type KafkaDispatcher struct {
	writer MessageWriter
	topic  string
}

func NewKafkaDispatcher(brokers []string, topic string, timeout time.Duration) *KafkaDispatcher {
	writer := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		WriteTimeout:           timeout,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
	log := logger.WithComponent("kafka_dispatcher")
	log.Info().
		Strs("brokers", brokers).
		Str("topic", topic).
		Msg("Kafka dispatch producer configured")
	return NewKafkaDispatcherWithWriter(writer, topic)
}

func NewKafkaDispatcherWithWriter(writer MessageWriter, topic string) *KafkaDispatcher {
	return &KafkaDispatcher{writer: writer, topic: topic}
}

// Dispatch treats a synchronous, acknowledged write as delivery.
func (d *KafkaDispatcher) Dispatch(ctx context.Context, device *models.Device, payload ports.DispatchPayload) error {
	envelope := DispatchEnvelope{
		ID:           uuid.New().String(),
		DeviceID:     device.ID,
		DeviceNumber: device.Number,
		DispatchedAt: time.Now().UTC(),
		Payload:      payload,
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return fmt.Errorf("failed to marshal dispatch envelope: %w", err)
	}

	err = d.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(device.Number),
		Value: value,
		Headers: []kafka.Header{
			{Key: "type", Value: []byte("dispatch")},
			{Key: "task_type", Value: []byte(payload.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("failed to write to topic %s: %w", d.topic, err)
	}

	log := logger.WithComponent("kafka_dispatcher")

	log.Debug().
		Str("id", envelope.ID).
		Str("device", device.Number).
		Uint("task_id", payload.TaskID).
		Msg("Dispatch record written")
	return nil
}

func (d *KafkaDispatcher) Close() error {
	return d.writer.Close()
}
