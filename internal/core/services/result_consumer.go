package services

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/theblitlabs/taskfleet/pkg/logger"
)

// MessageReader is the fetch/commit half of a kafka-go group reader. Offsets
// are committed explicitly once a report is settled.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Reporter is the part of ReporterService the consumer feeds.
type Reporter interface {
	Report(ctx context.Context, in ReportInput) error
}

// ResultMessage is an agent report published to the result topic.
type ResultMessage struct {
	TaskDetailID uint      `json:"task_detail_id"`
	Outcome      string    `json:"outcome"`
	Logs         []LogLine `json:"logs"`
}

// ResultConsumer feeds agent reports read from Kafka into the reporter.
type ResultConsumer struct {
	reader     MessageReader
	reporter   Reporter
	retryDelay time.Duration
	maxDelay   time.Duration
}

func NewResultConsumer(brokers []string, topic, groupID string, reporter Reporter) *ResultConsumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        groupID,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        3 * time.Second,
	})
	log := logger.WithComponent("result_consumer")
	log.Info().
		Str("topic", topic).
		Str("group_id", groupID).
		Msg("Kafka result consumer configured")
	return NewResultConsumerWithReader(reader, reporter)
}

func NewResultConsumerWithReader(reader MessageReader, reporter Reporter) *ResultConsumer {
	return &ResultConsumer{
		reader:     reader,
		reporter:   reporter,
		retryDelay: time.Second,
		maxDelay:   30 * time.Second,
	}
}

// SetRetryDelay sets the first backoff after a failed report; it doubles up to max.
func (c *ResultConsumer) SetRetryDelay(initial, maxDelay time.Duration) {
	c.retryDelay = initial
	c.maxDelay = maxDelay
}

// Run consumes until ctx is done or the reader is closed. A message is
// committed only after its report was applied or permanently rejected;
// storage failures retry the same message with backoff.
func (c *ResultConsumer) Run(ctx context.Context) {
	log := logger.WithComponent("result_consumer")
	log.Info().Msg("Consuming agent reports")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, io.EOF) {
				log.Info().Msg("Result consumer stopped")
				return
			}
			log.Error().Err(err).Msg("Failed to fetch report message")
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}

		if !c.settle(ctx, msg) {
			log.Info().Msg("Result consumer stopped with a report uncommitted")
			return
		}
		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().Err(err).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Failed to commit report offset")
		}
	}
}

// settle applies msg until it succeeds or is rejected for good. It returns
// false if ctx ended first.
func (c *ResultConsumer) settle(ctx context.Context, msg kafka.Message) bool {
	delay := c.retryDelay
	for {
		err := c.handle(ctx, msg)
		if err == nil {
			return true
		}

		log := logger.WithComponent("result_consumer")
		log.Error().Err(err).
			Int("partition", msg.Partition).
			Int64("offset", msg.Offset).
			Dur("retry_in", delay).
			Msg("Failed to apply report, retrying")

		if !sleepCtx(ctx, delay) {
			return false
		}
		if delay *= 2; delay > c.maxDelay {
			delay = c.maxDelay
		}
	}
}

// handle returns an error only when the report may succeed on a retry.
func (c *ResultConsumer) handle(ctx context.Context, msg kafka.Message) error {
	log := logger.WithComponent("result_consumer").With().
		Int("partition", msg.Partition).
		Int64("offset", msg.Offset).
		Logger()

	var result ResultMessage
	if err := json.Unmarshal(msg.Value, &result); err != nil {
		log.Error().Err(err).Str("value", string(msg.Value)).Msg("Dropping malformed report")
		return nil
	}

	err := c.reporter.Report(ctx, ReportInput{
		DetailID: result.TaskDetailID,
		Outcome:  result.Outcome,
		Logs:     result.Logs,
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrDetailFinalized), errors.Is(err, ErrDetailNotFound), errors.Is(err, ErrInvalidOutcome):
		log.Warn().Err(err).Uint("detail_id", result.TaskDetailID).Msg("Report rejected")
		return nil
	default:
		return err
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (c *ResultConsumer) Close() error {
	return c.reader.Close()
}
