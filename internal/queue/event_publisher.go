package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/acme/lead-call-orchestrator/pkg/logger"
)

// EventPublisher journals lead and call transitions to Kafka. Messages are
// keyed by lead id so one lead's history stays ordered within a partition.
type EventPublisher struct {
	writer *kafka.Writer
	log    *logger.Logger
}

// NewEventPublisher constructs a publisher for the journal topic.
func NewEventPublisher(k *Kafka, topic string, log *logger.Logger) *EventPublisher {
	return &EventPublisher{writer: k.NewWriter(topic), log: log}
}

// Publish emits one event. Failures are logged and swallowed; the journal
// is observational and must never block a scheduling decision.
func (p *EventPublisher) Publish(ctx context.Context, ev LeadEvent) {
	if p == nil || p.writer == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("event publisher: marshal", zap.String("kind", ev.Kind), zap.Error(err))
		return
	}
	record := kafka.Message{
		Key:   []byte(strconv.FormatInt(ev.LeadID, 10)),
		Value: value,
		Time:  ev.At,
	}
	if err := p.writer.WriteMessages(ctx, record); err != nil {
		p.log.Warn("event publisher: write",
			zap.String("kind", ev.Kind), zap.Int64("lead_id", ev.LeadID), zap.Error(err))
	}
}

// Close closes the publisher.
func (p *EventPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
