package handler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jmehdipour/outbox-engine/internal/kafka"
	"github.com/jmehdipour/outbox-engine/internal/model"
)

// MessageWriter is satisfied by *kafka.Producer.
type MessageWriter interface {
	Write(ctx context.Context, msgs ...kafka.Message) error
}

// KafkaRelay forwards events to a topic for consumers outside the app.
// Messages are keyed by aggregate id so one aggregate stays on one partition.
type KafkaRelay struct {
	w MessageWriter
}

func NewKafkaRelay(w MessageWriter) *KafkaRelay {
	return &KafkaRelay{w: w}
}

func (k *KafkaRelay) Handle(ctx context.Context, rec model.Record) error {
	value, err := json.Marshal(model.NewEnvelope(rec))
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	msg := kafka.Message{
		Key:   []byte(rec.AggregateID),
		Value: value,
		Headers: []kafka.Header{
			{Key: "event_id", Value: []byte(rec.EventID)},
			{Key: "event_name", Value: []byte(rec.EventName)},
			{Key: "organization_id", Value: []byte(rec.OrganizationID)},
		},
	}
	if err := k.w.Write(ctx, msg); err != nil {
		return fmt.Errorf("kafka relay %s: %w", rec.EventID, err)
	}
	return nil
}
