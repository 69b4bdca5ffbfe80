package model

import (
	"encoding/json"
	"time"
)

// Envelope is the message relayed to Kafka for consumers outside the app.
type Envelope struct {
	EventID        string          `json:"event_id"` // ULID
	OrganizationID string          `json:"organization_id"`
	EventType      string          `json:"event_type"`
	EventName      string          `json:"event_name"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	Payload        json.RawMessage `json:"payload"`
	Metadata       Metadata        `json:"metadata"`
	CreatedAt      time.Time       `json:"created_at"`
}

func NewEnvelope(rec Record) Envelope {
	return Envelope{
		EventID:        rec.EventID,
		OrganizationID: rec.OrganizationID,
		EventType:      rec.EventType,
		EventName:      rec.EventName,
		AggregateType:  rec.AggregateType,
		AggregateID:    rec.AggregateID,
		Payload:        rec.Payload,
		Metadata:       rec.Metadata,
		CreatedAt:      rec.CreatedAt,
	}
}
