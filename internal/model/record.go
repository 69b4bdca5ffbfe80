package model

import (
	"encoding/json"
	"time"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusProcessed Status = "processed"
	// StatusFailed is part of the stored vocabulary but never written by the
	// engine: dead letters stay pending with retry_count >= max_retries.
	StatusFailed Status = "failed"
)

func (s Status) String() string {
	return string(s)
}

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusProcessed || s == StatusFailed
}

// Metadata is side-channel data stored next to the payload.
type Metadata struct {
	CorrelationID string    `json:"correlation_id,omitempty"`
	CausationID   string    `json:"causation_id,omitempty"`
	ActorID       string    `json:"actor_id,omitempty"`
	PublishedAt   time.Time `json:"published_at"`
	SchemaVersion int       `json:"schema_version"`
}

// Record is a row of the outbox_events table.
// Everything except the delivery-state fields is immutable after creation.
type Record struct {
	EventID        string          `db:"event_id"`
	OrganizationID string          `db:"organization_id"`
	EventType      string          `db:"event_type"`
	EventName      string          `db:"event_name"`
	AggregateType  string          `db:"aggregate_type"`
	AggregateID    string          `db:"aggregate_id"`
	Payload        json.RawMessage `db:"payload"`
	Metadata       Metadata        `db:"-"`
	CreatedAt      time.Time       `db:"created_at"`

	// delivery state
	Status        Status     `db:"status"`
	RetryCount    int        `db:"retry_count"`
	MaxRetries    int        `db:"max_retries"`
	ProcessedAt   *time.Time `db:"processed_at"`
	ErrorMessage  string     `db:"error_message"`
	NextAttemptAt *time.Time `db:"next_attempt_at"`
	LockedBy      string     `db:"locked_by"`
	LockedUntil   *time.Time `db:"locked_until"`
}

// DeadLettered reports whether the record exhausted its retry budget.
func (r Record) DeadLettered() bool {
	return r.Status == StatusPending && r.RetryCount >= r.MaxRetries
}

// Deliverable reports whether a poll at now may pick the record up,
// ignoring leases.
func (r Record) Deliverable(now time.Time) bool {
	if r.Status != StatusPending || r.RetryCount >= r.MaxRetries {
		return false
	}
	return r.NextAttemptAt == nil || !r.NextAttemptAt.After(now)
}

// OutboxStats is a point-in-time summary used by operators.
type OutboxStats struct {
	Pending      int64 `json:"pending" db:"pending"`
	Processed    int64 `json:"processed" db:"processed"`
	DeadLettered int64 `json:"dead_lettered" db:"dead_lettered"`
}
