// Package publisher is the boundary business code uses to append events to
// the outbox, ideally inside the transaction that changes business state.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/metrics"
	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/jmehdipour/outbox-engine/internal/util"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
)

const defaultSchemaVersion = 1

var ErrInvalidDraft = errors.New("invalid event draft")

// Draft is an event before it is stored. Zero EventID, CreatedAt and
// MaxRetries are filled in by Publish.
type Draft struct {
	OrganizationID string
	AggregateType  string
	AggregateID    string
	Payload        model.Payload
	Metadata       model.Metadata

	EventID    string
	CreatedAt  time.Time
	MaxRetries int
}

func (d Draft) validate() error {
	switch {
	case d.OrganizationID == "":
		return fmt.Errorf("%w: organization_id is required", ErrInvalidDraft)
	case d.AggregateType == "":
		return fmt.Errorf("%w: aggregate_type is required", ErrInvalidDraft)
	case d.AggregateID == "":
		return fmt.Errorf("%w: aggregate_id is required", ErrInvalidDraft)
	case d.Payload == nil:
		return fmt.Errorf("%w: payload is required", ErrInvalidDraft)
	case d.Payload.EventName() == "":
		return fmt.Errorf("%w: event_name is required", ErrInvalidDraft)
	case d.MaxRetries < 0:
		return fmt.Errorf("%w: max_retries must not be negative", ErrInvalidDraft)
	}
	return nil
}

// Publisher stores events as pending outbox records.
type Publisher struct {
	store      repository.OutboxRepository
	maxRetries int
	log        *zap.Logger
	now        func() time.Time
}

// New constructs a Publisher. maxRetries is applied to drafts that do not
// set their own.
func New(store repository.OutboxRepository, maxRetries int, log *zap.Logger) *Publisher {
	if log == nil {
		log = zap.NewNop()
	}
	return &Publisher{store: store, maxRetries: maxRetries, log: log, now: time.Now}
}

// Publish validates d and writes exactly one pending record through tx.
// With a nil tx the record is committed on its own. The returned id is the
// record's event_id. Store errors are returned as is, wrapped, and never
// retried here.
func (p *Publisher) Publish(ctx context.Context, tx *sqlx.Tx, d Draft) (string, error) {
	rec, err := p.build(d)
	if err != nil {
		return "", err
	}

	if err := p.store.Create(ctx, tx, rec); err != nil {
		return "", fmt.Errorf("publish %s: %w", rec.EventName, err)
	}

	metrics.EventsPublished.WithLabelValues(rec.EventName).Inc()
	p.log.Debug("event published",
		zap.String("event_id", rec.EventID),
		zap.String("event_name", rec.EventName),
		zap.String("organization_id", rec.OrganizationID),
		zap.String("aggregate_id", rec.AggregateID),
	)
	return rec.EventID, nil
}

// PublishBatch publishes drafts in order and stops at the first error,
// returning the ids stored so far. The batch is atomic only when the caller
// passes a tx and rolls it back on error.
func (p *Publisher) PublishBatch(ctx context.Context, tx *sqlx.Tx, drafts []Draft) ([]string, error) {
	ids := make([]string, 0, len(drafts))
	for i, d := range drafts {
		id, err := p.Publish(ctx, tx, d)
		if err != nil {
			return ids, fmt.Errorf("draft %d: %w", i, err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (p *Publisher) build(d Draft) (model.Record, error) {
	if err := d.validate(); err != nil {
		return model.Record{}, err
	}

	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return model.Record{}, fmt.Errorf("%w: marshal payload: %v", ErrInvalidDraft, err)
	}

	now := p.now().UTC()
	created := d.CreatedAt
	if created.IsZero() {
		created = now
	}
	id := d.EventID
	if id == "" {
		id = util.NewAt(created)
	}
	maxRetries := d.MaxRetries
	if maxRetries == 0 {
		maxRetries = p.maxRetries
	}

	meta := d.Metadata
	if meta.PublishedAt.IsZero() {
		meta.PublishedAt = now
	}
	if meta.SchemaVersion == 0 {
		meta.SchemaVersion = defaultSchemaVersion
	}

	return model.Record{
		EventID:        id,
		OrganizationID: d.OrganizationID,
		EventType:      d.Payload.EventType(),
		EventName:      d.Payload.EventName(),
		AggregateType:  d.AggregateType,
		AggregateID:    d.AggregateID,
		Payload:        payload,
		Metadata:       meta,
		CreatedAt:      created.UTC(),
		Status:         model.StatusPending,
		MaxRetries:     maxRetries,
	}, nil
}

// InTx runs fn inside a new transaction and commits when fn returns nil.
// Business writes and Publish calls made through the same tx land together
// or not at all.
func InTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
