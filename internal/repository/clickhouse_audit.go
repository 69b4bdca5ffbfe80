package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ClickHouseAuditSchema creates the delivery audit table. ReplacingMergeTree
// collapses redeliveries of the same event_id on merge.
const ClickHouseAuditSchema = `
CREATE TABLE IF NOT EXISTS outbox_deliveries (
    event_id        String,
    organization_id LowCardinality(String),
    event_type      LowCardinality(String),
    event_name      LowCardinality(String),
    aggregate_type  LowCardinality(String),
    aggregate_id    String,
    payload         String,
    created_at      DateTime64(6, 'UTC'),
    delivered_at    DateTime64(6, 'UTC')
) ENGINE = ReplacingMergeTree(delivered_at)
ORDER BY (organization_id, aggregate_type, aggregate_id, event_id)
`

// AuditEntry is one delivered event as stored in ClickHouse.
type AuditEntry struct {
	EventID        string    `db:"event_id" json:"event_id"`
	OrganizationID string    `db:"organization_id" json:"organization_id"`
	EventType      string    `db:"event_type" json:"event_type"`
	EventName      string    `db:"event_name" json:"event_name"`
	AggregateType  string    `db:"aggregate_type" json:"aggregate_type"`
	AggregateID    string    `db:"aggregate_id" json:"aggregate_id"`
	Payload        string    `db:"payload" json:"payload"`
	CreatedAt      time.Time `db:"created_at" json:"created_at"`
	DeliveredAt    time.Time `db:"delivered_at" json:"delivered_at"`
}

// AuditRepository stores the per-aggregate delivery history in ClickHouse.
type AuditRepository interface {
	Insert(ctx context.Context, entries ...AuditEntry) error
	ListByAggregate(ctx context.Context, organizationID, aggregateType, aggregateID string, limit int) ([]AuditEntry, error)
}

type chAuditRepository struct {
	ch *sqlx.DB // ClickHouse connection
}

func NewCHAuditRepository(ch *sqlx.DB) AuditRepository {
	return &chAuditRepository{ch: ch}
}

// Insert sends entries as one block; clickhouse-go batches prepared inserts
// inside a transaction.
func (r *chAuditRepository) Insert(ctx context.Context, entries ...AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.ch.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit batch: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO outbox_deliveries
		    (event_id, organization_id, event_type, event_name, aggregate_type, aggregate_id,
		     payload, created_at, delivered_at)
	`)
	if err != nil {
		return fmt.Errorf("prepare audit batch: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx,
			e.EventID, e.OrganizationID, e.EventType, e.EventName,
			e.AggregateType, e.AggregateID, e.Payload,
			e.CreatedAt.UTC(), e.DeliveredAt.UTC(),
		); err != nil {
			return fmt.Errorf("append audit entry %s: %w", e.EventID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("send audit batch: %w", err)
	}
	return nil
}

func (r *chAuditRepository) ListByAggregate(ctx context.Context, organizationID, aggregateType, aggregateID string, limit int) ([]AuditEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 50
	}

	q := `
		SELECT event_id, organization_id, event_type, event_name, aggregate_type, aggregate_id,
		       payload, created_at, delivered_at
		FROM outbox_deliveries FINAL
		WHERE aggregate_type = ? AND aggregate_id = ?
	`
	args := []any{aggregateType, aggregateID}

	if organizationID != "" {
		q += " AND organization_id = ?"
		args = append(args, organizationID)
	}

	q += " ORDER BY created_at, event_id LIMIT ?"
	args = append(args, limit)

	var rows []AuditEntry
	if err := r.ch.SelectContext(ctx, &rows, q, args...); err != nil {
		return nil, err
	}
	return rows, nil
}
