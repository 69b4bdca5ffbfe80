package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// OutboxRepository defines persistence methods for the outbox_events table.
type OutboxRepository interface {
	// Create writes a single pending record. If tx is nil, it will open/commit
	// an internal transaction; otherwise it uses the given tx so the record
	// commits or rolls back together with the caller's business change.
	Create(ctx context.Context, tx *sqlx.Tx, rec model.Record) error
	FindPending(ctx context.Context, limit int) ([]model.Record, error)
	MarkProcessed(ctx context.Context, eventID string) error
	MarkFailed(ctx context.Context, eventID, errMsg string) error

	Get(ctx context.Context, eventID string) (*model.Record, error)
	FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]model.Record, error)
	ListDeadLetters(ctx context.Context, organizationID string, limit int) ([]model.Record, error)
	Requeue(ctx context.Context, eventID string, attempts int) error
	Stats(ctx context.Context) (model.OutboxStats, error)
}

type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// SQLiteSchema creates the outbox table for local deployments and tests.
// migrations/001_init.sql is the MySQL equivalent.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS outbox_events (
    event_id        TEXT PRIMARY KEY,
    organization_id TEXT NOT NULL,
    event_type      TEXT NOT NULL,
    event_name      TEXT NOT NULL,
    aggregate_type  TEXT NOT NULL,
    aggregate_id    TEXT NOT NULL,
    payload         BLOB NOT NULL,
    metadata        BLOB,
    status          TEXT NOT NULL DEFAULT 'pending',
    retry_count     INTEGER NOT NULL DEFAULT 0,
    max_retries     INTEGER NOT NULL,
    created_at      DATETIME NOT NULL,
    processed_at    DATETIME,
    error_message   TEXT,
    next_attempt_at DATETIME,
    locked_by       TEXT,
    locked_until    DATETIME
);
CREATE INDEX IF NOT EXISTS idx_outbox_status_created ON outbox_events (status, created_at);
CREATE INDEX IF NOT EXISTS idx_outbox_aggregate ON outbox_events (aggregate_type, aggregate_id);
CREATE INDEX IF NOT EXISTS idx_outbox_org_status ON outbox_events (organization_id, status);
`

const outboxColumns = `event_id, organization_id, event_type, event_name, aggregate_type, aggregate_id,
	payload, metadata, status, retry_count, max_retries, created_at, processed_at,
	error_message, next_attempt_at, locked_by, locked_until`

// outboxRow is the scan target; nullable text columns and the metadata blob
// are converted into model.Record by toRecord.
type outboxRow struct {
	EventID        string         `db:"event_id"`
	OrganizationID string         `db:"organization_id"`
	EventType      string         `db:"event_type"`
	EventName      string         `db:"event_name"`
	AggregateType  string         `db:"aggregate_type"`
	AggregateID    string         `db:"aggregate_id"`
	Payload        []byte         `db:"payload"`
	Metadata       []byte         `db:"metadata"`
	Status         string         `db:"status"`
	RetryCount     int            `db:"retry_count"`
	MaxRetries     int            `db:"max_retries"`
	CreatedAt      time.Time      `db:"created_at"`
	ProcessedAt    *time.Time     `db:"processed_at"`
	ErrorMessage   sql.NullString `db:"error_message"`
	NextAttemptAt  *time.Time     `db:"next_attempt_at"`
	LockedBy       sql.NullString `db:"locked_by"`
	LockedUntil    *time.Time     `db:"locked_until"`
}

func (r outboxRow) toRecord() (model.Record, error) {
	rec := model.Record{
		EventID:        r.EventID,
		OrganizationID: r.OrganizationID,
		EventType:      r.EventType,
		EventName:      r.EventName,
		AggregateType:  r.AggregateType,
		AggregateID:    r.AggregateID,
		Payload:        json.RawMessage(r.Payload),
		Status:         model.Status(r.Status),
		RetryCount:     r.RetryCount,
		MaxRetries:     r.MaxRetries,
		CreatedAt:      r.CreatedAt.UTC(),
		ProcessedAt:    utcPtr(r.ProcessedAt),
		ErrorMessage:   r.ErrorMessage.String,
		NextAttemptAt:  utcPtr(r.NextAttemptAt),
		LockedBy:       r.LockedBy.String,
		LockedUntil:    utcPtr(r.LockedUntil),
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &rec.Metadata); err != nil {
			return model.Record{}, fmt.Errorf("invalid metadata in outbox row %s: %w", r.EventID, err)
		}
	}
	return rec, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

// OutboxRepositoryImpl is a sqlx-backed implementation for MySQL and SQLite.
type OutboxRepositoryImpl struct {
	db      *sqlx.DB
	dialect Dialect
	opts    options
}

var _ OutboxRepository = (*OutboxRepositoryImpl)(nil)

// NewOutboxRepository constructs an OutboxRepositoryImpl.
func NewOutboxRepository(db *sqlx.DB, dialect Dialect, opts ...Option) *OutboxRepositoryImpl {
	return &OutboxRepositoryImpl{db: db, dialect: dialect, opts: newOptions(opts)}
}

// withTx runs fn in the provided tx, or starts a new transaction when tx is nil.
func (r *OutboxRepositoryImpl) withTx(ctx context.Context, tx *sqlx.Tx, fn func(*sqlx.Tx) error) error {
	if tx != nil {
		return fn(tx)
	}

	t, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}

	defer func() { _ = t.Rollback() }()
	if err := fn(t); err != nil {
		return err
	}

	return t.Commit()
}

// forUpdate returns the row-locking suffix for claim queries. SQLite has a
// single writer, so the transaction alone serializes claims.
func (r *OutboxRepositoryImpl) forUpdate(skipLocked bool) string {
	if r.dialect != DialectMySQL {
		return ""
	}
	if skipLocked {
		return " FOR UPDATE SKIP LOCKED"
	}
	return " FOR UPDATE"
}

func (r *OutboxRepositoryImpl) Create(ctx context.Context, tx *sqlx.Tx, rec model.Record) error {
	meta, err := json.Marshal(rec.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	const q = `
		INSERT INTO outbox_events
		    (event_id, organization_id, event_type, event_name, aggregate_type, aggregate_id,
		     payload, metadata, status, retry_count, max_retries, created_at)
		VALUES
		    (?, ?, ?, ?, ?, ?, ?, ?, 'pending', 0, ?, ?)
	`
	return r.withTx(ctx, tx, func(tx *sqlx.Tx) error {
		// JSON columns reject binary strings on MySQL, so payloads go in as text.
		_, err := tx.ExecContext(ctx, tx.Rebind(q),
			rec.EventID, rec.OrganizationID, rec.EventType, rec.EventName,
			rec.AggregateType, rec.AggregateID,
			string(rec.Payload), string(meta), rec.MaxRetries,
			rec.CreatedAt.UTC().Truncate(time.Microsecond),
		)
		if err != nil {
			return fmt.Errorf("insert outbox event %s: %w", rec.EventID, err)
		}
		return nil
	})
}

func (r *OutboxRepositoryImpl) selectPending(ctx context.Context, q sqlx.QueryerContext, now time.Time, limit int, lock bool) ([]model.Record, error) {
	query := `
		SELECT ` + outboxColumns + `
		  FROM outbox_events
		 WHERE status = 'pending'
		   AND retry_count < max_retries
		   AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		   AND (locked_until IS NULL OR locked_until <= ?)
		 ORDER BY created_at, event_id
		 LIMIT ?`
	if lock {
		query += r.forUpdate(true)
	}
	return r.selectRecords(ctx, q, r.db.Rebind(query), now, now, limit)
}

func (r *OutboxRepositoryImpl) selectRecords(ctx context.Context, q sqlx.QueryerContext, query string, args ...any) ([]model.Record, error) {
	var rows []outboxRow
	if err := sqlx.SelectContext(ctx, q, &rows, query, args...); err != nil {
		return nil, err
	}
	out := make([]model.Record, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// FindPending returns up to limit due records, oldest first. With a lease
// configured the rows are claimed in the same transaction that selects them.
func (r *OutboxRepositoryImpl) FindPending(ctx context.Context, limit int) ([]model.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := r.opts.clock()

	if r.opts.lease <= 0 {
		recs, err := r.selectPending(ctx, r.db, now, limit, false)
		if err != nil {
			return nil, fmt.Errorf("find pending: %w", err)
		}
		return recs, nil
	}

	var out []model.Record
	err := r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		recs, err := r.selectPending(ctx, tx, now, limit, true)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return nil
		}

		ids := make([]string, 0, len(recs))
		for _, rec := range recs {
			ids = append(ids, rec.EventID)
		}
		until := now.Add(r.opts.lease)
		query, args, err := sqlx.In(
			`UPDATE outbox_events SET locked_by = ?, locked_until = ? WHERE event_id IN (?)`,
			r.opts.owner, until, ids,
		)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return err
		}

		for i := range recs {
			recs[i].LockedBy = r.opts.owner
			recs[i].LockedUntil = &until
		}
		out = recs
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("claim pending: %w", err)
	}
	return out, nil
}

// MarkProcessed is idempotent: processed_at is only written by the first call.
func (r *OutboxRepositoryImpl) MarkProcessed(ctx context.Context, eventID string) error {
	const q = `
		UPDATE outbox_events
		   SET status = 'processed', processed_at = ?, locked_by = NULL, locked_until = NULL
		 WHERE event_id = ? AND status <> 'processed'
	`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), r.opts.clock(), eventID)
	if err != nil {
		return fmt.Errorf("mark processed %s: %w", eventID, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if n == 0 {
		return r.ensureExists(ctx, eventID)
	}
	return nil
}

// MarkFailed records one failed attempt. Records that are processed or
// already at their retry ceiling are left untouched.
func (r *OutboxRepositoryImpl) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	now := r.opts.clock()

	err := r.withTx(ctx, nil, func(tx *sqlx.Tx) error {
		var cur struct {
			Status     string `db:"status"`
			RetryCount int    `db:"retry_count"`
			MaxRetries int    `db:"max_retries"`
		}
		err := tx.GetContext(ctx, &cur, tx.Rebind(
			`SELECT status, retry_count, max_retries FROM outbox_events WHERE event_id = ?`+r.forUpdate(false),
		), eventID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrEventNotFound
		}
		if err != nil {
			return err
		}
		if cur.Status != string(model.StatusPending) || cur.RetryCount >= cur.MaxRetries {
			return nil
		}

		const q = `
			UPDATE outbox_events
			   SET retry_count = retry_count + 1, error_message = ?, next_attempt_at = ?,
			       locked_by = NULL, locked_until = NULL
			 WHERE event_id = ?
		`
		_, err = tx.ExecContext(ctx, tx.Rebind(q),
			truncateError(errMsg), r.opts.nextAttempt(now, cur.RetryCount+1), eventID,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", eventID, err)
	}
	return nil
}

func (r *OutboxRepositoryImpl) ensureExists(ctx context.Context, eventID string) error {
	var n int
	if err := r.db.GetContext(ctx, &n, r.db.Rebind(`SELECT COUNT(*) FROM outbox_events WHERE event_id = ?`), eventID); err != nil {
		return fmt.Errorf("lookup %s: %w", eventID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return nil
}

func (r *OutboxRepositoryImpl) Get(ctx context.Context, eventID string) (*model.Record, error) {
	recs, err := r.selectRecords(ctx, r.db, r.db.Rebind(
		`SELECT `+outboxColumns+` FROM outbox_events WHERE event_id = ?`,
	), eventID)
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", eventID, err)
	}
	if len(recs) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return &recs[0], nil
}

func (r *OutboxRepositoryImpl) FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]model.Record, error) {
	recs, err := r.selectRecords(ctx, r.db, r.db.Rebind(`
		SELECT `+outboxColumns+`
		  FROM outbox_events
		 WHERE aggregate_type = ? AND aggregate_id = ?
		 ORDER BY created_at, event_id`,
	), aggregateType, aggregateID)
	if err != nil {
		return nil, fmt.Errorf("find by aggregate %s/%s: %w", aggregateType, aggregateID, err)
	}
	return recs, nil
}

// ListDeadLetters lists records that exhausted their retries. An empty
// organizationID lists every tenant.
func (r *OutboxRepositoryImpl) ListDeadLetters(ctx context.Context, organizationID string, limit int) ([]model.Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	q := `
		SELECT ` + outboxColumns + `
		  FROM outbox_events
		 WHERE status = 'pending' AND retry_count >= max_retries
	`
	args := []any{}
	if organizationID != "" {
		q += " AND organization_id = ?"
		args = append(args, organizationID)
	}
	q += " ORDER BY created_at, event_id LIMIT ?"
	args = append(args, limit)

	recs, err := r.selectRecords(ctx, r.db, r.db.Rebind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	return recs, nil
}

// Requeue grants a dead letter attempts more deliveries by raising its
// ceiling; retry_count is never reset.
func (r *OutboxRepositoryImpl) Requeue(ctx context.Context, eventID string, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}
	const q = `
		UPDATE outbox_events
		   SET max_retries = retry_count + ?, next_attempt_at = NULL, locked_by = NULL, locked_until = NULL
		 WHERE event_id = ? AND status = 'pending' AND retry_count >= max_retries
	`
	res, err := r.db.ExecContext(ctx, r.db.Rebind(q), attempts, eventID)
	if err != nil {
		return fmt.Errorf("requeue %s: %w", eventID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get RowsAffected: %w", err)
	}
	if n == 0 {
		if err := r.ensureExists(ctx, eventID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrNotDeadLettered, eventID)
	}
	return nil
}

func (r *OutboxRepositoryImpl) Stats(ctx context.Context) (model.OutboxStats, error) {
	const q = `
		SELECT
		    COALESCE(SUM(CASE WHEN status = 'pending' AND retry_count < max_retries THEN 1 ELSE 0 END), 0) AS pending,
		    COALESCE(SUM(CASE WHEN status = 'processed' THEN 1 ELSE 0 END), 0) AS processed,
		    COALESCE(SUM(CASE WHEN status = 'pending' AND retry_count >= max_retries THEN 1 ELSE 0 END), 0) AS dead_lettered
		  FROM outbox_events
	`
	var st model.OutboxStats
	if err := r.db.GetContext(ctx, &st, q); err != nil {
		return model.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	return st, nil
}
