package repository

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmoiron/sqlx"
)

// MemoryOutboxRepository keeps the outbox in process. It has the same
// delivery semantics as the SQL store but no durability across restarts of
// the process that owns it; the tx argument of Create is ignored.
type MemoryOutboxRepository struct {
	state *memoryState
	opts  options
}

type memoryState struct {
	mu      sync.Mutex
	records map[string]*model.Record
}

var _ OutboxRepository = (*MemoryOutboxRepository)(nil)

func NewMemoryOutboxRepository(opts ...Option) *MemoryOutboxRepository {
	return &MemoryOutboxRepository{
		state: &memoryState{records: make(map[string]*model.Record)},
		opts:  newOptions(opts),
	}
}

func (r *MemoryOutboxRepository) lock()   { r.state.mu.Lock() }
func (r *MemoryOutboxRepository) unlock() { r.state.mu.Unlock() }

// Share returns a view over the same records with its own options, e.g. a
// different lease owner. Used to model several dispatchers on one store.
func (r *MemoryOutboxRepository) Share(opts ...Option) *MemoryOutboxRepository {
	o := r.opts
	for _, fn := range opts {
		fn(&o)
	}
	return &MemoryOutboxRepository{state: r.state, opts: o}
}

func (r *MemoryOutboxRepository) Create(ctx context.Context, _ *sqlx.Tx, rec model.Record) error {
	r.lock()
	defer r.unlock()

	if _, ok := r.state.records[rec.EventID]; ok {
		return fmt.Errorf("insert outbox event %s: duplicate event_id", rec.EventID)
	}
	rec.Status = model.StatusPending
	rec.RetryCount = 0
	rec.ProcessedAt = nil
	rec.ErrorMessage = ""
	rec.NextAttemptAt = nil
	rec.LockedBy = ""
	rec.LockedUntil = nil
	rec.CreatedAt = rec.CreatedAt.UTC()
	r.state.records[rec.EventID] = &rec
	return nil
}

func (r *MemoryOutboxRepository) FindPending(ctx context.Context, limit int) ([]model.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := r.opts.clock()

	r.lock()
	defer r.unlock()

	var due []*model.Record
	for _, rec := range r.state.records {
		if !rec.Deliverable(now) {
			continue
		}
		if rec.LockedUntil != nil && rec.LockedUntil.After(now) {
			continue
		}
		due = append(due, rec)
	}
	sortRecords(due)
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]model.Record, 0, len(due))
	for _, rec := range due {
		if r.opts.lease > 0 {
			until := now.Add(r.opts.lease)
			rec.LockedBy = r.opts.owner
			rec.LockedUntil = &until
		}
		out = append(out, *rec)
	}
	return out, nil
}

func (r *MemoryOutboxRepository) MarkProcessed(ctx context.Context, eventID string) error {
	now := r.opts.clock()

	r.lock()
	defer r.unlock()

	rec, ok := r.state.records[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if rec.Status == model.StatusProcessed {
		return nil
	}
	rec.Status = model.StatusProcessed
	rec.ProcessedAt = &now
	rec.LockedBy = ""
	rec.LockedUntil = nil
	return nil
}

func (r *MemoryOutboxRepository) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	now := r.opts.clock()

	r.lock()
	defer r.unlock()

	rec, ok := r.state.records[eventID]
	if !ok {
		return fmt.Errorf("mark failed %s: %w", eventID, ErrEventNotFound)
	}
	if rec.Status != model.StatusPending || rec.RetryCount >= rec.MaxRetries {
		return nil
	}
	rec.RetryCount++
	rec.ErrorMessage = truncateError(errMsg)
	rec.NextAttemptAt = r.opts.nextAttempt(now, rec.RetryCount)
	rec.LockedBy = ""
	rec.LockedUntil = nil
	return nil
}

func (r *MemoryOutboxRepository) Get(ctx context.Context, eventID string) (*model.Record, error) {
	r.lock()
	defer r.unlock()

	rec, ok := r.state.records[eventID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	cp := *rec
	return &cp, nil
}

func (r *MemoryOutboxRepository) FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]model.Record, error) {
	return r.filter(0, func(rec *model.Record) bool {
		return rec.AggregateType == aggregateType && rec.AggregateID == aggregateID
	}), nil
}

func (r *MemoryOutboxRepository) ListDeadLetters(ctx context.Context, organizationID string, limit int) ([]model.Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	return r.filter(limit, func(rec *model.Record) bool {
		if organizationID != "" && rec.OrganizationID != organizationID {
			return false
		}
		return rec.DeadLettered()
	}), nil
}

func (r *MemoryOutboxRepository) Requeue(ctx context.Context, eventID string, attempts int) error {
	if attempts <= 0 {
		attempts = 1
	}

	r.lock()
	defer r.unlock()

	rec, ok := r.state.records[eventID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if !rec.DeadLettered() {
		return fmt.Errorf("%w: %s", ErrNotDeadLettered, eventID)
	}
	rec.MaxRetries = rec.RetryCount + attempts
	rec.NextAttemptAt = nil
	rec.LockedBy = ""
	rec.LockedUntil = nil
	return nil
}

func (r *MemoryOutboxRepository) Stats(ctx context.Context) (model.OutboxStats, error) {
	r.lock()
	defer r.unlock()

	var st model.OutboxStats
	for _, rec := range r.state.records {
		switch {
		case rec.Status == model.StatusProcessed:
			st.Processed++
		case rec.DeadLettered():
			st.DeadLettered++
		case rec.Status == model.StatusPending:
			st.Pending++
		}
	}
	return st, nil
}

// Len returns the number of stored records.
func (r *MemoryOutboxRepository) Len() int {
	r.lock()
	defer r.unlock()
	return len(r.state.records)
}

func (r *MemoryOutboxRepository) filter(limit int, keep func(*model.Record) bool) []model.Record {
	r.lock()
	defer r.unlock()

	var hits []*model.Record
	for _, rec := range r.state.records {
		if keep(rec) {
			hits = append(hits, rec)
		}
	}
	sortRecords(hits)
	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]model.Record, 0, len(hits))
	for _, rec := range hits {
		out = append(out, *rec)
	}
	return out
}

func sortRecords(recs []*model.Record) {
	sort.Slice(recs, func(i, j int) bool {
		if !recs[i].CreatedAt.Equal(recs[j].CreatedAt) {
			return recs[i].CreatedAt.Before(recs[j].CreatedAt)
		}
		return recs[i].EventID < recs[j].EventID
	})
}
