package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	db.SetMaxOpenConns(1)
	_, err = db.Exec(SQLiteSchema)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

type storeFactory func(t *testing.T, opts ...Option) OutboxRepository

func stores() map[string]storeFactory {
	return map[string]storeFactory{
		"memory": func(t *testing.T, opts ...Option) OutboxRepository {
			return NewMemoryOutboxRepository(opts...)
		},
		"sqlite": func(t *testing.T, opts ...Option) OutboxRepository {
			return NewOutboxRepository(openSQLite(t), DialectSQLite, opts...)
		},
	}
}

func newRecord(clock *fakeClock, name, aggregateID string, maxRetries int) model.Record {
	created := clock.Now()
	return model.Record{
		EventID:        util.NewAt(created),
		OrganizationID: "org-1",
		EventType:      "leave",
		EventName:      name,
		AggregateType:  "leave_request",
		AggregateID:    aggregateID,
		Payload:        json.RawMessage(`{"leave_id":"` + aggregateID + `"}`),
		Metadata:       model.Metadata{CorrelationID: "corr-1", SchemaVersion: 1, PublishedAt: created},
		MaxRetries:     maxRetries,
		CreatedAt:      created,
	}
}

func TestOutboxStore_CreateAndFindPending(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, WithClock(clock.Now))

			first := newRecord(clock, model.LeaveApprovedEvent, "L-1", 3)
			clock.Advance(time.Millisecond)
			second := newRecord(clock, model.LeaveApprovedEvent, "L-1", 3)

			// insert out of order; FindPending must still return oldest first
			require.NoError(t, store.Create(ctx, nil, second))
			require.NoError(t, store.Create(ctx, nil, first))

			got, err := store.FindPending(ctx, 10)
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, first.EventID, got[0].EventID)
			assert.Equal(t, second.EventID, got[1].EventID)

			rec := got[0]
			assert.Equal(t, model.StatusPending, rec.Status)
			assert.Equal(t, 0, rec.RetryCount)
			assert.Equal(t, 3, rec.MaxRetries)
			assert.Equal(t, "org-1", rec.OrganizationID)
			assert.Equal(t, "corr-1", rec.Metadata.CorrelationID)
			assert.JSONEq(t, `{"leave_id":"L-1"}`, string(rec.Payload))
			assert.True(t, first.CreatedAt.Equal(rec.CreatedAt))
			assert.Nil(t, rec.ProcessedAt)

			limited, err := store.FindPending(ctx, 1)
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestOutboxStore_MarkProcessedIsIdempotent(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, WithClock(clock.Now))

			rec := newRecord(clock, model.LeaveApprovedEvent, "L-2", 3)
			require.NoError(t, store.Create(ctx, nil, rec))

			clock.Advance(time.Second)
			require.NoError(t, store.MarkProcessed(ctx, rec.EventID))
			first, err := store.Get(ctx, rec.EventID)
			require.NoError(t, err)
			require.NotNil(t, first.ProcessedAt)

			clock.Advance(time.Minute)
			require.NoError(t, store.MarkProcessed(ctx, rec.EventID))
			second, err := store.Get(ctx, rec.EventID)
			require.NoError(t, err)

			assert.Equal(t, model.StatusProcessed, second.Status)
			assert.True(t, first.ProcessedAt.Equal(*second.ProcessedAt))

			pending, err := store.FindPending(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, pending)

			assert.ErrorIs(t, store.MarkProcessed(ctx, "missing"), ErrEventNotFound)
		})
	}
}

func TestOutboxStore_RetryCeiling(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, WithClock(clock.Now))

			rec := newRecord(clock, model.LeaveApprovedEvent, "L-3", 3)
			require.NoError(t, store.Create(ctx, nil, rec))

			for i := 1; i <= 3; i++ {
				pending, err := store.FindPending(ctx, 10)
				require.NoError(t, err)
				require.Len(t, pending, 1, "attempt %d", i)
				require.NoError(t, store.MarkFailed(ctx, rec.EventID, fmt.Sprintf("boom %d", i)))
			}

			got, err := store.Get(ctx, rec.EventID)
			require.NoError(t, err)
			assert.Equal(t, 3, got.RetryCount)
			assert.Equal(t, model.StatusPending, got.Status)
			assert.Equal(t, "boom 3", got.ErrorMessage)
			assert.True(t, got.DeadLettered())

			pending, err := store.FindPending(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, pending)

			// past the ceiling nothing moves
			require.NoError(t, store.MarkFailed(ctx, rec.EventID, "late"))
			got, err = store.Get(ctx, rec.EventID)
			require.NoError(t, err)
			assert.Equal(t, 3, got.RetryCount)
			assert.Equal(t, "boom 3", got.ErrorMessage)

			assert.ErrorIs(t, store.MarkFailed(ctx, "missing", "x"), ErrEventNotFound)
		})
	}
}

func TestOutboxStore_MarkFailedIgnoresProcessed(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, WithClock(clock.Now))

			rec := newRecord(clock, model.EmployeeCreatedEvent, "E-1", 3)
			require.NoError(t, store.Create(ctx, nil, rec))
			require.NoError(t, store.MarkProcessed(ctx, rec.EventID))
			require.NoError(t, store.MarkFailed(ctx, rec.EventID, "too late"))

			got, err := store.Get(ctx, rec.EventID)
			require.NoError(t, err)
			assert.Equal(t, model.StatusProcessed, got.Status)
			assert.Equal(t, 0, got.RetryCount)
		})
	}
}

func TestOutboxStore_DeadLettersAndRequeue(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, WithClock(clock.Now))

			dead := newRecord(clock, model.PayrollRunProcessedEvent, "P-1", 1)
			other := newRecord(clock, model.PayrollRunProcessedEvent, "P-2", 1)
			other.OrganizationID = "org-2"
			clock.Advance(time.Millisecond)
			alive := newRecord(clock, model.PayrollRunProcessedEvent, "P-3", 5)
			for _, r := range []model.Record{dead, other, alive} {
				require.NoError(t, store.Create(ctx, nil, r))
			}
			require.NoError(t, store.MarkFailed(ctx, dead.EventID, "smtp down"))
			require.NoError(t, store.MarkFailed(ctx, other.EventID, "smtp down"))
			require.NoError(t, store.MarkFailed(ctx, alive.EventID, "smtp down"))

			all, err := store.ListDeadLetters(ctx, "", 10)
			require.NoError(t, err)
			assert.Len(t, all, 2)

			org1, err := store.ListDeadLetters(ctx, "org-1", 10)
			require.NoError(t, err)
			require.Len(t, org1, 1)
			assert.Equal(t, dead.EventID, org1[0].EventID)

			st, err := store.Stats(ctx)
			require.NoError(t, err)
			assert.Equal(t, model.OutboxStats{Pending: 1, DeadLettered: 2}, st)

			assert.ErrorIs(t, store.Requeue(ctx, alive.EventID, 1), ErrNotDeadLettered)
			assert.ErrorIs(t, store.Requeue(ctx, "missing", 1), ErrEventNotFound)

			require.NoError(t, store.Requeue(ctx, dead.EventID, 2))
			got, err := store.Get(ctx, dead.EventID)
			require.NoError(t, err)
			assert.Equal(t, 1, got.RetryCount, "requeue never rewinds retry_count")
			assert.Equal(t, 3, got.MaxRetries)

			pending, err := store.FindPending(ctx, 10)
			require.NoError(t, err)
			ids := []string{}
			for _, p := range pending {
				ids = append(ids, p.EventID)
			}
			assert.Contains(t, ids, dead.EventID)
			assert.NotContains(t, ids, other.EventID)
		})
	}
}

func TestOutboxStore_FindByAggregate(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, WithClock(clock.Now))

			a := newRecord(clock, model.LeaveRequestedEvent, "L-9", 3)
			clock.Advance(time.Millisecond)
			b := newRecord(clock, model.LeaveApprovedEvent, "L-9", 3)
			c := newRecord(clock, model.LeaveApprovedEvent, "L-10", 3)
			for _, r := range []model.Record{b, c, a} {
				require.NoError(t, store.Create(ctx, nil, r))
			}

			got, err := store.FindByAggregate(ctx, "leave_request", "L-9")
			require.NoError(t, err)
			require.Len(t, got, 2)
			assert.Equal(t, a.EventID, got[0].EventID)
			assert.Equal(t, b.EventID, got[1].EventID)
		})
	}
}

func TestOutboxStore_Backoff(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			clock := newFakeClock()
			store := factory(t, WithClock(clock.Now), WithBackoff(10*time.Second, 15*time.Second))

			rec := newRecord(clock, model.AttendanceRecordedEvent, "A-1", 5)
			require.NoError(t, store.Create(ctx, nil, rec))

			require.NoError(t, store.MarkFailed(ctx, rec.EventID, "first"))
			pending, err := store.FindPending(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, pending, "not due before the backoff elapses")

			clock.Advance(10 * time.Second)
			pending, err = store.FindPending(ctx, 10)
			require.NoError(t, err)
			require.Len(t, pending, 1)

			// second failure doubles to 20s, capped at 15s
			require.NoError(t, store.MarkFailed(ctx, rec.EventID, "second"))
			clock.Advance(14 * time.Second)
			pending, err = store.FindPending(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, pending)

			clock.Advance(time.Second)
			pending, err = store.FindPending(ctx, 10)
			require.NoError(t, err)
			assert.Len(t, pending, 1)
		})
	}
}

func TestOutboxStore_LeaseHidesClaimedRecords(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()

	mem := NewMemoryOutboxRepository(WithClock(clock.Now), WithLease("dispatcher-a", 30*time.Second))
	other := mem.Share(WithLease("dispatcher-b", 30*time.Second))

	db := openSQLite(t)
	sqlA := NewOutboxRepository(db, DialectSQLite, WithClock(clock.Now), WithLease("dispatcher-a", 30*time.Second))
	sqlB := NewOutboxRepository(db, DialectSQLite, WithClock(clock.Now), WithLease("dispatcher-b", 30*time.Second))

	pairs := map[string][2]OutboxRepository{
		"memory": {mem, other},
		"sqlite": {sqlA, sqlB},
	}

	for name, pair := range pairs {
		t.Run(name, func(t *testing.T) {
			a, b := pair[0], pair[1]
			rec := newRecord(clock, model.LeaveApprovedEvent, "L-"+name, 3)
			require.NoError(t, a.Create(ctx, nil, rec))

			claimed, err := a.FindPending(ctx, 10)
			require.NoError(t, err)
			require.Len(t, claimed, 1)
			assert.Equal(t, "dispatcher-a", claimed[0].LockedBy)

			seen, err := b.FindPending(ctx, 10)
			require.NoError(t, err)
			assert.Empty(t, seen, "claimed by another dispatcher")

			// an abandoned lease becomes visible again once it expires
			clock.Advance(31 * time.Second)
			seen, err = b.FindPending(ctx, 10)
			require.NoError(t, err)
			require.Len(t, seen, 1)
			assert.Equal(t, "dispatcher-b", seen[0].LockedBy)

			require.NoError(t, b.MarkProcessed(ctx, rec.EventID))
			got, err := a.Get(ctx, rec.EventID)
			require.NoError(t, err)
			assert.Empty(t, got.LockedBy)
			assert.Nil(t, got.LockedUntil)
		})
	}
}

func TestOutboxStore_CreateJoinsCallerTransaction(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	db := openSQLite(t)
	store := NewOutboxRepository(db, DialectSQLite, WithClock(clock.Now))

	rolledBack := newRecord(clock, model.EmployeeCreatedEvent, "E-7", 3)
	tx, err := db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, tx, rolledBack))
	require.NoError(t, tx.Rollback())

	_, err = store.Get(ctx, rolledBack.EventID)
	assert.ErrorIs(t, err, ErrEventNotFound)

	committed := newRecord(clock, model.EmployeeCreatedEvent, "E-8", 3)
	tx, err = db.BeginTxx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, tx, committed))
	require.NoError(t, tx.Commit())

	got, err := store.Get(ctx, committed.EventID)
	require.NoError(t, err)
	assert.Equal(t, "E-8", got.AggregateID)
}
