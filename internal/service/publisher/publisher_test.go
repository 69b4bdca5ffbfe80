package publisher

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/jmehdipour/outbox-engine/internal/repository/mocks"
	"github.com/jmehdipour/outbox-engine/internal/util"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

func approvedDraft() Draft {
	return Draft{
		OrganizationID: "org-1",
		AggregateType:  "leave_request",
		AggregateID:    "L-1",
		Payload:        model.LeaveApproved{LeaveID: "L-1", EmployeeID: "E-1", ApproverID: "M-1", Days: 2},
		Metadata:       model.Metadata{CorrelationID: "req-42", ActorID: "M-1"},
	}
}

func TestPublish_FillsDefaults(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryOutboxRepository()
	p := New(store, 5, zap.NewNop())
	fixed := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	id, err := p.Publish(ctx, nil, approvedDraft())
	require.NoError(t, err)
	assert.True(t, util.Valid(id))

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
	assert.Equal(t, 0, rec.RetryCount)
	assert.Equal(t, 5, rec.MaxRetries)
	assert.Equal(t, model.EventTypeLeave, rec.EventType)
	assert.Equal(t, model.LeaveApprovedEvent, rec.EventName)
	assert.Equal(t, fixed, rec.CreatedAt)
	assert.Equal(t, fixed, rec.Metadata.PublishedAt)
	assert.Equal(t, 1, rec.Metadata.SchemaVersion)
	assert.Equal(t, "req-42", rec.Metadata.CorrelationID)

	got, err := model.Decode[model.LeaveApproved](*rec)
	require.NoError(t, err)
	assert.Equal(t, "M-1", got.ApproverID)
	assert.Equal(t, 2.0, got.Days)
}

func TestPublish_KeepsExplicitFields(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryOutboxRepository()
	p := New(store, 5, zap.NewNop())

	d := approvedDraft()
	d.EventID = util.New()
	d.MaxRetries = 9
	d.Metadata.SchemaVersion = 3

	id, err := p.Publish(ctx, nil, d)
	require.NoError(t, err)
	assert.Equal(t, d.EventID, id)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 9, rec.MaxRetries)
	assert.Equal(t, 3, rec.Metadata.SchemaVersion)
}

func TestPublish_SameAggregateTwiceMakesTwoRecords(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryOutboxRepository()
	p := New(store, 5, zap.NewNop())

	first, err := p.Publish(ctx, nil, approvedDraft())
	require.NoError(t, err)
	second, err := p.Publish(ctx, nil, approvedDraft())
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	recs, err := store.FindByAggregate(ctx, "leave_request", "L-1")
	require.NoError(t, err)
	assert.Len(t, recs, 2)
}

func TestPublish_RejectsInvalidDrafts(t *testing.T) {
	cases := map[string]func(d *Draft){
		"organization":   func(d *Draft) { d.OrganizationID = "" },
		"aggregate type": func(d *Draft) { d.AggregateType = "" },
		"aggregate id":   func(d *Draft) { d.AggregateID = "" },
		"payload":        func(d *Draft) { d.Payload = nil },
		"event name":     func(d *Draft) { d.Payload = model.RawPayload{Data: []byte(`{}`)} },
		"max retries":    func(d *Draft) { d.MaxRetries = -1 },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			store := repository.NewMemoryOutboxRepository()
			p := New(store, 5, zap.NewNop())

			d := approvedDraft()
			mutate(&d)
			_, err := p.Publish(context.Background(), nil, d)
			assert.ErrorIs(t, err, ErrInvalidDraft)
			assert.Equal(t, 0, store.Len())
		})
	}
}

func TestPublish_StoreErrorPropagates(t *testing.T) {
	store := new(mocks.MockOutboxRepository)
	boom := errors.New("connection reset")
	store.On("Create", mock.Anything, (*sqlx.Tx)(nil), mock.AnythingOfType("model.Record")).Return(boom).Once()

	p := New(store, 5, zap.NewNop())
	id, err := p.Publish(context.Background(), nil, approvedDraft())
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, id)
	store.AssertExpectations(t)
}

func TestPublishBatch_StopsAtFirstError(t *testing.T) {
	store := repository.NewMemoryOutboxRepository()
	p := New(store, 5, zap.NewNop())

	bad := approvedDraft()
	bad.AggregateID = ""
	ids, err := p.PublishBatch(context.Background(), nil, []Draft{approvedDraft(), bad, approvedDraft()})
	assert.ErrorIs(t, err, ErrInvalidDraft)
	assert.Len(t, ids, 1)
	assert.Equal(t, 1, store.Len())
}

func TestPublish_RawPayload(t *testing.T) {
	ctx := context.Background()
	store := repository.NewMemoryOutboxRepository()
	p := New(store, 5, zap.NewNop())

	d := approvedDraft()
	d.Payload = model.RawPayload{Name: "benefits.enrolled", Data: []byte(`{"plan":"gold"}`)}
	id, err := p.Publish(ctx, nil, d)
	require.NoError(t, err)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "benefits", rec.EventType)
	assert.JSONEq(t, `{"plan":"gold"}`, string(rec.Payload))
}

const leaveTable = `CREATE TABLE leave_requests (id TEXT PRIMARY KEY, status TEXT NOT NULL)`

func openSQLite(t *testing.T) *sqlx.DB {
	t.Helper()
	db, err := sqlx.Open("sqlite", "file::memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	db.MustExec(repository.SQLiteSchema)
	db.MustExec(leaveTable)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPublish_CommitsWithBusinessChange(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	store := repository.NewOutboxRepository(db, repository.DialectSQLite)
	p := New(store, 5, zap.NewNop())

	var id string
	err := InTx(ctx, db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO leave_requests (id, status) VALUES (?, ?)`, "L-1", "approved"); err != nil {
			return err
		}
		var err error
		id, err = p.Publish(ctx, tx, approvedDraft())
		return err
	})
	require.NoError(t, err)

	var status string
	require.NoError(t, db.GetContext(ctx, &status, `SELECT status FROM leave_requests WHERE id = ?`, "L-1"))
	assert.Equal(t, "approved", status)

	rec, err := store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, model.StatusPending, rec.Status)
}

func TestPublish_RollsBackWithBusinessChange(t *testing.T) {
	ctx := context.Background()
	db := openSQLite(t)
	store := repository.NewOutboxRepository(db, repository.DialectSQLite)
	p := New(store, 5, zap.NewNop())

	abort := errors.New("balance check failed")
	var id string
	err := InTx(ctx, db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, `INSERT INTO leave_requests (id, status) VALUES (?, ?)`, "L-1", "approved"); err != nil {
			return err
		}
		var err error
		if id, err = p.Publish(ctx, tx, approvedDraft()); err != nil {
			return err
		}
		return abort
	})
	require.ErrorIs(t, err, abort)
	require.NotEmpty(t, id)

	var n int
	require.NoError(t, db.GetContext(ctx, &n, `SELECT COUNT(*) FROM leave_requests`))
	assert.Equal(t, 0, n)

	_, err = store.Get(ctx, id)
	assert.ErrorIs(t, err, repository.ErrEventNotFound)

	st, err := store.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, model.OutboxStats{}, st)
}
