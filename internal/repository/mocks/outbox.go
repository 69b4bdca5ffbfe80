// Package mocks holds testify mocks of the repository interfaces.
package mocks

import (
	"context"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/repository"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/mock"
)

// MockOutboxRepository mocks repository.OutboxRepository.
type MockOutboxRepository struct {
	mock.Mock
}

var _ repository.OutboxRepository = (*MockOutboxRepository)(nil)

func (m *MockOutboxRepository) Create(ctx context.Context, tx *sqlx.Tx, rec model.Record) error {
	return m.Called(ctx, tx, rec).Error(0)
}

func (m *MockOutboxRepository) FindPending(ctx context.Context, limit int) ([]model.Record, error) {
	args := m.Called(ctx, limit)
	recs, _ := args.Get(0).([]model.Record)
	return recs, args.Error(1)
}

func (m *MockOutboxRepository) MarkProcessed(ctx context.Context, eventID string) error {
	return m.Called(ctx, eventID).Error(0)
}

func (m *MockOutboxRepository) MarkFailed(ctx context.Context, eventID, errMsg string) error {
	return m.Called(ctx, eventID, errMsg).Error(0)
}

func (m *MockOutboxRepository) Get(ctx context.Context, eventID string) (*model.Record, error) {
	args := m.Called(ctx, eventID)
	rec, _ := args.Get(0).(*model.Record)
	return rec, args.Error(1)
}

func (m *MockOutboxRepository) FindByAggregate(ctx context.Context, aggregateType, aggregateID string) ([]model.Record, error) {
	args := m.Called(ctx, aggregateType, aggregateID)
	recs, _ := args.Get(0).([]model.Record)
	return recs, args.Error(1)
}

func (m *MockOutboxRepository) ListDeadLetters(ctx context.Context, organizationID string, limit int) ([]model.Record, error) {
	args := m.Called(ctx, organizationID, limit)
	recs, _ := args.Get(0).([]model.Record)
	return recs, args.Error(1)
}

func (m *MockOutboxRepository) Requeue(ctx context.Context, eventID string, attempts int) error {
	return m.Called(ctx, eventID, attempts).Error(0)
}

func (m *MockOutboxRepository) Stats(ctx context.Context) (model.OutboxStats, error) {
	args := m.Called(ctx)
	st, _ := args.Get(0).(model.OutboxStats)
	return st, args.Error(1)
}

// MockAuditRepository mocks repository.AuditRepository.
type MockAuditRepository struct {
	mock.Mock
}

var _ repository.AuditRepository = (*MockAuditRepository)(nil)

func (m *MockAuditRepository) Insert(ctx context.Context, entries ...repository.AuditEntry) error {
	return m.Called(ctx, entries).Error(0)
}

func (m *MockAuditRepository) ListByAggregate(ctx context.Context, organizationID, aggregateType, aggregateID string, limit int) ([]repository.AuditEntry, error) {
	args := m.Called(ctx, organizationID, aggregateType, aggregateID, limit)
	rows, _ := args.Get(0).([]repository.AuditEntry)
	return rows, args.Error(1)
}
