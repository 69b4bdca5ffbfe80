package handler

import (
	"context"
	"fmt"
	"time"

	"github.com/jmehdipour/outbox-engine/internal/model"
	"github.com/jmehdipour/outbox-engine/internal/repository"
)

// Audit appends every delivered event to the ClickHouse delivery history.
// Redeliveries write the same event_id again and collapse on merge.
type Audit struct {
	repo repository.AuditRepository
	now  func() time.Time
}

func NewAudit(repo repository.AuditRepository) *Audit {
	return &Audit{repo: repo, now: time.Now}
}

func (a *Audit) Handle(ctx context.Context, rec model.Record) error {
	entry := repository.AuditEntry{
		EventID:        rec.EventID,
		OrganizationID: rec.OrganizationID,
		EventType:      rec.EventType,
		EventName:      rec.EventName,
		AggregateType:  rec.AggregateType,
		AggregateID:    rec.AggregateID,
		Payload:        string(rec.Payload),
		CreatedAt:      rec.CreatedAt,
		DeliveredAt:    a.now().UTC(),
	}
	if err := a.repo.Insert(ctx, entry); err != nil {
		return fmt.Errorf("audit %s: %w", rec.EventID, err)
	}
	return nil
}
