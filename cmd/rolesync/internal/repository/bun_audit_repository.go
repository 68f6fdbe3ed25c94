package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/bunx"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
)

// BunAuditRepository persists audit events using Bun ORM.
type BunAuditRepository struct {
	db *bun.DB
}

func NewBunAuditRepository(db *bun.DB) *BunAuditRepository {
	return &BunAuditRepository{db: db}
}

var _ AuditRepository = (*BunAuditRepository)(nil)

// Create inserts the event, assigning an ID and timestamp when missing.
func (r *BunAuditRepository) Create(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = bunx.NewUUIDv7()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	if _, err := r.db.NewInsert().Model(event).Exec(ctx); err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (r *BunAuditRepository) List(ctx context.Context, name string, limit int) ([]models.AuditEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	var events []models.AuditEvent
	q := r.db.NewSelect().Model(&events).Order("created_at DESC", "id DESC").Limit(limit)
	if name != "" {
		q = q.Where("event = ?", name)
	}
	if err := q.Scan(ctx); err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	return events, nil
}
