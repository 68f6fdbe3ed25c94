package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
)

// BunSyncOperationRepository persists reconciliation operations using Bun ORM.
type BunSyncOperationRepository struct {
	db *bun.DB
}

func NewBunSyncOperationRepository(db *bun.DB) *BunSyncOperationRepository {
	return &BunSyncOperationRepository{db: db}
}

var _ SyncOperationRepository = (*BunSyncOperationRepository)(nil)

// Save upserts on id. An operation is saved when it finishes and again if a
// conflict on it is later resolved by hand.
func (r *BunSyncOperationRepository) Save(ctx context.Context, op *models.SyncOperation) error {
	_, err := r.db.NewInsert().
		Model(op).
		On("CONFLICT (id) DO UPDATE").
		Set("status = EXCLUDED.status").
		Set("conflicts = EXCLUDED.conflicts").
		Set("errors = EXCLUDED.errors").
		Set("payload = EXCLUDED.payload").
		Set("completed_at = EXCLUDED.completed_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("save sync operation: %w", err)
	}
	return nil
}

func (r *BunSyncOperationRepository) GetByID(ctx context.Context, id string) (*models.SyncOperation, error) {
	op := new(models.SyncOperation)
	if err := r.db.NewSelect().Model(op).Where("id = ?", id).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("sync operation %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get sync operation: %w", err)
	}
	return op, nil
}

func (r *BunSyncOperationRepository) ListRecent(ctx context.Context, limit int) ([]models.SyncOperation, error) {
	if limit <= 0 {
		limit = 20
	}
	var ops []models.SyncOperation
	if err := r.db.NewSelect().Model(&ops).Order("created_at DESC").Limit(limit).Scan(ctx); err != nil {
		return nil, fmt.Errorf("list sync operations: %w", err)
	}
	if ops == nil {
		ops = []models.SyncOperation{}
	}
	return ops, nil
}
