package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
)

// BunRoleRepository implements RoleRepository using Bun ORM
type BunRoleRepository struct {
	db *bun.DB
}

// NewBunRoleRepository creates a new Bun-based role repository
func NewBunRoleRepository(db *bun.DB) *BunRoleRepository {
	return &BunRoleRepository{db: db}
}

var _ RoleRepository = (*BunRoleRepository)(nil)

func (r *BunRoleRepository) FindByID(ctx context.Context, userID string) (*models.UserRole, error) {
	ur := new(models.UserRole)
	err := r.db.NewSelect().Model(ur).Where("user_id = ?", userID).Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("role for user %s: %w", userID, ErrNotFound)
		}
		return nil, fmt.Errorf("get user role: %w", err)
	}
	return ur, nil
}

// Upsert inserts the row or, on conflict, replaces role and audit columns
// while keeping created_at.
func (r *BunRoleRepository) Upsert(ctx context.Context, userID, role, updatedBy string) error {
	now := time.Now().UTC()
	ur := &models.UserRole{
		UserID:    userID,
		Role:      role,
		UpdatedBy: updatedBy,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err := r.db.NewInsert().
		Model(ur).
		On("CONFLICT (user_id) DO UPDATE").
		Set("role = EXCLUDED.role").
		Set("updated_by = EXCLUDED.updated_by").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	if err != nil {
		return fmt.Errorf("upsert user role: %w", err)
	}
	return nil
}

func (r *BunRoleRepository) ListUserIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := r.db.NewSelect().
		Model((*models.UserRole)(nil)).
		Column("user_id").
		Order("user_id ASC").
		Scan(ctx, &ids)
	if err != nil {
		return nil, fmt.Errorf("list user ids: %w", err)
	}
	if ids == nil {
		ids = []string{}
	}
	return ids, nil
}
