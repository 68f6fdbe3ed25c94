package repository

import (
	"context"
	"errors"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/models"
)

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("not found")

// RoleRepository is the system of record for user roles.
type RoleRepository interface {
	// FindByID returns ErrNotFound when the user has no role row.
	FindByID(ctx context.Context, userID string) (*models.UserRole, error)
	// Upsert creates or replaces the user's role.
	Upsert(ctx context.Context, userID, role, updatedBy string) error
	// ListUserIDs returns every user with a role row, sorted.
	ListUserIDs(ctx context.Context) ([]string, error)
}

// AuditRepository stores audit events.
type AuditRepository interface {
	Create(ctx context.Context, event *models.AuditEvent) error
	// List returns the newest events first. An empty name matches every event.
	List(ctx context.Context, name string, limit int) ([]models.AuditEvent, error)
}

// SyncOperationRepository stores reconciliation operations.
type SyncOperationRepository interface {
	// Save creates or replaces the operation.
	Save(ctx context.Context, op *models.SyncOperation) error
	// GetByID returns ErrNotFound for an unknown ID.
	GetByID(ctx context.Context, id string) (*models.SyncOperation, error)
	// ListRecent returns the newest operations first.
	ListRecent(ctx context.Context, limit int) ([]models.SyncOperation, error)
}
