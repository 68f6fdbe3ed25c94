package rolesync

import (
	"context"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/resolver"
)

// Service is the exposed surface of the role synchronization layer.
type Service interface {
	// =========================================================================
	// Authorization (Request Path)
	// =========================================================================

	// ResolveRole returns the user's role with source attribution. It never
	// fails: outages lower the confidence or yield source "none", so callers
	// can apply a fail-closed policy.
	ResolveRole(ctx context.Context, userID string) resolver.Resolution

	// =========================================================================
	// Reconciliation
	// =========================================================================

	// TriggerSync queues a sync operation and returns it with status pending.
	TriggerSync(ctx context.Context, req reconcile.TriggerRequest) (*reconcile.SyncOperation, error)

	// GetSyncOperation returns reconcile.ErrOperationNotFound for unknown IDs.
	GetSyncOperation(ctx context.Context, id string) (*reconcile.SyncOperation, error)

	// WaitSyncOperation blocks until the operation is terminal.
	WaitSyncOperation(ctx context.Context, id string) (*reconcile.SyncOperation, error)

	// ListActiveSyncOperations returns pending and running operations.
	ListActiveSyncOperations(ctx context.Context) []*reconcile.SyncOperation

	// ResolveConflictManually applies strategy to an unresolved conflict and
	// reports whether the result verified.
	ResolveConflictManually(ctx context.Context, conflictID string, strategy reconcile.Strategy, resolvedBy string) (bool, error)

	// RollbackCacheWrite restores the cache record a sync operation
	// overwrote for userID. A nil record means the user had none.
	RollbackCacheWrite(ctx context.Context, userID, operationID, actor string) (*rolestate.RoleRecord, error)

	// =========================================================================
	// Circuit Breakers (Admin)
	// =========================================================================

	// GetCircuitBreakerHealth reports on one service, or all when service is empty.
	GetCircuitBreakerHealth(ctx context.Context, service string) (*breaker.HealthReport, error)

	ResetCircuitBreaker(ctx context.Context, service, actor string) error
	ForceOpenCircuitBreaker(ctx context.Context, service, actor string) error
	ForceCloseCircuitBreaker(ctx context.Context, service, actor string) error
}
