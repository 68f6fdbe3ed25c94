package reconcile

import (
	"context"
	"errors"
	"fmt"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/audit"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
)

// ResolveConflictManually applies strategy to an unresolved conflict of a
// finished operation. The user's current values are re-read, the winner is
// written to the other sources while the cache lock is held, and the result
// is verified. It reports whether the conflict is now resolved.
func (e *Engine) ResolveConflictManually(ctx context.Context, conflictID string, strategy Strategy, resolvedBy string) (bool, error) {
	if strategy == StrategyManual {
		return false, fmt.Errorf("%w: manual resolution needs a concrete strategy", ErrInvalidRequest)
	}
	if _, err := ParseStrategy(string(strategy)); err != nil {
		return false, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	if resolvedBy == "" {
		return false, fmt.Errorf("%w: resolved_by is required", ErrInvalidRequest)
	}

	op, c, err := e.findConflict(ctx, conflictID)
	if err != nil {
		return false, err
	}
	userID := c.UserID

	snap := e.read(ctx, userID)
	src, role, ok := winner(snap, strategy, e.opts.Priority)
	if !ok {
		return false, fmt.Errorf("no available source holds a known role for user %s", userID)
	}

	var token string
	lock, err := breaker.Call(ctx, e.cacheCB, "acquire_lock", func(ctx context.Context) (*rolestate.Lock, error) {
		return e.state.AcquireOptimisticLock(ctx, userID, nil, "", e.opts.LockTTL)
	})
	switch {
	case err == nil:
		token = lock.Token
		defer e.releaseLock(ctx, userID, token)
	case errors.Is(err, rolestate.ErrConcurrentUpdate):
		return false, err
	default:
		// The cache is unavailable; the other sources can still be fixed.
		e.logger.Warn("resolving conflict without cache lock", "conflict_id", conflictID, "error", err)
	}

	var writeErrs []error
	for _, target := range differing(snap, role) {
		if err := e.write(ctx, op.ID, userID, target, role, token); err != nil {
			e.recordError(ctx, op, target, userID, "manual_write", err, true)
			writeErrs = append(writeErrs, fmt.Errorf("write %s: %w", target, err))
		}
	}

	if !e.verify(ctx, userID, role) {
		e.logger.Warn("manual resolution not verified", "conflict_id", conflictID, "user_id", userID)
		e.persist(ctx, e.snapshotOf(op))
		return false, errors.Join(writeErrs...)
	}

	e.markResolved(op, c, strategy, role, resolvedBy)
	e.persist(ctx, e.snapshotOf(op))
	e.audit.Record(ctx, audit.EventConflictResolved, map[string]any{
		"conflict_id":  c.ID,
		"operation_id": op.ID,
		"user_id":      userID,
		"strategy":     string(strategy),
		"winner":       string(src),
		"role":         string(role),
		"resolved_by":  resolvedBy,
	})
	e.logger.Info("sync conflict resolved manually",
		"conflict_id", c.ID, "operation_id", op.ID, "user_id", userID,
		"role", role, "winner", src, "resolved_by", resolvedBy)
	return true, nil
}

func (e *Engine) releaseLock(ctx context.Context, userID, token string) {
	err := e.cacheCB.Execute(ctx, "release_lock", func(ctx context.Context) error {
		_, err := e.state.ReleaseLock(ctx, userID, token)
		return err
	})
	if err != nil {
		e.logger.Warn("failed to release role lock", "user_id", userID, "error", err)
	}
}

// findConflict locates an unresolved conflict of a finished operation held
// by the engine, loading the operation from the repository if needed.
func (e *Engine) findConflict(ctx context.Context, conflictID string) (*SyncOperation, *SyncConflict, error) {
	e.mu.Lock()
	opID, indexed := e.conflicts[conflictID]
	e.mu.Unlock()

	if !indexed {
		op, c, err := e.scanPersisted(ctx, conflictID)
		if err != nil {
			return nil, nil, err
		}
		if e.isResolved(c) {
			return nil, nil, ErrConflictResolved
		}
		return op, c, nil
	}

	e.mu.Lock()
	op, ok := e.finished.Get(opID)
	e.mu.Unlock()
	if !ok {
		var err error
		if op, err = e.load(ctx, opID); err != nil {
			return nil, nil, err
		}
	}

	c := e.conflictOf(op, conflictID)
	if c == nil {
		return nil, nil, ErrConflictNotFound
	}
	if e.isResolved(c) {
		return nil, nil, ErrConflictResolved
	}
	return op, c, nil
}

// scanPersisted looks for a conflict in recently persisted operations, e.g.
// after a restart.
func (e *Engine) scanPersisted(ctx context.Context, conflictID string) (*SyncOperation, *SyncConflict, error) {
	if e.operations == nil {
		return nil, nil, ErrConflictNotFound
	}
	rows, err := e.operations.ListRecent(ctx, e.opts.RetainFinished)
	if err != nil {
		return nil, nil, fmt.Errorf("find conflict %s: %w", conflictID, err)
	}
	for i := range rows {
		if rows[i].Conflicts == 0 {
			continue
		}
		decoded, err := fromModel(&rows[i])
		if err != nil {
			e.logger.Warn("skipping unreadable sync operation", "operation_id", rows[i].ID, "error", err)
			continue
		}
		for _, c := range decoded.Conflicts {
			if c.ID != conflictID {
				continue
			}
			op, err := e.load(ctx, decoded.ID)
			if err != nil {
				return nil, nil, err
			}
			if held := e.conflictOf(op, conflictID); held != nil {
				return op, held, nil
			}
		}
	}
	return nil, nil, ErrConflictNotFound
}

func (e *Engine) conflictOf(op *SyncOperation, conflictID string) *SyncConflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range op.Conflicts {
		if c.ID == conflictID {
			return c
		}
	}
	return nil
}

func (e *Engine) isResolved(c *SyncConflict) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return c.Resolved()
}

func (e *Engine) snapshotOf(op *SyncOperation) *SyncOperation {
	e.mu.Lock()
	defer e.mu.Unlock()
	return op.clone()
}
