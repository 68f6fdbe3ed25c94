package reconcile

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/errgroup"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/idp"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/repository"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
)

// users returns the user IDs an operation covers. A full sync takes the union
// of the IdP and database users; it fails only when neither can be listed.
func (e *Engine) users(ctx context.Context, op *SyncOperation) ([]string, error) {
	if op.Type == TypeTargeted {
		return []string{op.TargetUserID}, nil
	}

	var (
		idpIDs, dbIDs []string
		idpErr, dbErr error
		g             errgroup.Group
	)
	g.Go(func() error {
		idpIDs, idpErr = breaker.Call(ctx, e.idpCB, "list_users", func(ctx context.Context) ([]string, error) {
			return idp.AllUserIDs(ctx, e.idp, e.opts.PageSize)
		})
		return nil
	})
	g.Go(func() error {
		dbIDs, dbErr = breaker.Call(ctx, e.dbCB, "list_user_ids", e.roles.ListUserIDs)
		return nil
	})
	_ = g.Wait()

	if idpErr != nil && dbErr != nil {
		return nil, fmt.Errorf("list users: %w", errors.Join(idpErr, dbErr))
	}
	if idpErr != nil {
		e.recordError(ctx, op, SourceIdP, "", "list_users", idpErr, true)
	}
	if dbErr != nil {
		e.recordError(ctx, op, SourceDatabase, "", "list_user_ids", dbErr, true)
	}

	ids := append(idpIDs, dbIDs...)
	slices.Sort(ids)
	return slices.Compact(ids), nil
}

// plan is the set of writes decided for one user.
type plan struct {
	snap     *snapshot
	conflict *SyncConflict // nil for a repair
	winner   Source
	role     roles.Role
	targets  []Source
}

func (e *Engine) processBatch(ctx context.Context, op *SyncOperation, userIDs []string) {
	snaps := make([]*snapshot, len(userIDs))
	var g errgroup.Group
	g.SetLimit(e.opts.Concurrency)
	for i, id := range userIDs {
		g.Go(func() error {
			snaps[i] = e.read(ctx, id)
			return nil
		})
	}
	_ = g.Wait()

	var plans []*plan
	for _, snap := range snaps {
		for _, src := range Sources {
			if err := snap.errs[src]; err != nil {
				e.recordError(ctx, op, src, snap.userID, "read", err, true)
			}
		}
		if p := e.decide(ctx, op, snap); p != nil {
			plans = append(plans, p)
		}
		e.update(func() { op.Progress.Processed++ })
	}

	e.guardCacheWrites(ctx, op, plans)

	g = errgroup.Group{}
	g.SetLimit(e.opts.Concurrency)
	for _, p := range plans {
		g.Go(func() error {
			e.apply(ctx, op, p)
			return nil
		})
	}
	_ = g.Wait()
}

// decide classifies one user's snapshot. It returns nil when nothing needs
// writing.
func (e *Engine) decide(ctx context.Context, op *SyncOperation, snap *snapshot) *plan {
	values := snap.distinct()
	switch {
	case len(values) > 1:
		c := e.addConflict(ctx, op, snap, classify(snap), e.opts.Severity.Grade(snap))
		src, role, ok := winner(snap, op.Strategy, e.opts.Priority)
		if !ok {
			return nil
		}
		return &plan{snap: snap, conflict: c, winner: src, role: role, targets: differing(snap, role)}

	case len(values) == 1 && len(snap.missing()) > 0:
		role := values[0]
		if !role.Valid() {
			e.recordError(ctx, op, "", snap.userID, "repair",
				fmt.Errorf("agreed value %q is not a known role", role), false)
			return nil
		}
		return &plan{snap: snap, role: role, targets: snap.missing()}
	}
	return nil
}

func (e *Engine) addConflict(ctx context.Context, op *SyncOperation, snap *snapshot, typ ConflictType, sev Severity) *SyncConflict {
	c := &SyncConflict{
		ID:             uuid.NewString(),
		OperationID:    op.ID,
		Type:           typ,
		UserID:         snap.userID,
		ValuesBySource: snap.valuesBySource(),
		Severity:       sev,
		DetectedAt:     e.clock.Now(),
	}
	e.update(func() {
		op.Conflicts = append(op.Conflicts, c)
		op.Progress.Conflicts++
	})
	e.opts.Metrics.RecordConflict(ctx, string(typ), string(sev))
	e.logger.Info("sync conflict detected",
		"operation_id", op.ID, "conflict_id", c.ID, "user_id", c.UserID,
		"type", typ, "severity", sev, "values", c.ValuesBySource)
	return c
}

// differing returns the available sources whose value is not role.
func differing(snap *snapshot, role roles.Role) []Source {
	var out []Source
	for _, src := range Sources {
		if snap.available(src) && snap.value(src) != role {
			out = append(out, src)
		}
	}
	return out
}

// guardCacheWrites checks in one round trip that no cache record about to be
// overwritten changed since it was read. Changed records are not written and
// surface as version conflicts.
func (e *Engine) guardCacheWrites(ctx context.Context, op *SyncOperation, plans []*plan) {
	var (
		checks  []rolestate.VersionCheck
		guarded []*plan
	)
	for _, p := range plans {
		if slices.Contains(p.targets, SourceCache) && !p.snap.cacheCorrupt {
			checks = append(checks, rolestate.VersionCheck{UserID: p.snap.userID, ExpectedVersion: p.snap.cacheVersion})
			guarded = append(guarded, p)
		}
	}
	if len(checks) == 0 {
		return
	}

	statuses, err := breaker.Call(ctx, e.cacheCB, "batch_conflict_check", func(ctx context.Context) ([]rolestate.VersionStatus, error) {
		return e.state.BatchConflictCheck(ctx, checks)
	})
	if err != nil {
		e.recordError(ctx, op, SourceCache, "", "batch_conflict_check", err, true)
		for _, p := range guarded {
			p.targets = slices.DeleteFunc(p.targets, func(s Source) bool { return s == SourceCache })
		}
		return
	}

	for i, st := range statuses {
		if !st.Changed {
			continue
		}
		p := guarded[i]
		p.targets = slices.DeleteFunc(p.targets, func(s Source) bool { return s == SourceCache })
		c := e.addConflict(ctx, op, p.snap, ConflictVersion, SeverityLow)
		e.update(func() {
			c.ValuesBySource[SourceCache] = fmt.Sprintf("%s@v%d", p.snap.value(SourceCache), st.CurrentVersion)
		})
	}
}

// apply performs a plan's writes concurrently, then verifies conflicts.
func (e *Engine) apply(ctx context.Context, op *SyncOperation, p *plan) {
	var g errgroup.Group
	for _, target := range p.targets {
		g.Go(func() error {
			if err := e.write(ctx, op.ID, p.snap.userID, target, p.role, ""); err != nil {
				e.recordError(ctx, op, target, p.snap.userID, "write", err, true)
				return nil
			}
			if p.conflict == nil {
				e.update(func() { op.Progress.Repairs++ })
				e.opts.Metrics.RecordRepair(ctx, string(target))
			}
			return nil
		})
	}
	_ = g.Wait()

	if p.conflict == nil {
		if len(p.targets) > 0 {
			e.logger.Debug("sources repaired", "operation_id", op.ID, "user_id", p.snap.userID,
				"role", p.role, "targets", p.targets)
		}
		return
	}

	if !e.verify(ctx, p.snap.userID, p.role) {
		e.logger.Warn("sync conflict not verified after propagation",
			"operation_id", op.ID, "conflict_id", p.conflict.ID, "user_id", p.snap.userID)
		return
	}
	e.markResolved(op, p.conflict, op.Strategy, p.role, SystemActor)
	e.logger.Info("sync conflict resolved",
		"operation_id", op.ID, "conflict_id", p.conflict.ID, "user_id", p.snap.userID,
		"role", p.role, "winner", p.winner)
}

func (e *Engine) markResolved(op *SyncOperation, c *SyncConflict, strategy Strategy, role roles.Role, by string) {
	now := e.clock.Now()
	e.update(func() {
		c.ResolvedAt = &now
		c.ResolvedBy = by
		c.ResolutionStrategy = strategy
		c.ResolvedRole = role
		delete(e.conflicts, c.ID)
		if op.Result != nil {
			op.Result.ResolvedConflicts++
		}
	})
}

// read fetches the user's role from the three sources concurrently. A source
// that fails is recorded in the snapshot as unavailable; the others are
// unaffected.
func (e *Engine) read(ctx context.Context, userID string) *snapshot {
	snap := newSnapshot(userID)

	var (
		cacheRec      *rolestate.RoleRecord
		cacheCorrupt  bool
		idpVal, dbVal string
		cacheErr      error
		idpErr, dbErr error
		g             errgroup.Group
	)
	g.Go(func() error {
		cacheErr = e.cacheCB.Execute(ctx, "get_role", func(ctx context.Context) error {
			rec, err := e.state.Get(ctx, userID)
			switch {
			case err == nil:
				cacheRec = rec
			case errors.Is(err, rolestate.ErrIntegrity):
				cacheCorrupt = true
			case !errors.Is(err, rolestate.ErrRecordNotFound):
				return err
			}
			return nil
		})
		return nil
	})
	g.Go(func() error {
		idpVal, idpErr = breaker.Call(ctx, e.idpCB, "get_user_attribute", func(ctx context.Context) (string, error) {
			return e.idp.GetUserAttribute(ctx, userID, e.opts.RoleAttribute)
		})
		return nil
	})
	g.Go(func() error {
		dbVal, dbErr = breaker.Call(ctx, e.dbCB, "find_role", func(ctx context.Context) (string, error) {
			row, err := e.roles.FindByID(ctx, userID)
			if errors.Is(err, repository.ErrNotFound) {
				return "", nil
			}
			if err != nil {
				return "", err
			}
			return row.Role, nil
		})
		return nil
	})
	_ = g.Wait()

	if cacheErr != nil {
		snap.errs[SourceCache] = cacheErr
	} else if cacheRec != nil {
		snap.values[SourceCache] = cacheRec.Role
		snap.cacheVersion = cacheRec.Version
	}
	snap.cacheCorrupt = cacheCorrupt
	if idpErr != nil {
		snap.errs[SourceIdP] = idpErr
	} else {
		snap.values[SourceIdP] = normalize(idpVal)
	}
	if dbErr != nil {
		snap.errs[SourceDatabase] = dbErr
	} else {
		snap.values[SourceDatabase] = normalize(dbVal)
	}
	return snap
}

// normalize parses a stored role. Unknown values are kept, normalized, so
// that they surface as metadata conflicts.
func normalize(v string) roles.Role {
	r, _ := roles.Parse(v)
	return r
}

// write sets role on one source through that source's breaker.
func (e *Engine) write(ctx context.Context, operationID, userID string, target Source, role roles.Role, lockToken string) error {
	switch target {
	case SourceCache:
		return e.cacheCB.Execute(ctx, "atomic_update", func(ctx context.Context) error {
			backoff := retry.WithMaxRetries(uint64(e.opts.WriteRetries), retry.NewExponential(50*time.Millisecond))
			return retry.Do(ctx, backoff, func(ctx context.Context) error {
				_, err := e.state.AtomicUpdate(ctx, rolestate.UpdateRequest{
					UserID:      userID,
					NewRole:     role,
					Force:       true,
					ModifiedBy:  ModifiedBy,
					OperationID: operationID,
					LockToken:   lockToken,
				})
				if errors.Is(err, rolestate.ErrConcurrentUpdate) {
					return retry.RetryableError(err)
				}
				return err
			})
		})
	case SourceIdP:
		return e.idpCB.Execute(ctx, "set_user_attribute", func(ctx context.Context) error {
			return e.idp.SetUserAttribute(ctx, userID, e.opts.RoleAttribute, string(role))
		})
	case SourceDatabase:
		return e.dbCB.Execute(ctx, "upsert_role", func(ctx context.Context) error {
			return e.roles.Upsert(ctx, userID, string(role), ModifiedBy)
		})
	default:
		return fmt.Errorf("unknown source %q", target)
	}
}

// verify re-reads the user and reports whether every available source holds
// role.
func (e *Engine) verify(ctx context.Context, userID string, role roles.Role) bool {
	snap := e.read(ctx, userID)
	available := 0
	for _, src := range Sources {
		if !snap.available(src) {
			continue
		}
		available++
		if snap.value(src) != role {
			return false
		}
	}
	return available > 0
}
