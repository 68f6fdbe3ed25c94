package rolesync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/audit"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/resolver"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/telemetry"
)

const tracerName = "rolesync/service"

// ErrUnknownService is returned for breaker names the registry does not know.
var ErrUnknownService = errors.New("unknown circuit breaker service")

// service implements the Service interface.
type service struct {
	resolver *resolver.Resolver
	engine   *reconcile.Engine
	state    *rolestate.Store
	breakers *breaker.Registry
	audit    audit.Sink
	logger   *slog.Logger
}

// Dependencies contains everything the facade coordinates.
type Dependencies struct {
	Resolver *resolver.Resolver
	Engine   *reconcile.Engine
	State    *rolestate.Store
	Breakers *breaker.Registry
	// Audit is optional.
	Audit  audit.Sink
	Logger *slog.Logger
}

// NewService creates the facade.
func NewService(deps Dependencies) (Service, error) {
	if deps.Resolver == nil || deps.Engine == nil || deps.State == nil || deps.Breakers == nil {
		return nil, errors.New("rolesync: resolver, engine, state and breakers are required")
	}
	if deps.Audit == nil {
		deps.Audit = audit.Discard{}
	}
	deps.Logger = logging.OrDiscard(deps.Logger)
	return &service{
		resolver: deps.Resolver,
		engine:   deps.Engine,
		state:    deps.State,
		breakers: deps.Breakers,
		audit:    deps.Audit,
		logger:   deps.Logger,
	}, nil
}

func (s *service) ResolveRole(ctx context.Context, userID string) resolver.Resolution {
	return s.resolver.Resolve(ctx, userID)
}

func (s *service) TriggerSync(ctx context.Context, req reconcile.TriggerRequest) (*reconcile.SyncOperation, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "rolesync.TriggerSync",
		attribute.String(telemetry.AttrSyncType, string(req.Type)),
	)
	defer span.End()

	op, err := s.engine.Trigger(ctx, req)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, fmt.Errorf("trigger sync: %w", err)
	}
	span.SetAttributes(attribute.String(telemetry.AttrSyncOperationID, op.ID))
	return op, nil
}

func (s *service) GetSyncOperation(ctx context.Context, id string) (*reconcile.SyncOperation, error) {
	return s.engine.Get(ctx, id)
}

func (s *service) WaitSyncOperation(ctx context.Context, id string) (*reconcile.SyncOperation, error) {
	return s.engine.Wait(ctx, id)
}

func (s *service) ListActiveSyncOperations(context.Context) []*reconcile.SyncOperation {
	return s.engine.ListActive()
}

func (s *service) ResolveConflictManually(ctx context.Context, conflictID string, strategy reconcile.Strategy, resolvedBy string) (bool, error) {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "rolesync.ResolveConflictManually",
		attribute.String("sync.conflict_id", conflictID),
		attribute.String(telemetry.AttrSyncStrategy, string(strategy)),
	)
	defer span.End()

	ok, err := s.engine.ResolveConflictManually(ctx, conflictID, strategy, resolvedBy)
	telemetry.RecordError(span, err)
	return ok, err
}

func (s *service) RollbackCacheWrite(ctx context.Context, userID, operationID, actor string) (*rolestate.RoleRecord, error) {
	rec, err := s.state.Rollback(ctx, userID, operationID)
	if err != nil {
		return nil, err
	}

	fields := map[string]any{"user_id": userID, "operation_id": operationID, "actor": actor}
	if rec != nil {
		fields["role"] = string(rec.Role)
		fields["version"] = rec.Version
	}
	s.audit.Record(ctx, audit.EventRoleRolledBack, fields)
	return rec, nil
}

func (s *service) GetCircuitBreakerHealth(ctx context.Context, service string) (*breaker.HealthReport, error) {
	if service == "" {
		return s.breakers.Health(ctx)
	}
	if _, err := s.lookup(service); err != nil {
		return nil, err
	}
	return s.breakers.Health(ctx, service)
}

func (s *service) ResetCircuitBreaker(ctx context.Context, service, actor string) error {
	b, err := s.lookup(service)
	if err != nil {
		return err
	}
	if err := b.Reset(ctx); err != nil {
		return fmt.Errorf("reset circuit breaker %s: %w", service, err)
	}
	s.logger.Info("circuit breaker reset", "service", service, "actor", actor)
	s.audit.Record(ctx, audit.EventBreakerReset, map[string]any{"service": service, "actor": actor})
	return nil
}

func (s *service) ForceOpenCircuitBreaker(ctx context.Context, service, actor string) error {
	b, err := s.lookup(service)
	if err != nil {
		return err
	}
	if err := b.ForceOpen(ctx); err != nil {
		return fmt.Errorf("force open circuit breaker %s: %w", service, err)
	}
	s.logger.Warn("circuit breaker forced open", "service", service, "actor", actor)
	s.audit.Record(ctx, audit.EventBreakerForced, map[string]any{"service": service, "actor": actor, "state": string(breaker.StateOpen)})
	return nil
}

func (s *service) ForceCloseCircuitBreaker(ctx context.Context, service, actor string) error {
	b, err := s.lookup(service)
	if err != nil {
		return err
	}
	if err := b.ForceClose(ctx); err != nil {
		return fmt.Errorf("force close circuit breaker %s: %w", service, err)
	}
	s.logger.Info("circuit breaker forced closed", "service", service, "actor", actor)
	s.audit.Record(ctx, audit.EventBreakerForced, map[string]any{"service": service, "actor": actor, "state": string(breaker.StateClosed)})
	return nil
}

func (s *service) lookup(service string) (*breaker.Breaker, error) {
	b, ok := s.breakers.Lookup(service)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownService, service)
	}
	return b, nil
}
