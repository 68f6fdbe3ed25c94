// Package cmdutil builds the dependency graph shared by the CLI commands.
package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/audit"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker/boltstore"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/cache"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/config"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/db/bunx"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/idp"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/repository"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/resolver"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/rolesync"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/telemetry"
)

// auditBuffer bounds audit events waiting to be written to the database.
const auditBuffer = 256

// Bundle holds the wired service together with the resources it owns.
type Bundle struct {
	Config   *config.Config
	Logger   *slog.Logger
	DB       *bun.DB
	Redis    *redis.Client
	Breakers *breaker.Registry
	State    *rolestate.Store
	IdP      idp.Client
	Engine   *reconcile.Engine
	Service  rolesync.Service

	closers []func() error
}

// Close stops the engine and releases connections in reverse order of
// acquisition.
func (b *Bundle) Close() error {
	if b == nil {
		return nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

func (b *Bundle) onClose(fn func() error) {
	b.closers = append(b.closers, fn)
}

// NewBundle centralizes construction for the serve command and the one-shot
// CLI commands. On error everything acquired so far is released.
func NewBundle(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *Bundle, err error) {
	b := &Bundle{Config: cfg, Logger: logger}
	defer func() {
		if err != nil {
			_ = b.Close()
		}
	}()

	b.DB, err = bunx.NewDB(ctx, cfg.DatabaseURL, bunx.Options{MaxConns: cfg.MaxDBConnections})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	b.onClose(func() error { return bunx.Close(b.DB) })

	b.Redis, err = cache.NewClient(ctx, cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	b.onClose(b.Redis.Close)
	store := cache.NewRedisStore(b.Redis)

	breakerMetrics, err := telemetry.NewBreakerMetrics()
	if err != nil {
		return nil, fmt.Errorf("create breaker metrics: %w", err)
	}
	breakerStore, err := b.breakerStore(store)
	if err != nil {
		return nil, err
	}
	bc := cfg.Breaker
	b.Breakers = breaker.NewRegistry(breakerStore, breaker.Options{
		FailureThreshold:   bc.FailureThreshold,
		RecoveryTimeout:    bc.RecoveryTimeout,
		BackoffMultiplier:  bc.BackoffMultiplier,
		MaxRecoveryTimeout: bc.MaxRecoveryTimeout,
		Jitter:             bc.Jitter,
		StateTTL:           bc.StateTTL,
		MetricsTTL:         bc.MetricsTTL,
		IsFailure:          IsDependencyFailure,
		Logger:             logger,
		EventHandler:       breakerMetrics,
	}, breaker.ServiceCache, breaker.ServiceIdP, breaker.ServiceDatabase)

	rc := cfg.Reconcile
	b.State = rolestate.New(store, rolestate.Options{SnapshotTTL: rc.SnapshotTTL, Logger: logger})
	b.IdP = newIdPClient(cfg.IdP, logger)

	sink, err := b.auditSink(logger)
	if err != nil {
		return nil, err
	}

	resolverMetrics, err := telemetry.NewResolverMetrics()
	if err != nil {
		return nil, fmt.Errorf("create resolver metrics: %w", err)
	}
	res, err := resolver.New(b.State, b.IdP, b.Breakers, resolver.Options{
		RoleAttribute: cfg.IdP.RoleAttribute,
		Logger:        logger,
		Metrics:       resolverMetrics,
	})
	if err != nil {
		return nil, fmt.Errorf("create resolver: %w", err)
	}

	opts, err := engineOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.Logger = logger
	opts.Metrics, err = telemetry.NewSyncMetrics()
	if err != nil {
		return nil, fmt.Errorf("create sync metrics: %w", err)
	}
	b.Engine, err = reconcile.NewEngine(reconcile.Deps{
		State:      b.State,
		IdP:        b.IdP,
		Roles:      repository.NewBunRoleRepository(b.DB),
		Breakers:   b.Breakers,
		Operations: repository.NewBunSyncOperationRepository(b.DB),
		Audit:      sink,
	}, opts)
	if err != nil {
		return nil, fmt.Errorf("create reconcile engine: %w", err)
	}
	b.onClose(func() error { b.Engine.Close(); return nil })

	b.Service, err = rolesync.NewService(rolesync.Dependencies{
		Resolver: res,
		Engine:   b.Engine,
		State:    b.State,
		Breakers: b.Breakers,
		Audit:    sink,
		Logger:   logger,
	})
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Bundle) breakerStore(store *cache.RedisStore) (breaker.Store, error) {
	switch b.Config.Breaker.Backend {
	case "bolt":
		s, err := boltstore.Open(b.Config.Breaker.BoltPath, nil)
		if err != nil {
			return nil, fmt.Errorf("open breaker state file: %w", err)
		}
		b.onClose(s.Close)
		return s, nil
	case "memory":
		return breaker.NewMemoryStore(nil), nil
	default:
		return cache.NewBreakerStore(store), nil
	}
}

// auditSink logs every event and persists it through a buffered writer that
// is flushed on Close.
func (b *Bundle) auditSink(logger *slog.Logger) (audit.Sink, error) {
	repoSink := audit.NewRepositorySink(repository.NewBunAuditRepository(b.DB), auditBuffer, logger)
	b.onClose(func() error { repoSink.Close(); return nil })
	return audit.Multi{audit.NewLogSink(logger), repoSink}, nil
}

func newIdPClient(cfg config.IdPConfig, logger *slog.Logger) idp.Client {
	if cfg.Mode == "memory" {
		logger.Warn("using in-memory identity provider; role writes will not leave this process")
		return idp.NewMemoryClient()
	}
	return idp.NewRESTClient(idp.RESTConfig{
		BaseURL:      cfg.BaseURL,
		Realm:        cfg.Realm,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.Timeout,
	}, logger)
}

func engineOptions(cfg *config.Config) (reconcile.Options, error) {
	rc := cfg.Reconcile
	strategy, err := reconcile.ParseStrategy(rc.DefaultStrategy)
	if err != nil {
		return reconcile.Options{}, err
	}
	priority, err := reconcile.ParseSources(rc.Priority)
	if err != nil {
		return reconcile.Options{}, err
	}
	severity := reconcile.DefaultSeverityPolicy()
	if len(rc.CriticalRoles) > 0 {
		severity.CriticalRoles = make([]roles.Role, 0, len(rc.CriticalRoles))
		for _, name := range rc.CriticalRoles {
			r, ok := roles.Parse(name)
			if !ok {
				return reconcile.Options{}, fmt.Errorf("reconcile.critical_roles: unknown role %q", name)
			}
			severity.CriticalRoles = append(severity.CriticalRoles, r)
		}
	}
	return reconcile.Options{
		BatchSize:       rc.BatchSize,
		BatchPause:      rc.BatchPause,
		Concurrency:     rc.Concurrency,
		QueueSize:       rc.QueueSize,
		DefaultStrategy: strategy,
		Priority:        priority,
		Severity:        severity,
		RoleAttribute:   cfg.IdP.RoleAttribute,
		PageSize:        cfg.IdP.PageSize,
		WriteRetries:    rc.WriteRetries,
		LockTTL:         rc.LockTTL,
	}, nil
}

// IsDependencyFailure reports whether err means the dependency itself is
// unhealthy. Answers such as "not found" or a lost optimistic race come from a
// working dependency and must not open its breaker.
func IsDependencyFailure(err error) bool {
	switch {
	case err == nil,
		errors.Is(err, context.Canceled),
		errors.Is(err, rolestate.ErrRecordNotFound),
		errors.Is(err, rolestate.ErrVersionConflict),
		errors.Is(err, rolestate.ErrConcurrentUpdate),
		errors.Is(err, rolestate.ErrRollbackNotFound),
		errors.Is(err, idp.ErrUserNotFound),
		errors.Is(err, repository.ErrNotFound):
		return false
	}
	return true
}
