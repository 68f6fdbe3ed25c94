// Package resolver answers "what is this user's role" for authorization
// checks. It prefers the shared cache, falls back to the identity provider and
// writes what it learns back into the cache. It never returns an error: when
// every source fails the answer degrades to the last role seen from the IdP,
// or to no role at all.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/otel/attribute"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/idp"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/telemetry"
)

const tracerName = "rolesync/resolver"

// Source names the store that answered a resolution.
type Source string

const (
	SourceCache Source = "cache"
	SourceIdP   Source = "idp"
	SourceNone  Source = "none"
)

// Confidence levels attached to a resolution.
const (
	ConfidenceCache    = 1.0
	ConfidenceIdP      = 0.9
	ConfidenceFallback = 0.5
	ConfidenceNone     = 0.0
)

// ModifiedBy is recorded on cache records written back by the resolver.
const ModifiedBy = "resolver"

// Resolution is the answer to one Resolve call.
type Resolution struct {
	UserID     string     `json:"user_id"`
	Role       roles.Role `json:"role"`
	Source     Source     `json:"source"`
	Confidence float64    `json:"confidence"`
	// Cached is true when the role was served from the shared cache.
	Cached bool `json:"cached"`
	// Degraded is true when a dependency failed and the answer came from the
	// local fallback or is empty because of the failure.
	Degraded   bool      `json:"degraded"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// Options configures a Resolver.
type Options struct {
	// RoleAttribute is the IdP user attribute holding the role.
	RoleAttribute string
	// FallbackSize bounds the number of users whose last IdP role is kept
	// locally.
	FallbackSize int
	Clock        clock.Clock
	Logger       *slog.Logger
	Metrics      *telemetry.ResolverMetrics
}

// Resolver resolves roles with source attribution and confidence.
type Resolver struct {
	state    *rolestate.Store
	idp      idp.Client
	cacheCB  *breaker.Breaker
	idpCB    *breaker.Breaker
	fallback *lru.Cache[string, roles.Role]

	attr    string
	clock   clock.Clock
	logger  *slog.Logger
	metrics *telemetry.ResolverMetrics
}

// New builds a Resolver. The cache and IdP breakers are taken from breakers.
func New(state *rolestate.Store, idpClient idp.Client, breakers *breaker.Registry, opts Options) (*Resolver, error) {
	if opts.RoleAttribute == "" {
		opts.RoleAttribute = "role"
	}
	if opts.FallbackSize <= 0 {
		opts.FallbackSize = 10000
	}
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	opts.Logger = logging.OrDiscard(opts.Logger)

	fallback, err := lru.New[string, roles.Role](opts.FallbackSize)
	if err != nil {
		return nil, fmt.Errorf("create fallback cache: %w", err)
	}

	return &Resolver{
		state:    state,
		idp:      idpClient,
		cacheCB:  breakers.Get(breaker.ServiceCache),
		idpCB:    breakers.Get(breaker.ServiceIdP),
		fallback: fallback,
		attr:     opts.RoleAttribute,
		clock:    opts.Clock,
		logger:   opts.Logger,
		metrics:  opts.Metrics,
	}, nil
}

// Resolve returns the user's role. It never fails; dependency failures are
// reflected in Source, Confidence and Degraded.
func (r *Resolver) Resolve(ctx context.Context, userID string) (res Resolution) {
	start := r.clock.Now()
	ctx, span := telemetry.StartSpan(ctx, tracerName, "resolver.Resolve",
		attribute.String(telemetry.AttrUserID, userID))
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error("role resolution panicked", "user_id", userID, "panic", p)
			res = r.degraded(userID)
		}
		span.SetAttributes(
			attribute.String(telemetry.AttrRoleSource, string(res.Source)),
			attribute.Float64(telemetry.AttrRoleConfidence, res.Confidence),
		)
		span.End()
		r.metrics.RecordResolution(ctx, string(res.Source), res.Degraded, r.clock.Since(start))
	}()

	if userID == "" {
		return r.result(userID, roles.None, SourceNone, ConfidenceNone)
	}

	role, err := r.fromCache(ctx, userID)
	if err != nil {
		r.logger.Warn("cache unavailable for role lookup", "user_id", userID, "error", err)
	} else if role.Valid() {
		res = r.result(userID, role, SourceCache, ConfidenceCache)
		res.Cached = true
		return res
	}

	role, err = r.fromIdP(ctx, userID)
	if err != nil {
		telemetry.RecordError(span, err)
		r.logger.Warn("identity provider unavailable for role lookup", "user_id", userID, "error", err)
		return r.degraded(userID)
	}
	if !role.Valid() {
		return r.result(userID, roles.None, SourceNone, ConfidenceNone)
	}

	r.fallback.Add(userID, role)
	r.writeBack(ctx, userID, role)
	return r.result(userID, role, SourceIdP, ConfidenceIdP)
}

// fromCache reads the cached record. A missing or corrupt record is a miss,
// not a breaker failure.
func (r *Resolver) fromCache(ctx context.Context, userID string) (roles.Role, error) {
	return breaker.Call(ctx, r.cacheCB, "get_role", func(ctx context.Context) (roles.Role, error) {
		rec, err := r.state.Get(ctx, userID)
		switch {
		case err == nil:
			if !rec.Role.Valid() {
				r.logger.Warn("cached role is not a known role", "user_id", userID, "role", rec.Role)
				return roles.None, nil
			}
			return rec.Role, nil
		case errors.Is(err, rolestate.ErrRecordNotFound):
			return roles.None, nil
		case errors.Is(err, rolestate.ErrIntegrity):
			r.logger.Warn("cached role record failed verification", "user_id", userID, "error", err)
			return roles.None, nil
		default:
			return roles.None, err
		}
	})
}

func (r *Resolver) fromIdP(ctx context.Context, userID string) (roles.Role, error) {
	return breaker.Call(ctx, r.idpCB, "get_user_attribute", func(ctx context.Context) (roles.Role, error) {
		v, err := r.idp.GetUserAttribute(ctx, userID, r.attr)
		if err != nil {
			return roles.None, err
		}
		if v == "" {
			return roles.None, nil
		}
		role, ok := roles.Parse(v)
		if !ok {
			r.logger.Warn("identity provider role is not a known role", "user_id", userID, "role", v)
			return roles.None, nil
		}
		return role, nil
	})
}

// writeBack repopulates the cache with a role learned from the IdP. Failures
// are logged and otherwise ignored.
func (r *Resolver) writeBack(ctx context.Context, userID string, role roles.Role) {
	err := r.cacheCB.Execute(ctx, "write_back", func(ctx context.Context) error {
		_, err := r.state.AtomicUpdate(ctx, rolestate.UpdateRequest{
			UserID:     userID,
			NewRole:    role,
			Force:      true,
			ModifiedBy: ModifiedBy,
		})
		if errors.Is(err, rolestate.ErrConcurrentUpdate) {
			// Someone else is writing this user; their value wins.
			r.logger.Debug("skipped role write-back", "user_id", userID, "reason", err)
			return nil
		}
		return err
	})
	if err != nil {
		r.logger.Warn("role write-back failed", "user_id", userID, "role", role, "error", err)
	}
}

func (r *Resolver) degraded(userID string) Resolution {
	if role, ok := r.fallback.Get(userID); ok {
		res := r.result(userID, role, SourceIdP, ConfidenceFallback)
		res.Degraded = true
		return res
	}
	res := r.result(userID, roles.None, SourceNone, ConfidenceNone)
	res.Degraded = true
	return res
}

func (r *Resolver) result(userID string, role roles.Role, source Source, confidence float64) Resolution {
	return Resolution{
		UserID:     userID,
		Role:       role,
		Source:     source,
		Confidence: confidence,
		ResolvedAt: r.clock.Now(),
	}
}
