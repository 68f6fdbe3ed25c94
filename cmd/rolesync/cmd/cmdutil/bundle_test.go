package cmdutil

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/config"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/idp"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/migrations"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/repository"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
)

func TestIsDependencyFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", fmt.Errorf("get: %w", context.Canceled), false},
		{"cache miss", rolestate.ErrRecordNotFound, false},
		{"lost race", &rolestate.ConcurrentUpdateError{UserID: "u1", Reason: "record is locked"}, false},
		{"idp unknown user", idp.ErrUserNotFound, false},
		{"db row missing", fmt.Errorf("find: %w", repository.ErrNotFound), false},
		{"timeout", context.DeadlineExceeded, true},
		{"connection refused", errors.New("dial tcp: connection refused"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsDependencyFailure(tt.err))
		})
	}
}

func testConfig() *config.Config {
	return &config.Config{
		IdP: config.IdPConfig{RoleAttribute: "role", PageSize: 50},
		Reconcile: config.ReconcileConfig{
			BatchSize:       10,
			Concurrency:     4,
			QueueSize:       8,
			DefaultStrategy: "idp_wins",
			Priority:        []string{"database", "idp", "cache"},
			CriticalRoles:   []string{"Admin", "merchant"},
			WriteRetries:    1,
		},
	}
}

func TestEngineOptions(t *testing.T) {
	opts, err := engineOptions(testConfig())
	require.NoError(t, err)
	assert.Equal(t, reconcile.StrategyIdPWins, opts.DefaultStrategy)
	assert.Equal(t, []reconcile.Source{reconcile.SourceDatabase, reconcile.SourceIdP, reconcile.SourceCache}, opts.Priority)
	assert.Equal(t, []roles.Role{roles.Admin, roles.Merchant}, opts.Severity.CriticalRoles)
	assert.Equal(t, 50, opts.PageSize)
	assert.Equal(t, "role", opts.RoleAttribute)

	assert.Equal(t, []roles.Role{roles.Highest()}, reconcile.DefaultSeverityPolicy().CriticalRoles,
		"default policy must not be mutated")
}

func TestEngineOptions_Invalid(t *testing.T) {
	cfg := testConfig()
	cfg.Reconcile.CriticalRoles = []string{"superuser"}
	_, err := engineOptions(cfg)
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Reconcile.Priority = []string{"ldap"}
	_, err = engineOptions(cfg)
	assert.Error(t, err)
}

func TestNewIdPClient(t *testing.T) {
	logger := logging.Discard()
	_, ok := newIdPClient(config.IdPConfig{Mode: "memory"}, logger).(*idp.MemoryClient)
	assert.True(t, ok)
	_, ok = newIdPClient(config.IdPConfig{Mode: "rest", BaseURL: "https://idp.example.com"}, logger).(*idp.RESTClient)
	assert.True(t, ok)
}

func TestNewBundle_WiresService(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig()
	cfg.DatabaseURL = "file:" + t.Name() + "?mode=memory&cache=shared"
	cfg.RedisURL = "redis://" + mr.Addr() + "/0"
	cfg.IdP.Mode = "memory"
	cfg.Breaker = config.BreakerConfig{Backend: "memory", FailureThreshold: 3, RecoveryTimeout: time.Second}

	ctx := context.Background()
	b, err := NewBundle(ctx, cfg, logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, b.Close()) })

	_, err = migrations.Apply(ctx, b.DB)
	require.NoError(t, err)

	b.IdP.(*idp.MemoryClient).AddUser("u1", map[string]string{"role": "viewer"})
	res := b.Service.ResolveRole(ctx, "u1")
	assert.Equal(t, roles.Viewer, res.Role)

	report, err := b.Service.GetCircuitBreakerHealth(ctx, "")
	require.NoError(t, err)
	assert.Len(t, report.Services, 3)
}

func TestNewBundle_ReleasesOnError(t *testing.T) {
	cfg := testConfig()
	cfg.DatabaseURL = "file:" + t.Name() + "?mode=memory&cache=shared"
	cfg.RedisURL = "redis://127.0.0.1:1/0"

	_, err := NewBundle(context.Background(), cfg, logging.Discard())
	assert.Error(t, err)
}
