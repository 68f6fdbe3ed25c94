package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/auth"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/middleware"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/resolver"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/rolesync"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/telemetry"
)

// mockService is a mock implementation of rolesync.Service for testing
type mockService struct {
	resolveFunc  func(ctx context.Context, userID string) resolver.Resolution
	triggerFunc  func(ctx context.Context, req reconcile.TriggerRequest) (*reconcile.SyncOperation, error)
	getFunc      func(ctx context.Context, id string) (*reconcile.SyncOperation, error)
	activeFunc   func(ctx context.Context) []*reconcile.SyncOperation
	resolveCFunc func(ctx context.Context, id string, s reconcile.Strategy, by string) (bool, error)
	rollbackFunc func(ctx context.Context, userID, opID, actor string) (*rolestate.RoleRecord, error)
	healthFunc   func(ctx context.Context, service string) (*breaker.HealthReport, error)
	actionFunc   func(ctx context.Context, action, service, actor string) error
}

var _ rolesync.Service = (*mockService)(nil)

func (m *mockService) ResolveRole(ctx context.Context, userID string) resolver.Resolution {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, userID)
	}
	return resolver.Resolution{UserID: userID, Role: roles.None, Source: resolver.SourceNone}
}

func (m *mockService) TriggerSync(ctx context.Context, req reconcile.TriggerRequest) (*reconcile.SyncOperation, error) {
	if m.triggerFunc != nil {
		return m.triggerFunc(ctx, req)
	}
	return nil, errors.New("not implemented")
}

func (m *mockService) GetSyncOperation(ctx context.Context, id string) (*reconcile.SyncOperation, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, reconcile.ErrOperationNotFound
}

func (m *mockService) WaitSyncOperation(ctx context.Context, id string) (*reconcile.SyncOperation, error) {
	return m.GetSyncOperation(ctx, id)
}

func (m *mockService) ListActiveSyncOperations(ctx context.Context) []*reconcile.SyncOperation {
	if m.activeFunc != nil {
		return m.activeFunc(ctx)
	}
	return nil
}

func (m *mockService) ResolveConflictManually(ctx context.Context, id string, s reconcile.Strategy, by string) (bool, error) {
	if m.resolveCFunc != nil {
		return m.resolveCFunc(ctx, id, s, by)
	}
	return false, errors.New("not implemented")
}

func (m *mockService) RollbackCacheWrite(ctx context.Context, userID, opID, actor string) (*rolestate.RoleRecord, error) {
	if m.rollbackFunc != nil {
		return m.rollbackFunc(ctx, userID, opID, actor)
	}
	return nil, errors.New("not implemented")
}

func (m *mockService) GetCircuitBreakerHealth(ctx context.Context, service string) (*breaker.HealthReport, error) {
	if m.healthFunc != nil {
		return m.healthFunc(ctx, service)
	}
	return &breaker.HealthReport{Overall: breaker.StatusHealthy}, nil
}

func (m *mockService) ResetCircuitBreaker(ctx context.Context, service, actor string) error {
	return m.action(ctx, "reset", service, actor)
}

func (m *mockService) ForceOpenCircuitBreaker(ctx context.Context, service, actor string) error {
	return m.action(ctx, "open", service, actor)
}

func (m *mockService) ForceCloseCircuitBreaker(ctx context.Context, service, actor string) error {
	return m.action(ctx, "close", service, actor)
}

func (m *mockService) action(ctx context.Context, action, service, actor string) error {
	if m.actionFunc != nil {
		return m.actionFunc(ctx, action, service, actor)
	}
	return errors.New("not implemented")
}

func serve(t *testing.T, svc rolesync.Service, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	NewRouter(RouterOptions{Service: svc}).ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name    string
		overall breaker.OverallStatus
		want    int
	}{
		{"healthy", breaker.StatusHealthy, http.StatusOK},
		{"degraded", breaker.StatusDegraded, http.StatusOK},
		{"unhealthy", breaker.StatusUnhealthy, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockService{healthFunc: func(context.Context, string) (*breaker.HealthReport, error) {
				return &breaker.HealthReport{Overall: tt.overall}, nil
			}}
			rec := serve(t, svc, http.MethodGet, "/health", nil)
			assert.Equal(t, tt.want, rec.Code)

			var resp HealthResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tt.overall, resp.Status)
		})
	}
}

func TestResolveRole(t *testing.T) {
	svc := &mockService{resolveFunc: func(_ context.Context, userID string) resolver.Resolution {
		return resolver.Resolution{UserID: userID, Role: roles.Admin, Source: resolver.SourceCache, Confidence: 1, Cached: true}
	}}
	rec := serve(t, svc, http.MethodGet, "/v1/roles/u1", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res resolver.Resolution
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "u1", res.UserID)
	assert.Equal(t, roles.Admin, res.Role)
	assert.Equal(t, resolver.SourceCache, res.Source)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
}

func TestTriggerSync(t *testing.T) {
	var got reconcile.TriggerRequest
	svc := &mockService{triggerFunc: func(_ context.Context, req reconcile.TriggerRequest) (*reconcile.SyncOperation, error) {
		got = req
		if req.Type == "bogus" {
			return nil, reconcile.ErrInvalidRequest
		}
		return &reconcile.SyncOperation{ID: "op-1", Type: req.Type, Status: reconcile.StatusPending}, nil
	}}

	rec := serve(t, svc, http.MethodPost, "/v1/sync",
		reconcile.TriggerRequest{Type: reconcile.TypeTargeted, TargetUserID: "u1"},
		ActorHeader, "alice")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "/v1/sync/op-1", rec.Header().Get("Location"))
	assert.Equal(t, "alice", got.InitiatedBy)

	var op reconcile.SyncOperation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &op))
	assert.Equal(t, reconcile.StatusPending, op.Status)

	rec = serve(t, svc, http.MethodPost, "/v1/sync", reconcile.TriggerRequest{Type: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/sync", bytes.NewBufferString("{not json"))
	rr := httptest.NewRecorder()
	NewRouter(RouterOptions{Service: svc}).ServeHTTP(rr, req)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestTriggerSync_QueueFull(t *testing.T) {
	svc := &mockService{triggerFunc: func(context.Context, reconcile.TriggerRequest) (*reconcile.SyncOperation, error) {
		return nil, reconcile.ErrQueueFull
	}}
	rec := serve(t, svc, http.MethodPost, "/v1/sync", reconcile.TriggerRequest{Type: reconcile.TypeFull})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetSync(t *testing.T) {
	svc := &mockService{getFunc: func(_ context.Context, id string) (*reconcile.SyncOperation, error) {
		if id == "op-1" {
			return &reconcile.SyncOperation{ID: id, Status: reconcile.StatusCompleted}, nil
		}
		return nil, reconcile.ErrOperationNotFound
	}}

	rec := serve(t, svc, http.MethodGet, "/v1/sync/op-1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, svc, http.MethodGet, "/v1/sync/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	var e ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &e))
	assert.Contains(t, e.Error, "not found")
}

func TestListActiveSync_EmptyIsArray(t *testing.T) {
	rec := serve(t, &mockService{}, http.MethodGet, "/v1/sync/active", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestResolveConflict(t *testing.T) {
	svc := &mockService{resolveCFunc: func(_ context.Context, id string, s reconcile.Strategy, by string) (bool, error) {
		switch id {
		case "c1":
			assert.Equal(t, reconcile.StrategyIdPWins, s)
			assert.Equal(t, "bob", by)
			return true, nil
		case "locked":
			return false, &rolestate.ConcurrentUpdateError{UserID: "u1", Reason: "record is locked"}
		default:
			return false, reconcile.ErrConflictNotFound
		}
	}}

	rec := serve(t, svc, http.MethodPost, "/v1/conflicts/c1/resolve",
		ResolveConflictRequest{Strategy: reconcile.StrategyIdPWins}, ActorHeader, "bob")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp ResolveConflictResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Resolved)

	rec = serve(t, svc, http.MethodPost, "/v1/conflicts/locked/resolve",
		ResolveConflictRequest{Strategy: reconcile.StrategyIdPWins, ResolvedBy: "bob"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = serve(t, svc, http.MethodPost, "/v1/conflicts/nope/resolve",
		ResolveConflictRequest{Strategy: reconcile.StrategyIdPWins, ResolvedBy: "bob"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRollbackRole(t *testing.T) {
	svc := &mockService{rollbackFunc: func(_ context.Context, userID, opID, actor string) (*rolestate.RoleRecord, error) {
		assert.Equal(t, "carol", actor)
		if opID == "op-1" {
			return &rolestate.RoleRecord{UserID: userID, Role: roles.Viewer, Version: 3}, nil
		}
		return nil, &rolestate.RollbackNotFoundError{UserID: userID, OperationID: opID}
	}}

	rec := serve(t, svc, http.MethodPost, "/v1/roles/u1/rollback", RollbackRequest{OperationID: "op-1", Actor: "carol"})
	require.Equal(t, http.StatusOK, rec.Code)
	var resp RollbackResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.NotNil(t, resp.Record)
	assert.Equal(t, roles.Viewer, resp.Record.Role)

	rec = serve(t, svc, http.MethodPost, "/v1/roles/u1/rollback", RollbackRequest{OperationID: "op-2", Actor: "carol"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, svc, http.MethodPost, "/v1/roles/u1/rollback", RollbackRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBreakerEndpoints(t *testing.T) {
	var calls []string
	svc := &mockService{
		actionFunc: func(_ context.Context, action, service, actor string) error {
			if service == "payments" {
				return rolesync.ErrUnknownService
			}
			calls = append(calls, action+":"+service+":"+actor)
			return nil
		},
		healthFunc: func(_ context.Context, service string) (*breaker.HealthReport, error) {
			return &breaker.HealthReport{
				Overall:  breaker.StatusHealthy,
				Services: []breaker.Health{{Service: service, State: breaker.StateClosed, Healthy: true}},
			}, nil
		},
	}

	for _, action := range []string{"reset", "open", "close"} {
		rec := serve(t, svc, http.MethodPost, "/v1/breakers/idp/"+action, nil, ActorHeader, "ops")
		require.Equal(t, http.StatusOK, rec.Code, action)
	}
	assert.Equal(t, []string{"reset:idp:ops", "open:idp:ops", "close:idp:ops"}, calls)

	rec := serve(t, svc, http.MethodPost, "/v1/breakers/payments/reset", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, svc, http.MethodGet, "/v1/breakers?service=idp", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report breaker.HealthReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Len(t, report.Services, 1)
	assert.Equal(t, "idp", report.Services[0].Service)
}

func TestStatusFor(t *testing.T) {
	open := &breaker.CircuitOpenError{Service: "idp", Operation: "get_user", NextAttemptAt: time.Now()}
	tests := []struct {
		err  error
		want int
	}{
		{reconcile.ErrConflictResolved, http.StatusConflict},
		{reconcile.ErrClosed, http.StatusServiceUnavailable},
		{open, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, statusFor(tt.err), tt.err.Error())
	}
}

func TestRouter_RecordsMetrics(t *testing.T) {
	m, err := telemetry.NewServerMetrics()
	require.NoError(t, err)
	router := NewRouter(RouterOptions{Service: &mockService{}, Metrics: m})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/roles/u1", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Content-Type"))
}

func TestRouter_AdminAuth(t *testing.T) {
	tokens, err := auth.NewTokenManager(auth.TokenConfig{Secret: []byte(strings.Repeat("k", auth.MinSecretLength))})
	require.NoError(t, err)

	var gotActor string
	svc := &mockService{actionFunc: func(_ context.Context, _, _, actor string) error {
		gotActor = actor
		return nil
	}}
	router := NewRouter(RouterOptions{
		Service:       svc,
		APIMiddleware: middleware.AdminAPI(tokens, roles.Admin, nil),
	})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code, "health stays public")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/breakers/idp/reset", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	token, err := tokens.Issue("alice", roles.Admin, time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/breakers/idp/reset", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set(ActorHeader, "mallory")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", gotActor, "principal overrides the actor header")
}
