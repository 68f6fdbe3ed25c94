package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/auth"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

func newTokens(t *testing.T) *auth.TokenManager {
	t.Helper()
	tm, err := auth.NewTokenManager(auth.TokenConfig{Secret: []byte(strings.Repeat("k", auth.MinSecretLength))})
	require.NoError(t, err)
	return tm
}

func guarded(t *testing.T, tm *auth.TokenManager) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	for _, mw := range AdminAPI(tm, roles.Admin, nil) {
		r.Use(mw)
	}
	r.Get("/v1/breakers", func(w http.ResponseWriter, r *http.Request) {
		p, ok := auth.PrincipalFromContext(r.Context())
		if ok {
			w.Header().Set("X-Subject", p.Subject)
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{header: "Bearer abc", want: "abc", ok: true},
		{header: "bearer  abc ", want: "abc", ok: true},
		{header: "Basic abc", ok: false},
		{header: "Bearer", ok: false},
		{header: "Bearer   ", ok: false},
		{header: "", ok: false},
	}
	for _, tt := range tests {
		t.Run(tt.header, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, ok := BearerToken(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAdminAPI(t *testing.T) {
	tm := newTokens(t)
	handler := guarded(t, tm)

	adminToken, err := tm.Issue("alice", roles.Admin, time.Hour)
	require.NoError(t, err)
	viewerToken, err := tm.Issue("bob", roles.Viewer, time.Hour)
	require.NoError(t, err)

	tests := []struct {
		name    string
		header  string
		status  int
		subject string
	}{
		{name: "admin", header: "Bearer " + adminToken, status: http.StatusOK, subject: "alice"},
		{name: "viewer forbidden", header: "Bearer " + viewerToken, status: http.StatusForbidden},
		{name: "missing token", status: http.StatusUnauthorized},
		{name: "bad token", header: "Bearer junk", status: http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/breakers", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.subject, rec.Header().Get("X-Subject"))
			if tt.status == http.StatusUnauthorized {
				assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "Bearer")
				assert.Contains(t, rec.Body.String(), `"error"`)
			}
		})
	}
}

func TestAdminAPI_Disabled(t *testing.T) {
	assert.Nil(t, AdminAPI(nil, roles.Admin, nil))

	rec := httptest.NewRecorder()
	guarded(t, nil).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/breakers", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRequireRole_WithoutAuthenticate(t *testing.T) {
	h := RequireRole(roles.Viewer, nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
