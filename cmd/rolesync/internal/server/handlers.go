package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/auth"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/rolesync"
)

// ActorHeader names the operator on administrative requests when the body
// does not.
const ActorHeader = "X-Rolesync-Actor"

const defaultActor = "api"

// Handlers serves the rolesync REST API.
type Handlers struct {
	service rolesync.Service
	logger  *slog.Logger
}

// NewHandlers creates the handler set.
func NewHandlers(service rolesync.Service, logger *slog.Logger) *Handlers {
	return &Handlers{service: service, logger: logger}
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   breaker.OverallStatus `json:"status"`
	Breakers []breaker.Health      `json:"breakers"`
}

// Health handles GET /health. Degraded dependencies still answer 200 since
// role resolution keeps working; all breakers open answers 503.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetCircuitBreakerHealth(r.Context(), "")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	status := http.StatusOK
	if report.Overall == breaker.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{Status: report.Overall, Breakers: report.Services})
}

// ResolveRole handles GET /v1/roles/{userID}.
func (h *Handlers) ResolveRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	writeJSON(w, http.StatusOK, h.service.ResolveRole(r.Context(), userID))
}

// RollbackRequest is the body of POST /v1/roles/{userID}/rollback.
type RollbackRequest struct {
	OperationID string `json:"operation_id"`
	Actor       string `json:"actor,omitempty"`
}

// RollbackResponse reports the restored record; Record is nil when the user
// had no cache record before the operation.
type RollbackResponse struct {
	UserID string                `json:"user_id"`
	Record *rolestate.RoleRecord `json:"record"`
}

// RollbackRole handles POST /v1/roles/{userID}/rollback.
func (h *Handlers) RollbackRole(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	var req RollbackRequest
	if !decode(w, r, &req) {
		return
	}
	if req.OperationID == "" {
		writeError(w, http.StatusBadRequest, "operation_id is required")
		return
	}
	rec, err := h.service.RollbackCacheWrite(r.Context(), userID, req.OperationID, actor(r, req.Actor))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, RollbackResponse{UserID: userID, Record: rec})
}

// TriggerSync handles POST /v1/sync and answers 202 with the pending operation.
func (h *Handlers) TriggerSync(w http.ResponseWriter, r *http.Request) {
	var req reconcile.TriggerRequest
	if !decode(w, r, &req) {
		return
	}
	req.InitiatedBy = actor(r, req.InitiatedBy)
	op, err := h.service.TriggerSync(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	w.Header().Set("Location", "/v1/sync/"+op.ID)
	writeJSON(w, http.StatusAccepted, op)
}

// GetSync handles GET /v1/sync/{id}.
func (h *Handlers) GetSync(w http.ResponseWriter, r *http.Request) {
	op, err := h.service.GetSyncOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, op)
}

// ListActiveSync handles GET /v1/sync/active.
func (h *Handlers) ListActiveSync(w http.ResponseWriter, r *http.Request) {
	ops := h.service.ListActiveSyncOperations(r.Context())
	if ops == nil {
		ops = []*reconcile.SyncOperation{}
	}
	writeJSON(w, http.StatusOK, ops)
}

// ResolveConflictRequest is the body of POST /v1/conflicts/{id}/resolve.
type ResolveConflictRequest struct {
	Strategy   reconcile.Strategy `json:"strategy"`
	ResolvedBy string             `json:"resolved_by"`
}

// ResolveConflictResponse reports whether the resolution verified.
type ResolveConflictResponse struct {
	ConflictID string `json:"conflict_id"`
	Resolved   bool   `json:"resolved"`
}

// ResolveConflict handles POST /v1/conflicts/{id}/resolve.
func (h *Handlers) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req ResolveConflictRequest
	if !decode(w, r, &req) {
		return
	}
	req.ResolvedBy = actor(r, req.ResolvedBy)
	ok, err := h.service.ResolveConflictManually(r.Context(), id, req.Strategy, req.ResolvedBy)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ResolveConflictResponse{ConflictID: id, Resolved: ok})
}

// BreakerHealth handles GET /v1/breakers[?service=name].
func (h *Handlers) BreakerHealth(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.GetCircuitBreakerHealth(r.Context(), r.URL.Query().Get("service"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// ResetBreaker handles POST /v1/breakers/{service}/reset.
func (h *Handlers) ResetBreaker(w http.ResponseWriter, r *http.Request) {
	h.breakerAction(w, r, h.service.ResetCircuitBreaker)
}

// ForceOpenBreaker handles POST /v1/breakers/{service}/open.
func (h *Handlers) ForceOpenBreaker(w http.ResponseWriter, r *http.Request) {
	h.breakerAction(w, r, h.service.ForceOpenCircuitBreaker)
}

// ForceCloseBreaker handles POST /v1/breakers/{service}/close.
func (h *Handlers) ForceCloseBreaker(w http.ResponseWriter, r *http.Request) {
	h.breakerAction(w, r, h.service.ForceCloseCircuitBreaker)
}

func (h *Handlers) breakerAction(w http.ResponseWriter, r *http.Request, action func(context.Context, string, string) error) {
	service := chi.URLParam(r, "service")
	if err := action(r.Context(), service, actor(r, "")); err != nil {
		h.fail(w, r, err)
		return
	}
	report, err := h.service.GetCircuitBreakerHealth(r.Context(), service)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if len(report.Services) == 0 {
		writeJSON(w, http.StatusOK, report)
		return
	}
	writeJSON(w, http.StatusOK, report.Services[0])
}

func (h *Handlers) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err)
	}
	writeError(w, status, err.Error())
}

// decode reads a JSON body into v. An empty body leaves v at its zero value.
func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
	return false
}

// actor names who performed an admin action. An authenticated principal
// always wins over self-reported names.
func actor(r *http.Request, fromBody string) string {
	if p, ok := auth.PrincipalFromContext(r.Context()); ok {
		return p.Subject
	}
	if fromBody != "" {
		return fromBody
	}
	if a := r.Header.Get(ActorHeader); a != "" {
		return a
	}
	return defaultActor
}
