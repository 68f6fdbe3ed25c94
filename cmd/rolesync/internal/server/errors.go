package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/breaker"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/rolestate"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/reconcile"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/services/rolesync"
)

// ErrorResponse is the JSON body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, reconcile.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, reconcile.ErrOperationNotFound),
		errors.Is(err, reconcile.ErrConflictNotFound),
		errors.Is(err, rolestate.ErrRollbackNotFound),
		errors.Is(err, rolesync.ErrUnknownService):
		return http.StatusNotFound
	case errors.Is(err, reconcile.ErrConflictResolved),
		errors.Is(err, rolestate.ErrConcurrentUpdate),
		errors.Is(err, rolestate.ErrVersionConflict):
		return http.StatusConflict
	case errors.Is(err, reconcile.ErrQueueFull),
		errors.Is(err, reconcile.ErrClosed),
		breaker.IsOpen(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
