package middleware

import (
	"log/slog"
	"net/http"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/auth"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/logging"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// RequireRole rejects requests whose principal ranks below minimum. It must
// run after Authenticate.
func RequireRole(minimum roles.Role, logger *slog.Logger) func(http.Handler) http.Handler {
	logger = logging.OrDiscard(logger)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeError(w, http.StatusUnauthorized, "unauthenticated")
				return
			}
			if principal.Role.Rank() < minimum.Rank() {
				logger.Warn("admin api access denied",
					"subject", principal.Subject, "role", principal.Role,
					"required", minimum, "path", r.URL.Path)
				writeError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// AdminAPI returns the middleware chain guarding the admin API, or nil when
// tokens is nil and authentication is disabled.
func AdminAPI(tokens *auth.TokenManager, minimum roles.Role, logger *slog.Logger) []func(http.Handler) http.Handler {
	if tokens == nil {
		return nil
	}
	return []func(http.Handler) http.Handler{
		Authenticate(tokens, logger),
		RequireRole(minimum, logger),
	}
}
