package auth

import (
	"context"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// Principal captures the operator identity propagated through the request context.
type Principal struct {
	// Subject is the token's sub claim.
	Subject string
	// Role is the operator's role as carried by the token.
	Role roles.Role
	// TokenID is the jti claim, when present.
	TokenID string
}

type principalContextKey struct{}

// SetPrincipal stores the authenticated principal on the context for downstream consumers.
func SetPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext retrieves the authenticated principal from the context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}
