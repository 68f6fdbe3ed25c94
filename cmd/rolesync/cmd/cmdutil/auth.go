package cmdutil

import (
	"errors"
	"fmt"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/auth"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/config"
	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// NewTokenManager builds the admin token manager from configuration. It
// returns nil without error when admin_auth.jwt_secret is unset.
func NewTokenManager(cfg config.AdminAuthConfig) (*auth.TokenManager, error) {
	tm, err := auth.NewTokenManager(auth.TokenConfig{
		Secret:   []byte(cfg.JWTSecret),
		Issuer:   cfg.Issuer,
		Audience: cfg.Audience,
		Leeway:   cfg.Leeway,
	})
	if errors.Is(err, auth.ErrDisabled) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tm, nil
}

// RequiredRole parses admin_auth.required_role.
func RequiredRole(cfg config.AdminAuthConfig) (roles.Role, error) {
	r, ok := roles.Parse(cfg.RequiredRole)
	if !ok {
		return roles.None, fmt.Errorf("admin_auth.required_role: unknown role %q", cfg.RequiredRole)
	}
	return r, nil
}
