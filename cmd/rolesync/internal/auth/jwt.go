// Package auth issues and verifies the bearer tokens that guard the admin API.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/code-craka/rolesync/cmd/rolesync/internal/roles"
)

// ErrDisabled is returned by NewTokenManager when no signing secret is configured.
var ErrDisabled = errors.New("admin token authentication is disabled")

// MinSecretLength is the shortest accepted HS256 signing secret.
const MinSecretLength = 32

// Claims are the JWT claims of an admin token.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// TokenConfig configures token signing and verification.
type TokenConfig struct {
	Secret   []byte
	Issuer   string
	Audience string
	// Leeway tolerates clock skew when checking exp and nbf.
	Leeway time.Duration
}

// TokenManager signs and verifies HS256 admin tokens.
type TokenManager struct {
	cfg    TokenConfig
	parser *jwt.Parser
	now    func() time.Time
}

// NewTokenManager returns ErrDisabled when cfg has no secret.
func NewTokenManager(cfg TokenConfig) (*TokenManager, error) {
	if len(cfg.Secret) == 0 {
		return nil, ErrDisabled
	}
	if len(cfg.Secret) < MinSecretLength {
		return nil, fmt.Errorf("admin token secret must be at least %d bytes, got %d", MinSecretLength, len(cfg.Secret))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(cfg.Leeway),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}
	return &TokenManager{cfg: cfg, parser: jwt.NewParser(opts...), now: time.Now}, nil
}

// Issue signs a token for subject with the given role, valid for ttl.
func (m *TokenManager) Issue(subject string, role roles.Role, ttl time.Duration) (string, error) {
	if subject == "" {
		return "", errors.New("subject is required")
	}
	if !role.Valid() {
		return "", fmt.Errorf("unknown role %q", role)
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}

	now := m.now()
	claims := Claims{
		Role: string(role),
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   subject,
			Issuer:    m.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	if m.cfg.Audience != "" {
		claims.Audience = jwt.ClaimStrings{m.cfg.Audience}
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(m.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify parses token and returns the principal it names.
func (m *TokenManager) Verify(token string) (Principal, error) {
	var claims Claims
	_, err := m.parser.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return m.cfg.Secret, nil
	})
	if err != nil {
		return Principal{}, fmt.Errorf("invalid token: %w", err)
	}
	if claims.Subject == "" {
		return Principal{}, errors.New("invalid token: missing subject")
	}
	role, ok := roles.Parse(claims.Role)
	if !ok {
		return Principal{}, fmt.Errorf("invalid token: unknown role %q", claims.Role)
	}
	return Principal{Subject: claims.Subject, Role: role, TokenID: claims.ID}, nil
}
