// Package auth verifies the bearer tokens that identify lab users.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/louisbranch/cloudlabs/internal/platform/errors"
)

// RoleAdmin marks tokens allowed to use admin operations.
const RoleAdmin = "admin"

const minSecretLength = 32

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Email  string
	Admin  bool
}

// Config defines how bearer tokens are verified.
type Config struct {
	Secret   []byte
	Issuer   string
	Audience string
	Now      func() time.Time
}

type claims struct {
	jwt.RegisteredClaims
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

// Verifier validates HS256 bearer tokens.
type Verifier struct {
	cfg Config
}

// NewVerifier creates a verifier. Issuer and audience are checked only when set.
func NewVerifier(cfg Config) (*Verifier, error) {
	if len(cfg.Secret) < minSecretLength {
		return nil, fmt.Errorf("jwt secret must be at least %d bytes", minSecretLength)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	cfg.Issuer = strings.TrimSpace(cfg.Issuer)
	cfg.Audience = strings.TrimSpace(cfg.Audience)
	return &Verifier{cfg: cfg}, nil
}

// Verify parses token and returns the caller identity.
func (v *Verifier) Verify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token is required")
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(v.cfg.Now),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(30 * time.Second),
	}
	if v.cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.cfg.Issuer))
	}
	if v.cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(v.cfg.Audience))
	}

	var parsed claims
	if _, err := jwt.ParseWithClaims(token, &parsed, func(*jwt.Token) (any, error) {
		return v.cfg.Secret, nil
	}, opts...); err != nil {
		return Identity{}, mapJWTError(err)
	}
	if strings.TrimSpace(parsed.Subject) == "" {
		return Identity{}, apperrors.New(apperrors.CodeUnauthenticated, "bearer token subject is required")
	}
	return Identity{
		UserID: parsed.Subject,
		Email:  strings.TrimSpace(parsed.Email),
		Admin:  parsed.Role == RoleAdmin,
	}, nil
}

// Issue signs a token for identity valid for ttl. It backs local tooling and tests.
func (v *Verifier) Issue(identity Identity, ttl time.Duration) (string, error) {
	now := v.cfg.Now().UTC()
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   identity.UserID,
			Issuer:    v.cfg.Issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Email: identity.Email,
	}
	if v.cfg.Audience != "" {
		c.Audience = jwt.ClaimStrings{v.cfg.Audience}
	}
	if identity.Admin {
		c.Role = RoleAdmin
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(v.cfg.Secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

func mapJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "bearer token is expired", err)
	case errors.Is(err, jwt.ErrTokenSignatureInvalid):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "bearer token signature is invalid", err)
	case errors.Is(err, jwt.ErrTokenInvalidIssuer), errors.Is(err, jwt.ErrTokenInvalidAudience):
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "bearer token was issued for another service", err)
	default:
		return apperrors.Wrap(apperrors.CodeUnauthenticated, "bearer token is invalid", err)
	}
}

type identityKey struct{}

// WithIdentity stores identity in ctx.
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the identity stored by WithIdentity.
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
