package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/bitemap/session/internal/domain"
	apperrors "github.com/bitemap/session/pkg/errors"
)

// AccessClaims are the claims embedded in an access token. Roles and
// permissions are a snapshot taken at issuance: the server never re-resolves
// them while the token is valid, so role changes take effect at the next
// refresh. That staleness window is bounded by the access TTL.
type AccessClaims struct {
	Email       string   `json:"email,omitempty"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
	Guest       bool     `json:"guest,omitempty"`
	jwt.RegisteredClaims
}

// Signer mints and verifies HS256 access tokens. Verification is stateless:
// signature and expiry only, no store lookup.
type Signer struct {
	secret    []byte
	issuer    string
	accessTTL time.Duration
	now       func() time.Time
}

// NewSigner creates a signer with the given secret, issuer, and access TTL.
func NewSigner(secret, issuer string, accessTTL time.Duration) *Signer {
	return &Signer{
		secret:    []byte(secret),
		issuer:    issuer,
		accessTTL: accessTTL,
		now:       time.Now,
	}
}

// SignAccess creates a signed access token for the principal carrying the
// resolved permission set.
func (s *Signer) SignAccess(p *domain.Principal, permissions []string) (string, time.Time, error) {
	return s.SignAccessTTL(p, permissions, s.accessTTL)
}

// SignAccessTTL is SignAccess with an explicit lifetime, used for guest
// tokens which outlive regular access tokens.
func (s *Signer) SignAccessTTL(p *domain.Principal, permissions []string, ttl time.Duration) (string, time.Time, error) {
	now := s.now().UTC()
	expiresAt := now.Add(ttl)

	claims := &AccessClaims{
		Email:       p.Email,
		Roles:       p.Roles,
		Permissions: permissions,
		Guest:       p.Guest,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.ID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    s.issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign access token: %w", err)
	}

	return signed, expiresAt, nil
}

// VerifyAccess parses and validates an access token, returning the claims.
// Expired tokens yield a TOKEN_EXPIRED error so callers can trigger a silent
// refresh instead of surfacing a failure.
func (s *Signer) VerifyAccess(tokenString string) (*AccessClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &AccessClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithIssuer(s.issuer))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, apperrors.TokenExpired("access")
		}
		return nil, fmt.Errorf("parse access token: %w", err)
	}

	claims, ok := token.Claims.(*AccessClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid access token claims")
	}

	return claims, nil
}
