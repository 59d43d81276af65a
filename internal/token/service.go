package token

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/internal/rbac"
	"github.com/bitemap/session/internal/repository"
	apperrors "github.com/bitemap/session/pkg/errors"
)

var reuseDetectedTotal = promauto.NewCounter(prometheus.CounterOpts{
	Name: "session_refresh_reuse_detected_total",
	Help: "Total number of refresh token reuse detections (lineage revocations)",
})

// refreshTokenBytes is the entropy of an opaque refresh token before encoding.
const refreshTokenBytes = 32

// Service issues, rotates, and revokes token pairs. Refresh tokens are opaque
// random strings stored only as SHA-256 hashes; each exchange consumes the
// presented token and issues a child in the same lineage, and any attempt to
// exchange an already-consumed token revokes the entire lineage.
type Service struct {
	signer     *Signer
	tokens     repository.RefreshTokenRepository
	users      repository.UserRepository
	resolver   *rbac.Resolver
	refreshTTL time.Duration
	guestTTL   time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewService creates a token service.
func NewService(
	signer *Signer,
	tokens repository.RefreshTokenRepository,
	users repository.UserRepository,
	resolver *rbac.Resolver,
	refreshTTL, guestTTL time.Duration,
	logger *slog.Logger,
) *Service {
	return &Service{
		signer:     signer,
		tokens:     tokens,
		users:      users,
		resolver:   resolver,
		refreshTTL: refreshTTL,
		guestTTL:   guestTTL,
		logger:     logger,
		now:        time.Now,
	}
}

// Issue creates a fresh token pair for the principal, starting a new refresh
// lineage. Used at login, registration, and guest upgrade.
func (s *Service) Issue(ctx context.Context, p *domain.Principal) (*domain.TokenPair, *domain.RefreshTokenRecord, error) {
	permissions := s.resolver.Resolve(p.Roles)

	access, accessExpiresAt, err := s.signer.SignAccess(p, permissions)
	if err != nil {
		return nil, nil, err
	}

	raw, hash, err := newOpaqueToken()
	if err != nil {
		return nil, nil, err
	}

	now := s.now().UTC()
	id := uuid.New().String()
	record := &domain.RefreshTokenRecord{
		ID:          id,
		PrincipalID: p.ID,
		TokenHash:   hash,
		LineageID:   id,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}

	if err := s.tokens.Create(ctx, record); err != nil {
		return nil, nil, fmt.Errorf("create refresh token: %w", err)
	}

	pair := &domain.TokenPair{
		AccessToken:     access,
		RefreshToken:    raw,
		AccessExpiresAt: accessExpiresAt,
	}
	return pair, record, nil
}

// IssueGuest mints a short-lived guest access token. Guests get no refresh
// token: when the access token expires the client requests a new guest
// identity, and nothing server-side needs cleanup.
func (s *Service) IssueGuest(ctx context.Context) (*domain.TokenPair, *domain.Principal, error) {
	p := domain.GuestPrincipal(uuid.New().String(), s.now().UTC())
	permissions := s.resolver.Resolve(p.Roles)

	access, accessExpiresAt, err := s.signer.SignAccessTTL(p, permissions, s.guestTTL)
	if err != nil {
		return nil, nil, err
	}

	pair := &domain.TokenPair{
		AccessToken:     access,
		AccessExpiresAt: accessExpiresAt,
	}
	return pair, p, nil
}

// Refresh exchanges a refresh token for a new pair. The exchange is
// exactly-once: the consume is a conditional update inside a transaction, so
// concurrent presentations of the same token produce one winner and the losers
// are treated as reuse. Reuse of a consumed or revoked token revokes the whole
// lineage. Roles are re-resolved from the credential store on every refresh so
// grants and revocations propagate. On reuse the consumed record is returned
// alongside the error so callers can report which principal and lineage were
// hit.
func (s *Service) Refresh(ctx context.Context, rawToken string) (*domain.TokenPair, *domain.RefreshTokenRecord, *domain.Principal, error) {
	record, err := s.tokens.GetByHash(ctx, hashToken(rawToken))
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, nil, apperrors.AuthFailed("invalid refresh token")
		}
		return nil, nil, nil, fmt.Errorf("lookup refresh token: %w", err)
	}

	now := s.now().UTC()

	if record.IsUsed() || record.IsRevoked() {
		return nil, record, nil, s.handleReuse(ctx, record)
	}
	if record.IsExpired(now) {
		return nil, nil, nil, apperrors.TokenExpired("refresh")
	}

	user, err := s.users.GetByID(ctx, record.PrincipalID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, nil, nil, apperrors.AuthFailed("account no longer exists")
		}
		return nil, nil, nil, fmt.Errorf("lookup principal: %w", err)
	}
	if !user.IsActive {
		return nil, nil, nil, apperrors.AuthFailed("account is deactivated")
	}

	principal := domain.PrincipalFromUser(user, now)
	permissions := s.resolver.Resolve(principal.Roles)

	access, accessExpiresAt, err := s.signer.SignAccess(principal, permissions)
	if err != nil {
		return nil, nil, nil, err
	}

	raw, hash, err := newOpaqueToken()
	if err != nil {
		return nil, nil, nil, err
	}

	child := &domain.RefreshTokenRecord{
		ID:          uuid.New().String(),
		PrincipalID: record.PrincipalID,
		TokenHash:   hash,
		ParentID:    &record.ID,
		LineageID:   record.LineageID,
		IssuedAt:    now,
		ExpiresAt:   now.Add(s.refreshTTL),
	}

	rotated, err := s.tokens.Rotate(ctx, record.ID, now, child)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("rotate refresh token: %w", err)
	}
	if !rotated {
		// Lost the race: someone else consumed this token between our read
		// and the conditional update. Same treatment as observed reuse.
		return nil, record, nil, s.handleReuse(ctx, record)
	}

	pair := &domain.TokenPair{
		AccessToken:     access,
		RefreshToken:    raw,
		AccessExpiresAt: accessExpiresAt,
	}
	return pair, child, principal, nil
}

// Revoke invalidates refresh tokens at the requested scope. Access tokens
// already issued remain valid until they expire.
func (s *Service) Revoke(ctx context.Context, scope domain.RevokeScope, rawToken, principalID string) error {
	switch scope {
	case domain.RevokeSingle, domain.RevokeLineage:
		record, err := s.tokens.GetByHash(ctx, hashToken(rawToken))
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				// Logout with an unknown token is a no-op, not an error.
				return nil
			}
			return fmt.Errorf("lookup refresh token: %w", err)
		}
		if scope == domain.RevokeSingle {
			return s.tokens.RevokeByID(ctx, record.ID)
		}
		return s.tokens.RevokeLineage(ctx, record.LineageID)
	case domain.RevokeAllSessions:
		return s.tokens.RevokeByPrincipalID(ctx, principalID)
	default:
		return fmt.Errorf("unknown revoke scope %q", scope)
	}
}

// VerifyAccess validates an access token without touching the store.
func (s *Service) VerifyAccess(tokenString string) (*AccessClaims, error) {
	return s.signer.VerifyAccess(tokenString)
}

// DeleteExpired removes refresh token rows past their expiry. Run
// periodically; revoked rows are kept until expiry so reuse of a revoked
// token is still detectable.
func (s *Service) DeleteExpired(ctx context.Context) (int64, error) {
	return s.tokens.DeleteExpired(ctx, s.now().UTC())
}

func (s *Service) handleReuse(ctx context.Context, record *domain.RefreshTokenRecord) error {
	reuseDetectedTotal.Inc()
	s.logger.Warn("refresh token reuse detected, revoking lineage",
		slog.String("principal_id", record.PrincipalID),
		slog.String("lineage_id", record.LineageID),
		slog.String("token_id", record.ID),
	)
	if err := s.tokens.RevokeLineage(ctx, record.LineageID); err != nil {
		s.logger.Error("failed to revoke lineage after reuse",
			slog.String("lineage_id", record.LineageID),
			slog.String("error", err.Error()),
		)
	}
	return apperrors.ReuseDetected()
}

func newOpaqueToken() (raw, hash string, err error) {
	buf := make([]byte, refreshTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate refresh token: %w", err)
	}
	raw = base64.RawURLEncoding.EncodeToString(buf)
	return raw, hashToken(raw), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
