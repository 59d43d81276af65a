// Package session orchestrates authentication flows: login, registration,
// token refresh, logout, guest sessions, and guest upgrade with favorites
// merge.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/bitemap/session/internal/csrf"
	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/internal/event"
	"github.com/bitemap/session/internal/ratelimit"
	"github.com/bitemap/session/internal/rbac"
	"github.com/bitemap/session/internal/repository"
	"github.com/bitemap/session/internal/token"
	apperrors "github.com/bitemap/session/pkg/errors"
)

// dummyHash is compared against when the account does not exist, so the
// response time for an unknown email matches a wrong password.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// EventPublisher emits session lifecycle events. Satisfied by
// event.Publisher.
type EventPublisher interface {
	Publish(ctx context.Context, topic, eventType, principalID string, payload any)
}

// Manager runs the session lifecycle. All store failures surface as
// SERVICE_UNAVAILABLE, never as AUTH_FAILED: an outage must not look like
// bad credentials to the client.
type Manager struct {
	users      repository.UserRepository
	favorites  repository.FavoriteRepository
	tokens     *token.Service
	csrf       *csrf.Manager
	limiter    *ratelimit.Limiter
	events     EventPublisher
	resolver   *rbac.Resolver
	bcryptCost int
	logger     *slog.Logger
	now        func() time.Time
}

// NewManager creates a session manager.
func NewManager(
	users repository.UserRepository,
	favorites repository.FavoriteRepository,
	tokens *token.Service,
	csrfManager *csrf.Manager,
	limiter *ratelimit.Limiter,
	events EventPublisher,
	resolver *rbac.Resolver,
	bcryptCost int,
	logger *slog.Logger,
) *Manager {
	if bcryptCost == 0 {
		bcryptCost = bcrypt.DefaultCost
	}
	return &Manager{
		users:      users,
		favorites:  favorites,
		tokens:     tokens,
		csrf:       csrfManager,
		limiter:    limiter,
		events:     events,
		resolver:   resolver,
		bcryptCost: bcryptCost,
		logger:     logger,
		now:        time.Now,
	}
}

// Register creates an account and opens a session for it.
func (m *Manager) Register(ctx context.Context, email, password, name, clientIP string) (*domain.Session, error) {
	if err := m.checkLimit(ctx, "register", clientIP); err != nil {
		return nil, err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), m.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	user := &domain.User{
		ID:           uuid.New().String(),
		Email:        email,
		PasswordHash: string(hash),
		Name:         name,
		Roles:        []string{domain.RoleUser},
		IsActive:     true,
	}
	if err := m.users.Create(ctx, user); err != nil {
		if errors.Is(err, apperrors.ErrAlreadyExists) {
			return nil, apperrors.AlreadyExists("user", "email", email)
		}
		return nil, m.storeErr("credential store", err)
	}

	sess, err := m.openSession(ctx, domain.PrincipalFromUser(user, m.now().UTC()))
	if err != nil {
		return nil, err
	}

	m.events.Publish(ctx, event.TopicLogin, "session.login", user.ID, event.LoginPayload{
		PrincipalID: user.ID,
		Email:       user.Email,
		Roles:       user.Roles,
		ClientIP:    clientIP,
		NewAccount:  true,
	})
	return sess, nil
}

// Login verifies credentials and opens a session. The error for an unknown
// email and a wrong password is identical.
func (m *Manager) Login(ctx context.Context, email, password, clientIP string) (*domain.Session, error) {
	if err := m.checkLimit(ctx, "login", clientIP); err != nil {
		return nil, err
	}
	if err := m.checkLimit(ctx, "login", "account:"+email); err != nil {
		return nil, err
	}

	user, err := m.users.GetByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
			return nil, apperrors.AuthFailed("invalid email or password")
		}
		return nil, m.storeErr("credential store", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		m.logger.Warn("failed login attempt",
			slog.String("principal_id", user.ID),
			slog.String("client_ip", clientIP),
		)
		return nil, apperrors.AuthFailed("invalid email or password")
	}
	if !user.IsActive {
		return nil, apperrors.AuthFailed("account is deactivated")
	}

	sess, err := m.openSession(ctx, domain.PrincipalFromUser(user, m.now().UTC()))
	if err != nil {
		return nil, err
	}

	m.events.Publish(ctx, event.TopicLogin, "session.login", user.ID, event.LoginPayload{
		PrincipalID: user.ID,
		Email:       user.Email,
		Roles:       user.Roles,
		ClientIP:    clientIP,
	})
	return sess, nil
}

// Refresh rotates the refresh token and returns the renewed session.
func (m *Manager) Refresh(ctx context.Context, rawRefresh, clientIP string) (*domain.Session, error) {
	if err := m.checkLimit(ctx, "refresh", clientIP); err != nil {
		return nil, err
	}

	pair, record, principal, err := m.tokens.Refresh(ctx, rawRefresh)
	if err != nil {
		if errors.Is(err, apperrors.ErrReuseDetected) {
			payload := event.ReuseDetectedPayload{ClientIP: clientIP}
			var key string
			if record != nil {
				payload.PrincipalID = record.PrincipalID
				payload.LineageID = record.LineageID
				key = record.PrincipalID
			}
			m.events.Publish(ctx, event.TopicReuseDetected, "session.reuse_detected", key, payload)
		}
		var appErr *apperrors.AppError
		if errors.As(err, &appErr) {
			return nil, err
		}
		return nil, m.storeErr("session store", err)
	}

	sess := m.buildSession(principal, pair)
	m.events.Publish(ctx, event.TopicRefreshed, "session.refreshed", principal.ID, event.RefreshedPayload{
		PrincipalID: principal.ID,
		LineageID:   record.LineageID,
	})
	return sess, nil
}

// Logout revokes the presented refresh token's lineage. Unknown tokens are a
// no-op so logout is idempotent.
func (m *Manager) Logout(ctx context.Context, rawRefresh, principalID string) error {
	if err := m.tokens.Revoke(ctx, domain.RevokeLineage, rawRefresh, principalID); err != nil {
		return m.storeErr("session store", err)
	}
	m.events.Publish(ctx, event.TopicLogout, "session.logout", principalID, event.LogoutPayload{
		PrincipalID: principalID,
		Scope:       string(domain.RevokeLineage),
	})
	return nil
}

// LogoutAll revokes every live refresh token for the principal.
func (m *Manager) LogoutAll(ctx context.Context, principalID string) error {
	if err := m.tokens.Revoke(ctx, domain.RevokeAllSessions, "", principalID); err != nil {
		return m.storeErr("session store", err)
	}
	m.events.Publish(ctx, event.TopicLogout, "session.logout", principalID, event.LogoutPayload{
		PrincipalID: principalID,
		Scope:       string(domain.RevokeAllSessions),
	})
	return nil
}

// IssueGuest opens an anonymous guest session. Guests get an access token and
// a CSRF token but no refresh token.
func (m *Manager) IssueGuest(ctx context.Context, clientIP string) (*domain.Session, error) {
	if err := m.checkLimit(ctx, "guest", clientIP); err != nil {
		return nil, err
	}

	pair, principal, err := m.tokens.IssueGuest(ctx)
	if err != nil {
		return nil, err
	}
	return &domain.Session{
		Principal:   principal,
		Permissions: m.resolver.Resolve(principal.Roles),
		Tokens:      pair,
		CSRFToken:   m.csrf.Issue(principal.ID),
	}, nil
}

// UpgradeCredentials carries the registration or login credentials a guest
// presents when upgrading.
type UpgradeCredentials struct {
	Email    string
	Password string
	Name     string
	Register bool
}

// UpgradeGuest converts a guest session into an authenticated one and merges
// the guest's client-held favorites into the account. A guest favorite wins a
// conflict only when its timestamp is strictly newer than the stored one.
func (m *Manager) UpgradeGuest(ctx context.Context, guestID string, creds UpgradeCredentials, state domain.GuestState, clientIP string) (*domain.Session, error) {
	if err := m.checkLimit(ctx, "upgrade", clientIP); err != nil {
		return nil, err
	}

	var (
		sess *domain.Session
		err  error
	)
	if creds.Register {
		sess, err = m.Register(ctx, creds.Email, creds.Password, creds.Name, clientIP)
	} else {
		sess, err = m.Login(ctx, creds.Email, creds.Password, clientIP)
	}
	if err != nil {
		return nil, err
	}

	merged := 0
	for _, fav := range state.Favorites {
		if fav.RestaurantID == "" {
			continue
		}
		if err := m.favorites.Upsert(ctx, sess.Principal.ID, fav); err != nil {
			// Partial merge is acceptable; the client retains its copy and
			// can retry. The upgrade itself already succeeded.
			m.logger.Warn("favorite merge failed",
				slog.String("principal_id", sess.Principal.ID),
				slog.String("restaurant_id", fav.RestaurantID),
				slog.String("error", err.Error()),
			)
			continue
		}
		merged++
	}

	m.events.Publish(ctx, event.TopicGuestUpgraded, "session.guest_upgraded", sess.Principal.ID, event.GuestUpgradedPayload{
		GuestID:         guestID,
		PrincipalID:     sess.Principal.ID,
		FavoritesMerged: merged,
	})
	return sess, nil
}

// Verify validates an access token and returns its claims.
func (m *Manager) Verify(tokenString string) (*token.AccessClaims, error) {
	return m.tokens.VerifyAccess(tokenString)
}

// IssueCSRF mints a fresh CSRF token bound to the session identity.
func (m *Manager) IssueCSRF(sessionID string) string {
	return m.csrf.Issue(sessionID)
}

// ValidateCSRF checks a CSRF token against the session identity.
func (m *Manager) ValidateCSRF(csrfToken, sessionID string) error {
	return m.csrf.Validate(csrfToken, sessionID)
}

// ValidateCSRFAny checks CSRF token authenticity and expiry without binding,
// for endpoints that run before the caller's identity is known.
func (m *Manager) ValidateCSRFAny(csrfToken string) error {
	return m.csrf.ValidateAny(csrfToken)
}

// RotateCSRFIfStale returns a fresh CSRF token when the presented one has
// passed the rotation threshold, or "" when no rotation is needed.
func (m *Manager) RotateCSRFIfStale(csrfToken, sessionID string) string {
	if m.csrf.ShouldRotate(csrfToken) {
		return m.csrf.Issue(sessionID)
	}
	return ""
}

func (m *Manager) openSession(ctx context.Context, principal *domain.Principal) (*domain.Session, error) {
	pair, _, err := m.tokens.Issue(ctx, principal)
	if err != nil {
		return nil, m.storeErr("session store", err)
	}
	return m.buildSession(principal, pair), nil
}

// buildSession binds the CSRF token to the principal id so authenticated
// requests can verify the binding from access-token claims alone.
func (m *Manager) buildSession(principal *domain.Principal, pair *domain.TokenPair) *domain.Session {
	return &domain.Session{
		Principal:   principal,
		Permissions: m.resolver.Resolve(principal.Roles),
		Tokens:      pair,
		CSRFToken:   m.csrf.Issue(principal.ID),
	}
}

func (m *Manager) checkLimit(ctx context.Context, action, key string) error {
	if m.limiter == nil {
		return nil
	}
	decision, err := m.limiter.Check(ctx, action, key)
	if err != nil {
		return m.storeErr("rate limiter", err)
	}
	if !decision.Allowed {
		return apperrors.RateLimited(decision.RetryAfter)
	}
	return nil
}

func (m *Manager) storeErr(dependency string, err error) error {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.ServiceUnavailable(dependency, err)
}
