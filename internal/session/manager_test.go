package session

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bitemap/session/internal/csrf"
	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/internal/event"
	"github.com/bitemap/session/internal/rbac"
	"github.com/bitemap/session/internal/token"
	apperrors "github.com/bitemap/session/pkg/errors"
)

// --- Mock User Repository ---

type mockUserRepository struct {
	mock.Mock
}

func (m *mockUserRepository) Create(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserRepository) GetByID(ctx context.Context, id string) (*domain.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *mockUserRepository) GetByEmail(ctx context.Context, email string) (*domain.User, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.User), args.Error(1)
}

func (m *mockUserRepository) Update(ctx context.Context, user *domain.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *mockUserRepository) Deactivate(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

// --- Mock Refresh Token Repository ---

type mockRefreshTokenRepository struct {
	mock.Mock
}

func (m *mockRefreshTokenRepository) Create(ctx context.Context, rec *domain.RefreshTokenRecord) error {
	args := m.Called(ctx, rec)
	return args.Error(0)
}

func (m *mockRefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	args := m.Called(ctx, tokenHash)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.RefreshTokenRecord), args.Error(1)
}

func (m *mockRefreshTokenRepository) Rotate(ctx context.Context, oldID string, usedAt time.Time, child *domain.RefreshTokenRecord) (bool, error) {
	args := m.Called(ctx, oldID, usedAt, child)
	return args.Bool(0), args.Error(1)
}

func (m *mockRefreshTokenRepository) RevokeByID(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *mockRefreshTokenRepository) RevokeLineage(ctx context.Context, lineageID string) error {
	args := m.Called(ctx, lineageID)
	return args.Error(0)
}

func (m *mockRefreshTokenRepository) RevokeByPrincipalID(ctx context.Context, principalID string) error {
	args := m.Called(ctx, principalID)
	return args.Error(0)
}

func (m *mockRefreshTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	args := m.Called(ctx, cutoff)
	return args.Get(0).(int64), args.Error(1)
}

// --- Mock Favorite Repository ---

type mockFavoriteRepository struct {
	mock.Mock
}

func (m *mockFavoriteRepository) Upsert(ctx context.Context, userID string, fav domain.Favorite) error {
	args := m.Called(ctx, userID, fav)
	return args.Error(0)
}

func (m *mockFavoriteRepository) Remove(ctx context.Context, userID, restaurantID string) error {
	args := m.Called(ctx, userID, restaurantID)
	return args.Error(0)
}

func (m *mockFavoriteRepository) List(ctx context.Context, userID string) ([]domain.Favorite, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]domain.Favorite), args.Error(1)
}

func (m *mockFavoriteRepository) Exists(ctx context.Context, userID, restaurantID string) (bool, error) {
	args := m.Called(ctx, userID, restaurantID)
	return args.Bool(0), args.Error(1)
}

// --- Test Helpers ---

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingPublisher captures published events so tests can assert on them.
type recordingPublisher struct {
	mu     sync.Mutex
	events []recordedEvent
}

type recordedEvent struct {
	topic     string
	eventType string
	key       string
	payload   any
}

func (r *recordingPublisher) Publish(_ context.Context, topic, eventType, principalID string, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recordedEvent{topic: topic, eventType: eventType, key: principalID, payload: payload})
}

func (r *recordingPublisher) byTopic(topic string) []recordedEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []recordedEvent
	for _, e := range r.events {
		if e.topic == topic {
			out = append(out, e)
		}
	}
	return out
}

type testDeps struct {
	users     *mockUserRepository
	tokens    *mockRefreshTokenRepository
	favorites *mockFavoriteRepository
	events    *recordingPublisher
}

func newTestManager(t *testing.T) (*Manager, *testDeps) {
	t.Helper()

	deps := &testDeps{
		users:     new(mockUserRepository),
		tokens:    new(mockRefreshTokenRepository),
		favorites: new(mockFavoriteRepository),
		events:    new(recordingPublisher),
	}

	resolver, err := rbac.NewResolver()
	require.NoError(t, err)

	logger := newTestLogger()
	signer := token.NewSigner("jwt-test-secret-at-least-32-chars-long", "bitemap-test", 15*time.Minute)
	tokenSvc := token.NewService(signer, deps.tokens, deps.users, resolver, 30*24*time.Hour, 24*time.Hour, logger)
	csrfManager := csrf.NewManager("csrf-test-secret-at-least-32-chars-xx", time.Hour, 15*time.Minute)

	// bcrypt cost 4 keeps the suite fast; limiter nil disables rate checks.
	m := NewManager(deps.users, deps.favorites, tokenSvc, csrfManager, nil, deps.events, resolver, 4, logger)
	return m, deps
}

func hashForTest(password string) string {
	h, err := bcrypt.GenerateFromPassword([]byte(password), 4)
	if err != nil {
		panic(err)
	}
	return string(h)
}

func activeUser() *domain.User {
	return &domain.User{
		ID:           "user-001",
		Email:        "dana@example.com",
		PasswordHash: hashForTest("SecurePass123"),
		Name:         "Dana",
		Roles:        []string{"user"},
		IsActive:     true,
	}
}

// --- Register ---

func TestRegister_Success(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	var created *domain.User
	deps.users.On("Create", ctx, mock.AnythingOfType("*domain.User")).
		Run(func(args mock.Arguments) { created = args.Get(1).(*domain.User) }).
		Return(nil)
	deps.tokens.On("Create", ctx, mock.AnythingOfType("*domain.RefreshTokenRecord")).Return(nil)

	sess, err := m.Register(ctx, "dana@example.com", "SecurePass123", "Dana", "10.0.0.1")

	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, []string{domain.RoleUser}, created.Roles)
	assert.True(t, created.IsActive)
	// The stored hash verifies against the password and is not the password.
	assert.NotEqual(t, "SecurePass123", created.PasswordHash)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(created.PasswordHash), []byte("SecurePass123")))

	assert.Equal(t, created.ID, sess.Principal.ID)
	assert.NotEmpty(t, sess.Tokens.AccessToken)
	assert.NotEmpty(t, sess.Tokens.RefreshToken)
	assert.NotEmpty(t, sess.CSRFToken)
	assert.Contains(t, sess.Permissions, "favorites:write")

	deps.users.AssertExpectations(t)
	deps.tokens.AssertExpectations(t)
}

func TestRegister_DuplicateEmail(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("Create", ctx, mock.AnythingOfType("*domain.User")).
		Return(apperrors.AlreadyExists("user", "email", "dana@example.com"))

	sess, err := m.Register(ctx, "dana@example.com", "SecurePass123", "Dana", "10.0.0.1")

	assert.Nil(t, sess)
	assert.ErrorIs(t, err, apperrors.ErrAlreadyExists)
}

func TestRegister_StoreDown_NotAuthFailed(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("Create", ctx, mock.AnythingOfType("*domain.User")).
		Return(assert.AnError)

	sess, err := m.Register(ctx, "dana@example.com", "SecurePass123", "Dana", "10.0.0.1")

	assert.Nil(t, sess)
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
	assert.NotErrorIs(t, err, apperrors.ErrAuthFailed)
}

// --- Login ---

func TestLogin_Success(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(activeUser(), nil)
	deps.tokens.On("Create", ctx, mock.AnythingOfType("*domain.RefreshTokenRecord")).Return(nil)

	sess, err := m.Login(ctx, "dana@example.com", "SecurePass123", "10.0.0.1")

	require.NoError(t, err)
	assert.Equal(t, "user-001", sess.Principal.ID)
	assert.NotEmpty(t, sess.Tokens.RefreshToken)
	assert.NoError(t, m.ValidateCSRF(sess.CSRFToken, "user-001"))
}

func TestLogin_WrongPassword(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(activeUser(), nil)

	sess, err := m.Login(ctx, "dana@example.com", "WrongPassword", "10.0.0.1")

	assert.Nil(t, sess)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
}

func TestLogin_UnknownEmail_SameError(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "nobody@example.com").Return(nil, apperrors.ErrNotFound)
	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(activeUser(), nil)

	_, errUnknown := m.Login(ctx, "nobody@example.com", "SecurePass123", "10.0.0.1")
	_, errWrongPw := m.Login(ctx, "dana@example.com", "WrongPassword", "10.0.0.1")

	// An attacker must not be able to tell the two apart.
	require.Error(t, errUnknown)
	require.Error(t, errWrongPw)
	var a, b *apperrors.AppError
	require.ErrorAs(t, errUnknown, &a)
	require.ErrorAs(t, errWrongPw, &b)
	assert.Equal(t, a.Code, b.Code)
	assert.Equal(t, a.Message, b.Message)
}

func TestLogin_DeactivatedAccount(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	user := activeUser()
	user.IsActive = false
	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(user, nil)

	_, err := m.Login(ctx, "dana@example.com", "SecurePass123", "10.0.0.1")
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
}

func TestLogin_StoreDown_NotAuthFailed(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(nil, assert.AnError)

	_, err := m.Login(ctx, "dana@example.com", "SecurePass123", "10.0.0.1")
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
	assert.NotErrorIs(t, err, apperrors.ErrAuthFailed)
}

// --- Refresh ---

func TestRefresh_Success(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(activeUser(), nil)
	deps.users.On("GetByID", ctx, "user-001").Return(activeUser(), nil)

	var stored *domain.RefreshTokenRecord
	deps.tokens.On("Create", ctx, mock.AnythingOfType("*domain.RefreshTokenRecord")).
		Run(func(args mock.Arguments) { stored = args.Get(1).(*domain.RefreshTokenRecord) }).
		Return(nil)

	login, err := m.Login(ctx, "dana@example.com", "SecurePass123", "10.0.0.1")
	require.NoError(t, err)

	deps.tokens.On("GetByHash", ctx, stored.TokenHash).Return(stored, nil)
	deps.tokens.On("Rotate", ctx, stored.ID, mock.AnythingOfType("time.Time"), mock.AnythingOfType("*domain.RefreshTokenRecord")).
		Return(true, nil)

	renewed, err := m.Refresh(ctx, login.Tokens.RefreshToken, "10.0.0.1")

	require.NoError(t, err)
	assert.Equal(t, "user-001", renewed.Principal.ID)
	assert.NotEqual(t, login.Tokens.RefreshToken, renewed.Tokens.RefreshToken)
	assert.NotEmpty(t, renewed.CSRFToken)
}

func TestRefresh_Reuse_SurfacesReuseDetected(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	used := time.Now().UTC().Add(-time.Minute)
	record := &domain.RefreshTokenRecord{
		ID:          "tok-001",
		PrincipalID: "user-001",
		LineageID:   "lineage-001",
		IssuedAt:    time.Now().UTC().Add(-time.Hour),
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
		UsedAt:      &used,
	}
	deps.tokens.On("GetByHash", ctx, mock.AnythingOfType("string")).Return(record, nil)
	deps.tokens.On("RevokeLineage", ctx, "lineage-001").Return(nil)

	sess, err := m.Refresh(ctx, "replayed-token", "10.0.0.1")

	assert.Nil(t, sess)
	assert.ErrorIs(t, err, apperrors.ErrReuseDetected)
	deps.tokens.AssertExpectations(t)

	// The event names the principal and lineage so alerting can act on it,
	// and is keyed by principal for partition ordering.
	published := deps.events.byTopic(event.TopicReuseDetected)
	require.Len(t, published, 1)
	assert.Equal(t, "user-001", published[0].key)
	payload, ok := published[0].payload.(event.ReuseDetectedPayload)
	require.True(t, ok)
	assert.Equal(t, "user-001", payload.PrincipalID)
	assert.Equal(t, "lineage-001", payload.LineageID)
	assert.Equal(t, "10.0.0.1", payload.ClientIP)
}

func TestRefresh_StoreDown_NotAuthFailed(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.tokens.On("GetByHash", ctx, mock.AnythingOfType("string")).Return(nil, assert.AnError)

	_, err := m.Refresh(ctx, "some-token", "10.0.0.1")
	assert.ErrorIs(t, err, apperrors.ErrServiceUnavail)
	assert.NotErrorIs(t, err, apperrors.ErrAuthFailed)
}

// --- Logout ---

func TestLogout_RevokesLineage(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	record := &domain.RefreshTokenRecord{
		ID:          "tok-001",
		PrincipalID: "user-001",
		LineageID:   "lineage-001",
		ExpiresAt:   time.Now().UTC().Add(time.Hour),
	}
	deps.tokens.On("GetByHash", ctx, mock.AnythingOfType("string")).Return(record, nil)
	deps.tokens.On("RevokeLineage", ctx, "lineage-001").Return(nil)

	require.NoError(t, m.Logout(ctx, "live-token", "user-001"))
	deps.tokens.AssertExpectations(t)
}

func TestLogout_UnknownTokenIsIdempotent(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.tokens.On("GetByHash", ctx, mock.AnythingOfType("string")).Return(nil, apperrors.ErrNotFound)

	require.NoError(t, m.Logout(ctx, "already-gone", "user-001"))
	deps.tokens.AssertNotCalled(t, "RevokeLineage", mock.Anything, mock.Anything)
}

func TestLogoutAll(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.tokens.On("RevokeByPrincipalID", ctx, "user-001").Return(nil)

	require.NoError(t, m.LogoutAll(ctx, "user-001"))
	deps.tokens.AssertExpectations(t)
}

// --- Guest ---

func TestIssueGuest(t *testing.T) {
	m, _ := newTestManager(t)

	sess, err := m.IssueGuest(context.Background(), "203.0.113.7")

	require.NoError(t, err)
	assert.True(t, sess.Principal.Guest)
	assert.Empty(t, sess.Tokens.RefreshToken)
	assert.NotEmpty(t, sess.Tokens.AccessToken)
	assert.Contains(t, sess.Permissions, "restaurants:read")
	assert.NotContains(t, sess.Permissions, "favorites:write")
	assert.NoError(t, m.ValidateCSRF(sess.CSRFToken, sess.Principal.ID))
}

// --- Guest Upgrade ---

func TestUpgradeGuest_Login_MergesFavorites(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(activeUser(), nil)
	deps.tokens.On("Create", ctx, mock.AnythingOfType("*domain.RefreshTokenRecord")).Return(nil)

	saved := time.Now().UTC().Add(-time.Hour)
	deps.favorites.On("Upsert", ctx, "user-001", domain.Favorite{RestaurantID: "rest-1", SavedAt: saved}).Return(nil)
	deps.favorites.On("Upsert", ctx, "user-001", domain.Favorite{RestaurantID: "rest-2", SavedAt: saved}).Return(nil)

	state := domain.GuestState{
		GuestID: "guest-001",
		Favorites: []domain.Favorite{
			{RestaurantID: "rest-1", SavedAt: saved},
			{RestaurantID: "rest-2", SavedAt: saved},
		},
	}
	sess, err := m.UpgradeGuest(ctx, "guest-001", UpgradeCredentials{
		Email:    "dana@example.com",
		Password: "SecurePass123",
	}, state, "10.0.0.1")

	require.NoError(t, err)
	assert.Equal(t, "user-001", sess.Principal.ID)
	assert.False(t, sess.Principal.Guest)
	deps.favorites.AssertExpectations(t)
}

func TestUpgradeGuest_Register(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("Create", ctx, mock.AnythingOfType("*domain.User")).Return(nil)
	deps.tokens.On("Create", ctx, mock.AnythingOfType("*domain.RefreshTokenRecord")).Return(nil)

	sess, err := m.UpgradeGuest(ctx, "guest-001", UpgradeCredentials{
		Email:    "new@example.com",
		Password: "SecurePass123",
		Name:     "New User",
		Register: true,
	}, domain.GuestState{GuestID: "guest-001"}, "10.0.0.1")

	require.NoError(t, err)
	assert.Equal(t, []string{domain.RoleUser}, sess.Principal.Roles)
}

func TestUpgradeGuest_BadCredentials_NoMerge(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(activeUser(), nil)

	state := domain.GuestState{
		GuestID:   "guest-001",
		Favorites: []domain.Favorite{{RestaurantID: "rest-1", SavedAt: time.Now().UTC()}},
	}
	sess, err := m.UpgradeGuest(ctx, "guest-001", UpgradeCredentials{
		Email:    "dana@example.com",
		Password: "WrongPassword",
	}, state, "10.0.0.1")

	assert.Nil(t, sess)
	assert.ErrorIs(t, err, apperrors.ErrAuthFailed)
	deps.favorites.AssertNotCalled(t, "Upsert", mock.Anything, mock.Anything, mock.Anything)
}

func TestUpgradeGuest_PartialMergeStillSucceeds(t *testing.T) {
	m, deps := newTestManager(t)
	ctx := context.Background()

	deps.users.On("GetByEmail", ctx, "dana@example.com").Return(activeUser(), nil)
	deps.tokens.On("Create", ctx, mock.AnythingOfType("*domain.RefreshTokenRecord")).Return(nil)

	saved := time.Now().UTC()
	deps.favorites.On("Upsert", ctx, "user-001", domain.Favorite{RestaurantID: "rest-1", SavedAt: saved}).Return(assert.AnError)
	deps.favorites.On("Upsert", ctx, "user-001", domain.Favorite{RestaurantID: "rest-2", SavedAt: saved}).Return(nil)

	state := domain.GuestState{
		GuestID: "guest-001",
		Favorites: []domain.Favorite{
			{RestaurantID: "rest-1", SavedAt: saved},
			{RestaurantID: "rest-2", SavedAt: saved},
		},
	}
	sess, err := m.UpgradeGuest(ctx, "guest-001", UpgradeCredentials{
		Email:    "dana@example.com",
		Password: "SecurePass123",
	}, state, "10.0.0.1")

	require.NoError(t, err)
	assert.NotNil(t, sess)
}

// --- CSRF helpers ---

func TestRotateCSRFIfStale(t *testing.T) {
	m, _ := newTestManager(t)

	fresh := m.csrf.Issue("user-001")
	assert.Empty(t, m.RotateCSRFIfStale(fresh, "user-001"))

	// Garbage is always past the rotation threshold.
	rotated := m.RotateCSRFIfStale("garbage", "user-001")
	assert.NotEmpty(t, rotated)
	assert.NoError(t, m.ValidateCSRF(rotated, "user-001"))
}
