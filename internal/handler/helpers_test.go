package handler

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/bitemap/session/internal/csrf"
	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/internal/event"
	"github.com/bitemap/session/internal/rbac"
	"github.com/bitemap/session/internal/session"
	"github.com/bitemap/session/internal/token"
	"github.com/bitemap/session/pkg/health"
)

const testCSRFSecret = "csrf-test-secret-at-least-32-chars-xx"

// --- Mock Repositories ---

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

// --- Fixture ---

type testServer struct {
	router    http.Handler
	users     *mockUserRepository
	tokens    *mockRefreshTokenRepository
	favorites *mockFavoriteRepository
	sessions  *session.Manager
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	users := new(mockUserRepository)
	tokenRepo := new(mockRefreshTokenRepository)
	favorites := new(mockFavoriteRepository)

	resolver, err := rbac.NewResolver()
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	signer := token.NewSigner("jwt-test-secret-at-least-32-chars-long", "bitemap-test", 15*time.Minute)
	tokenSvc := token.NewService(signer, tokenRepo, users, resolver, 30*24*time.Hour, 24*time.Hour, logger)
	csrfManager := csrf.NewManager(testCSRFSecret, time.Hour, 15*time.Minute)
	publisher := event.NewPublisher(nil, logger)

	sessions := session.NewManager(users, favorites, tokenSvc, csrfManager, nil, publisher, resolver, 4, logger)

	healthHandler := health.NewHandler()
	healthHandler.RegisterCritical("store", func(context.Context) error { return nil })

	cookies := CookieConfig{
		Secure:     false,
		RefreshTTL: 30 * 24 * time.Hour,
		CSRFTTL:    time.Hour,
	}

	router := NewRouter(RouterConfig{
		Sessions:    sessions,
		Auth:        NewAuthHandler(sessions, cookies, logger),
		Favorites:   NewFavoritesHandler(favorites, logger),
		Health:      healthHandler,
		Cookies:     cookies,
		Logger:      logger,
		GlobalRPS:   1000,
		GlobalBurst: 1000,
	})

	return &testServer{
		router:    router,
		users:     users,
		tokens:    tokenRepo,
		favorites: favorites,
		sessions:  sessions,
	}
}

func (ts *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	ts.router.ServeHTTP(rec, req)
	return rec
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

func cookieByName(rec *httptest.ResponseRecorder, name string) *http.Cookie {
	for _, c := range rec.Result().Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}
