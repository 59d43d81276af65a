package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bitemap/session/internal/session"
	"github.com/bitemap/session/internal/token"
	"github.com/bitemap/session/pkg/health"
	"github.com/bitemap/session/pkg/middleware"
)

// RouterConfig bundles the dependencies and knobs the router needs.
type RouterConfig struct {
	Sessions  *session.Manager
	Auth      *AuthHandler
	Favorites *FavoritesHandler
	Health    *health.Handler
	Cookies   CookieConfig
	Logger    *slog.Logger

	// GlobalRPS and GlobalBurst bound per-IP request rates at the router,
	// before the per-action sliding windows in the session manager.
	GlobalRPS   int
	GlobalBurst int
}

// NewRouter wires all routes and middleware.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recovery(cfg.Logger))
	r.Use(middleware.RequestLogging(cfg.Logger))
	r.Use(middleware.RequestLogger(cfg.Logger))
	r.Use(middleware.PrometheusMetrics("session"))
	r.Use(chimw.RealIP)
	r.Use(middleware.RateLimit(cfg.GlobalRPS, cfg.GlobalBurst, cfg.Logger))

	r.Get("/health/live", cfg.Health.LivenessHandler())
	r.Get("/health/ready", cfg.Health.ReadinessHandler())
	r.Handle("/metrics", promhttp.Handler())

	validate := accessValidator(cfg.Sessions)
	csrfProtect := CSRFProtect(cfg.Sessions, cfg.Cookies, cfg.Logger)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/auth", func(r chi.Router) {
			// Entry points: no session exists yet, so no CSRF check.
			r.Post("/register", cfg.Auth.Register)
			r.Post("/login", cfg.Auth.Login)
			r.Post("/guest", cfg.Auth.Guest)

			// Cookie-driven endpoints: CSRF required, auth optional since the
			// access token may already be expired.
			r.Group(func(r chi.Router) {
				r.Use(csrfProtect)
				r.Post("/refresh", cfg.Auth.Refresh)
				r.Post("/logout", cfg.Auth.Logout)
			})

			r.Group(func(r chi.Router) {
				r.Use(middleware.Auth(validate))
				r.Use(csrfProtect)
				r.Post("/logout-all", cfg.Auth.LogoutAll)
				r.Post("/upgrade", cfg.Auth.Upgrade)
			})

			r.With(middleware.Auth(validate)).Get("/profile", cfg.Auth.Profile)
			r.With(middleware.Auth(validate)).Get("/csrf", cfg.Auth.CSRF)
		})

		r.Route("/favorites", func(r chi.Router) {
			r.Use(middleware.Auth(validate))
			r.Use(csrfProtect)
			r.With(middleware.RequirePermission("favorites:read")).Get("/", cfg.Favorites.List)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequirePermission("favorites:write"))
				r.Put("/{restaurantID}", cfg.Favorites.Save)
				r.Delete("/{restaurantID}", cfg.Favorites.Remove)
			})
		})
	})

	return r
}

// accessValidator adapts the session manager's token verification to the auth
// middleware's claim type.
func accessValidator(sessions *session.Manager) middleware.TokenValidator {
	return func(tokenString string) (*middleware.Claims, error) {
		claims, err := sessions.Verify(tokenString)
		if err != nil {
			return nil, err
		}
		return claimsFromAccess(claims), nil
	}
}

func claimsFromAccess(c *token.AccessClaims) *middleware.Claims {
	return &middleware.Claims{
		PrincipalID: c.Subject,
		Email:       c.Email,
		Roles:       c.Roles,
		Permissions: c.Permissions,
	}
}
