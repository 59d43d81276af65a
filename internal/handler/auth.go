package handler

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/internal/session"
	apperrors "github.com/bitemap/session/pkg/errors"
	"github.com/bitemap/session/pkg/httputil"
	"github.com/bitemap/session/pkg/middleware"
	"github.com/bitemap/session/pkg/validator"
)

// AuthHandler serves the session lifecycle endpoints.
type AuthHandler struct {
	sessions *session.Manager
	cookies  CookieConfig
	logger   *slog.Logger
}

// NewAuthHandler creates an auth handler.
func NewAuthHandler(sessions *session.Manager, cookies CookieConfig, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{sessions: sessions, cookies: cookies, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Name     string `json:"name" validate:"required,min=1,max=100"`
}

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type favoritePayload struct {
	RestaurantID string    `json:"restaurant_id" validate:"required"`
	SavedAt      time.Time `json:"saved_at" validate:"required"`
}

type upgradeRequest struct {
	Email     string            `json:"email" validate:"required,email"`
	Password  string            `json:"password" validate:"required,max=72"`
	Name      string            `json:"name" validate:"omitempty,max=100"`
	Register  bool              `json:"register"`
	Favorites []favoritePayload `json:"favorites" validate:"omitempty,dive"`
}

// sessionResponse is the body for every endpoint that opens or renews a
// session. The refresh token travels only in the HttpOnly cookie.
type sessionResponse struct {
	Principal       *domain.Principal `json:"principal"`
	Permissions     []string          `json:"permissions"`
	AccessToken     string            `json:"access_token"`
	AccessExpiresAt time.Time         `json:"access_expires_at"`
	CSRFToken       string            `json:"csrf_token"`
}

// Register handles POST /api/v1/auth/register.
func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sess, err := h.sessions.Register(r.Context(), req.Email, req.Password, req.Name, middleware.ClientIP(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeSession(w, http.StatusCreated, sess)
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	sess, err := h.sessions.Login(r.Context(), req.Email, req.Password, middleware.ClientIP(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeSession(w, http.StatusOK, sess)
}

// Refresh handles POST /api/v1/auth/refresh. The refresh token comes from the
// HttpOnly cookie, never from the body.
func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := refreshTokenFromRequest(r)
	if raw == "" {
		httputil.WriteError(w, r, apperrors.AuthFailed("missing refresh token"), h.logger)
		return
	}

	sess, err := h.sessions.Refresh(r.Context(), raw, middleware.ClientIP(r))
	if err != nil {
		// A dead session (reuse or expiry) also clears the cookies so the
		// client does not retry with the same token.
		if apperrors.HTTPStatus(err) == http.StatusUnauthorized {
			h.cookies.clearRefreshCookie(w)
			h.cookies.clearCSRFCookie(w)
		}
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeSession(w, http.StatusOK, sess)
}

// Logout handles POST /api/v1/auth/logout. Revokes the cookie's lineage and
// clears cookies; unknown or absent tokens still succeed so logout is
// idempotent.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw := refreshTokenFromRequest(r)
	if raw != "" {
		if err := h.sessions.Logout(r.Context(), raw, middleware.PrincipalIDFromContext(r.Context())); err != nil {
			httputil.WriteError(w, r, err, h.logger)
			return
		}
	}
	h.cookies.clearRefreshCookie(w)
	h.cookies.clearCSRFCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// LogoutAll handles POST /api/v1/auth/logout-all. Requires authentication;
// revokes every live session for the principal.
func (h *AuthHandler) LogoutAll(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.PrincipalIDFromContext(r.Context())
	if err := h.sessions.LogoutAll(r.Context(), principalID); err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.cookies.clearRefreshCookie(w)
	h.cookies.clearCSRFCookie(w)
	w.WriteHeader(http.StatusNoContent)
}

// Guest handles POST /api/v1/auth/guest, opening an anonymous session.
func (h *AuthHandler) Guest(w http.ResponseWriter, r *http.Request) {
	sess, err := h.sessions.IssueGuest(r.Context(), middleware.ClientIP(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeSession(w, http.StatusCreated, sess)
}

// Upgrade handles POST /api/v1/auth/upgrade. The caller must hold a guest
// access token; its principal id identifies the guest being upgraded.
func (h *AuthHandler) Upgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := validator.DecodeAndValidate(r, &req); err != nil {
		httputil.WriteValidationError(w, err)
		return
	}

	guestID := middleware.PrincipalIDFromContext(r.Context())
	state := domain.GuestState{GuestID: guestID}
	for _, fav := range req.Favorites {
		state.Favorites = append(state.Favorites, domain.Favorite{
			RestaurantID: fav.RestaurantID,
			SavedAt:      fav.SavedAt,
		})
	}

	sess, err := h.sessions.UpgradeGuest(r.Context(), guestID, session.UpgradeCredentials{
		Email:    req.Email,
		Password: req.Password,
		Name:     req.Name,
		Register: req.Register,
	}, state, middleware.ClientIP(r))
	if err != nil {
		httputil.WriteError(w, r, err, h.logger)
		return
	}
	h.writeSession(w, http.StatusOK, sess)
}

// CSRF handles GET /api/v1/auth/csrf. It issues a fresh CSRF token bound to
// the authenticated principal, so a long-lived tab can renew its token before
// expiry without a full refresh round-trip.
func (h *AuthHandler) CSRF(w http.ResponseWriter, r *http.Request) {
	principalID := middleware.PrincipalIDFromContext(r.Context())
	token := h.sessions.IssueCSRF(principalID)
	h.cookies.setCSRFCookie(w, token)
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]string{
		"csrf_token": token,
	}})
}

// Profile handles GET /api/v1/auth/profile, echoing the authenticated claims.
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	httputil.WriteJSON(w, http.StatusOK, httputil.Response{Data: map[string]any{
		"principal": map[string]string{
			"id":    middleware.PrincipalIDFromContext(ctx),
			"email": middleware.EmailFromContext(ctx),
		},
		"roles":       middleware.RolesFromContext(ctx),
		"permissions": middleware.PermissionsFromContext(ctx),
	}})
}

func (h *AuthHandler) writeSession(w http.ResponseWriter, status int, sess *domain.Session) {
	if sess.Tokens.RefreshToken != "" {
		h.cookies.setRefreshCookie(w, sess.Tokens.RefreshToken)
	}
	h.cookies.setCSRFCookie(w, sess.CSRFToken)

	httputil.WriteJSON(w, status, httputil.Response{Data: sessionResponse{
		Principal:       sess.Principal,
		Permissions:     sess.Permissions,
		AccessToken:     sess.Tokens.AccessToken,
		AccessExpiresAt: sess.Tokens.AccessExpiresAt,
		CSRFToken:       sess.CSRFToken,
	}})
}
