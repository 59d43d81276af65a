package handler

import (
	"log/slog"
	"net/http"

	"github.com/bitemap/session/internal/session"
	apperrors "github.com/bitemap/session/pkg/errors"
	"github.com/bitemap/session/pkg/httputil"
	"github.com/bitemap/session/pkg/middleware"
)

// CSRFProtect enforces double-submit CSRF on state-changing methods. The
// X-CSRF-Token header must match the CSRF cookie and carry a valid signature.
// When the auth middleware has already established a principal, the token's
// session binding is checked too; otherwise the cookie comparison stands in
// for the binding. Valid tokens past the rotation threshold are replaced in
// the response cookie, so active sessions pick up a fresh token without a
// refresh round-trip.
func CSRFProtect(sessions *session.Manager, cookies CookieConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			switch r.Method {
			case http.MethodGet, http.MethodHead, http.MethodOptions:
				next.ServeHTTP(w, r)
				return
			}

			headerToken := r.Header.Get(csrfHeaderName)
			if headerToken == "" {
				httputil.WriteError(w, r, apperrors.CSRFInvalid("missing csrf token"), logger)
				return
			}

			cookie, err := r.Cookie(csrfCookieName)
			if err != nil || cookie.Value != headerToken {
				httputil.WriteError(w, r, apperrors.CSRFInvalid("csrf token mismatch"), logger)
				return
			}

			principalID := middleware.PrincipalIDFromContext(r.Context())
			if principalID != "" {
				err = sessions.ValidateCSRF(headerToken, principalID)
			} else {
				err = sessions.ValidateCSRFAny(headerToken)
			}
			if err != nil {
				httputil.WriteError(w, r, err, logger)
				return
			}

			// Rotation must happen before the handler writes the response
			// header, and only for a known principal so the replacement
			// stays bound.
			if principalID != "" {
				if rotated := sessions.RotateCSRFIfStale(headerToken, principalID); rotated != "" {
					cookies.setCSRFCookie(w, rotated)
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}
