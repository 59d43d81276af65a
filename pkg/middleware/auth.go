package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	apperrors "github.com/bitemap/session/pkg/errors"
)

type contextKeyType string

const (
	principalIDKey contextKeyType = "principal_id"
	emailKey       contextKeyType = "email"
	rolesKey       contextKeyType = "roles"
	permissionsKey contextKeyType = "permissions"
)

// Claims represents the access-token claims extracted by the auth middleware.
type Claims struct {
	PrincipalID string   `json:"principal_id"`
	Email       string   `json:"email"`
	Roles       []string `json:"roles"`
	Permissions []string `json:"permissions"`
}

// TokenValidator validates a bearer token and returns its claims. Validation
// is stateless (signature and expiry only); no store lookup happens here.
type TokenValidator func(token string) (*Claims, error)

// Auth middleware validates bearer tokens and injects principal claims into context.
func Auth(validate TokenValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeAuthError(w, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				writeAuthError(w, "invalid authorization header format")
				return
			}

			claims, err := validate(parts[1])
			if err != nil {
				// Expired tokens get a distinct code so clients refresh
				// silently instead of forcing a re-login.
				if errors.Is(err, apperrors.ErrTokenExpired) {
					writeAuthCode(w, "TOKEN_EXPIRED", "access token has expired")
					return
				}
				writeAuthError(w, "invalid or expired token")
				return
			}

			ctx := context.WithValue(r.Context(), principalIDKey, claims.PrincipalID)
			ctx = context.WithValue(ctx, emailKey, claims.Email)
			ctx = context.WithValue(ctx, rolesKey, claims.Roles)
			ctx = context.WithValue(ctx, permissionsKey, claims.Permissions)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RequirePermission checks that the authenticated principal's token claims
// carry the given permission. Claims are a snapshot taken at issuance; role
// changes take effect at the next refresh.
func RequirePermission(permission string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			for _, p := range PermissionsFromContext(r.Context()) {
				if p == permission {
					next.ServeHTTP(w, r)
					return
				}
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusForbidden)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"code":    "FORBIDDEN",
				"message": "insufficient permissions",
			})
		})
	}
}

// PrincipalIDFromContext extracts the principal ID from the request context.
func PrincipalIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(principalIDKey).(string); ok {
		return id
	}
	return ""
}

// EmailFromContext extracts the principal's email from the request context.
// Empty for guest sessions.
func EmailFromContext(ctx context.Context) string {
	if email, ok := ctx.Value(emailKey).(string); ok {
		return email
	}
	return ""
}

// RolesFromContext extracts the principal's roles from the request context.
func RolesFromContext(ctx context.Context) []string {
	if roles, ok := ctx.Value(rolesKey).([]string); ok {
		return roles
	}
	return nil
}

// PermissionsFromContext extracts the token's permission claims from the request context.
func PermissionsFromContext(ctx context.Context) []string {
	if perms, ok := ctx.Value(permissionsKey).([]string); ok {
		return perms
	}
	return nil
}

func writeAuthError(w http.ResponseWriter, message string) {
	writeAuthCode(w, "UNAUTHORIZED", message)
}

func writeAuthCode(w http.ResponseWriter, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":    code,
		"message": message,
	})
}
