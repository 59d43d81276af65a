package handler

import (
	"net/http"
	"time"
)

const (
	refreshCookieName = "bm_refresh"
	csrfCookieName    = "bm_csrf"
	csrfHeaderName    = "X-CSRF-Token"

	// refreshCookiePath scopes the refresh cookie to the auth endpoints so it
	// is never sent with ordinary API traffic.
	refreshCookiePath = "/api/v1/auth"
)

// CookieConfig controls how session cookies are written.
type CookieConfig struct {
	Domain     string
	Secure     bool
	RefreshTTL time.Duration
	CSRFTTL    time.Duration
}

// setRefreshCookie stores the opaque refresh token. HttpOnly and SameSite
// Strict keep it out of script reach and off cross-site requests.
func (c CookieConfig) setRefreshCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    token,
		Path:     refreshCookiePath,
		Domain:   c.Domain,
		MaxAge:   int(c.RefreshTTL.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c CookieConfig) clearRefreshCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     refreshCookieName,
		Value:    "",
		Path:     refreshCookiePath,
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

// setCSRFCookie stores the CSRF token readable by script, so the client can
// echo it in the X-CSRF-Token header (double submit).
func (c CookieConfig) setCSRFCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    token,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(c.CSRFTTL.Seconds()),
		HttpOnly: false,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func (c CookieConfig) clearCSRFCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     csrfCookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

func refreshTokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(refreshCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}
