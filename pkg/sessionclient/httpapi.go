package sessionclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"time"
)

// HTTPAPI implements API against the session service's HTTP surface. The
// underlying client carries a cookie jar so the HttpOnly refresh cookie and
// the CSRF cookie round-trip automatically.
type HTTPAPI struct {
	baseURL string
	client  *http.Client

	// csrfToken mirrors the readable CSRF cookie for the double-submit header.
	csrfToken string
}

// NewHTTPAPI creates an HTTP-backed API client.
func NewHTTPAPI(baseURL string) (*HTTPAPI, error) {
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	return &HTTPAPI{
		baseURL: baseURL,
		client: &http.Client{
			Jar:     jar,
			Timeout: 10 * time.Second,
		},
	}, nil
}

type sessionPayload struct {
	Principal struct {
		ID    string   `json:"id"`
		Roles []string `json:"roles"`
	} `json:"principal"`
	Permissions     []string  `json:"permissions"`
	AccessToken     string    `json:"access_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
	CSRFToken       string    `json:"csrf_token"`
}

type responseEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Refresh exchanges the refresh cookie for a renewed session.
func (a *HTTPAPI) Refresh(ctx context.Context) (Snapshot, error) {
	return a.sessionCall(ctx, "/api/v1/auth/refresh", true)
}

// Guest opens an anonymous session.
func (a *HTTPAPI) Guest(ctx context.Context) (Snapshot, error) {
	return a.sessionCall(ctx, "/api/v1/auth/guest", false)
}

// Logout revokes the current session.
func (a *HTTPAPI) Logout(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v1/auth/logout", nil)
	if err != nil {
		return err
	}
	if a.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", a.csrfToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return fmt.Errorf("logout request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusNoContent {
		return fmt.Errorf("logout failed: status %d", resp.StatusCode)
	}
	a.csrfToken = ""
	return nil
}

func (a *HTTPAPI) sessionCall(ctx context.Context, path string, withCSRF bool) (Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, nil)
	if err != nil {
		return Snapshot{}, err
	}
	if withCSRF && a.csrfToken != "" {
		req.Header.Set("X-CSRF-Token", a.csrfToken)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return Snapshot{}, fmt.Errorf("session request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var envelope responseEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return Snapshot{}, fmt.Errorf("decode session response: %w", err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		if envelope.Error != nil {
			return Snapshot{}, fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return Snapshot{}, fmt.Errorf("session request failed: status %d", resp.StatusCode)
	}

	var payload sessionPayload
	if err := json.Unmarshal(envelope.Data, &payload); err != nil {
		return Snapshot{}, fmt.Errorf("decode session payload: %w", err)
	}

	a.csrfToken = payload.CSRFToken
	return Snapshot{
		PrincipalID:     payload.Principal.ID,
		Roles:           payload.Principal.Roles,
		Permissions:     payload.Permissions,
		AccessToken:     payload.AccessToken,
		AccessExpiresAt: payload.AccessExpiresAt,
		CSRFToken:       payload.CSRFToken,
	}, nil
}
