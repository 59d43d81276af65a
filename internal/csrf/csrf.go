// Package csrf implements double-submit CSRF tokens. The token is an HMAC of
// the session identity and an issue timestamp, so it needs no server-side
// storage and cannot be transplanted between sessions.
package csrf

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/bitemap/session/pkg/errors"
)

// Manager issues and validates CSRF tokens bound to a session identity
// (the principal id for authenticated sessions, the guest id for guest
// sessions).
type Manager struct {
	secret      []byte
	ttl         time.Duration
	rotateAfter time.Duration
	now         func() time.Time
}

// NewManager creates a CSRF manager. Tokens expire after ttl and are
// considered stale (eligible for rotation on the next state-changing
// response) after rotateAfter.
func NewManager(secret string, ttl, rotateAfter time.Duration) *Manager {
	return &Manager{
		secret:      []byte(secret),
		ttl:         ttl,
		rotateAfter: rotateAfter,
		now:         time.Now,
	}
}

// Issue mints a token bound to the given session identity.
func (m *Manager) Issue(sessionID string) string {
	issuedAt := m.now().UTC().Unix()
	payload := fmt.Sprintf("%s.%d", sessionID, issuedAt)
	return payload + "." + m.sign(payload)
}

// Validate checks that the token is authentic, bound to the given session
// identity, and not expired.
func (m *Manager) Validate(token, sessionID string) error {
	payload, mac, ok := splitToken(token)
	if !ok {
		return apperrors.CSRFInvalid("malformed token")
	}
	if !hmac.Equal([]byte(mac), []byte(m.sign(payload))) {
		return apperrors.CSRFInvalid("signature mismatch")
	}

	boundID, issuedAt, ok := splitPayload(payload)
	if !ok {
		return apperrors.CSRFInvalid("malformed token")
	}
	if boundID != sessionID {
		return apperrors.CSRFInvalid("token bound to different session")
	}
	if m.now().UTC().Sub(time.Unix(issuedAt, 0)) > m.ttl {
		return apperrors.CSRFInvalid("token expired")
	}
	return nil
}

// ValidateAny checks authenticity and expiry without a binding check. Used on
// endpoints that run before the caller's identity is verified, where the
// double-submit cookie comparison provides the binding instead.
func (m *Manager) ValidateAny(token string) error {
	payload, mac, ok := splitToken(token)
	if !ok {
		return apperrors.CSRFInvalid("malformed token")
	}
	if !hmac.Equal([]byte(mac), []byte(m.sign(payload))) {
		return apperrors.CSRFInvalid("signature mismatch")
	}
	_, issuedAt, ok := splitPayload(payload)
	if !ok {
		return apperrors.CSRFInvalid("malformed token")
	}
	if m.now().UTC().Sub(time.Unix(issuedAt, 0)) > m.ttl {
		return apperrors.CSRFInvalid("token expired")
	}
	return nil
}

// ShouldRotate reports whether the token is past the rotation threshold.
// Rotation happens opportunistically: the handler sets a fresh cookie on the
// next successful state-changing response rather than failing the request.
func (m *Manager) ShouldRotate(token string) bool {
	payload, _, ok := splitToken(token)
	if !ok {
		return true
	}
	_, issuedAt, ok := splitPayload(payload)
	if !ok {
		return true
	}
	return m.now().UTC().Sub(time.Unix(issuedAt, 0)) > m.rotateAfter
}

func (m *Manager) sign(payload string) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

func splitToken(token string) (payload, mac string, ok bool) {
	idx := strings.LastIndex(token, ".")
	if idx <= 0 || idx == len(token)-1 {
		return "", "", false
	}
	return token[:idx], token[idx+1:], true
}

func splitPayload(payload string) (sessionID string, issuedAt int64, ok bool) {
	idx := strings.LastIndex(payload, ".")
	if idx <= 0 || idx == len(payload)-1 {
		return "", 0, false
	}
	issuedAt, err := strconv.ParseInt(payload[idx+1:], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return payload[:idx], issuedAt, true
}
