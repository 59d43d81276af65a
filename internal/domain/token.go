package domain

import (
	"time"
)

// RefreshTokenRecord is one link in a refresh-token lineage chain. Each
// record may be exchanged exactly once: the exchange marks UsedAt and inserts
// a child record whose ParentID points back here. A record presented again
// after UsedAt is set is a reuse event and revokes the whole lineage.
type RefreshTokenRecord struct {
	ID          string     `json:"id"`
	PrincipalID string     `json:"principal_id"`
	TokenHash   string     `json:"-"`
	ParentID    *string    `json:"parent_id,omitempty"`
	LineageID   string     `json:"lineage_id"`
	IssuedAt    time.Time  `json:"issued_at"`
	ExpiresAt   time.Time  `json:"expires_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	UsedAt      *time.Time `json:"used_at,omitempty"`
}

// IsExpired reports whether the record has passed its expiry.
func (r *RefreshTokenRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// IsRevoked reports whether the record has been revoked.
func (r *RefreshTokenRecord) IsRevoked() bool {
	return r.RevokedAt != nil
}

// IsUsed reports whether the record has already been exchanged.
func (r *RefreshTokenRecord) IsUsed() bool {
	return r.UsedAt != nil
}

// TokenPair holds an access and refresh token pair.
type TokenPair struct {
	AccessToken     string    `json:"access_token"`
	RefreshToken    string    `json:"refresh_token"`
	AccessExpiresAt time.Time `json:"access_expires_at"`
}

// Session is the result of a successful login, guest issuance, refresh, or
// guest upgrade.
type Session struct {
	Principal   *Principal `json:"principal"`
	Permissions []string   `json:"permissions"`
	Tokens      *TokenPair `json:"tokens"`
	CSRFToken   string     `json:"csrf_token"`
}

// RevokeScope selects how much of a principal's refresh-token state a revoke
// operation covers.
type RevokeScope string

const (
	// RevokeSingle revokes one record (normal logout of one session).
	RevokeSingle RevokeScope = "single"
	// RevokeLineage revokes a record's entire parent→child chain.
	RevokeLineage RevokeScope = "lineage"
	// RevokeAllSessions revokes every live record for a principal.
	RevokeAllSessions RevokeScope = "all_sessions"
)
