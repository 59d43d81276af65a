package domain

import (
	"time"
)

// User represents a registered account in the credential store.
type User struct {
	ID            string    `json:"id"`
	Email         string    `json:"email"`
	PasswordHash  string    `json:"-"`
	Name          string    `json:"name"`
	Roles         []string  `json:"roles"`
	IsActive      bool      `json:"is_active"`
	EmailVerified bool      `json:"email_verified"`
	OAuthProvider string    `json:"oauth_provider,omitempty"`
	OAuthID       string    `json:"oauth_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Principal is the identity attached to a session: a registered user or an
// anonymous guest. Guests have role "guest" and no credential record.
type Principal struct {
	ID       string    `json:"id"`
	Email    string    `json:"email,omitempty"`
	Roles    []string  `json:"roles"`
	Guest    bool      `json:"guest,omitempty"`
	IssuedAt time.Time `json:"issued_at"`
}

// PrincipalFromUser derives the session principal for a registered user.
func PrincipalFromUser(u *User, now time.Time) *Principal {
	return &Principal{
		ID:       u.ID,
		Email:    u.Email,
		Roles:    append([]string(nil), u.Roles...),
		IssuedAt: now,
	}
}

// GuestPrincipal creates an anonymous principal with the guest role.
func GuestPrincipal(id string, now time.Time) *Principal {
	return &Principal{
		ID:       id,
		Roles:    []string{RoleGuest},
		Guest:    true,
		IssuedAt: now,
	}
}

// Role names. The permission set behind each role is a deploy-time artifact
// resolved by the rbac package, not stored per user.
const (
	RoleGuest     = "guest"
	RoleUser      = "user"
	RoleModerator = "moderator"
	RoleAdmin     = "admin"
)

// ValidRoles returns the set of assignable roles.
func ValidRoles() []string {
	return []string{RoleGuest, RoleUser, RoleModerator, RoleAdmin}
}

// IsValidRole checks whether the given role string is a known role.
func IsValidRole(role string) bool {
	for _, r := range ValidRoles() {
		if r == role {
			return true
		}
	}
	return false
}
