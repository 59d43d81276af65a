package repository

import (
	"context"
	"time"

	"github.com/bitemap/session/internal/domain"
)

// UserRepository defines the interface for user persistence operations.
// Accounts are never hard-deleted; Deactivate soft-disables them.
type UserRepository interface {
	// Create inserts a new user into the store.
	Create(ctx context.Context, user *domain.User) error

	// GetByID retrieves a user by their unique identifier.
	GetByID(ctx context.Context, id string) (*domain.User, error)

	// GetByEmail retrieves a user by their email address.
	GetByEmail(ctx context.Context, email string) (*domain.User, error)

	// Update modifies an existing user in the store.
	Update(ctx context.Context, user *domain.User) error

	// Deactivate soft-deactivates a user account.
	Deactivate(ctx context.Context, id string) error
}

// RefreshTokenRepository persists refresh-token lineage records. The store is
// the single source of truth for rotation: Rotate's conditional update is what
// makes concurrent refresh exactly-once across server processes.
type RefreshTokenRepository interface {
	// Create stores a new lineage-root record.
	Create(ctx context.Context, rec *domain.RefreshTokenRecord) error

	// GetByHash retrieves a record by its token hash.
	GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error)

	// Rotate atomically marks the old record used (only if currently unused
	// and unrevoked) and inserts the child record in one transaction.
	// Returns false without inserting when the conditional update matched no
	// rows, meaning a concurrent rotation already won.
	Rotate(ctx context.Context, oldID string, usedAt time.Time, child *domain.RefreshTokenRecord) (bool, error)

	// RevokeByID revokes a single record.
	RevokeByID(ctx context.Context, id string) error

	// RevokeLineage revokes every record in a lineage, ancestors and
	// descendants alike.
	RevokeLineage(ctx context.Context, lineageID string) error

	// RevokeByPrincipalID revokes all live records for the principal.
	RevokeByPrincipalID(ctx context.Context, principalID string) error

	// DeleteExpired removes records whose expiry passed before the cutoff,
	// returning how many were deleted.
	DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error)
}

// FavoriteRepository defines the interface for favorite persistence operations.
type FavoriteRepository interface {
	// Upsert inserts a favorite, or refreshes SavedAt when the incoming
	// timestamp is strictly newer than the stored one.
	Upsert(ctx context.Context, userID string, fav domain.Favorite) error

	// Remove deletes a favorite.
	Remove(ctx context.Context, userID, restaurantID string) error

	// List returns all favorites for the user, newest first.
	List(ctx context.Context, userID string) ([]domain.Favorite, error)

	// Exists checks whether a restaurant is in the user's favorites.
	Exists(ctx context.Context, userID, restaurantID string) (bool, error)
}
