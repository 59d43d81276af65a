package postgres

import (
	"context"
	"fmt"

	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/pkg/database"
	apperrors "github.com/bitemap/session/pkg/errors"
)

// FavoriteRepository implements repository.FavoriteRepository using PostgreSQL.
type FavoriteRepository struct {
	pool database.DBTX
}

// NewFavoriteRepository creates a new PostgreSQL-backed favorite repository.
func NewFavoriteRepository(pool database.DBTX) *FavoriteRepository {
	return &FavoriteRepository{pool: pool}
}

// Upsert inserts a favorite, or refreshes saved_at when the incoming
// timestamp is strictly newer than the stored one. The strict inequality is
// what makes the guest-upgrade merge deterministic: on equal timestamps the
// stored (authenticated) value wins.
func (r *FavoriteRepository) Upsert(ctx context.Context, userID string, fav domain.Favorite) error {
	query := `
		INSERT INTO favorites (user_id, restaurant_id, saved_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (user_id, restaurant_id)
		DO UPDATE SET saved_at = EXCLUDED.saved_at
		WHERE EXCLUDED.saved_at > favorites.saved_at`

	_, err := r.pool.Exec(ctx, query, userID, fav.RestaurantID, fav.SavedAt)
	if err != nil {
		return fmt.Errorf("upsert favorite: %w", err)
	}

	return nil
}

// Remove deletes a favorite.
func (r *FavoriteRepository) Remove(ctx context.Context, userID, restaurantID string) error {
	query := `DELETE FROM favorites WHERE user_id = $1 AND restaurant_id = $2`

	ct, err := r.pool.Exec(ctx, query, userID, restaurantID)
	if err != nil {
		return fmt.Errorf("remove favorite: %w", err)
	}

	if ct.RowsAffected() == 0 {
		return apperrors.NotFound("favorite", restaurantID)
	}

	return nil
}

// List returns all favorites for the user, newest first.
func (r *FavoriteRepository) List(ctx context.Context, userID string) ([]domain.Favorite, error) {
	query := `
		SELECT user_id, restaurant_id, saved_at
		FROM favorites
		WHERE user_id = $1
		ORDER BY saved_at DESC`

	rows, err := r.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list favorites: %w", err)
	}
	defer rows.Close()

	var favorites []domain.Favorite
	for rows.Next() {
		var f domain.Favorite
		if err := rows.Scan(&f.UserID, &f.RestaurantID, &f.SavedAt); err != nil {
			return nil, fmt.Errorf("scan favorite row: %w", err)
		}
		favorites = append(favorites, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate favorite rows: %w", err)
	}

	if favorites == nil {
		favorites = []domain.Favorite{}
	}

	return favorites, nil
}

// Exists checks whether a restaurant is in the user's favorites.
func (r *FavoriteRepository) Exists(ctx context.Context, userID, restaurantID string) (bool, error) {
	query := `SELECT EXISTS(SELECT 1 FROM favorites WHERE user_id = $1 AND restaurant_id = $2)`

	var exists bool
	if err := r.pool.QueryRow(ctx, query, userID, restaurantID).Scan(&exists); err != nil {
		return false, fmt.Errorf("check favorite exists: %w", err)
	}

	return exists, nil
}
