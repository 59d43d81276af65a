package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bitemap/session/internal/domain"
	"github.com/bitemap/session/pkg/database"
	apperrors "github.com/bitemap/session/pkg/errors"
)

// RefreshTokenRepository implements repository.RefreshTokenRepository using
// PostgreSQL. The refresh_tokens table is indexed on (principal_id,
// revoked_at) for fast bulk revocation and on lineage_id for chain-wide
// revocation.
type RefreshTokenRepository struct {
	pool database.DBTX
}

// NewRefreshTokenRepository creates a new PostgreSQL-backed refresh token repository.
func NewRefreshTokenRepository(pool database.DBTX) *RefreshTokenRepository {
	return &RefreshTokenRepository{pool: pool}
}

const refreshTokenColumns = `id, principal_id, token_hash, parent_id, lineage_id, issued_at, expires_at, revoked_at, used_at`

// Create stores a new lineage-root record.
func (r *RefreshTokenRepository) Create(ctx context.Context, rec *domain.RefreshTokenRecord) error {
	query := `
		INSERT INTO refresh_tokens (id, principal_id, token_hash, parent_id, lineage_id, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := r.pool.Exec(ctx, query,
		rec.ID,
		rec.PrincipalID,
		rec.TokenHash,
		rec.ParentID,
		rec.LineageID,
		rec.IssuedAt,
		rec.ExpiresAt,
	)
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// GetByHash retrieves a record by its token hash.
func (r *RefreshTokenRepository) GetByHash(ctx context.Context, tokenHash string) (*domain.RefreshTokenRecord, error) {
	query := `SELECT ` + refreshTokenColumns + ` FROM refresh_tokens WHERE token_hash = $1`

	var rec domain.RefreshTokenRecord
	err := r.pool.QueryRow(ctx, query, tokenHash).Scan(
		&rec.ID,
		&rec.PrincipalID,
		&rec.TokenHash,
		&rec.ParentID,
		&rec.LineageID,
		&rec.IssuedAt,
		&rec.ExpiresAt,
		&rec.RevokedAt,
		&rec.UsedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("scan refresh token: %w", err)
	}

	return &rec, nil
}

// Rotate atomically marks the old record used and inserts the child record.
// The conditional UPDATE is the compare-and-set that decides the winner when
// two requests present the same token concurrently: exactly one sees a row
// affected, the loser gets false and must be treated as a reuse event.
func (r *RefreshTokenRepository) Rotate(ctx context.Context, oldID string, usedAt time.Time, child *domain.RefreshTokenRecord) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin rotate transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ct, err := tx.Exec(ctx,
		`UPDATE refresh_tokens SET used_at = $1 WHERE id = $2 AND used_at IS NULL AND revoked_at IS NULL`,
		usedAt, oldID,
	)
	if err != nil {
		return false, fmt.Errorf("mark refresh token used: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return false, nil
	}

	_, err = tx.Exec(ctx,
		`INSERT INTO refresh_tokens (id, principal_id, token_hash, parent_id, lineage_id, issued_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		child.ID,
		child.PrincipalID,
		child.TokenHash,
		child.ParentID,
		child.LineageID,
		child.IssuedAt,
		child.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert child refresh token: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit rotate transaction: %w", err)
	}

	return true, nil
}

// RevokeByID revokes a single record.
func (r *RefreshTokenRepository) RevokeByID(ctx context.Context, id string) error {
	query := `UPDATE refresh_tokens SET revoked_at = $1 WHERE id = $2 AND revoked_at IS NULL`

	_, err := r.pool.Exec(ctx, query, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

// RevokeLineage revokes every record sharing the lineage, ancestors and
// descendants alike. Lineage membership is denormalized into lineage_id at
// insert time, so this is one indexed UPDATE rather than a recursive walk.
func (r *RefreshTokenRepository) RevokeLineage(ctx context.Context, lineageID string) error {
	query := `UPDATE refresh_tokens SET revoked_at = $1 WHERE lineage_id = $2 AND revoked_at IS NULL`

	_, err := r.pool.Exec(ctx, query, time.Now().UTC(), lineageID)
	if err != nil {
		return fmt.Errorf("revoke refresh token lineage: %w", err)
	}

	return nil
}

// RevokeByPrincipalID revokes all live records for the principal.
func (r *RefreshTokenRepository) RevokeByPrincipalID(ctx context.Context, principalID string) error {
	query := `UPDATE refresh_tokens SET revoked_at = $1 WHERE principal_id = $2 AND revoked_at IS NULL`

	_, err := r.pool.Exec(ctx, query, time.Now().UTC(), principalID)
	if err != nil {
		return fmt.Errorf("revoke refresh tokens by principal: %w", err)
	}

	return nil
}

// DeleteExpired removes records whose expiry passed before the cutoff.
func (r *RefreshTokenRepository) DeleteExpired(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM refresh_tokens WHERE expires_at < $1`

	ct, err := r.pool.Exec(ctx, query, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}

	return ct.RowsAffected(), nil
}
