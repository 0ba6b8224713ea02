package db

import (
	"context"

	"github.com/trendpipe/backend/internal/models"
)

type SessionRepository struct {
	db *DB
}

func NewSessionRepository(db *DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, s *models.AuthSession) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO auth_sessions (id, owner_id, token_hash, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		s.ID, s.OwnerID, s.TokenHash, s.ExpiresAt, s.CreatedAt,
	)
	return mapError(err)
}

// Consume deletes the session with tokenHash and returns it. Of two concurrent
// callers with the same token only one gets a row.
func (r *SessionRepository) Consume(ctx context.Context, tokenHash string) (*models.AuthSession, error) {
	s := &models.AuthSession{}
	err := r.db.QueryRowContext(ctx, `
		DELETE FROM auth_sessions
		WHERE token_hash = $1
		RETURNING id, owner_id, token_hash, expires_at, created_at`,
		tokenHash,
	).Scan(&s.ID, &s.OwnerID, &s.TokenHash, &s.ExpiresAt, &s.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return s, nil
}

func (r *SessionRepository) DeleteForOwner(ctx context.Context, ownerID string) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE owner_id = $1`, ownerID)
	return err
}

func (r *SessionRepository) DeleteExpired(ctx context.Context) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM auth_sessions WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
