package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/trendpipe/backend/internal/models"
)

type CredentialRepository struct {
	db *DB
}

func NewCredentialRepository(db *DB) *CredentialRepository {
	return &CredentialRepository{db: db}
}

const credentialColumns = `
	id, owner_id, platform, ciphertext, iv, auth_tag, expires_at, scopes, created_at, updated_at`

func scanCredential(row rowScanner) (*models.Credential, error) {
	c := &models.Credential{}
	err := row.Scan(
		&c.ID, &c.OwnerID, &c.Platform, &c.Ciphertext, &c.IV, &c.AuthTag, &c.ExpiresAt,
		pq.Array(&c.Scopes), &c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

// Upsert stores the owner's credential for a platform, replacing any previous
// one. c.ID and timestamps are set from the stored row.
func (r *CredentialRepository) Upsert(ctx context.Context, c *models.Credential) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO platform_credentials (id, owner_id, platform, ciphertext, iv, auth_tag,
			expires_at, scopes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW(), NOW())
		ON CONFLICT (owner_id, platform) DO UPDATE SET
			ciphertext = EXCLUDED.ciphertext,
			iv = EXCLUDED.iv,
			auth_tag = EXCLUDED.auth_tag,
			expires_at = EXCLUDED.expires_at,
			scopes = EXCLUDED.scopes,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`,
		c.ID, c.OwnerID, c.Platform, c.Ciphertext, c.IV, c.AuthTag, c.ExpiresAt, pq.Array(c.Scopes),
	).Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	return mapError(err)
}

func (r *CredentialRepository) Get(ctx context.Context, id string) (*models.Credential, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+credentialColumns+` FROM platform_credentials WHERE id = $1`, id)
	return scanCredential(row)
}

func (r *CredentialRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Credential, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+credentialColumns+` FROM platform_credentials WHERE owner_id = $1 ORDER BY platform`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var creds []*models.Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		creds = append(creds, c)
	}
	return creds, rows.Err()
}

// Rotate replaces the encrypted blob and expiry in a single statement
func (r *CredentialRepository) Rotate(ctx context.Context, id string, ciphertext, iv, tag []byte, expiresAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE platform_credentials
		SET ciphertext = $2, iv = $3, auth_tag = $4, expires_at = $5, updated_at = NOW()
		WHERE id = $1`,
		id, ciphertext, iv, tag, expiresAt,
	)
	if err != nil {
		return err
	}
	return expectRows(result)
}

func (r *CredentialRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM platform_credentials WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}
