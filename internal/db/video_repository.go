package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
)

type VideoRepository struct {
	db *DB
}

func NewVideoRepository(db *DB) *VideoRepository {
	return &VideoRepository{db: db}
}

const videoColumns = `
	id, platform, external_video_id, region, title, author, url, thumbnail_url, duration_seconds,
	rank, view_count, like_count, comment_count, fetched_at, created_at, updated_at`

func scanVideo(row rowScanner) (*models.SourceVideo, error) {
	v := &models.SourceVideo{}
	err := row.Scan(
		&v.ID, &v.Platform, &v.ExternalVideoID, &v.Region, &v.Title, &v.Author, &v.URL,
		&v.ThumbnailURL, &v.DurationSeconds, &v.Rank, &v.ViewCount, &v.LikeCount, &v.CommentCount,
		&v.FetchedAt, &v.CreatedAt, &v.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	return v, nil
}

func (r *VideoRepository) Get(ctx context.Context, id string) (*models.SourceVideo, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+videoColumns+` FROM source_videos WHERE id = $1`, id)
	return scanVideo(row)
}

// Upsert inserts or refreshes videos by (platform, external id) in one
// transaction. Each video's ID is set to the stored row's id.
func (r *VideoRepository) Upsert(ctx context.Context, videos []*models.SourceVideo) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO source_videos (id, platform, external_video_id, region, title, author, url,
				thumbnail_url, duration_seconds, rank, view_count, like_count, comment_count,
				fetched_at, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, NOW(), NOW())
			ON CONFLICT (platform, external_video_id) DO UPDATE SET
				region = EXCLUDED.region,
				title = EXCLUDED.title,
				author = EXCLUDED.author,
				url = EXCLUDED.url,
				thumbnail_url = EXCLUDED.thumbnail_url,
				duration_seconds = EXCLUDED.duration_seconds,
				rank = EXCLUDED.rank,
				view_count = EXCLUDED.view_count,
				like_count = EXCLUDED.like_count,
				comment_count = EXCLUDED.comment_count,
				fetched_at = EXCLUDED.fetched_at,
				updated_at = NOW()
			RETURNING id, created_at, updated_at`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, v := range videos {
			if v.ID == "" {
				v.ID = uuid.New().String()
			}
			err := stmt.QueryRowContext(ctx,
				v.ID, v.Platform, v.ExternalVideoID, v.Region, v.Title, v.Author, v.URL,
				v.ThumbnailURL, v.DurationSeconds, v.Rank, v.ViewCount, v.LikeCount, v.CommentCount,
				v.FetchedAt,
			).Scan(&v.ID, &v.CreatedAt, &v.UpdatedAt)
			if err != nil {
				return mapError(err)
			}
		}
		return nil
	})
}

// List returns a platform/region listing, latest refresh first, by rank
func (r *VideoRepository) List(ctx context.Context, platform, region string, limit, offset int) ([]*models.SourceVideo, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+videoColumns+` FROM source_videos
		WHERE platform = $1 AND region = $2
		ORDER BY fetched_at DESC, rank ASC
		LIMIT $3 OFFSET $4`,
		platform, region, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []*models.SourceVideo
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, v)
	}
	return videos, rows.Err()
}

// RecentExternalIDs returns the external ids of the platform's most recently fetched videos
func (r *VideoRepository) RecentExternalIDs(ctx context.Context, platform string, since time.Time, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT external_video_id FROM source_videos
		WHERE platform = $1 AND fetched_at >= $2
		ORDER BY fetched_at DESC
		LIMIT $3`,
		platform, since, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// UpdateStats writes engagement counters for existing videos
func (r *VideoRepository) UpdateStats(ctx context.Context, p string, stats []platform.VideoStats) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			UPDATE source_videos
			SET view_count = $3, like_count = $4, comment_count = $5, updated_at = NOW()
			WHERE platform = $1 AND external_video_id = $2`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, s := range stats {
			if _, err := stmt.ExecContext(ctx, p, s.ExternalID, s.ViewCount, s.LikeCount, s.CommentCount); err != nil {
				return err
			}
		}
		return nil
	})
}

type ChannelRepository struct {
	db *DB
}

func NewChannelRepository(db *DB) *ChannelRepository {
	return &ChannelRepository{db: db}
}

const channelColumns = `id, owner_id, platform, credential_id, name, audit_approved, created_at`

func scanChannel(row rowScanner) (*models.Channel, error) {
	c := &models.Channel{}
	err := row.Scan(&c.ID, &c.OwnerID, &c.Platform, &c.CredentialID, &c.Name, &c.AuditApproved, &c.CreatedAt)
	if err != nil {
		return nil, mapError(err)
	}
	return c, nil
}

func (r *ChannelRepository) Create(ctx context.Context, c *models.Channel) error {
	if c.ID == "" {
		c.ID = uuid.New().String()
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO channels (id, owner_id, platform, credential_id, name, audit_approved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())`,
		c.ID, c.OwnerID, c.Platform, c.CredentialID, c.Name, c.AuditApproved,
	)
	return mapError(err)
}

func (r *ChannelRepository) Get(ctx context.Context, id string) (*models.Channel, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+channelColumns+` FROM channels WHERE id = $1`, id)
	return scanChannel(row)
}

func (r *ChannelRepository) ListByOwner(ctx context.Context, ownerID string) ([]*models.Channel, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+channelColumns+` FROM channels WHERE owner_id = $1 ORDER BY created_at`, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []*models.Channel
	for rows.Next() {
		c, err := scanChannel(rows)
		if err != nil {
			return nil, err
		}
		channels = append(channels, c)
	}
	return channels, rows.Err()
}
