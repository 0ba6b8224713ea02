package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/trendpipe/backend/internal/models"
)

type UploadRepository struct {
	db *DB
}

func NewUploadRepository(db *DB) *UploadRepository {
	return &UploadRepository{db: db}
}

const uploadColumns = `
	id, owner_id, download_id, channel_id, platform, mode, title, description, status,
	queue_job_id, progress, external_id, external_url, error, created_at, updated_at,
	started_at, completed_at`

func scanUpload(row rowScanner) (*models.UploadJob, error) {
	job := &models.UploadJob{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.DownloadID, &job.ChannelID, &job.Platform, &job.Mode,
		&job.Title, &job.Description, &job.Status, &job.QueueJobID, &job.Progress,
		&job.ExternalID, &job.ExternalURL, &job.Error, &job.CreatedAt, &job.UpdatedAt,
		&startedAt, &completedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	if startedAt.Valid {
		job.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		job.CompletedAt = &completedAt.Time
	}
	return job, nil
}

func uploadStatuses(statuses []models.UploadStatus) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

// CountActive counts the owner's non-terminal uploads
func (r *UploadRepository) CountActive(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM upload_jobs WHERE owner_id = $1 AND status = ANY($2)`,
		ownerID, uploadStatuses(models.ActiveUploadStatuses),
	).Scan(&n)
	return n, err
}

// CountCreatedSince counts the owner's non-cancelled uploads to platform created at or after since
func (r *UploadRepository) CountCreatedSince(ctx context.Context, ownerID, platform string, since time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM upload_jobs
		WHERE owner_id = $1 AND platform = $2 AND created_at >= $3 AND status <> $4`,
		ownerID, platform, since, models.UploadCancelled,
	).Scan(&n)
	return n, err
}

// UploadLimits are the per-owner caps Create enforces
type UploadLimits struct {
	MaxActive int
	// DailyCap bounds non-cancelled uploads to the job's platform created at or
	// after DailySince. Zero disables it.
	DailyCap   int
	DailySince time.Time
}

// Create inserts job, deleting replaces in the same transaction when set. The
// caps in limits are checked under the owner's lock, after the replaced record
// is gone, and fail with ErrActiveLimit or ErrDailyLimit.
func (r *UploadRepository) Create(ctx context.Context, job *models.UploadJob, replaces string, limits UploadLimits) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if limits.MaxActive > 0 || limits.DailyCap > 0 {
			if err := lockOwner(ctx, tx, "upload_jobs", job.OwnerID); err != nil {
				return err
			}
		}
		if replaces != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM upload_jobs WHERE id = $1`, replaces); err != nil {
				return err
			}
		}
		if limits.MaxActive > 0 {
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM upload_jobs WHERE owner_id = $1 AND status = ANY($2)`,
				job.OwnerID, uploadStatuses(models.ActiveUploadStatuses),
			).Scan(&n)
			if err != nil {
				return err
			}
			if n >= limits.MaxActive {
				return ErrActiveLimit
			}
		}
		if limits.DailyCap > 0 {
			var n int
			err := tx.QueryRowContext(ctx, `
				SELECT COUNT(*) FROM upload_jobs
				WHERE owner_id = $1 AND platform = $2 AND created_at >= $3 AND status <> $4`,
				job.OwnerID, job.Platform, limits.DailySince, models.UploadCancelled,
			).Scan(&n)
			if err != nil {
				return err
			}
			if n >= limits.DailyCap {
				return ErrDailyLimit
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO upload_jobs (id, owner_id, download_id, channel_id, platform, mode, title,
				description, status, queue_job_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $11)`,
			job.ID, job.OwnerID, job.DownloadID, job.ChannelID, job.Platform, job.Mode, job.Title,
			job.Description, job.Status, job.QueueJobID, job.CreatedAt,
		)
		return mapError(err)
	})
}

func (r *UploadRepository) Get(ctx context.Context, id string) (*models.UploadJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+uploadColumns+` FROM upload_jobs WHERE id = $1`, id)
	return scanUpload(row)
}

func (r *UploadRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.UploadJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+uploadColumns+` FROM upload_jobs WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.UploadJob
	for rows.Next() {
		job, err := scanUpload(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *UploadRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM upload_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// Transition moves the job to status `to` only if it is currently in one of `from`
func (r *UploadRepository) Transition(ctx context.Context, id string, to models.UploadStatus, from ...models.UploadStatus) (bool, error) {
	now := time.Now()
	var startedAt, completedAt any
	if to == models.UploadUploading {
		startedAt = now
	}
	if to.IsTerminal() {
		completedAt = now
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE upload_jobs
		SET status = $2, updated_at = $3,
			started_at = COALESCE($4::timestamptz, started_at),
			completed_at = COALESCE($5::timestamptz, completed_at)
		WHERE id = $1 AND status = ANY($6)`,
		id, to, now, startedAt, completedAt, uploadStatuses(from),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// UpdateProgress stores progress (0-100) while the job is uploading
func (r *UploadRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE upload_jobs SET progress = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, progress, models.UploadUploading,
	)
	return err
}

// Complete records the platform's result. status is PROCESSING or COMPLETED.
func (r *UploadRepository) Complete(ctx context.Context, id string, status models.UploadStatus, externalID, externalURL string) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE upload_jobs
		SET status = $2, external_id = $3, external_url = $4, progress = 100, error = '',
			updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, status, externalID, externalURL, models.UploadUploading,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// Fail marks the job FAILED with msg
func (r *UploadRepository) Fail(ctx context.Context, id, msg string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE upload_jobs SET status = $2, error = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1`,
		id, models.UploadFailed, msg,
	)
	if err != nil {
		return err
	}
	return expectRows(result)
}
