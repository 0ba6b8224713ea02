package db

import (
	"context"
	"database/sql"
	"time"

	"github.com/lib/pq"

	"github.com/trendpipe/backend/internal/models"
)

type DownloadRepository struct {
	db *DB
}

func NewDownloadRepository(db *DB) *DownloadRepository {
	return &DownloadRepository{db: db}
}

const downloadColumns = `
	id, owner_id, source_video_id, platform, external_video_id, status, queue_job_id,
	storage_key, size_bytes, progress, error, created_at, updated_at, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDownload(row rowScanner) (*models.DownloadJob, error) {
	job := &models.DownloadJob{}
	var startedAt, completedAt sql.NullTime
	err := row.Scan(
		&job.ID, &job.OwnerID, &job.SourceVideoID, &job.Platform, &job.ExternalVideoID,
		&job.Status, &job.QueueJobID, &job.StorageKey, &job.SizeBytes, &job.Progress, &job.Error,
		&job.CreatedAt, &job.UpdatedAt, &startedAt, &completedAt,
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

func downloadStatuses(statuses []models.DownloadStatus) any {
	out := make([]string, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return pq.Array(out)
}

// CountActive counts the owner's non-terminal downloads
func (r *DownloadRepository) CountActive(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM download_jobs WHERE owner_id = $1 AND status = ANY($2)`,
		ownerID, downloadStatuses(models.ActiveDownloadStatuses),
	).Scan(&n)
	return n, err
}

// FindByVideo returns the owner's job for a platform video
func (r *DownloadRepository) FindByVideo(ctx context.Context, ownerID, platform, externalVideoID string) (*models.DownloadJob, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM download_jobs
		WHERE owner_id = $1 AND platform = $2 AND external_video_id = $3`,
		ownerID, platform, externalVideoID,
	)
	return scanDownload(row)
}

// Create inserts job. When replaces is set, that record is deleted in the same
// transaction so a stale job and its replacement never coexist. A positive
// maxActive is checked under the owner's lock and fails with ErrActiveLimit.
func (r *DownloadRepository) Create(ctx context.Context, job *models.DownloadJob, replaces string, maxActive int) error {
	return r.db.WithTx(ctx, func(tx *sql.Tx) error {
		if maxActive > 0 {
			if err := lockOwner(ctx, tx, "download_jobs", job.OwnerID); err != nil {
				return err
			}
			var n int
			err := tx.QueryRowContext(ctx,
				`SELECT COUNT(*) FROM download_jobs WHERE owner_id = $1 AND status = ANY($2)`,
				job.OwnerID, downloadStatuses(models.ActiveDownloadStatuses),
			).Scan(&n)
			if err != nil {
				return err
			}
			if n >= maxActive {
				return ErrActiveLimit
			}
		}

		if replaces != "" {
			if _, err := tx.ExecContext(ctx, `DELETE FROM download_jobs WHERE id = $1`, replaces); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO download_jobs (id, owner_id, source_video_id, platform, external_video_id,
				status, queue_job_id, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
			job.ID, job.OwnerID, job.SourceVideoID, job.Platform, job.ExternalVideoID,
			job.Status, job.QueueJobID, job.CreatedAt,
		)
		return mapError(err)
	})
}

func (r *DownloadRepository) Get(ctx context.Context, id string) (*models.DownloadJob, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+downloadColumns+` FROM download_jobs WHERE id = $1`, id)
	return scanDownload(row)
}

func (r *DownloadRepository) ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.DownloadJob, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM download_jobs WHERE owner_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
		ownerID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*models.DownloadJob
	for rows.Next() {
		job, err := scanDownload(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (r *DownloadRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM download_jobs WHERE id = $1`, id)
	if err != nil {
		return err
	}
	return expectRows(result)
}

// Transition moves the job to status `to` only if it is currently in one of
// `from`. It reports whether the row changed.
func (r *DownloadRepository) Transition(ctx context.Context, id string, to models.DownloadStatus, from ...models.DownloadStatus) (bool, error) {
	now := time.Now()
	var startedAt, completedAt any
	if to == models.DownloadDownloading {
		startedAt = now
	}
	if to.IsTerminal() {
		completedAt = now
	}

	result, err := r.db.ExecContext(ctx, `
		UPDATE download_jobs
		SET status = $2, updated_at = $3,
			started_at = COALESCE($4::timestamptz, started_at),
			completed_at = COALESCE($5::timestamptz, completed_at)
		WHERE id = $1 AND status = ANY($6)`,
		id, to, now, startedAt, completedAt, downloadStatuses(from),
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// UpdateProgress stores progress (0-100) while the job is downloading
func (r *DownloadRepository) UpdateProgress(ctx context.Context, id string, progress int) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE download_jobs SET progress = $2, updated_at = NOW() WHERE id = $1 AND status = $3`,
		id, progress, models.DownloadDownloading,
	)
	return err
}

// Complete records the stored artifact. It only applies to a job still downloading.
func (r *DownloadRepository) Complete(ctx context.Context, id, storageKey string, size int64) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE download_jobs
		SET status = $2, storage_key = $3, size_bytes = $4, progress = 100, error = '',
			updated_at = NOW(), completed_at = NOW()
		WHERE id = $1 AND status = $5`,
		id, models.DownloadCompleted, storageKey, size, models.DownloadDownloading,
	)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	return rows > 0, err
}

// Fail marks the job FAILED with msg
func (r *DownloadRepository) Fail(ctx context.Context, id, msg string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE download_jobs SET status = $2, error = $3, updated_at = NOW(), completed_at = NOW()
		WHERE id = $1`,
		id, models.DownloadFailed, msg,
	)
	if err != nil {
		return err
	}
	return expectRows(result)
}
