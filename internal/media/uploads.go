package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/trendpipe/backend/internal/db"
	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/queue"
)

// UploadRequest describes republishing a completed download to a channel
type UploadRequest struct {
	DownloadID  string `json:"downloadId" validate:"required"`
	ChannelID   string `json:"channelId" validate:"required"`
	Title       string `json:"title" validate:"required,max=150"`
	Description string `json:"description" validate:"max=5000"`
}

// QueueUpload creates a PENDING upload and submits it to the upload queue
func (o *Orchestrator) QueueUpload(ctx context.Context, ownerID string, req UploadRequest) (*models.UploadJob, error) {
	if ownerID == "" {
		return nil, apperrors.ValidationError("owner is required")
	}
	if err := o.validate.Struct(req); err != nil {
		return nil, apperrors.FromValidator(err)
	}
	return o.queueUpload(ctx, ownerID, req, "")
}

func (o *Orchestrator) queueUpload(ctx context.Context, ownerID string, req UploadRequest, replaces string) (*models.UploadJob, error) {
	log := logger.Ctx(ctx).With().Str("owner_id", ownerID).Str("download_id", req.DownloadID).Logger()

	active, err := o.uploads.CountActive(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active uploads: %w", err)
	}
	if active >= o.limits.MaxActiveUploads {
		metrics.JobsRejected.WithLabelValues(string(queue.KindUpload), "active_limit").Inc()
		return nil, apperrors.TooManyActiveUploads(o.limits.MaxActiveUploads)
	}

	download, err := o.GetDownload(ctx, ownerID, req.DownloadID)
	if err != nil {
		return nil, err
	}
	if download.Status != models.DownloadCompleted {
		return nil, apperrors.ValidationError("download is not completed")
	}

	channel, err := o.channels.Get(ctx, req.ChannelID)
	if errors.Is(err, db.ErrNotFound) || (err == nil && channel.OwnerID != ownerID) {
		return nil, apperrors.NotFound("channel")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}

	p, err := platform.ParsePlatform(channel.Platform)
	if err != nil {
		return nil, err
	}

	// a retry's replaced record only leaves the count inside Create
	if replaces == "" {
		if err := o.checkDailyCap(ctx, ownerID, p); err != nil {
			return nil, err
		}
	}

	id := uuid.New().String()
	job := &models.UploadJob{
		ID:          id,
		OwnerID:     ownerID,
		DownloadID:  download.ID,
		ChannelID:   channel.ID,
		Platform:    channel.Platform,
		Mode:        SelectUploadMode(p, channel),
		Title:       req.Title,
		Description: req.Description,
		Status:      models.UploadPending,
		QueueJobID:  UploadJobID(id),
		CreatedAt:   o.now(),
	}
	job.UpdatedAt = job.CreatedAt

	limits := db.UploadLimits{MaxActive: o.limits.MaxActiveUploads}
	if o.limits.DailyUploadCap > 0 && p == o.limits.DailyCapPlatform {
		limits.DailyCap = o.limits.DailyUploadCap
		limits.DailySince = o.startOfDay()
	}
	switch err := o.uploads.Create(ctx, job, replaces, limits); {
	case errors.Is(err, db.ErrActiveLimit):
		metrics.JobsRejected.WithLabelValues(string(queue.KindUpload), "active_limit").Inc()
		return nil, apperrors.TooManyActiveUploads(o.limits.MaxActiveUploads)
	case errors.Is(err, db.ErrDailyLimit):
		metrics.JobsRejected.WithLabelValues(string(queue.KindUpload), "daily_cap").Inc()
		return nil, apperrors.DailyUploadLimit(string(p), o.limits.DailyUploadCap)
	case err != nil:
		return nil, fmt.Errorf("failed to create upload: %w", err)
	}

	payload := UploadPayload{UploadID: job.ID, OwnerID: ownerID}
	if _, err := o.queue.Enqueue(ctx, queue.KindUpload, job.QueueJobID, payload); err != nil {
		log.Error().Err(err).Str("upload_id", job.ID).Msg("Failed to enqueue upload")
		if ferr := o.uploads.Fail(context.WithoutCancel(ctx), job.ID, "failed to enqueue"); ferr != nil {
			log.Warn().Err(ferr).Msg("Failed to mark unqueued upload as failed")
		}
		return nil, apperrors.ServiceUnavailable(queueService, err.Error())
	}

	log.Info().
		Str("upload_id", job.ID).
		Str("platform", job.Platform).
		Str("mode", string(job.Mode)).
		Msg("Upload queued")
	return job, nil
}

// checkDailyCap enforces the daily creation cap on the capped platform. The day
// starts at midnight in the configured timezone.
func (o *Orchestrator) checkDailyCap(ctx context.Context, ownerID string, p platform.Platform) error {
	if o.limits.DailyUploadCap <= 0 || p != o.limits.DailyCapPlatform {
		return nil
	}

	n, err := o.uploads.CountCreatedSince(ctx, ownerID, string(p), o.startOfDay())
	if err != nil {
		return fmt.Errorf("failed to count today's uploads: %w", err)
	}
	if n >= o.limits.DailyUploadCap {
		metrics.JobsRejected.WithLabelValues(string(queue.KindUpload), "daily_cap").Inc()
		return apperrors.DailyUploadLimit(string(p), o.limits.DailyUploadCap)
	}
	return nil
}

// startOfDay is midnight today in the configured timezone
func (o *Orchestrator) startOfDay() time.Time {
	now := o.now().In(o.limits.Location)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, o.limits.Location)
}

func (o *Orchestrator) GetUpload(ctx context.Context, ownerID, uploadID string) (*models.UploadJob, error) {
	job, err := o.uploads.Get(ctx, uploadID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("upload")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload: %w", err)
	}
	if job.OwnerID != ownerID {
		return nil, apperrors.NotFound("upload")
	}
	return job, nil
}

func (o *Orchestrator) ListUploads(ctx context.Context, ownerID string, limit, offset int) ([]*models.UploadJob, error) {
	limit, offset = page(limit, offset)
	return o.uploads.ListByOwner(ctx, ownerID, limit, offset)
}

// RetryUpload replaces a FAILED or CANCELLED upload with a new job. Caps are
// checked again.
func (o *Orchestrator) RetryUpload(ctx context.Context, ownerID, uploadID string) (*models.UploadJob, error) {
	job, err := o.GetUpload(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.UploadFailed && job.Status != models.UploadCancelled {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot retry a %s upload", job.Status))
	}

	req := UploadRequest{
		DownloadID:  job.DownloadID,
		ChannelID:   job.ChannelID,
		Title:       job.Title,
		Description: job.Description,
	}
	return o.queueUpload(ctx, ownerID, req, job.ID)
}

func (o *Orchestrator) CancelUpload(ctx context.Context, ownerID, uploadID string) (*models.UploadJob, error) {
	job, err := o.GetUpload(ctx, ownerID, uploadID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	o.removeFromQueue(ctx, queue.KindUpload, job.QueueJobID)

	changed, err := o.uploads.Transition(ctx, job.ID, models.UploadCancelled, models.ActiveUploadStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel upload: %w", err)
	}
	if changed {
		logger.Ctx(ctx).Info().Str("upload_id", job.ID).Msg("Upload cancelled")
	}
	return o.GetUpload(ctx, ownerID, uploadID)
}

func (o *Orchestrator) DeleteUpload(ctx context.Context, ownerID, uploadID string) error {
	job, err := o.GetUpload(ctx, ownerID, uploadID)
	if err != nil {
		return err
	}

	if !job.Status.IsTerminal() {
		o.removeFromQueue(ctx, queue.KindUpload, job.QueueJobID)
	}

	if err := o.uploads.Delete(ctx, job.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to delete upload: %w", err)
	}
	return nil
}
