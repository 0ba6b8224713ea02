package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/trendpipe/backend/internal/db"
	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/queue"
	"github.com/trendpipe/backend/internal/resilience"
	"github.com/trendpipe/backend/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	storageService  = "storage"
	queueService    = "queue"
)

// Limits are the per-owner admission caps
type Limits struct {
	MaxActiveDownloads int
	MaxActiveUploads   int
	DailyUploadCap     int
	DailyCapPlatform   platform.Platform
	Location           *time.Location
	SignedURLTTL       time.Duration
}

// OrchestratorConfig holds the orchestrator's collaborators
type OrchestratorConfig struct {
	Downloads DownloadStore
	Uploads   UploadStore
	Videos    VideoStore
	Channels  ChannelStore
	Queue     JobQueue
	Storage   storage.ObjectStore
	Caller    *resilience.Caller
	Limits    Limits
}

// Orchestrator admits, deduplicates and manages download and upload jobs
type Orchestrator struct {
	downloads DownloadStore
	uploads   UploadStore
	videos    VideoStore
	channels  ChannelStore
	queue     JobQueue
	storage   storage.ObjectStore
	caller    *resilience.Caller
	limits    Limits
	validate  *validator.Validate
	now       func() time.Time
}

func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	limits := cfg.Limits
	if limits.Location == nil {
		limits.Location = time.UTC
	}
	if limits.SignedURLTTL <= 0 {
		limits.SignedURLTTL = time.Hour
	}
	return &Orchestrator{
		downloads: cfg.Downloads,
		uploads:   cfg.Uploads,
		videos:    cfg.Videos,
		channels:  cfg.Channels,
		queue:     cfg.Queue,
		storage:   cfg.Storage,
		caller:    cfg.Caller,
		limits:    limits,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		now:       time.Now,
	}
}

type queueDownloadRequest struct {
	OwnerID  string `validate:"required"`
	SourceID string `validate:"required"`
}

// QueueDownload creates a PENDING download for a source video and submits it
// to the download queue.
func (o *Orchestrator) QueueDownload(ctx context.Context, ownerID, sourceID string) (*models.DownloadJob, error) {
	if err := o.validate.Struct(queueDownloadRequest{OwnerID: ownerID, SourceID: sourceID}); err != nil {
		return nil, apperrors.FromValidator(err)
	}
	log := logger.Ctx(ctx).With().Str("owner_id", ownerID).Str("source_id", sourceID).Logger()

	active, err := o.downloads.CountActive(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to count active downloads: %w", err)
	}
	if active >= o.limits.MaxActiveDownloads {
		metrics.JobsRejected.WithLabelValues(string(queue.KindDownload), "active_limit").Inc()
		return nil, apperrors.TooManyActiveDownloads(o.limits.MaxActiveDownloads)
	}

	video, err := o.videos.Get(ctx, sourceID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("source video")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source video: %w", err)
	}

	var replaces string
	existing, err := o.downloads.FindByVideo(ctx, ownerID, video.Platform, video.ExternalVideoID)
	switch {
	case errors.Is(err, db.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("failed to look up existing download: %w", err)
	case existing.Status == models.DownloadCompleted:
		metrics.JobsRejected.WithLabelValues(string(queue.KindDownload), "duplicate").Inc()
		return nil, apperrors.AlreadyDownloaded()
	case !existing.Status.IsTerminal():
		metrics.JobsRejected.WithLabelValues(string(queue.KindDownload), "duplicate").Inc()
		return nil, apperrors.AlreadyInProgress()
	default:
		// FAILED or CANCELLED: replaced in the same transaction as the insert
		replaces = existing.ID
		log.Debug().Str("replaces", replaces).Msg("Replacing stale download")
	}

	id := uuid.New().String()
	job := &models.DownloadJob{
		ID:              id,
		OwnerID:         ownerID,
		SourceVideoID:   video.ID,
		Platform:        video.Platform,
		ExternalVideoID: video.ExternalVideoID,
		Status:          models.DownloadPending,
		QueueJobID:      DownloadJobID(id),
		CreatedAt:       o.now(),
	}
	job.UpdatedAt = job.CreatedAt

	if err := o.downloads.Create(ctx, job, replaces, o.limits.MaxActiveDownloads); err != nil {
		switch {
		case errors.Is(err, db.ErrDuplicate):
			// lost a race with a concurrent request for the same video
			return nil, apperrors.AlreadyInProgress()
		case errors.Is(err, db.ErrActiveLimit):
			// lost a race with concurrent requests from the same owner
			metrics.JobsRejected.WithLabelValues(string(queue.KindDownload), "active_limit").Inc()
			return nil, apperrors.TooManyActiveDownloads(o.limits.MaxActiveDownloads)
		}
		return nil, fmt.Errorf("failed to create download: %w", err)
	}

	payload := DownloadPayload{DownloadID: job.ID, OwnerID: ownerID}
	if _, err := o.queue.Enqueue(ctx, queue.KindDownload, job.QueueJobID, payload); err != nil {
		log.Error().Err(err).Str("download_id", job.ID).Msg("Failed to enqueue download")
		if ferr := o.downloads.Fail(context.WithoutCancel(ctx), job.ID, "failed to enqueue"); ferr != nil {
			log.Warn().Err(ferr).Msg("Failed to mark unqueued download as failed")
		}
		return nil, apperrors.ServiceUnavailable(queueService, err.Error())
	}

	log.Info().Str("download_id", job.ID).Str("queue_job_id", job.QueueJobID).Msg("Download queued")
	return job, nil
}

// BatchStatus is the outcome of one item of a batch request
type BatchStatus string

const (
	BatchQueued    BatchStatus = "QUEUED"
	BatchDuplicate BatchStatus = "DUPLICATE"
	BatchError     BatchStatus = "ERROR"
)

// BatchItem is the outcome of queueing one source in a batch
type BatchItem struct {
	SourceID string              `json:"sourceId"`
	Status   BatchStatus         `json:"status"`
	Job      *models.DownloadJob `json:"job,omitempty"`
	Code     string              `json:"code,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// BatchQueueDownloads queues each source independently. A failing item is
// recorded in its result and never stops the rest of the batch.
func (o *Orchestrator) BatchQueueDownloads(ctx context.Context, ownerID string, sourceIDs []string) []BatchItem {
	results := make([]BatchItem, 0, len(sourceIDs))
	for _, sourceID := range sourceIDs {
		item := BatchItem{SourceID: sourceID}

		job, err := o.QueueDownload(ctx, ownerID, sourceID)
		switch {
		case err == nil:
			item.Status = BatchQueued
			item.Job = job
		case apperrors.HasCode(err, apperrors.CodeAlreadyDownloaded), apperrors.HasCode(err, apperrors.CodeAlreadyInProgress):
			item.Status = BatchDuplicate
			item.Code = errorCode(err)
			item.Error = errorMessage(err)
		default:
			item.Status = BatchError
			item.Code = errorCode(err)
			item.Error = errorMessage(err)
		}
		results = append(results, item)
	}
	return results
}

// GetDownload returns the owner's download
func (o *Orchestrator) GetDownload(ctx context.Context, ownerID, downloadID string) (*models.DownloadJob, error) {
	job, err := o.downloads.Get(ctx, downloadID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("download")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load download: %w", err)
	}
	if job.OwnerID != ownerID {
		return nil, apperrors.NotFound("download")
	}
	return job, nil
}

func (o *Orchestrator) ListDownloads(ctx context.Context, ownerID string, limit, offset int) ([]*models.DownloadJob, error) {
	limit, offset = page(limit, offset)
	return o.downloads.ListByOwner(ctx, ownerID, limit, offset)
}

// RetryDownload replaces a FAILED or CANCELLED download with a new job for the
// same source.
func (o *Orchestrator) RetryDownload(ctx context.Context, ownerID, downloadID string) (*models.DownloadJob, error) {
	job, err := o.GetDownload(ctx, ownerID, downloadID)
	if err != nil {
		return nil, err
	}
	if job.Status != models.DownloadFailed && job.Status != models.DownloadCancelled {
		return nil, apperrors.Conflict(fmt.Sprintf("cannot retry a %s download", job.Status))
	}
	return o.QueueDownload(ctx, ownerID, job.SourceVideoID)
}

// CancelDownload marks a non-terminal download CANCELLED and pulls it from the
// queue if no worker has picked it up yet. A running worker notices at its next
// checkpoint.
func (o *Orchestrator) CancelDownload(ctx context.Context, ownerID, downloadID string) (*models.DownloadJob, error) {
	job, err := o.GetDownload(ctx, ownerID, downloadID)
	if err != nil {
		return nil, err
	}
	if job.Status.IsTerminal() {
		return job, nil
	}

	o.removeFromQueue(ctx, queue.KindDownload, job.QueueJobID)

	changed, err := o.downloads.Transition(ctx, job.ID, models.DownloadCancelled, models.ActiveDownloadStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to cancel download: %w", err)
	}
	if changed {
		logger.Ctx(ctx).Info().Str("download_id", job.ID).Msg("Download cancelled")
	}
	return o.GetDownload(ctx, ownerID, downloadID)
}

// DeleteDownload removes the stored artifact, if any, and the record. Storage
// failures are logged and do not block the delete.
func (o *Orchestrator) DeleteDownload(ctx context.Context, ownerID, downloadID string) error {
	job, err := o.GetDownload(ctx, ownerID, downloadID)
	if err != nil {
		return err
	}

	if !job.Status.IsTerminal() {
		o.removeFromQueue(ctx, queue.KindDownload, job.QueueJobID)
	}
	if job.StorageKey != "" {
		o.deleteObject(ctx, job.StorageKey)
	}

	if err := o.downloads.Delete(ctx, job.ID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("failed to delete download: %w", err)
	}
	logger.Ctx(ctx).Info().Str("download_id", job.ID).Msg("Download deleted")
	return nil
}

// DownloadURL returns a time-limited URL for a completed download's artifact
func (o *Orchestrator) DownloadURL(ctx context.Context, ownerID, downloadID string) (string, error) {
	job, err := o.GetDownload(ctx, ownerID, downloadID)
	if err != nil {
		return "", err
	}
	if job.Status != models.DownloadCompleted || job.StorageKey == "" {
		return "", apperrors.Conflict("download is not completed")
	}

	return resilience.Call(ctx, o.caller, storageService, func(ctx context.Context) (string, error) {
		return o.storage.SignedURL(ctx, job.StorageKey, o.limits.SignedURLTTL)
	})
}

func (o *Orchestrator) removeFromQueue(ctx context.Context, kind queue.Kind, jobID string) {
	if jobID == "" {
		return
	}
	if _, err := o.queue.Remove(ctx, kind, jobID); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("queue_job_id", jobID).Msg("Failed to remove job from queue")
	}
}

func (o *Orchestrator) deleteObject(ctx context.Context, key string) {
	_, err := resilience.Call(ctx, o.caller, storageService, func(ctx context.Context) (struct{}, error) {
		err := o.storage.Delete(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			err = nil
		}
		return struct{}{}, err
	})
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("storage_key", key).Msg("Failed to delete stored artifact")
	}
}

func page(limit, offset int) (int, int) {
	if limit <= 0 {
		limit = defaultPageSize
	}
	if limit > maxPageSize {
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

func errorCode(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return apperrors.CodeInternalError
}

// errorMessage returns the user-facing part of err
func errorMessage(err error) string {
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return appErr.Message
	}
	return err.Error()
}
