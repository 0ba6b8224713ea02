package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/dustin/go-humanize"
	"github.com/rs/zerolog"

	"github.com/trendpipe/backend/internal/db"
	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/queue"
	"github.com/trendpipe/backend/internal/resilience"
	"github.com/trendpipe/backend/internal/storage"
)

// Outcomes reported in job results
const (
	OutcomeCompleted = "completed"
	OutcomeCancelled = "cancelled"
	OutcomeSkipped   = "skipped"
)

// WorkerConfig holds the worker's collaborators
type WorkerConfig struct {
	Downloads   DownloadStore
	Uploads     UploadStore
	Videos      VideoStore
	Channels    ChannelStore
	Credentials Credentials
	Adapters    *platform.Registry
	Storage     storage.ObjectStore
	Caller      *resilience.Caller
	MaxBytes    int64
	TempDir     string
}

// Worker executes queued download and upload jobs
type Worker struct {
	downloads   DownloadStore
	uploads     UploadStore
	videos      VideoStore
	channels    ChannelStore
	credentials Credentials
	adapters    *platform.Registry
	storage     storage.ObjectStore
	caller      *resilience.Caller
	maxBytes    int64
	tempDir     string
}

func NewWorker(cfg WorkerConfig) *Worker {
	tempDir := cfg.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Worker{
		downloads:   cfg.Downloads,
		uploads:     cfg.Uploads,
		videos:      cfg.Videos,
		channels:    cfg.Channels,
		credentials: cfg.Credentials,
		adapters:    cfg.Adapters,
		storage:     cfg.Storage,
		caller:      cfg.Caller,
		maxBytes:    cfg.MaxBytes,
		tempDir:     tempDir,
	}
}

// DownloadResult is stored as the queue job's result
type DownloadResult struct {
	DownloadID string `json:"downloadId"`
	Outcome    string `json:"outcome"`
	StorageKey string `json:"storageKey,omitempty"`
	SizeBytes  int64  `json:"sizeBytes,omitempty"`
}

// UploadResult is stored as the queue job's result
type UploadResult struct {
	UploadID    string `json:"uploadId"`
	Outcome     string `json:"outcome"`
	ExternalID  string `json:"externalId,omitempty"`
	ExternalURL string `json:"externalUrl,omitempty"`
}

// ProcessDownload is the download queue's handler. Any error is recorded on
// the download record before it is returned to the queue.
func (w *Worker) ProcessDownload(ctx context.Context, job *queue.Job, progress func(float64)) (any, error) {
	var payload DownloadPayload
	if err := job.Decode(&payload); err != nil {
		return nil, apperrors.ValidationError("invalid download payload").WithCause(err)
	}
	log := logger.Ctx(ctx).With().Str("download_id", payload.DownloadID).Logger()

	result, err := w.download(ctx, log, payload.DownloadID, progress)
	if err != nil {
		log.Error().Err(err).Msg("Download failed")
		if ferr := w.downloads.Fail(context.WithoutCancel(ctx), payload.DownloadID, errorMessage(err)); ferr != nil && !errors.Is(ferr, db.ErrNotFound) {
			log.Warn().Err(ferr).Msg("Failed to record download failure")
		}
		return nil, err
	}
	return result, nil
}

func (w *Worker) download(ctx context.Context, log zerolog.Logger, id string, progress func(float64)) (*DownloadResult, error) {
	result := &DownloadResult{DownloadID: id, Outcome: OutcomeSkipped}

	rec, err := w.downloads.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		log.Info().Msg("Download record no longer exists, skipping")
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load download: %w", err)
	}
	if rec.Status == models.DownloadCancelled {
		result.Outcome = OutcomeCancelled
		return result, nil
	}
	if rec.Status.IsTerminal() {
		return result, nil
	}

	started, err := w.downloads.Transition(ctx, id, models.DownloadDownloading, models.ActiveDownloadStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to start download: %w", err)
	}
	if !started {
		log.Info().Msg("Download changed before start, skipping")
		return result, nil
	}

	video, err := w.videos.Get(ctx, rec.SourceVideoID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("source video")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load source video: %w", err)
	}

	p, err := platform.ParsePlatform(rec.Platform)
	if err != nil {
		return nil, err
	}
	adapter, err := w.adapters.Get(p)
	if err != nil {
		return nil, err
	}

	token, err := w.downloadToken(ctx, rec.OwnerID, p, adapter)
	if err != nil {
		return nil, err
	}

	tmp, err := w.tempWorkspace("download-" + id)
	if err != nil {
		return nil, err
	}
	defer removeTemp(log, tmp)

	report := progressReporter(ctx, log, progress, func(ctx context.Context, pct int) error {
		return w.downloads.UpdateProgress(ctx, id, pct)
	})

	req := platform.DownloadRequest{
		ExternalID:  rec.ExternalVideoID,
		URL:         video.URL,
		DestDir:     tmp,
		AccessToken: token,
	}
	artifact, err := resilience.Call(ctx, w.caller, p.Service(), func(ctx context.Context) (*platform.Artifact, error) {
		return adapter.Download(ctx, req, report)
	}, resilience.WithAttemptTimeout(0))
	if err != nil {
		return nil, err
	}

	if w.maxBytes > 0 && artifact.Size > w.maxBytes {
		if err := os.Remove(artifact.Path); err != nil {
			log.Warn().Err(err).Msg("Failed to remove oversized artifact")
		}
		return nil, apperrors.FileTooLarge(fmt.Sprintf("video is too large: %s (%d bytes) exceeds the %s limit",
			humanize.IBytes(uint64(artifact.Size)), artifact.Size, humanize.IBytes(uint64(w.maxBytes))))
	}

	if cancelled, err := w.downloadCancelled(ctx, id); err != nil || cancelled {
		if cancelled {
			log.Info().Msg("Download cancelled during transfer, discarding artifact")
			result.Outcome = OutcomeCancelled
			return result, nil
		}
		return nil, err
	}

	key := storage.DownloadKey(rec.OwnerID, rec.ID, filepath.Ext(artifact.Path))
	meta := storage.Metadata{
		ContentType: artifact.ContentType,
		User: map[string]string{
			"download-id": rec.ID,
			"platform":    rec.Platform,
			"external-id": rec.ExternalVideoID,
		},
	}
	_, err = resilience.Call(ctx, w.caller, storageService, func(ctx context.Context) (struct{}, error) {
		f, err := os.Open(artifact.Path)
		if err != nil {
			return struct{}{}, err
		}
		defer f.Close()
		return struct{}{}, w.storage.Upload(ctx, key, f, artifact.Size, meta)
	}, resilience.WithAttemptTimeout(0))
	if err != nil {
		return nil, err
	}

	completed, err := w.downloads.Complete(ctx, id, key, artifact.Size)
	if err != nil {
		return nil, fmt.Errorf("failed to complete download: %w", err)
	}
	if !completed {
		log.Info().Msg("Download cancelled while storing, removing stored artifact")
		w.deleteObject(ctx, log, key)
		result.Outcome = OutcomeCancelled
		return result, nil
	}

	log.Info().
		Str("storage_key", key).
		Str("size", humanize.IBytes(uint64(artifact.Size))).
		Msg("Download completed")

	result.Outcome = OutcomeCompleted
	result.StorageKey = key
	result.SizeBytes = artifact.Size
	return result, nil
}

// downloadToken returns the owner's access token for p when the adapter can
// use one. Owners without a connected account download anonymously.
func (w *Worker) downloadToken(ctx context.Context, ownerID string, p platform.Platform, adapter platform.Adapter) (string, error) {
	if w.credentials == nil || !adapter.Capabilities().AuthenticatedDownload {
		return "", nil
	}

	creds, err := w.credentials.List(ctx, ownerID)
	if err != nil {
		return "", fmt.Errorf("failed to list credentials: %w", err)
	}
	for _, c := range creds {
		if c.Platform == string(p) {
			return w.credentials.GetValidAccessToken(ctx, c.ID, ownerID)
		}
	}
	return "", nil
}

// downloadCancelled re-reads the record. A deleted record counts as cancelled.
func (w *Worker) downloadCancelled(ctx context.Context, id string) (bool, error) {
	rec, err := w.downloads.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to reload download: %w", err)
	}
	return rec.Status == models.DownloadCancelled, nil
}

// ProcessUpload is the upload queue's handler
func (w *Worker) ProcessUpload(ctx context.Context, job *queue.Job, progress func(float64)) (any, error) {
	var payload UploadPayload
	if err := job.Decode(&payload); err != nil {
		return nil, apperrors.ValidationError("invalid upload payload").WithCause(err)
	}
	log := logger.Ctx(ctx).With().Str("upload_id", payload.UploadID).Logger()

	result, err := w.upload(ctx, log, payload.UploadID, progress)
	if err != nil {
		log.Error().Err(err).Msg("Upload failed")
		if ferr := w.uploads.Fail(context.WithoutCancel(ctx), payload.UploadID, errorMessage(err)); ferr != nil && !errors.Is(ferr, db.ErrNotFound) {
			log.Warn().Err(ferr).Msg("Failed to record upload failure")
		}
		return nil, err
	}
	return result, nil
}

func (w *Worker) upload(ctx context.Context, log zerolog.Logger, id string, progress func(float64)) (*UploadResult, error) {
	result := &UploadResult{UploadID: id, Outcome: OutcomeSkipped}

	rec, err := w.uploads.Get(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		log.Info().Msg("Upload record no longer exists, skipping")
		return result, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load upload: %w", err)
	}
	if rec.Status == models.UploadCancelled {
		result.Outcome = OutcomeCancelled
		return result, nil
	}
	if rec.Status.IsTerminal() {
		return result, nil
	}

	started, err := w.uploads.Transition(ctx, id, models.UploadUploading, models.ActiveUploadStatuses...)
	if err != nil {
		return nil, fmt.Errorf("failed to start upload: %w", err)
	}
	if !started {
		log.Info().Msg("Upload changed before start, skipping")
		return result, nil
	}

	p, err := platform.ParsePlatform(rec.Platform)
	if err != nil {
		return nil, err
	}
	adapter, err := w.adapters.Get(p)
	if err != nil {
		return nil, err
	}
	if !adapter.Capabilities().Upload {
		return nil, apperrors.ValidationError(fmt.Sprintf("uploads to %s are not supported", p))
	}

	channel, err := w.channels.Get(ctx, rec.ChannelID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("channel")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load channel: %w", err)
	}

	token, err := w.credentials.GetValidAccessToken(ctx, channel.CredentialID, rec.OwnerID)
	if err != nil {
		return nil, err
	}

	dl, err := w.downloads.Get(ctx, rec.DownloadID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, apperrors.NotFound("download")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load download: %w", err)
	}
	if dl.StorageKey == "" {
		return nil, apperrors.ValidationError("download has no stored artifact")
	}

	tmp, err := w.tempWorkspace("upload-" + id)
	if err != nil {
		return nil, err
	}
	defer removeTemp(log, tmp)

	ext := filepath.Ext(dl.StorageKey)
	local := filepath.Join(tmp, "media"+ext)
	size, err := resilience.Call(ctx, w.caller, storageService, func(ctx context.Context) (int64, error) {
		return w.spool(ctx, dl.StorageKey, local)
	}, resilience.WithAttemptTimeout(0))
	if err != nil {
		return nil, err
	}
	if w.maxBytes > 0 && size > w.maxBytes {
		return nil, apperrors.FileTooLarge(fmt.Sprintf("video is too large: %s exceeds the %s limit",
			humanize.IBytes(uint64(size)), humanize.IBytes(uint64(w.maxBytes))))
	}

	report := progressReporter(ctx, log, progress, func(ctx context.Context, pct int) error {
		return w.uploads.UpdateProgress(ctx, id, pct)
	})

	// a repeated publish could duplicate the post, so a single attempt
	published, err := resilience.Call(ctx, w.caller, p.Service(), func(ctx context.Context) (*platform.UploadResult, error) {
		f, err := os.Open(local)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		return adapter.Upload(ctx, platform.UploadRequest{
			Media:       f,
			Size:        size,
			ContentType: platform.ContentType(local),
			Title:       rec.Title,
			Description: rec.Description,
			Inbox:       rec.Mode == models.UploadModeInbox,
			AccessToken: token,
		}, report)
	}, resilience.WithAttemptTimeout(0), resilience.WithMaxAttempts(1))
	if err != nil {
		return nil, err
	}

	status := models.UploadCompleted
	if published.Processing {
		status = models.UploadProcessing
	}

	completed, err := w.uploads.Complete(ctx, id, status, published.ExternalID, published.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to complete upload: %w", err)
	}
	if !completed {
		log.Warn().Str("external_id", published.ExternalID).Msg("Upload cancelled after the platform accepted it")
		result.Outcome = OutcomeCancelled
		return result, nil
	}

	log.Info().
		Str("external_id", published.ExternalID).
		Str("status", string(status)).
		Str("mode", string(rec.Mode)).
		Msg("Upload completed")

	result.Outcome = OutcomeCompleted
	result.ExternalID = published.ExternalID
	result.ExternalURL = published.URL
	return result, nil
}

// spool copies a stored object to dest, reading at most one byte past the size
// ceiling.
func (w *Worker) spool(ctx context.Context, key, dest string) (int64, error) {
	r, err := w.storage.GetReadStream(ctx, key)
	if err != nil {
		return 0, err
	}
	defer r.Close()

	f, err := os.Create(dest)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var src io.Reader = r
	if w.maxBytes > 0 {
		src = io.LimitReader(r, w.maxBytes+1)
	}
	return io.Copy(f, src)
}

func (w *Worker) tempWorkspace(prefix string) (string, error) {
	if err := os.MkdirAll(w.tempDir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create temp dir: %w", err)
	}
	dir, err := os.MkdirTemp(w.tempDir, prefix+"-*")
	if err != nil {
		return "", fmt.Errorf("failed to create job workspace: %w", err)
	}
	return dir, nil
}

func (w *Worker) deleteObject(ctx context.Context, log zerolog.Logger, key string) {
	_, err := resilience.Call(ctx, w.caller, storageService, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, w.storage.Delete(ctx, key)
	})
	if err != nil {
		log.Warn().Err(err).Str("storage_key", key).Msg("Failed to delete stored artifact")
	}
}

// removeTemp deletes a job workspace. Failure only leaks disk space.
func removeTemp(log zerolog.Logger, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("Failed to remove temp workspace")
	}
}

// progressReporter drops updates that do not move the whole percent, then
// forwards the rest to the queue and persists them on the record. Persist
// failures are logged and swallowed.
func progressReporter(ctx context.Context, log zerolog.Logger, queueProgress func(float64), persist func(context.Context, int) error) platform.ProgressFunc {
	var mu sync.Mutex
	last := -1

	return func(fraction float64) {
		pct := int(fraction * 100)
		if pct < 0 {
			pct = 0
		}
		if pct > 100 {
			pct = 100
		}

		mu.Lock()
		if pct == last {
			mu.Unlock()
			return
		}
		last = pct
		mu.Unlock()

		if queueProgress != nil {
			queueProgress(float64(pct) / 100)
		}
		if err := persist(ctx, pct); err != nil {
			log.Warn().Err(err).Int("progress", pct).Msg("Failed to persist progress")
		}
	}
}
