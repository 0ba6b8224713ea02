// Package media queues download and upload jobs and runs them.
//
// The Orchestrator admits jobs: it enforces per-owner caps, deduplicates on
// (owner, platform, external video id) and hands work to the queue. The Worker
// executes queued jobs against platform adapters and object storage, checking
// for cancellation before it starts and again after the transfer.
package media

import (
	"context"
	"time"

	"github.com/trendpipe/backend/internal/db"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/queue"
)

// DownloadStore persists download records
type DownloadStore interface {
	CountActive(ctx context.Context, ownerID string) (int, error)
	FindByVideo(ctx context.Context, ownerID, platform, externalVideoID string) (*models.DownloadJob, error)
	// Create fails with db.ErrActiveLimit when the owner already has maxActive
	// non-terminal downloads; the check and the insert are atomic
	Create(ctx context.Context, job *models.DownloadJob, replaces string, maxActive int) error
	Get(ctx context.Context, id string) (*models.DownloadJob, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.DownloadJob, error)
	Delete(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, to models.DownloadStatus, from ...models.DownloadStatus) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id, storageKey string, size int64) (bool, error)
	Fail(ctx context.Context, id, msg string) error
}

// UploadStore persists upload records
type UploadStore interface {
	CountActive(ctx context.Context, ownerID string) (int, error)
	CountCreatedSince(ctx context.Context, ownerID, platform string, since time.Time) (int, error)
	Create(ctx context.Context, job *models.UploadJob, replaces string, limits db.UploadLimits) error
	Get(ctx context.Context, id string) (*models.UploadJob, error)
	ListByOwner(ctx context.Context, ownerID string, limit, offset int) ([]*models.UploadJob, error)
	Delete(ctx context.Context, id string) error
	Transition(ctx context.Context, id string, to models.UploadStatus, from ...models.UploadStatus) (bool, error)
	UpdateProgress(ctx context.Context, id string, progress int) error
	Complete(ctx context.Context, id string, status models.UploadStatus, externalID, externalURL string) (bool, error)
	Fail(ctx context.Context, id, msg string) error
}

type VideoStore interface {
	Get(ctx context.Context, id string) (*models.SourceVideo, error)
}

type ChannelStore interface {
	Get(ctx context.Context, id string) (*models.Channel, error)
}

// JobQueue is the part of the job queue the orchestrator submits to
type JobQueue interface {
	Enqueue(ctx context.Context, kind queue.Kind, jobID string, payload any) (*queue.Job, error)
	Remove(ctx context.Context, kind queue.Kind, jobID string) (bool, error)
}

// Credentials resolves access tokens for authenticated platform calls
type Credentials interface {
	List(ctx context.Context, ownerID string) ([]*models.Credential, error)
	GetValidAccessToken(ctx context.Context, credentialID, ownerID string) (string, error)
}

// DownloadPayload is the queue payload of a download job
type DownloadPayload struct {
	DownloadID string `json:"downloadId"`
	OwnerID    string `json:"ownerId"`
}

// UploadPayload is the queue payload of an upload job
type UploadPayload struct {
	UploadID string `json:"uploadId"`
	OwnerID  string `json:"ownerId"`
}

// DownloadJobID is the queue job id of a download record
func DownloadJobID(recordID string) string {
	return "download-" + recordID
}

// UploadJobID is the queue job id of an upload record
func UploadJobID(recordID string) string {
	return "upload-" + recordID
}

// SelectUploadMode picks how an upload is handed to the target platform.
// TikTok only allows direct publishing once the app passed its audit for the
// channel; before that, videos land in the account's inbox as drafts.
func SelectUploadMode(p platform.Platform, channel *models.Channel) models.UploadMode {
	if p == platform.TikTok && (channel == nil || !channel.AuditApproved) {
		return models.UploadModeInbox
	}
	return models.UploadModeDirect
}
