package models

import (
	"time"
)

// DownloadStatus is the lifecycle state of a download job
type DownloadStatus string

const (
	DownloadPending     DownloadStatus = "PENDING"
	DownloadDownloading DownloadStatus = "DOWNLOADING"
	DownloadCompleted   DownloadStatus = "COMPLETED"
	DownloadFailed      DownloadStatus = "FAILED"
	DownloadCancelled   DownloadStatus = "CANCELLED"
)

// IsTerminal returns true if no worker will touch a job in this state again
func (s DownloadStatus) IsTerminal() bool {
	return s == DownloadCompleted || s == DownloadFailed || s == DownloadCancelled
}

// ActiveDownloadStatuses are the non-terminal states counted against the per-owner cap
var ActiveDownloadStatuses = []DownloadStatus{DownloadPending, DownloadDownloading}

// DownloadJob tracks fetching one source video into object storage
type DownloadJob struct {
	ID              string         `json:"id"`
	OwnerID         string         `json:"ownerId"`
	SourceVideoID   string         `json:"sourceVideoId"`
	Platform        string         `json:"platform"`
	ExternalVideoID string         `json:"externalVideoId"`
	Status          DownloadStatus `json:"status"`
	QueueJobID      string         `json:"queueJobId,omitempty"`
	StorageKey      string         `json:"storageKey,omitempty"`
	SizeBytes       int64          `json:"sizeBytes"`
	Progress        int            `json:"progress"`
	Error           string         `json:"error,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	CompletedAt     *time.Time     `json:"completedAt,omitempty"`
}

// UploadStatus is the lifecycle state of an upload job
type UploadStatus string

const (
	UploadPending    UploadStatus = "PENDING"
	UploadUploading  UploadStatus = "UPLOADING"
	UploadProcessing UploadStatus = "PROCESSING"
	UploadCompleted  UploadStatus = "COMPLETED"
	UploadFailed     UploadStatus = "FAILED"
	UploadCancelled  UploadStatus = "CANCELLED"
)

// IsTerminal returns true if no worker will touch a job in this state again.
// PROCESSING is terminal for the worker: the platform finishes the publish on its side.
func (s UploadStatus) IsTerminal() bool {
	return s == UploadProcessing || s == UploadCompleted || s == UploadFailed || s == UploadCancelled
}

// ActiveUploadStatuses are the non-terminal states counted against the per-owner cap
var ActiveUploadStatuses = []UploadStatus{UploadPending, UploadUploading}

// UploadMode is how a video is handed to the target platform
type UploadMode string

const (
	// UploadModeDirect publishes immediately
	UploadModeDirect UploadMode = "direct"
	// UploadModeInbox submits a draft the account owner must publish from the app
	UploadModeInbox UploadMode = "inbox"
)

// UploadJob tracks republishing a completed download to a target channel
type UploadJob struct {
	ID          string       `json:"id"`
	OwnerID     string       `json:"ownerId"`
	DownloadID  string       `json:"downloadId"`
	ChannelID   string       `json:"channelId"`
	Platform    string       `json:"platform"`
	Mode        UploadMode   `json:"mode"`
	Title       string       `json:"title"`
	Description string       `json:"description,omitempty"`
	Status      UploadStatus `json:"status"`
	QueueJobID  string       `json:"queueJobId,omitempty"`
	Progress    int          `json:"progress"`
	ExternalID  string       `json:"externalId,omitempty"`
	ExternalURL string       `json:"externalUrl,omitempty"`
	Error       string       `json:"error,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	UpdatedAt   time.Time    `json:"updatedAt"`
	StartedAt   *time.Time   `json:"startedAt,omitempty"`
	CompletedAt *time.Time   `json:"completedAt,omitempty"`
}
