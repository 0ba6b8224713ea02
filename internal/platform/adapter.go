package platform

import (
	"context"
	"io"
	"time"
)

// ProgressFunc receives transfer progress as a fraction between 0 and 1
type ProgressFunc func(fraction float64)

// TrendingOptions narrows a trending fetch
type TrendingOptions struct {
	Limit       int
	AccessToken string
}

// TrendingVideo is one entry of a platform's trending list
type TrendingVideo struct {
	ExternalID      string
	Title           string
	Author          string
	URL             string
	ThumbnailURL    string
	DurationSeconds float64
	Rank            int
	ViewCount       int64
	LikeCount       int64
	CommentCount    int64
}

// VideoStats are the engagement counters of a single video
type VideoStats struct {
	ExternalID   string
	ViewCount    int64
	LikeCount    int64
	CommentCount int64
	FetchedAt    time.Time
}

// DownloadRequest asks an adapter to fetch a video's media into DestDir
type DownloadRequest struct {
	ExternalID  string
	URL         string
	DestDir     string
	AccessToken string
}

// Artifact is a media file produced by a download
type Artifact struct {
	Path        string
	Size        int64
	ContentType string
}

// UploadRequest asks an adapter to publish media to the authenticated account
type UploadRequest struct {
	Media       io.Reader
	Size        int64
	ContentType string
	Title       string
	Description string
	Inbox       bool
	AccessToken string
}

// UploadResult is what the platform reports after accepting an upload
type UploadResult struct {
	ExternalID string
	URL        string
	// Processing is true when the platform still has to finish publishing
	Processing bool
}

// Capabilities describes the optional behavior of an adapter
type Capabilities struct {
	AuthenticatedDownload bool
	Upload                bool
}

// Adapter is the contract every platform integration satisfies. The rest of the
// system never depends on a platform's wire format.
type Adapter interface {
	Platform() Platform
	Capabilities() Capabilities
	FetchTrending(ctx context.Context, region string, opts TrendingOptions) ([]TrendingVideo, error)
	FetchVideoStats(ctx context.Context, ids []string) ([]VideoStats, error)
	Download(ctx context.Context, req DownloadRequest, progress ProgressFunc) (*Artifact, error)
	Upload(ctx context.Context, req UploadRequest, progress ProgressFunc) (*UploadResult, error)
	IsAvailable(ctx context.Context) bool
}
