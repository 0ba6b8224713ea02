package ytdlp

import (
	"context"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/platform"
)

const defaultTrendingLimit = 50

// Adapter implements platform.Adapter on top of yt-dlp for download, trending
// and stats. yt-dlp cannot publish, so Upload always fails.
type Adapter struct {
	svc         *Service
	platform    platform.Platform
	trendingURL string
	direct      *platform.HTTPFetcher
}

var _ platform.Adapter = (*Adapter)(nil)

// NewAdapter binds the runner to one platform. trendingURL may contain a %s that
// is replaced with the region code.
func NewAdapter(svc *Service, p platform.Platform, trendingURL string) *Adapter {
	return &Adapter{svc: svc, platform: p, trendingURL: trendingURL}
}

// WithDirectFetcher makes the adapter fetch direct media URLs over plain HTTP
func (a *Adapter) WithDirectFetcher(f *platform.HTTPFetcher) *Adapter {
	a.direct = f
	return a
}

func (a *Adapter) Platform() platform.Platform {
	return a.platform
}

func (a *Adapter) Capabilities() platform.Capabilities {
	return platform.Capabilities{AuthenticatedDownload: true}
}

func (a *Adapter) IsAvailable(context.Context) bool {
	return a.svc.Installed()
}

func (a *Adapter) FetchTrending(ctx context.Context, region string, opts platform.TrendingOptions) ([]platform.TrendingVideo, error) {
	if a.trendingURL == "" {
		return nil, apperrors.ValidationError(fmt.Sprintf("no trending source configured for %s", a.platform))
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = defaultTrendingLimit
	}

	entries, err := a.svc.FlatPlaylist(ctx, a.sourceFor(region), limit)
	if err != nil {
		return nil, classify(err)
	}

	videos := make([]platform.TrendingVideo, 0, len(entries))
	for i := range entries {
		v := entries[i].ToTrending(i + 1)
		if v.URL == "" {
			v.URL = videoURL(a.platform, v.ExternalID)
		}
		videos = append(videos, v)
	}
	return videos, nil
}

func (a *Adapter) sourceFor(region string) string {
	if strings.Contains(a.trendingURL, "%s") {
		return fmt.Sprintf(a.trendingURL, strings.ToUpper(region))
	}
	return a.trendingURL
}

func (a *Adapter) FetchVideoStats(ctx context.Context, ids []string) ([]platform.VideoStats, error) {
	stats := make([]platform.VideoStats, 0, len(ids))
	for _, id := range ids {
		meta, err := a.svc.Metadata(ctx, videoURL(a.platform, id))
		if err != nil {
			return nil, classify(err)
		}
		stats = append(stats, platform.VideoStats{
			ExternalID:   id,
			ViewCount:    meta.ViewCount,
			LikeCount:    meta.LikeCount,
			CommentCount: meta.CommentCount,
			FetchedAt:    time.Now(),
		})
	}
	return stats, nil
}

func (a *Adapter) Download(ctx context.Context, req platform.DownloadRequest, progress platform.ProgressFunc) (*platform.Artifact, error) {
	sourceURL := req.URL
	if sourceURL == "" {
		sourceURL = videoURL(a.platform, req.ExternalID)
	}
	if a.direct != nil && platform.IsDirectMedia(sourceURL) {
		return a.direct.Fetch(ctx, sourceURL, req.DestDir, req.AccessToken, progress)
	}
	if !a.platform.OwnsURL(sourceURL) {
		return nil, classify(&RunError{URL: sourceURL, Message: "url does not belong to " + string(a.platform), Err: ErrURLNotSupported})
	}

	var headers map[string]string
	if req.AccessToken != "" {
		headers = map[string]string{"Authorization": "Bearer " + req.AccessToken}
	}

	artifact, err := a.svc.Download(ctx, sourceURL, req.DestDir, headers, progress)
	if err != nil {
		return nil, classify(err)
	}
	return artifact, nil
}

func (a *Adapter) Upload(context.Context, platform.UploadRequest, platform.ProgressFunc) (*platform.UploadResult, error) {
	return nil, apperrors.ValidationError(fmt.Sprintf("uploading to %s is not supported", a.platform))
}
