package platform

import (
	"context"

	"golang.org/x/time/rate"
)

// throttled waits on a token bucket before every outbound call of the wrapped adapter
type throttled struct {
	Adapter
	limiter *rate.Limiter
}

// Throttled limits the adapter to rps calls per second with the given burst.
// A non-positive rps returns the adapter unchanged.
func Throttled(a Adapter, rps float64, burst int) Adapter {
	if rps <= 0 {
		return a
	}
	if burst <= 0 {
		burst = 1
	}
	return &throttled{Adapter: a, limiter: rate.NewLimiter(rate.Limit(rps), burst)}
}

func (t *throttled) FetchTrending(ctx context.Context, region string, opts TrendingOptions) ([]TrendingVideo, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Adapter.FetchTrending(ctx, region, opts)
}

func (t *throttled) FetchVideoStats(ctx context.Context, ids []string) ([]VideoStats, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Adapter.FetchVideoStats(ctx, ids)
}

func (t *throttled) Download(ctx context.Context, req DownloadRequest, progress ProgressFunc) (*Artifact, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Adapter.Download(ctx, req, progress)
}

func (t *throttled) Upload(ctx context.Context, req UploadRequest, progress ProgressFunc) (*UploadResult, error) {
	if err := t.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return t.Adapter.Upload(ctx, req, progress)
}
