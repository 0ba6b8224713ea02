package trending

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/platform"
)

// Refresher is the part of Service the scheduler drives
type Refresher interface {
	Refresh(ctx context.Context, p platform.Platform, region string) (RefreshResult, error)
	RefreshStats(ctx context.Context, p platform.Platform) (int, error)
}

// Scheduler periodically refreshes every platform and region. Every instance
// runs one; the refresh lock decides which of them does the work.
type Scheduler struct {
	refresher Refresher
	platforms []platform.Platform
	regions   []string
	interval  time.Duration
	log       zerolog.Logger
}

func NewScheduler(refresher Refresher, platforms []platform.Platform, regions []string, interval time.Duration) *Scheduler {
	if len(regions) == 0 {
		regions = []string{DefaultRegion}
	}
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Scheduler{
		refresher: refresher,
		platforms: platforms,
		regions:   regions,
		interval:  interval,
		log:       logger.Component("trending-scheduler"),
	}
}

// Serve implements suture.Service. A cycle runs immediately and then once per
// interval until ctx is cancelled.
func (s *Scheduler) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.RunOnce(ctx)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce refreshes each listing and then each platform's stats. Failures are
// logged and do not stop the cycle.
func (s *Scheduler) RunOnce(ctx context.Context) {
	log := s.log
	start := time.Now()

	refreshed := 0
	for _, p := range s.platforms {
		for _, region := range s.regions {
			if ctx.Err() != nil {
				return
			}
			res, err := s.refresher.Refresh(ctx, p, region)
			if err != nil {
				log.Warn().Err(err).Str("platform", string(p)).Str("region", region).Msg("Scheduled trending refresh failed")
				continue
			}
			if !res.Skipped {
				refreshed++
			}
		}

		if ctx.Err() != nil {
			return
		}
		if n, err := s.refresher.RefreshStats(ctx, p); err != nil {
			log.Warn().Err(err).Str("platform", string(p)).Msg("Scheduled stats refresh failed")
		} else if n > 0 {
			log.Debug().Str("platform", string(p)).Int("videos", n).Msg("Video stats refreshed")
		}
	}

	log.Info().Int("refreshed", refreshed).Dur("took", time.Since(start)).Msg("Trending cycle finished")
}

func (s *Scheduler) String() string {
	return "trending-scheduler"
}
