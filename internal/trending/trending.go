// Package trending caches per-platform trending listings and refreshes them from
// the platform adapters. A Redis lock keyed by platform and region keeps every
// instance but one from refreshing the same listing at once.
package trending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/trendpipe/backend/internal/cache"
	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
	"github.com/trendpipe/backend/internal/models"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/resilience"
)

const (
	defaultPageSize = 20
	defaultLockTTL  = 2 * time.Minute
	defaultTTL      = 15 * time.Minute
	statsLookback   = 24 * time.Hour
	statsBatch      = 50
)

// Store is the shared cache and lock store
type Store interface {
	GetJSON(ctx context.Context, key string, dst any) (bool, error)
	SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error
	AcquireLock(ctx context.Context, key string, ttl time.Duration) (string, bool, error)
	ReleaseLock(ctx context.Context, key, token string) error
}

// VideoStore is the source-of-record for fetched videos
type VideoStore interface {
	Upsert(ctx context.Context, videos []*models.SourceVideo) error
	List(ctx context.Context, platform, region string, limit, offset int) ([]*models.SourceVideo, error)
	RecentExternalIDs(ctx context.Context, platform string, since time.Time, limit int) ([]string, error)
	UpdateStats(ctx context.Context, p string, stats []platform.VideoStats) error
}

// Quota guards a provider's call budget
type Quota interface {
	Allow(ctx context.Context, name string) (bool, error)
}

// TokenFunc returns an access token for authenticated trending calls on p, or
// an empty string when p is fetched anonymously.
type TokenFunc func(ctx context.Context, p platform.Platform) (string, error)

type Config struct {
	Store    Store
	Videos   VideoStore
	Adapters *platform.Registry
	Caller   *resilience.Caller
	Quota    Quota
	Token    TokenFunc

	TTL        map[string]time.Duration
	DefaultTTL time.Duration
	LockTTL    time.Duration
	PageSize   int
}

// Page is one cached page of a trending listing
type Page struct {
	Platform  string                `json:"platform"`
	Region    string                `json:"region"`
	Page      int                   `json:"page"`
	Videos    []*models.SourceVideo `json:"videos"`
	FetchedAt time.Time             `json:"fetchedAt"`
}

// RefreshResult reports what a refresh did
type RefreshResult struct {
	// Skipped is true when another instance held the refresh lock
	Skipped bool
	Count   int
}

type Service struct {
	store      Store
	videos     VideoStore
	adapters   *platform.Registry
	caller     *resilience.Caller
	quota      Quota
	token      TokenFunc
	ttl        map[string]time.Duration
	defaultTTL time.Duration
	lockTTL    time.Duration
	pageSize   int
	now        func() time.Time
	log        zerolog.Logger
}

func NewService(cfg Config) *Service {
	s := &Service{
		store:      cfg.Store,
		videos:     cfg.Videos,
		adapters:   cfg.Adapters,
		caller:     cfg.Caller,
		quota:      cfg.Quota,
		token:      cfg.Token,
		ttl:        cfg.TTL,
		defaultTTL: cfg.DefaultTTL,
		lockTTL:    cfg.LockTTL,
		pageSize:   cfg.PageSize,
		now:        time.Now,
		log:        logger.Component("trending"),
	}
	if s.defaultTTL <= 0 {
		s.defaultTTL = defaultTTL
	}
	if s.lockTTL <= 0 {
		s.lockTTL = defaultLockTTL
	}
	if s.pageSize <= 0 {
		s.pageSize = defaultPageSize
	}
	return s
}

func pageKey(p platform.Platform, region string, page int) string {
	return fmt.Sprintf("trending:%s:%s:page:%d", p, region, page)
}

func lockKey(p platform.Platform, region string) string {
	return fmt.Sprintf("lock:trending:%s:%s", p, region)
}

// TTLFor returns how long p's listing stays cached
func (s *Service) TTLFor(p platform.Platform) time.Duration {
	if ttl, ok := s.ttl[string(p)]; ok && ttl > 0 {
		return ttl
	}
	return s.defaultTTL
}

// Get returns a cached page. Cache failures read as a miss.
func (s *Service) Get(ctx context.Context, p platform.Platform, region string, page int) (*Page, bool) {
	var out Page
	ok, err := s.store.GetJSON(ctx, pageKey(p, region, page), &out)
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("platform", string(p)).Str("region", region).Msg("Discarding unreadable trending page")
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return &out, true
}

// Set caches page under its platform's TTL
func (s *Service) Set(ctx context.Context, page *Page) error {
	p := platform.Platform(page.Platform)
	return s.store.SetJSON(ctx, pageKey(p, page.Region, page.Page), page, s.TTLFor(p))
}

// List returns a page of p's trending listing for region. Pages come from the
// cache, then the video store; an empty first page triggers a refresh.
func (s *Service) List(ctx context.Context, p platform.Platform, region string, page int) (*Page, error) {
	region, err := ParseRegion(region)
	if err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}

	if cached, ok := s.Get(ctx, p, region, page); ok {
		return cached, nil
	}

	out, err := s.load(ctx, p, region, page)
	if err != nil {
		return nil, err
	}
	if len(out.Videos) == 0 && page == 1 {
		if _, err := s.Refresh(ctx, p, region); err != nil {
			return nil, err
		}
		if out, err = s.load(ctx, p, region, page); err != nil {
			return nil, err
		}
	}

	if len(out.Videos) > 0 {
		if err := s.Set(ctx, out); err != nil {
			logger.Ctx(ctx).Warn().Err(err).Str("platform", string(p)).Msg("Failed to cache trending page")
		}
	}
	return out, nil
}

func (s *Service) load(ctx context.Context, p platform.Platform, region string, page int) (*Page, error) {
	videos, err := s.videos.List(ctx, string(p), region, s.pageSize, (page-1)*s.pageSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list trending videos: %w", err)
	}
	out := &Page{Platform: string(p), Region: region, Page: page, Videos: videos}
	if len(videos) > 0 {
		out.FetchedAt = videos[0].FetchedAt
	}
	return out, nil
}

// Refresh fetches p's trending list for region and stores it. When another
// instance is already refreshing the same listing it returns at once with
// Skipped set.
func (s *Service) Refresh(ctx context.Context, p platform.Platform, region string) (RefreshResult, error) {
	region, err := ParseRegion(region)
	if err != nil {
		return RefreshResult{}, err
	}
	log := s.log.With().Str("platform", string(p)).Str("region", region).Logger()

	key := lockKey(p, region)
	token, ok, err := s.store.AcquireLock(ctx, key, s.lockTTL)
	if err != nil {
		metrics.TrendingRefreshes.WithLabelValues(string(p), "error").Inc()
		return RefreshResult{}, apperrors.ServiceUnavailable("cache", err.Error())
	}
	if !ok {
		metrics.TrendingRefreshes.WithLabelValues(string(p), "skipped").Inc()
		log.Debug().Msg("Trending refresh already running elsewhere")
		return RefreshResult{Skipped: true}, nil
	}
	defer func() {
		err := s.store.ReleaseLock(context.WithoutCancel(ctx), key, token)
		if errors.Is(err, cache.ErrLockNotHeld) {
			log.Warn().Dur("lock_ttl", s.lockTTL).Msg("Refresh lock expired before release")
		} else if err != nil {
			log.Warn().Err(err).Msg("Failed to release refresh lock")
		}
	}()

	count, err := s.refresh(ctx, p, region)
	if err != nil {
		metrics.TrendingRefreshes.WithLabelValues(string(p), "error").Inc()
		log.Error().Err(err).Msg("Trending refresh failed")
		return RefreshResult{}, err
	}

	metrics.TrendingRefreshes.WithLabelValues(string(p), "refreshed").Inc()
	log.Info().Int("videos", count).Msg("Trending listing refreshed")
	return RefreshResult{Count: count}, nil
}

func (s *Service) refresh(ctx context.Context, p platform.Platform, region string) (int, error) {
	adapter, err := s.adapters.Get(p)
	if err != nil {
		return 0, err
	}
	if err := s.allow(ctx, p); err != nil {
		return 0, err
	}

	opts := platform.TrendingOptions{Limit: s.pageSize * 2}
	if s.token != nil {
		if opts.AccessToken, err = s.token(ctx, p); err != nil {
			return 0, err
		}
	}

	fetched, err := resilience.Call(ctx, s.caller, p.Service(), func(ctx context.Context) ([]platform.TrendingVideo, error) {
		return adapter.FetchTrending(ctx, region, opts)
	})
	if err != nil {
		return 0, err
	}

	now := s.now().UTC()
	videos := make([]*models.SourceVideo, 0, len(fetched))
	for i, tv := range fetched {
		rank := tv.Rank
		if rank <= 0 {
			rank = i + 1
		}
		videos = append(videos, &models.SourceVideo{
			Platform:        string(p),
			ExternalVideoID: tv.ExternalID,
			Region:          region,
			Title:           tv.Title,
			Author:          tv.Author,
			URL:             tv.URL,
			ThumbnailURL:    tv.ThumbnailURL,
			DurationSeconds: tv.DurationSeconds,
			Rank:            rank,
			ViewCount:       tv.ViewCount,
			LikeCount:       tv.LikeCount,
			CommentCount:    tv.CommentCount,
			FetchedAt:       now,
		})
	}
	if len(videos) == 0 {
		return 0, nil
	}

	if err := s.videos.Upsert(ctx, videos); err != nil {
		return 0, fmt.Errorf("failed to store trending videos: %w", err)
	}

	first := videos[:min(len(videos), s.pageSize)]
	page := &Page{Platform: string(p), Region: region, Page: 1, Videos: first, FetchedAt: now}
	if err := s.Set(ctx, page); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("platform", string(p)).Msg("Failed to warm trending cache")
	}
	return len(videos), nil
}

// RefreshStats updates engagement counters for p's videos fetched in the last day
func (s *Service) RefreshStats(ctx context.Context, p platform.Platform) (int, error) {
	adapter, err := s.adapters.Get(p)
	if err != nil {
		return 0, err
	}

	ids, err := s.videos.RecentExternalIDs(ctx, string(p), s.now().Add(-statsLookback), statsBatch)
	if err != nil {
		return 0, fmt.Errorf("failed to list recent videos: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.allow(ctx, p); err != nil {
		return 0, err
	}

	stats, err := resilience.Call(ctx, s.caller, p.Service(), func(ctx context.Context) ([]platform.VideoStats, error) {
		return adapter.FetchVideoStats(ctx, ids)
	})
	if err != nil {
		return 0, err
	}
	if err := s.videos.UpdateStats(ctx, string(p), stats); err != nil {
		return 0, fmt.Errorf("failed to store video stats: %w", err)
	}
	return len(stats), nil
}

// allow fails open when the quota counter itself is unreachable
func (s *Service) allow(ctx context.Context, p platform.Platform) error {
	if s.quota == nil {
		return nil
	}
	ok, err := s.quota.Allow(ctx, string(p))
	if err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("platform", string(p)).Msg("Quota check failed")
		return nil
	}
	if !ok {
		metrics.TrendingRefreshes.WithLabelValues(string(p), "throttled").Inc()
		return apperrors.ServiceUnavailable(p.Service(), "request quota exhausted")
	}
	return nil
}
