package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/trendpipe/backend/internal/auth"
	"github.com/trendpipe/backend/internal/cache"
	"github.com/trendpipe/backend/internal/config"
	"github.com/trendpipe/backend/internal/db"
	"github.com/trendpipe/backend/internal/health"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/media"
	"github.com/trendpipe/backend/internal/metrics"
	"github.com/trendpipe/backend/internal/middleware"
	"github.com/trendpipe/backend/internal/platform"
	"github.com/trendpipe/backend/internal/queue"
	"github.com/trendpipe/backend/internal/resilience"
	"github.com/trendpipe/backend/internal/storage"
	"github.com/trendpipe/backend/internal/supervisor"
	"github.com/trendpipe/backend/internal/trending"
	"github.com/trendpipe/backend/internal/vault"
	"github.com/trendpipe/backend/internal/ytdlp"
)

const sessionSweepInterval = time.Hour

// services are the entry points business routes are mounted on
type services struct {
	Auth         *auth.Service
	Vault        *vault.Vault
	Orchestrator *media.Orchestrator
	Trending     *trending.Service
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		boot := logger.Logger()
		boot.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.Init(cfg.Logging)
	log := logger.Component("main")

	database, err := db.New(cfg.Database.DSN())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer database.Close()

	if err := database.Migrate(); err != nil {
		log.Fatal().Err(err).Msg("Failed to run migrations")
	}

	redisCache, err := cache.New(cfg.Redis.URL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to redis")
	}
	defer redisCache.Close()
	jobs := queue.New(redisCache.Client())

	store, err := storage.New(cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create object store")
	}
	if minioStore, ok := store.(*storage.MinioStore); ok {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := minioStore.EnsureBucket(ctx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to prepare storage bucket")
		}
	}

	breakers := resilience.NewRegistry(resilience.BreakerSettings{
		FailureThreshold: cfg.Resilience.FailureThreshold,
		MonitorWindow:    cfg.Resilience.MonitorWindow,
		ResetTimeout:     cfg.Resilience.ResetTimeout,
	}, nil)
	caller := resilience.NewCaller(breakers, resilience.RetryOptions{
		MaxAttempts: cfg.Resilience.MaxAttempts,
		BaseDelay:   cfg.Resilience.BaseDelay,
		MaxDelay:    cfg.Resilience.MaxDelay,
	}, cfg.Resilience.CallTimeout)

	adapters, providers, quotas := buildPlatforms(cfg)
	if len(adapters.Platforms()) == 0 {
		log.Warn().Msg("No platforms enabled")
	}

	repos := struct {
		downloads   *db.DownloadRepository
		uploads     *db.UploadRepository
		videos      *db.VideoRepository
		channels    *db.ChannelRepository
		credentials *db.CredentialRepository
		sessions    *db.SessionRepository
	}{
		downloads:   db.NewDownloadRepository(database),
		uploads:     db.NewUploadRepository(database),
		videos:      db.NewVideoRepository(database),
		channels:    db.NewChannelRepository(database),
		credentials: db.NewCredentialRepository(database),
		sessions:    db.NewSessionRepository(database),
	}

	keys := vault.NewKeyDeriver(cfg.Vault.MasterSecret, cfg.Vault.Iterations, cfg.Vault.KeyCacheTTL, cfg.Vault.KeyCacheSize)
	credentialVault := vault.New(repos.credentials, keys, providers, caller)

	location, err := cfg.Upload.Location()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid upload timezone")
	}
	capPlatform, err := platform.ParsePlatform(cfg.Upload.DailyCapPlatform)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid daily cap platform")
	}

	svc := services{
		Auth:  auth.NewService(repos.sessions, cfg.Auth.JWTSecret, cfg.Auth.AccessTTL, cfg.Auth.SessionTTL),
		Vault: credentialVault,
		Orchestrator: media.NewOrchestrator(media.OrchestratorConfig{
			Downloads: repos.downloads,
			Uploads:   repos.uploads,
			Videos:    repos.videos,
			Channels:  repos.channels,
			Queue:     jobs,
			Storage:   store,
			Caller:    caller,
			Limits: media.Limits{
				MaxActiveDownloads: cfg.Download.MaxActive,
				MaxActiveUploads:   cfg.Upload.MaxActive,
				DailyUploadCap:     cfg.Upload.DailyCap,
				DailyCapPlatform:   capPlatform,
				Location:           location,
				SignedURLTTL:       cfg.Storage.SignedURLTTL,
			},
		}),
		Trending: trending.NewService(trending.Config{
			Store:      redisCache,
			Videos:     repos.videos,
			Adapters:   adapters,
			Caller:     caller,
			Quota:      cache.NewQuotaGuard(redisCache, quotas),
			Token:      trendingToken(credentialVault, cfg.Trending.Accounts),
			TTL:        cfg.Trending.TTL,
			DefaultTTL: cfg.Trending.DefaultTTL,
			LockTTL:    cfg.Trending.LockTTL,
			PageSize:   cfg.Trending.PageSize,
		}),
	}

	worker := media.NewWorker(media.WorkerConfig{
		Downloads:   repos.downloads,
		Uploads:     repos.uploads,
		Videos:      repos.videos,
		Channels:    repos.channels,
		Credentials: credentialVault,
		Adapters:    adapters,
		Storage:     store,
		Caller:      caller,
		MaxBytes:    cfg.Download.MaxBytes,
		TempDir:     cfg.Download.TempDir,
	})

	checker := health.NewChecker(health.CheckerConfig{
		Probes: map[string]health.Probe{
			"database": database.PingContext,
			"redis":    redisCache.Ping,
			"storage":  store.Ping,
		},
		Circuits: breakers,
	})
	healthHandler := health.NewHandler(checker)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler.HealthHandler)
	mux.HandleFunc("GET /healthz/live", healthHandler.LivenessHandler)
	mux.HandleFunc("GET /healthz/ready", healthHandler.ReadinessHandler)
	mux.Handle("GET /metrics", metrics.Handler())

	tree := supervisor.NewTree(logger.NewSlogLogger(), supervisor.TreeConfig{})
	tree.AddWorker(queue.NewWorkerPool(jobs, queue.KindDownload, worker.ProcessDownload, &queue.WorkerPoolConfig{
		WorkerCount: cfg.Download.Workers,
		MaxAttempts: cfg.Download.MaxAttempts,
		JobTimeout:  cfg.Download.JobTimeout,
	}))
	tree.AddWorker(queue.NewWorkerPool(jobs, queue.KindUpload, worker.ProcessUpload, &queue.WorkerPoolConfig{
		WorkerCount: cfg.Upload.Workers,
		MaxAttempts: cfg.Upload.MaxAttempts,
		JobTimeout:  cfg.Upload.JobTimeout,
	}))
	tree.AddScheduled(trending.NewScheduler(svc.Trending, adapters.Platforms(), cfg.Trending.Regions, cfg.Trending.RefreshInterval))
	tree.AddScheduled(supervisor.NewPeriodic("session-sweeper", sessionSweepInterval, func(ctx context.Context) error {
		n, err := repos.sessions.DeleteExpired(ctx)
		if err == nil && n > 0 {
			logger.Ctx(ctx).Info().Int64("sessions", n).Msg("Expired sessions removed")
		}
		return err
	}))
	tree.AddOps(supervisor.NewHTTPService("ops-http", &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           middleware.Chain(mux, middleware.Recoverer, middleware.RequestID, middleware.Logging),
		ReadHeaderTimeout: 10 * time.Second,
	}, 10*time.Second))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("addr", cfg.Server.Addr).
		Strs("platforms", platformNames(adapters.Platforms())).
		Int("download_workers", cfg.Download.Workers).
		Int("upload_workers", cfg.Upload.Workers).
		Msg("Starting trendpipe")

	if err := tree.Serve(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("Supervisor exited")
	}
	if report, err := tree.UnstoppedServiceReport(); err == nil && len(report) > 0 {
		log.Warn().Int("services", len(report)).Msg("Services did not stop in time")
	}
	log.Info().Msg("Shutdown complete")
}

// buildPlatforms registers a throttled yt-dlp adapter, an OAuth provider and a
// request quota for every enabled platform
func buildPlatforms(cfg *config.Config) (*platform.Registry, map[platform.Platform]vault.Provider, map[string]cache.Quota) {
	log := logger.Component("main")
	runner := ytdlp.New(ytdlp.Config{Path: cfg.Ytdlp.Path})
	fetcher := platform.NewHTTPFetcher(cfg.Download.MaxBytes)

	registry := platform.NewRegistry()
	providers := make(map[platform.Platform]vault.Provider)
	quotas := make(map[string]cache.Quota)

	for name, pc := range cfg.Platforms {
		if !pc.Enabled {
			continue
		}
		p, err := platform.ParsePlatform(name)
		if err != nil {
			log.Warn().Str("platform", name).Msg("Ignoring unknown platform")
			continue
		}

		adapter := ytdlp.NewAdapter(runner, p, pc.TrendingURL).WithDirectFetcher(fetcher)
		registry.Register(platform.Throttled(adapter, pc.RequestsPerSec, pc.Burst))

		if pc.TokenURL != "" {
			providers[p] = vault.NewOAuthProvider(pc)
		}
		if pc.Quota > 0 {
			quotas[string(p)] = cache.Quota{Limit: pc.Quota, Window: pc.QuotaWindow}
		}
	}
	return registry, providers, quotas
}

func trendingToken(v *vault.Vault, accounts map[string]config.TrendingAccount) trending.TokenFunc {
	return func(ctx context.Context, p platform.Platform) (string, error) {
		acct, ok := accounts[string(p)]
		if !ok || acct.CredentialID == "" {
			return "", nil
		}
		return v.GetValidAccessToken(ctx, acct.CredentialID, acct.OwnerID)
	}
}

func platformNames(ps []platform.Platform) []string {
	out := make([]string, len(ps))
	for i, p := range ps {
		out[i] = string(p)
	}
	return out
}
