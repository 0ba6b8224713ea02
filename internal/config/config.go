package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"

	"github.com/trendpipe/backend/internal/logger"
)

// ConfigPathEnvVar points at an optional YAML file layered between defaults and env
const ConfigPathEnvVar = "TRENDPIPE_CONFIG"

type Config struct {
	Server     ServerConfig              `koanf:"server"`
	Database   DatabaseConfig            `koanf:"database"`
	Redis      RedisConfig               `koanf:"redis"`
	Storage    StorageConfig             `koanf:"storage"`
	Vault      VaultConfig               `koanf:"vault"`
	Auth       AuthConfig                `koanf:"auth"`
	Download   DownloadConfig            `koanf:"download"`
	Upload     UploadConfig              `koanf:"upload"`
	Resilience ResilienceConfig          `koanf:"resilience"`
	Trending   TrendingConfig            `koanf:"trending"`
	Platforms  map[string]PlatformConfig `koanf:"platforms"`
	Ytdlp      YtdlpConfig               `koanf:"ytdlp"`
	Logging    logger.Config             `koanf:"logging"`
}

type ServerConfig struct {
	Addr string `koanf:"addr"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host"`
	Port     string `koanf:"port"`
	User     string `koanf:"user"`
	Password string `koanf:"password"`
	Name     string `koanf:"name"`
	SSLMode  string `koanf:"sslmode"`
}

// DSN returns a lib/pq connection string
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
}

type RedisConfig struct {
	URL string `koanf:"url"`
}

type StorageConfig struct {
	Backend      string        `koanf:"backend"` // minio or s3
	Endpoint     string        `koanf:"endpoint"`
	AccessKey    string        `koanf:"access_key"`
	SecretKey    string        `koanf:"secret_key"`
	Bucket       string        `koanf:"bucket"`
	Region       string        `koanf:"region"`
	UseSSL       bool          `koanf:"use_ssl"`
	UsePathStyle bool          `koanf:"use_path_style"`
	SignedURLTTL time.Duration `koanf:"signed_url_ttl"`
}

type VaultConfig struct {
	MasterSecret string        `koanf:"master_secret"`
	Iterations   int           `koanf:"iterations"`
	KeyCacheTTL  time.Duration `koanf:"key_cache_ttl"`
	KeyCacheSize int           `koanf:"key_cache_size"`
}

type AuthConfig struct {
	JWTSecret  string        `koanf:"jwt_secret"`
	AccessTTL  time.Duration `koanf:"access_ttl"`
	SessionTTL time.Duration `koanf:"session_ttl"`
}

type DownloadConfig struct {
	Workers     int           `koanf:"workers"`
	MaxActive   int           `koanf:"max_active"`
	MaxBytes    int64         `koanf:"max_bytes"`
	JobTimeout  time.Duration `koanf:"job_timeout"`
	MaxAttempts int           `koanf:"max_attempts"`
	TempDir     string        `koanf:"temp_dir"`
}

type UploadConfig struct {
	Workers          int           `koanf:"workers"`
	MaxActive        int           `koanf:"max_active"`
	DailyCap         int           `koanf:"daily_cap"`
	DailyCapPlatform string        `koanf:"daily_cap_platform"`
	Timezone         string        `koanf:"timezone"`
	JobTimeout       time.Duration `koanf:"job_timeout"`
	MaxAttempts      int           `koanf:"max_attempts"`
}

type ResilienceConfig struct {
	FailureThreshold int           `koanf:"failure_threshold"`
	MonitorWindow    time.Duration `koanf:"monitor_window"`
	ResetTimeout     time.Duration `koanf:"reset_timeout"`
	MaxAttempts      int           `koanf:"max_attempts"`
	BaseDelay        time.Duration `koanf:"base_delay"`
	MaxDelay         time.Duration `koanf:"max_delay"`
	CallTimeout      time.Duration `koanf:"call_timeout"`
}

type TrendingConfig struct {
	TTL             map[string]time.Duration   `koanf:"ttl"`
	DefaultTTL      time.Duration              `koanf:"default_ttl"`
	LockTTL         time.Duration              `koanf:"lock_ttl"`
	PageSize        int                        `koanf:"page_size"`
	RefreshInterval time.Duration              `koanf:"refresh_interval"`
	Regions         []string                   `koanf:"regions"`
	Accounts        map[string]TrendingAccount `koanf:"accounts"`
}

// TrendingAccount names the stored credential used for authenticated trending
// fetches on one platform
type TrendingAccount struct {
	OwnerID      string `koanf:"owner_id"`
	CredentialID string `koanf:"credential_id"`
}

// PlatformConfig carries per-platform OAuth endpoints, trending source and quotas
type PlatformConfig struct {
	Enabled        bool          `koanf:"enabled"`
	ClientID       string        `koanf:"client_id"`
	ClientSecret   string        `koanf:"client_secret"`
	TokenURL       string        `koanf:"token_url"`
	RevokeURL      string        `koanf:"revoke_url"`
	TrendingURL    string        `koanf:"trending_url"` // %s is replaced with the region code
	RequestsPerSec float64       `koanf:"requests_per_sec"`
	Burst          int           `koanf:"burst"`
	Quota          int64         `koanf:"quota"`
	QuotaWindow    time.Duration `koanf:"quota_window"`
}

type YtdlpConfig struct {
	Path string `koanf:"path"`
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    "5432",
			User:    "trendpipe",
			Name:    "trendpipe",
			SSLMode: "disable",
		},
		Redis: RedisConfig{URL: "redis://localhost:6379"},
		Storage: StorageConfig{
			Backend:      "minio",
			Endpoint:     "localhost:9000",
			AccessKey:    "minioadmin",
			SecretKey:    "minioadmin",
			Bucket:       "media",
			Region:       "us-east-1",
			UsePathStyle: true,
			SignedURLTTL: time.Hour,
		},
		Vault: VaultConfig{
			Iterations:   100_000,
			KeyCacheTTL:  5 * time.Minute,
			KeyCacheSize: 1024,
		},
		Auth: AuthConfig{
			AccessTTL:  15 * time.Minute,
			SessionTTL: 30 * 24 * time.Hour,
		},
		Download: DownloadConfig{
			Workers:     3,
			MaxActive:   5,
			MaxBytes:    500 * 1024 * 1024,
			JobTimeout:  30 * time.Minute,
			MaxAttempts: 1,
			TempDir:     os.TempDir(),
		},
		Upload: UploadConfig{
			Workers:          2,
			MaxActive:        3,
			DailyCap:         4,
			DailyCapPlatform: "tiktok",
			Timezone:         "Local",
			JobTimeout:       30 * time.Minute,
			MaxAttempts:      1,
		},
		Resilience: ResilienceConfig{
			FailureThreshold: 5,
			MonitorWindow:    time.Minute,
			ResetTimeout:     30 * time.Second,
			MaxAttempts:      3,
			BaseDelay:        time.Second,
			MaxDelay:         30 * time.Second,
			CallTimeout:      30 * time.Second,
		},
		Trending: TrendingConfig{
			TTL: map[string]time.Duration{
				"youtube":   30 * time.Minute,
				"tiktok":    10 * time.Minute,
				"instagram": 15 * time.Minute,
				"twitter":   5 * time.Minute,
			},
			DefaultTTL:      15 * time.Minute,
			LockTTL:         2 * time.Minute,
			PageSize:        20,
			RefreshInterval: 10 * time.Minute,
			Regions:         []string{"US"},
		},
		Ytdlp:   YtdlpConfig{Path: "yt-dlp"},
		Logging: logger.Config{Level: "info", Format: "json"},
	}
}

// Load builds the configuration from defaults, an optional YAML file and the environment
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := os.Getenv(ConfigPathEnvVar); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment: %w", err)
	}

	if raw, ok := k.Get("trending.regions").(string); ok {
		if err := k.Set("trending.regions", splitList(raw)); err != nil {
			return nil, fmt.Errorf("failed to parse trending.regions: %w", err)
		}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// sections lists the top-level keys an environment variable may address.
// DOWNLOAD_MAX_ACTIVE -> download.max_active, PLATFORMS_YOUTUBE_CLIENT_ID -> platforms.youtube.client_id
var sections = []string{
	"server", "database", "redis", "storage", "vault", "auth", "download",
	"upload", "resilience", "trending", "ytdlp", "logging",
}

func envToKey(key string) string {
	key = strings.ToLower(key)

	if rest, ok := strings.CutPrefix(key, "platforms_"); ok {
		name, field, found := strings.Cut(rest, "_")
		if !found {
			return ""
		}
		return "platforms." + name + "." + field
	}

	if rest, ok := strings.CutPrefix(key, "trending_ttl_"); ok {
		return "trending.ttl." + rest
	}

	for _, section := range sections {
		if rest, ok := strings.CutPrefix(key, section+"_"); ok {
			return section + "." + rest
		}
	}

	// Unrelated environment variables are dropped
	return ""
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Validate rejects configurations the services cannot start with
func (c *Config) Validate() error {
	var errs []error

	if c.Vault.MasterSecret == "" {
		errs = append(errs, errors.New("vault.master_secret is required"))
	}
	if c.Auth.JWTSecret == "" {
		errs = append(errs, errors.New("auth.jwt_secret is required"))
	}
	if c.Vault.Iterations <= 0 {
		errs = append(errs, errors.New("vault.iterations must be positive"))
	}
	if c.Download.Workers <= 0 || c.Upload.Workers <= 0 {
		errs = append(errs, errors.New("worker counts must be positive"))
	}
	if c.Download.MaxActive <= 0 || c.Upload.MaxActive <= 0 {
		errs = append(errs, errors.New("active job caps must be positive"))
	}
	if c.Download.MaxBytes <= 0 {
		errs = append(errs, errors.New("download.max_bytes must be positive"))
	}
	if c.Resilience.FailureThreshold <= 0 || c.Resilience.MaxAttempts <= 0 {
		errs = append(errs, errors.New("resilience.failure_threshold and resilience.max_attempts must be positive"))
	}
	switch c.Storage.Backend {
	case "minio", "s3":
	default:
		errs = append(errs, fmt.Errorf("unknown storage backend %q", c.Storage.Backend))
	}
	if _, err := c.Upload.Location(); err != nil {
		errs = append(errs, fmt.Errorf("upload.timezone: %w", err))
	}

	return errors.Join(errs...)
}

// Location resolves the timezone whose midnight resets the daily upload cap
func (u UploadConfig) Location() (*time.Location, error) {
	if u.Timezone == "" || u.Timezone == "Local" {
		return time.Local, nil
	}
	return time.LoadLocation(u.Timezone)
}

// TTLFor returns the trending cache TTL for a platform
func (t TrendingConfig) TTLFor(platform string) time.Duration {
	if ttl, ok := t.TTL[platform]; ok && ttl > 0 {
		return ttl
	}
	return t.DefaultTTL
}
