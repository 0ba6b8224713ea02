package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
)

// ErrLockNotHeld is returned when releasing a lock whose token no longer matches,
// usually because it expired and another holder acquired it.
var ErrLockNotHeld = errors.New("lock not held")

// releaseScript deletes the lock only if it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// incrScript increments a counter and starts its window on the first hit
var incrScript = redis.NewScript(`
local count = redis.call("INCR", KEYS[1])
if count == 1 then
	redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return count
`)

type Cache struct {
	client *redis.Client
}

// New connects to Redis at redisURL
func New(redisURL string) (*Cache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	log := logger.Component("cache")
	log.Info().Str("addr", opts.Addr).Msg("connected to redis")
	return &Cache{client: client}, nil
}

// NewWithClient wraps an existing client
func NewWithClient(client *redis.Client) *Cache {
	return &Cache{client: client}
}

// Client returns the underlying Redis client
func (c *Cache) Client() *redis.Client {
	return c.client
}

func (c *Cache) Close() error {
	return c.client.Close()
}

func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Cache) Get(ctx context.Context, key string) (string, bool) {
	log := logger.Ctx(ctx)

	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		metrics.CacheRequests.WithLabelValues("miss").Inc()
		log.Debug().Str("key", key).Msg("cache miss")
		return "", false
	}
	if err != nil {
		metrics.CacheRequests.WithLabelValues("error").Inc()
		log.Warn().Err(err).Str("key", key).Msg("cache get failed")
		return "", false
	}

	metrics.CacheRequests.WithLabelValues("hit").Inc()
	log.Debug().Str("key", key).Msg("cache hit")
	return val, true
}

func (c *Cache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
		logger.Ctx(ctx).Warn().Err(err).Str("key", key).Msg("cache set failed")
		return err
	}
	logger.Ctx(ctx).Debug().Str("key", key).Dur("ttl", ttl).Msg("cache set")
	return nil
}

func (c *Cache) Delete(ctx context.Context, keys ...string) error {
	return c.client.Del(ctx, keys...).Err()
}

// GetJSON decodes the cached value into dst. A miss returns false with a nil error.
func (c *Cache) GetJSON(ctx context.Context, key string, dst any) (bool, error) {
	val, ok := c.Get(ctx, key)
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal([]byte(val), dst); err != nil {
		return false, fmt.Errorf("failed to decode cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes v and stores it with ttl
func (c *Cache) SetJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", key, err)
	}
	return c.Set(ctx, key, string(data), ttl)
}

// AcquireLock sets key to a fresh token if it is absent. ok is false when another
// holder owns the lock. The lock expires after ttl even if never released.
func (c *Cache) AcquireLock(ctx context.Context, key string, ttl time.Duration) (token string, ok bool, err error) {
	token = uuid.New().String()

	ok, err = c.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		metrics.LockAcquisitions.WithLabelValues("error").Inc()
		return "", false, fmt.Errorf("failed to acquire lock %s: %w", key, err)
	}
	if !ok {
		metrics.LockAcquisitions.WithLabelValues("contended").Inc()
		return "", false, nil
	}

	metrics.LockAcquisitions.WithLabelValues("acquired").Inc()
	return token, true, nil
}

// ReleaseLock deletes key if it still holds token
func (c *Cache) ReleaseLock(ctx context.Context, key, token string) error {
	deleted, err := releaseScript.Run(ctx, c.client, []string{key}, token).Int64()
	if err != nil {
		return fmt.Errorf("failed to release lock %s: %w", key, err)
	}
	if deleted == 0 {
		return ErrLockNotHeld
	}
	return nil
}

// IncrWithExpire increments key and returns the new count. The key expires one
// window after its first increment.
func (c *Cache) IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error) {
	count, err := incrScript.Run(ctx, c.client, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment %s: %w", key, err)
	}
	return count, nil
}
