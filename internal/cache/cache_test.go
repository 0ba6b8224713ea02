package cache

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

func getTestRedisURL() string {
	url := os.Getenv("REDIS_URL")
	if url == "" {
		url = "redis://localhost:6379"
	}
	return url
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()

	c, err := New(getTestRedisURL())
	if err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func TestCache_GetSet(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:cache:" + uuid.NewString()

	if _, ok := c.Get(ctx, key); ok {
		t.Fatal("expected miss for new key")
	}

	if err := c.Set(ctx, key, "value", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	defer c.Delete(ctx, key)

	val, ok := c.Get(ctx, key)
	if !ok || val != "value" {
		t.Errorf("expected hit with value, got %q %v", val, ok)
	}
}

func TestCache_JSON(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:json:" + uuid.NewString()
	defer c.Delete(ctx, key)

	type page struct {
		IDs []string `json:"ids"`
	}

	if err := c.SetJSON(ctx, key, page{IDs: []string{"a", "b"}}, time.Minute); err != nil {
		t.Fatalf("SetJSON failed: %v", err)
	}

	var got page
	ok, err := c.GetJSON(ctx, key, &got)
	if err != nil || !ok {
		t.Fatalf("expected hit, got %v %v", ok, err)
	}
	if len(got.IDs) != 2 || got.IDs[1] != "b" {
		t.Errorf("unexpected page %+v", got)
	}
}

func TestCache_Lock(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()

	token, ok, err := c.AcquireLock(ctx, key, time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected to acquire lock, got %v %v", ok, err)
	}

	if _, ok, _ := c.AcquireLock(ctx, key, time.Minute); ok {
		t.Fatal("second acquisition should fail while held")
	}

	if err := c.ReleaseLock(ctx, key, "someone-else"); !errors.Is(err, ErrLockNotHeld) {
		t.Errorf("expected ErrLockNotHeld for a foreign token, got %v", err)
	}

	if err := c.ReleaseLock(ctx, key, token); err != nil {
		t.Fatalf("release failed: %v", err)
	}

	if _, ok, _ := c.AcquireLock(ctx, key, time.Minute); !ok {
		t.Error("lock should be free after release")
	}
	c.Delete(ctx, key)
}

func TestCache_LockExpires(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:lock:" + uuid.NewString()
	defer c.Delete(ctx, key)

	if _, ok, _ := c.AcquireLock(ctx, key, 100*time.Millisecond); !ok {
		t.Fatal("expected to acquire lock")
	}
	time.Sleep(200 * time.Millisecond)

	if _, ok, _ := c.AcquireLock(ctx, key, time.Minute); !ok {
		t.Error("expired lock should be acquirable")
	}
}

func TestCache_IncrWithExpire(t *testing.T) {
	c := newTestCache(t)
	ctx := context.Background()
	key := "test:counter:" + uuid.NewString()
	defer c.Delete(ctx, key)

	for want := int64(1); want <= 3; want++ {
		got, err := c.IncrWithExpire(ctx, key, time.Minute)
		if err != nil {
			t.Fatalf("IncrWithExpire failed: %v", err)
		}
		if got != want {
			t.Errorf("expected %d, got %d", want, got)
		}
	}

	ttl, err := c.Client().PTTL(ctx, key).Result()
	if err != nil || ttl <= 0 || ttl > time.Minute {
		t.Errorf("expected ttl within window, got %v %v", ttl, err)
	}
}
