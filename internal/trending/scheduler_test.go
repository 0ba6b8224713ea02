package trending

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/trendpipe/backend/internal/platform"
)

type recordingRefresher struct {
	mu       sync.Mutex
	calls    []string
	stats    []platform.Platform
	failFor  platform.Platform
	cycles   chan struct{}
	statsErr error
}

func (r *recordingRefresher) Refresh(_ context.Context, p platform.Platform, region string) (RefreshResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, string(p)+"/"+region)
	if p == r.failFor {
		return RefreshResult{}, errors.New("boom")
	}
	return RefreshResult{Count: 1}, nil
}

func (r *recordingRefresher) RefreshStats(_ context.Context, p platform.Platform) (int, error) {
	r.mu.Lock()
	r.stats = append(r.stats, p)
	r.mu.Unlock()
	if r.cycles != nil && p == platform.TikTok {
		r.cycles <- struct{}{}
	}
	return 0, r.statsErr
}

func TestScheduler_RunOnceContinuesPastFailures(t *testing.T) {
	r := &recordingRefresher{failFor: platform.YouTube, statsErr: errors.New("stats down")}
	s := NewScheduler(r, []platform.Platform{platform.YouTube, platform.TikTok}, []string{"US", "GB"}, time.Hour)

	s.RunOnce(context.Background())

	want := []string{"youtube/US", "youtube/GB", "tiktok/US", "tiktok/GB"}
	if len(r.calls) != len(want) {
		t.Fatalf("Expected %v, got %v", want, r.calls)
	}
	for i := range want {
		if r.calls[i] != want[i] {
			t.Errorf("call %d = %s, want %s", i, r.calls[i], want[i])
		}
	}
	if len(r.stats) != 2 {
		t.Errorf("Expected stats refresh per platform, got %v", r.stats)
	}
}

func TestScheduler_ServeStopsOnCancel(t *testing.T) {
	r := &recordingRefresher{cycles: make(chan struct{}, 4)}
	s := NewScheduler(r, []platform.Platform{platform.TikTok}, nil, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()

	<-r.cycles
	<-r.cycles
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Expected context.Canceled, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Serve did not return after cancel")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.calls[0] != "tiktok/"+DefaultRegion {
		t.Errorf("Expected default region, got %s", r.calls[0])
	}
	if s.String() != "trending-scheduler" {
		t.Errorf("unexpected service name %q", s.String())
	}
}
