package cache

import (
	"context"
	"fmt"
	"time"
)

// Quota is a fixed-window call budget
type Quota struct {
	Limit  int64
	Window time.Duration
}

// Counter is the store QuotaGuard counts in
type Counter interface {
	IncrWithExpire(ctx context.Context, key string, window time.Duration) (int64, error)
}

// QuotaGuard tracks provider rate-limit budgets shared by every instance
type QuotaGuard struct {
	counter Counter
	quotas  map[string]Quota
	now     func() time.Time
}

func NewQuotaGuard(counter Counter, quotas map[string]Quota) *QuotaGuard {
	return &QuotaGuard{
		counter: counter,
		quotas:  quotas,
		now:     time.Now,
	}
}

// Allow consumes one unit of name's budget. Names without a quota are unlimited.
func (g *QuotaGuard) Allow(ctx context.Context, name string) (bool, error) {
	q, ok := g.quotas[name]
	if !ok || q.Limit <= 0 || q.Window <= 0 {
		return true, nil
	}

	bucket := g.now().UnixMilli() / q.Window.Milliseconds()
	key := fmt.Sprintf("quota:%s:%d", name, bucket)

	count, err := g.counter.IncrWithExpire(ctx, key, q.Window)
	if err != nil {
		return false, err
	}
	return count <= q.Limit, nil
}
