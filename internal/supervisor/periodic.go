package supervisor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/trendpipe/backend/internal/logger"
)

// Periodic runs fn every interval. Errors are logged; the loop keeps going.
type Periodic struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	log      zerolog.Logger
}

func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context) error) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		fn:       fn,
		log:      logger.Component(name),
	}
}

func (p *Periodic) Serve(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.fn(ctx); err != nil && ctx.Err() == nil {
				p.log.Warn().Err(err).Msg("Periodic task failed")
			}
		}
	}
}

func (p *Periodic) String() string {
	return p.name
}
