// Package supervisor runs the long-lived parts of the process under a suture
// tree: queue worker pools, periodic schedulers and the ops HTTP server.
package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig holds supervisor restart policy
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff
	FailureThreshold float64
	// FailureDecay is the rate at which failures decay, in seconds
	FailureDecay    float64
	FailureBackoff  time.Duration
	ShutdownTimeout time.Duration
}

// Tree groups services into layers so a crashing worker pool does not restart
// the ops server:
//   - workers: download and upload pools
//   - scheduling: trending refresh and housekeeping loops
//   - ops: health and metrics HTTP server
type Tree struct {
	root       *suture.Supervisor
	workers    *suture.Supervisor
	scheduling *suture.Supervisor
	ops        *suture.Supervisor
	config     TreeConfig
}

func NewTree(logger *slog.Logger, config TreeConfig) *Tree {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	// MustHook has a pointer receiver
	handler := &sutureslog.Handler{Logger: logger}

	spec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := spec
	rootSpec.EventHook = handler.MustHook()

	t := &Tree{
		root:       suture.New("trendpipe", rootSpec),
		workers:    suture.New("workers", spec),
		scheduling: suture.New("scheduling", spec),
		ops:        suture.New("ops", spec),
		config:     config,
	}
	t.root.Add(t.workers)
	t.root.Add(t.scheduling)
	t.root.Add(t.ops)
	return t
}

func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

func (t *Tree) AddScheduled(svc suture.Service) suture.ServiceToken {
	return t.scheduling.Add(svc)
}

func (t *Tree) AddOps(svc suture.Service) suture.ServiceToken {
	return t.ops.Add(svc)
}

// Serve blocks until ctx is cancelled
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree and returns a channel receiving its exit error
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that did not stop within ShutdownTimeout
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
