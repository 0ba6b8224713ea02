package queue

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
)

const (
	// Default configuration values
	DefaultWorkerCount = 3
	DefaultMaxAttempts = 1
	DefaultJobTimeout  = 10 * time.Minute

	// Exponential backoff parameters for queue-level retries
	baseBackoff = 1 * time.Second
	maxBackoff  = 5 * time.Minute
)

// Handler processes one job. progress takes a fraction between 0 and 1. The
// returned value is stored as the job result.
type Handler func(ctx context.Context, job *Job, progress func(float64)) (any, error)

// WorkerPoolConfig holds configuration for the worker pool
type WorkerPoolConfig struct {
	WorkerCount int
	MaxAttempts int
	JobTimeout  time.Duration
	PollTimeout time.Duration
}

// WorkerPool runs a fixed number of workers against one queue kind. It is a
// suture service: Serve blocks until its context is cancelled.
type WorkerPool struct {
	queue       *Queue
	kind        Kind
	handler     Handler
	workerCount int
	maxAttempts int
	jobTimeout  time.Duration
	pollTimeout time.Duration
	log         zerolog.Logger

	mu      sync.RWMutex
	running bool
}

// NewWorkerPool creates a new worker pool
func NewWorkerPool(queue *Queue, kind Kind, handler Handler, config *WorkerPoolConfig) *WorkerPool {
	if config == nil {
		config = &WorkerPoolConfig{}
	}

	workerCount := config.WorkerCount
	if workerCount <= 0 {
		workerCount = DefaultWorkerCount
	}

	maxAttempts := config.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	jobTimeout := config.JobTimeout
	if jobTimeout <= 0 {
		jobTimeout = DefaultJobTimeout
	}

	pollTimeout := config.PollTimeout
	if pollTimeout <= 0 {
		pollTimeout = defaultBlockTimeout
	}

	return &WorkerPool{
		queue:       queue,
		kind:        kind,
		handler:     handler,
		workerCount: workerCount,
		maxAttempts: maxAttempts,
		jobTimeout:  jobTimeout,
		pollTimeout: pollTimeout,
		log:         logger.Component("queue").With().Str("kind", string(kind)).Logger(),
	}
}

func (wp *WorkerPool) String() string {
	return fmt.Sprintf("%s-workers", wp.kind)
}

// Serve launches the workers and blocks until ctx is cancelled and every
// in-flight job has returned.
func (wp *WorkerPool) Serve(ctx context.Context) error {
	wp.mu.Lock()
	if wp.running {
		wp.mu.Unlock()
		return errors.New("worker pool already running")
	}
	wp.running = true
	wp.mu.Unlock()

	defer func() {
		wp.mu.Lock()
		wp.running = false
		wp.mu.Unlock()
	}()

	var wg sync.WaitGroup
	for i := 0; i < wp.workerCount; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			wp.worker(ctx, id)
		}(i)
	}

	wp.log.Info().Int("workers", wp.workerCount).Msg("worker pool started")
	wg.Wait()
	wp.log.Info().Msg("worker pool stopped")

	return ctx.Err()
}

// IsRunning returns whether the worker pool is currently running
func (wp *WorkerPool) IsRunning() bool {
	wp.mu.RLock()
	defer wp.mu.RUnlock()
	return wp.running
}

// worker is the main loop for a single worker
func (wp *WorkerPool) worker(ctx context.Context, id int) {
	for ctx.Err() == nil {
		wp.processNextJob(ctx, id)
	}
}

// processNextJob dequeues and processes the next available job
func (wp *WorkerPool) processNextJob(ctx context.Context, workerID int) {
	job, err := wp.queue.Dequeue(ctx, wp.kind, wp.pollTimeout)
	if err != nil {
		if errors.Is(err, ErrQueueEmpty) || ctx.Err() != nil {
			return
		}
		wp.log.Error().Err(err).Int("worker", workerID).Msg("failed to dequeue job")
		// avoid spinning while redis is unreachable
		sleepCtx(ctx, time.Second)
		return
	}

	if depth, err := wp.queue.Length(ctx, wp.kind); err == nil {
		metrics.QueueDepth.WithLabelValues(string(wp.kind)).Set(float64(depth))
	}

	wp.processJob(ctx, workerID, job)
}

// processJob handles the full lifecycle of a single job
func (wp *WorkerPool) processJob(ctx context.Context, workerID int, job *Job) {
	ctx = logger.ContextWithJobID(ctx, job.ID)
	log := logger.Ctx(ctx).With().Str("kind", string(wp.kind)).Int("worker", workerID).Logger()

	jobCtx, cancel := context.WithTimeout(ctx, wp.jobTimeout)
	defer cancel()

	log.Info().Int("attempt", job.Attempts).Msg("processing job")
	start := time.Now()

	progressFn := func(fraction float64) {
		if err := wp.queue.UpdateProgress(ctx, job, fraction); err != nil {
			log.Warn().Err(err).Msg("failed to update progress")
		}
	}

	result, err := wp.handler(jobCtx, job, progressFn)
	metrics.JobDuration.WithLabelValues(string(wp.kind)).Observe(time.Since(start).Seconds())

	if err != nil {
		wp.handleJobFailure(ctx, log, job, err)
		return
	}

	if err := wp.queue.Complete(ctx, job, result); err != nil {
		log.Error().Err(err).Msg("failed to mark job completed")
	}
	metrics.JobsTotal.WithLabelValues(string(wp.kind), "completed").Inc()
	log.Info().Dur("duration", time.Since(start)).Msg("job completed")
}

// handleJobFailure requeues a failed job with exponential backoff while attempts
// remain, otherwise marks it failed.
func (wp *WorkerPool) handleJobFailure(ctx context.Context, log zerolog.Logger, job *Job, jobErr error) {
	retryable := ctx.Err() == nil && !apperrors.IsClientError(jobErr)

	if retryable && job.CanRetry(wp.maxAttempts) {
		backoff := calculateBackoff(job.Attempts)
		log.Warn().Err(jobErr).Dur("backoff", backoff).
			Msgf("job failed, retrying (attempt %d/%d)", job.Attempts+1, wp.maxAttempts)

		if err := sleepCtx(ctx, backoff); err != nil {
			// shutting down; leave the job for the next process
			if err := wp.queue.Requeue(context.WithoutCancel(ctx), job, jobErr); err != nil {
				log.Error().Err(err).Msg("failed to requeue job on shutdown")
			}
			return
		}
		if err := wp.queue.Requeue(ctx, job, jobErr); err != nil {
			log.Error().Err(err).Msg("failed to requeue job for retry")
		}
		metrics.JobsTotal.WithLabelValues(string(wp.kind), "retried").Inc()
		return
	}

	log.Error().Err(jobErr).Int("attempts", job.Attempts).Msg("job failed")
	if err := wp.queue.Fail(context.WithoutCancel(ctx), job, jobErr); err != nil {
		log.Error().Err(err).Msg("failed to mark job failed")
	}
	metrics.JobsTotal.WithLabelValues(string(wp.kind), "failed").Inc()
}

// calculateBackoff calculates the exponential backoff duration for a given attempt count
func calculateBackoff(attempts int) time.Duration {
	backoff := time.Duration(math.Pow(2, float64(attempts-1))) * baseBackoff
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	return backoff
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
