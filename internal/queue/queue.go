package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const (
	// Default timeout for blocking operations
	defaultBlockTimeout = 5 * time.Second

	// Finished jobs stay readable for a day
	defaultRetention = 24 * time.Hour
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrQueueEmpty  = errors.New("queue is empty")
)

// enqueueScript stores the job and pushes its id only if the id is new
var enqueueScript = redis.NewScript(`
if redis.call("SETNX", KEYS[1], ARGV[1]) == 1 then
	redis.call("LPUSH", KEYS[2], ARGV[2])
	return 1
end
return 0
`)

// removeScript drops a job only while it is still waiting
var removeScript = redis.NewScript(`
local removed = redis.call("LREM", KEYS[2], 0, ARGV[1])
if removed > 0 then
	redis.call("DEL", KEYS[1])
end
return removed
`)

func pendingKey(kind Kind) string {
	return fmt.Sprintf("queue:%s:pending", kind)
}

func jobKey(kind Kind, id string) string {
	return fmt.Sprintf("queue:%s:job:%s", kind, id)
}

func eventsChannel(kind Kind) string {
	return fmt.Sprintf("queue:%s:events", kind)
}

// Queue manages jobs in Redis lists, one per kind
type Queue struct {
	client    *redis.Client
	retention time.Duration
}

// New creates a queue on an existing Redis client
func New(client *redis.Client) *Queue {
	return &Queue{client: client, retention: defaultRetention}
}

// Client returns the underlying Redis client for pub/sub operations
func (q *Queue) Client() *redis.Client {
	return q.client
}

// Enqueue adds a job with the given id. Enqueueing an id that already exists
// returns the existing job and adds nothing.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, jobID string, payload any) (*Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	now := time.Now()
	job := &Job{
		ID:        jobID,
		Kind:      kind,
		Payload:   raw,
		State:     StateQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	added, err := enqueueScript.Run(ctx, q.client, []string{jobKey(kind, jobID), pendingKey(kind)}, data, jobID).Int64()
	if err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}
	if added == 0 {
		return q.GetJob(ctx, kind, jobID)
	}

	return job, nil
}

// Dequeue retrieves the oldest waiting job (blocking) and marks it active
func (q *Queue) Dequeue(ctx context.Context, kind Kind, timeout time.Duration) (*Job, error) {
	if timeout == 0 {
		timeout = defaultBlockTimeout
	}

	result, err := q.client.BRPop(ctx, timeout, pendingKey(kind)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrQueueEmpty
		}
		return nil, fmt.Errorf("failed to dequeue job: %w", err)
	}

	if len(result) < 2 {
		return nil, ErrQueueEmpty
	}

	job, err := q.GetJob(ctx, kind, result[1])
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job.State = StateActive
	job.Attempts++
	job.Error = ""
	job.UpdatedAt = now
	if job.StartedAt == nil {
		job.StartedAt = &now
	}

	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	return job, nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, kind Kind, jobID string) (*Job, error) {
	data, err := q.client.Get(ctx, jobKey(kind, jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}

	return &job, nil
}

// Remove deletes a job that has not been picked up yet. It reports false when
// the job is unknown or already running.
func (q *Queue) Remove(ctx context.Context, kind Kind, jobID string) (bool, error) {
	removed, err := removeScript.Run(ctx, q.client, []string{jobKey(kind, jobID), pendingKey(kind)}, jobID).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to remove job: %w", err)
	}
	return removed > 0, nil
}

// UpdateProgress records progress and publishes a progress event
func (q *Queue) UpdateProgress(ctx context.Context, job *Job, fraction float64) error {
	job.Progress = min(max(fraction, 0), 1)
	job.UpdatedAt = time.Now()

	if err := q.saveJob(ctx, job, 0); err != nil {
		return err
	}
	return q.publish(ctx, EventProgress, job)
}

// Complete marks the job completed with an optional result
func (q *Queue) Complete(ctx context.Context, job *Job, result any) error {
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		job.Result = raw
	}

	now := time.Now()
	job.State = StateCompleted
	job.Progress = 1
	job.UpdatedAt = now
	job.CompletedAt = &now

	if err := q.saveJob(ctx, job, q.retention); err != nil {
		return err
	}
	return q.publish(ctx, EventCompleted, job)
}

// Fail marks the job failed
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error) error {
	now := time.Now()
	job.State = StateFailed
	job.Error = jobErr.Error()
	job.UpdatedAt = now
	job.CompletedAt = &now

	if err := q.saveJob(ctx, job, q.retention); err != nil {
		return err
	}
	return q.publish(ctx, EventFailed, job)
}

// Requeue puts a failed attempt back at the end of the queue
func (q *Queue) Requeue(ctx context.Context, job *Job, jobErr error) error {
	job.State = StateQueued
	job.Error = jobErr.Error()
	job.UpdatedAt = time.Now()

	if err := q.saveJob(ctx, job, 0); err != nil {
		return err
	}
	return q.client.LPush(ctx, pendingKey(job.Kind), job.ID).Err()
}

// Length returns the number of jobs waiting in the queue
func (q *Queue) Length(ctx context.Context, kind Kind) (int64, error) {
	return q.client.LLen(ctx, pendingKey(kind)).Result()
}

// Subscribe listens for lifecycle events of one queue. It returns once Redis has
// confirmed the subscription.
func (q *Queue) Subscribe(ctx context.Context, kind Kind) (*Subscription, error) {
	pubsub := q.client.Subscribe(ctx, eventsChannel(kind))
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s events: %w", kind, err)
	}
	return &Subscription{pubsub: pubsub, ch: pubsub.Channel()}, nil
}

func (q *Queue) saveJob(ctx context.Context, job *Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	return q.client.Set(ctx, jobKey(job.Kind, job.ID), data, ttl).Err()
}

func (q *Queue) publish(ctx context.Context, eventType string, job *Job) error {
	data, err := json.Marshal(Event{Type: eventType, Job: job})
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	return q.client.Publish(ctx, eventsChannel(job.Kind), data).Err()
}
