package queue

import (
	"time"

	"github.com/goccy/go-json"
)

// Kind names a queue
type Kind string

const (
	KindDownload Kind = "download"
	KindUpload   Kind = "upload"
)

// Job state constants representing the queue-side lifecycle
const (
	StateQueued    = "queued"
	StateActive    = "active"
	StateCompleted = "completed"
	StateFailed    = "failed"
)

// Job is a unit of work in a queue. Payload is owned by the producer.
type Job struct {
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	State       string          `json:"state"`
	Progress    float64         `json:"progress"`
	Attempts    int             `json:"attempts"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the job is in a terminal state
func (j *Job) IsTerminal() bool {
	return j.State == StateCompleted || j.State == StateFailed
}

// CanRetry returns true if the job may be attempted again
func (j *Job) CanRetry(maxAttempts int) bool {
	return j.Attempts < maxAttempts
}

// Decode unmarshals the payload into dst
func (j *Job) Decode(dst any) error {
	return json.Unmarshal(j.Payload, dst)
}

// Event types published on a queue's event channel
const (
	EventProgress  = "progress"
	EventCompleted = "completed"
	EventFailed    = "failed"
)

// Event is a job lifecycle notification
type Event struct {
	Type string `json:"type"`
	Job  *Job   `json:"job"`
}
