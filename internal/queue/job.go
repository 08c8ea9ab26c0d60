// Package queue provides the durable background job layer: a broker
// abstraction over Redis lists, a worker manager with retry and dead-letter
// semantics, and a cron scheduler for recurring jobs.
package queue

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Queue names a job queue. Each queue gets its own worker pool.
type Queue string

const (
	QueueClaims        Queue = "claims"
	QueueInventory     Queue = "inventory"
	QueueNotifications Queue = "notifications"
	QueueBackup        Queue = "backup"
)

// Queues lists every known queue, in worker-start order.
func Queues() []Queue {
	return []Queue{QueueClaims, QueueInventory, QueueNotifications, QueueBackup}
}

const (
	defaultMaxAttempts = 3
	defaultBackoff     = 30 * time.Second

	// Default retention counts for finished jobs. Completed jobs are kept
	// briefly for inspection; dead-lettered jobs are kept much longer so
	// operators can replay them.
	defaultKeepCompleted = 100
	defaultKeepFailed    = 1000
)

// Job is a unit of background work. Attempt counts executions so far; a job
// that fails with Attempt == MaxAttempts is dead-lettered instead of retried.
// RemoveOnComplete and RemoveOnFail cap how many finished jobs of the same
// queue the broker retains; zero applies the defaults.
type Job struct {
	ID               string          `json:"id"`
	Queue            Queue           `json:"queue"`
	Type             string          `json:"type"`
	Payload          json.RawMessage `json:"payload,omitempty"`
	Attempt          int             `json:"attempt"`
	MaxAttempts      int             `json:"maxAttempts"`
	Backoff          time.Duration   `json:"backoff"`
	RemoveOnComplete int             `json:"removeOnComplete,omitempty"`
	RemoveOnFail     int             `json:"removeOnFail,omitempty"`
	EnqueuedAt       time.Time       `json:"enqueuedAt"`
	LastError        string          `json:"lastError,omitempty"`

	// inflight is the raw broker entry this job was dequeued as. The Redis
	// broker uses it to drop the processing-list copy on acknowledgement.
	inflight string
}

func (j *Job) retainCompleted() int64 {
	if j.RemoveOnComplete > 0 {
		return int64(j.RemoveOnComplete)
	}
	return defaultKeepCompleted
}

func (j *Job) retainFailed() int64 {
	if j.RemoveOnFail > 0 {
		return int64(j.RemoveOnFail)
	}
	return defaultKeepFailed
}

// NewJob builds a job with default retry settings. payload is marshalled
// immediately so enqueue failures surface at the call site.
func NewJob(queue Queue, jobType string, payload interface{}) (*Job, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return &Job{
		ID:          uuid.New().String(),
		Queue:       queue,
		Type:        jobType,
		Payload:     raw,
		MaxAttempts: defaultMaxAttempts,
		Backoff:     defaultBackoff,
		EnqueuedAt:  time.Now().UTC(),
	}, nil
}

// NextBackoff returns the delay before the next retry, doubling with each
// failed attempt.
func (j *Job) NextBackoff() time.Duration {
	d := j.Backoff
	if d <= 0 {
		d = defaultBackoff
	}
	for i := 1; i < j.Attempt; i++ {
		d *= 2
	}
	return d
}

// Unmarshal decodes the payload into v.
func (j *Job) Unmarshal(v interface{}) error {
	return json.Unmarshal(j.Payload, v)
}
