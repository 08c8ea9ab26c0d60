package queue

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrBrokerUnavailable wraps broker transport failures so callers can
	// distinguish infrastructure trouble from handler failures.
	ErrBrokerUnavailable = errors.New("job broker unavailable")

	// ErrNoHandler is recorded on jobs buried because no handler was
	// registered for their (queue, type) pair.
	ErrNoHandler = errors.New("no handler registered for job type")
)

// Broker stores and hands out jobs. Implementations must be safe for
// concurrent use by multiple worker goroutines.
type Broker interface {
	// Enqueue makes the job available for immediate dequeue.
	Enqueue(ctx context.Context, job *Job) error

	// EnqueueDelayed holds the job back until delay has elapsed.
	EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error

	// Dequeue blocks until a job is available on the queue or the context
	// is cancelled, in which case it returns ctx.Err().
	Dequeue(ctx context.Context, queue Queue) (*Job, error)

	// Complete records a successfully finished job on the queue's bounded
	// completed list, trimmed per the job's RemoveOnComplete count.
	Complete(ctx context.Context, job *Job) error

	// Bury moves the job to the queue's dead-letter list, trimmed per the
	// job's RemoveOnFail count.
	Bury(ctx context.Context, job *Job) error

	// Depth returns the number of jobs ready for dequeue.
	Depth(ctx context.Context, queue Queue) (int64, error)

	// DeadCount returns the number of dead-lettered jobs.
	DeadCount(ctx context.Context, queue Queue) (int64, error)

	// CompletedCount returns the number of retained completed jobs.
	CompletedCount(ctx context.Context, queue Queue) (int64, error)

	// DeadJobs returns up to limit dead-lettered jobs, most recent first.
	DeadJobs(ctx context.Context, queue Queue, limit int64) ([]*Job, error)

	Close() error
}
