package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryBroker is an in-process Broker used in tests and development mode.
// Delayed jobs promote on the dequeue path the same way the Redis broker
// promotes them.
type MemoryBroker struct {
	mu        sync.Mutex
	ready     map[Queue][]*Job
	delayed   map[Queue][]delayedJob
	dead      map[Queue][]*Job
	completed map[Queue][]*Job
	wake      chan struct{}
	closed    bool
}

type delayedJob struct {
	job     *Job
	readyAt time.Time
}

// NewMemoryBroker creates an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		ready:     make(map[Queue][]*Job),
		delayed:   make(map[Queue][]delayedJob),
		dead:      make(map[Queue][]*Job),
		completed: make(map[Queue][]*Job),
		wake:      make(chan struct{}, 1),
	}
}

func (b *MemoryBroker) signal() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Enqueue implements Broker.
func (b *MemoryBroker) Enqueue(ctx context.Context, job *Job) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerUnavailable
	}
	b.ready[job.Queue] = append(b.ready[job.Queue], job)
	b.mu.Unlock()

	b.signal()
	return nil
}

// EnqueueDelayed implements Broker.
func (b *MemoryBroker) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrBrokerUnavailable
	}
	b.delayed[job.Queue] = append(b.delayed[job.Queue], delayedJob{job: job, readyAt: time.Now().Add(delay)})
	b.mu.Unlock()

	b.signal()
	return nil
}

// Dequeue implements Broker.
func (b *MemoryBroker) Dequeue(ctx context.Context, queue Queue) (*Job, error) {
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()

	for {
		if job := b.tryDequeue(queue); job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.wake:
		case <-ticker.C:
		}
	}
}

func (b *MemoryBroker) tryDequeue(queue Queue) *Job {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	pending := b.delayed[queue][:0]
	for _, d := range b.delayed[queue] {
		if d.readyAt.After(now) {
			pending = append(pending, d)
		} else {
			b.ready[queue] = append(b.ready[queue], d.job)
		}
	}
	b.delayed[queue] = pending

	list := b.ready[queue]
	if len(list) == 0 {
		return nil
	}
	job := list[0]
	b.ready[queue] = list[1:]
	return job
}

// Complete implements Broker.
func (b *MemoryBroker) Complete(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.completed[job.Queue] = trimTail(append(b.completed[job.Queue], job), int(job.retainCompleted()))
	return nil
}

// Bury implements Broker.
func (b *MemoryBroker) Bury(ctx context.Context, job *Job) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.dead[job.Queue] = trimTail(append(b.dead[job.Queue], job), int(job.retainFailed()))
	return nil
}

// trimTail keeps the most recent n jobs.
func trimTail(list []*Job, n int) []*Job {
	if len(list) > n {
		return list[len(list)-n:]
	}
	return list
}

// Depth implements Broker.
func (b *MemoryBroker) Depth(ctx context.Context, queue Queue) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.ready[queue])), nil
}

// DeadCount implements Broker.
func (b *MemoryBroker) DeadCount(ctx context.Context, queue Queue) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.dead[queue])), nil
}

// CompletedCount implements Broker.
func (b *MemoryBroker) CompletedCount(ctx context.Context, queue Queue) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.completed[queue])), nil
}

// DeadJobs implements Broker.
func (b *MemoryBroker) DeadJobs(ctx context.Context, queue Queue, limit int64) ([]*Job, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	// Most recent first, matching the Redis broker's LPush ordering.
	list := b.dead[queue]
	out := make([]*Job, 0, len(list))
	for i := len(list) - 1; i >= 0; i-- {
		out = append(out, list[i])
	}
	if int64(len(out)) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Close implements Broker.
func (b *MemoryBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
