package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Handler processes one job. A non-nil error triggers retry with backoff
// until the job's MaxAttempts is reached, after which it is dead-lettered.
type Handler func(ctx context.Context, job *Job) error

// Manager runs worker pools over the broker, routing jobs to handlers by
// (queue, type).
type Manager struct {
	broker Broker
	logger zerolog.Logger

	mu          sync.RWMutex
	handlers    map[Queue]map[string]Handler
	concurrency map[Queue]int

	cancel context.CancelFunc
	group  *errgroup.Group
}

// NewManager creates a manager over the given broker. Workers start on
// Start, one goroutine per unit of queue concurrency.
func NewManager(broker Broker, logger zerolog.Logger) *Manager {
	return &Manager{
		broker:      broker,
		logger:      logger.With().Str("component", "queue").Logger(),
		handlers:    make(map[Queue]map[string]Handler),
		concurrency: make(map[Queue]int),
	}
}

// Register binds a handler to a (queue, type) pair. Registering twice for
// the same pair replaces the previous handler.
func (m *Manager) Register(queue Queue, jobType string, h Handler) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.handlers[queue] == nil {
		m.handlers[queue] = make(map[string]Handler)
	}
	m.handlers[queue][jobType] = h
}

// SetConcurrency sets the worker count for a queue. Queues default to a
// single worker.
func (m *Manager) SetConcurrency(queue Queue, n int) {
	if n < 1 {
		n = 1
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.concurrency[queue] = n
}

func (m *Manager) handler(queue Queue, jobType string) (Handler, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.handlers[queue][jobType]
	return h, ok
}

// Enqueue creates a job with default retry settings and hands it to the
// broker.
func (m *Manager) Enqueue(ctx context.Context, queue Queue, jobType string, payload interface{}) (*Job, error) {
	job, err := NewJob(queue, jobType, payload)
	if err != nil {
		return nil, err
	}
	if err := m.broker.Enqueue(ctx, job); err != nil {
		return nil, err
	}

	m.logger.Debug().
		Str("queue", string(queue)).
		Str("type", jobType).
		Str("job_id", job.ID).
		Msg("job enqueued")
	return job, nil
}

// Start launches the worker pools. It returns immediately; workers run
// until Stop is called.
func (m *Manager) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)
	m.group, ctx = errgroup.WithContext(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()

	for queue := range m.handlers {
		n := m.concurrency[queue]
		if n < 1 {
			n = 1
		}
		for i := 0; i < n; i++ {
			q := queue
			m.group.Go(func() error {
				m.runWorker(ctx, q)
				return nil
			})
		}
		m.logger.Info().Str("queue", string(queue)).Int("workers", n).Msg("queue workers started")
	}
}

// Stop cancels the workers and waits for in-flight jobs to finish or the
// context to expire.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cancel == nil {
		return nil
	}
	m.cancel()

	done := make(chan struct{})
	go func() {
		_ = m.group.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue workers did not drain: %w", ctx.Err())
	}
}

func (m *Manager) runWorker(ctx context.Context, queue Queue) {
	for {
		job, err := m.broker.Dequeue(ctx, queue)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			m.logger.Error().Err(err).Str("queue", string(queue)).Msg("dequeue failed")
			continue
		}

		m.process(ctx, job)
	}
}

func (m *Manager) process(ctx context.Context, job *Job) {
	log := m.logger.With().
		Str("queue", string(job.Queue)).
		Str("type", job.Type).
		Str("job_id", job.ID).
		Logger()

	h, ok := m.handler(job.Queue, job.Type)
	if !ok {
		job.LastError = ErrNoHandler.Error()
		if err := m.broker.Bury(ctx, job); err != nil {
			log.Error().Err(err).Msg("bury failed")
		}
		log.Warn().Msg("job buried: no handler registered")
		return
	}

	job.Attempt++
	if err := h(ctx, job); err != nil {
		job.LastError = err.Error()

		if job.Attempt >= job.MaxAttempts {
			if buryErr := m.broker.Bury(ctx, job); buryErr != nil {
				log.Error().Err(buryErr).Msg("bury failed")
			}
			log.Error().Err(err).Int("attempt", job.Attempt).Msg("job dead-lettered")
			return
		}

		delay := job.NextBackoff()
		if retryErr := m.broker.EnqueueDelayed(ctx, job, delay); retryErr != nil {
			log.Error().Err(retryErr).Msg("retry enqueue failed")
			return
		}
		log.Warn().Err(err).Int("attempt", job.Attempt).Dur("retry_in", delay).Msg("job failed, retrying")
		return
	}

	if err := m.broker.Complete(ctx, job); err != nil {
		log.Warn().Err(err).Msg("completed-list write failed")
	}
	log.Debug().Int("attempt", job.Attempt).Msg("job completed")
}

// Stats reports queue depths and dead-letter counts for every known queue.
func (m *Manager) Stats(ctx context.Context) (map[Queue]QueueStats, error) {
	out := make(map[Queue]QueueStats, len(Queues()))
	for _, q := range Queues() {
		depth, err := m.broker.Depth(ctx, q)
		if err != nil {
			return nil, err
		}
		dead, err := m.broker.DeadCount(ctx, q)
		if err != nil {
			return nil, err
		}
		completed, err := m.broker.CompletedCount(ctx, q)
		if err != nil {
			return nil, err
		}
		out[q] = QueueStats{Depth: depth, Dead: dead, Completed: completed}
	}
	return out, nil
}

// QueueStats summarizes one queue for the status endpoint.
type QueueStats struct {
	Depth     int64 `json:"depth"`
	Dead      int64 `json:"dead"`
	Completed int64 `json:"completed"`
}
