package queue

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Scheduler registers recurring jobs on cron expressions. Each firing only
// enqueues; execution and retry stay with the queue workers.
type Scheduler struct {
	cron    *cron.Cron
	manager *Manager
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

// NewScheduler creates a scheduler over the manager. Expressions use the
// standard five-field cron format.
func NewScheduler(manager *Manager, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		manager: manager,
		logger:  logger.With().Str("component", "scheduler").Logger(),
		entries: make(map[string]cron.EntryID),
	}
}

// RegisterRecurring schedules jobType on queue at cronExpr. Registration is
// idempotent on (queue, jobType, cronExpr): repeated calls with the same key
// are no-ops, so re-running startup wiring never doubles a schedule.
func (s *Scheduler) RegisterRecurring(queue Queue, jobType, cronExpr string, payload interface{}) error {
	key := fmt.Sprintf("%s|%s|%s", queue, jobType, cronExpr)

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[key]; exists {
		return nil
	}

	id, err := s.cron.AddFunc(cronExpr, func() {
		if _, err := s.manager.Enqueue(context.Background(), queue, jobType, payload); err != nil {
			s.logger.Error().Err(err).
				Str("queue", string(queue)).
				Str("type", jobType).
				Msg("scheduled enqueue failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", cronExpr, err)
	}

	s.entries[key] = id
	s.logger.Info().
		Str("queue", string(queue)).
		Str("type", jobType).
		Str("cron", cronExpr).
		Msg("recurring job registered")
	return nil
}

// EntryCount returns the number of distinct registered schedules.
func (s *Scheduler) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Start begins firing schedules.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts firing and waits for in-flight enqueue callbacks, bounded by
// ctx.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop().Done()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
