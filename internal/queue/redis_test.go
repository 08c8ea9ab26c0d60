package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
)

func newTestRedisBroker(t *testing.T) (*RedisBroker, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	b := NewRedisBroker(RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = b.Close() })
	return b, mr
}

func redisListLen(t *testing.T, b *RedisBroker, key string) int64 {
	t.Helper()
	n, err := b.client.LLen(context.Background(), key).Result()
	if err != nil {
		t.Fatalf("llen %s: %v", key, err)
	}
	return n
}

func TestRedisBroker_DequeueParksJobUntilAcknowledged(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := NewJob(QueueClaims, "submit_claim", nil)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := b.Dequeue(ctx, QueueClaims)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if got.ID != job.ID {
		t.Fatalf("dequeued job %s, want %s", got.ID, job.ID)
	}
	if n := redisListLen(t, b, processingKey(QueueClaims)); n != 1 {
		t.Fatalf("expected 1 in-flight entry, got %d", n)
	}

	if err := b.Complete(ctx, got); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if n := redisListLen(t, b, processingKey(QueueClaims)); n != 0 {
		t.Fatalf("expected in-flight entry cleared on complete, got %d", n)
	}
	completed, err := b.CompletedCount(ctx, QueueClaims)
	if err != nil {
		t.Fatalf("completed count: %v", err)
	}
	if completed != 1 {
		t.Fatalf("expected 1 completed job, got %d", completed)
	}
}

func TestRedisBroker_BuryClearsInflightEntry(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := NewJob(QueueInventory, "low_stock_check", nil)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := b.Dequeue(ctx, QueueInventory)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	got.LastError = "handler gave up"
	if err := b.Bury(ctx, got); err != nil {
		t.Fatalf("bury: %v", err)
	}

	if n := redisListLen(t, b, processingKey(QueueInventory)); n != 0 {
		t.Fatalf("expected in-flight entry cleared on bury, got %d", n)
	}
	dead, err := b.DeadCount(ctx, QueueInventory)
	if err != nil {
		t.Fatalf("dead count: %v", err)
	}
	if dead != 1 {
		t.Fatalf("expected 1 dead job, got %d", dead)
	}
}

func TestRedisBroker_RetryAcknowledgesInflightEntry(t *testing.T) {
	b, _ := newTestRedisBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := NewJob(QueueNotifications, "deliver", nil)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	got, err := b.Dequeue(ctx, QueueNotifications)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	got.Attempt++
	if err := b.EnqueueDelayed(ctx, got, 10*time.Millisecond); err != nil {
		t.Fatalf("enqueue delayed: %v", err)
	}
	if n := redisListLen(t, b, processingKey(QueueNotifications)); n != 0 {
		t.Fatalf("expected in-flight entry cleared on retry, got %d", n)
	}

	time.Sleep(20 * time.Millisecond)
	again, err := b.Dequeue(ctx, QueueNotifications)
	if err != nil {
		t.Fatalf("dequeue after delay: %v", err)
	}
	if again.ID != job.ID || again.Attempt != 1 {
		t.Fatalf("expected retried job %s attempt 1, got %s attempt %d", job.ID, again.ID, again.Attempt)
	}
}

func TestRedisBroker_StartupRequeuesAbandonedJobs(t *testing.T) {
	b, mr := newTestRedisBroker(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	job, err := NewJob(QueueClaims, "submit_claim", nil)
	if err != nil {
		t.Fatalf("new job: %v", err)
	}
	if err := b.Enqueue(ctx, job); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := b.Dequeue(ctx, QueueClaims); err != nil {
		t.Fatalf("dequeue: %v", err)
	}

	// The job is in flight and never acknowledged, as after a worker crash.
	// A fresh broker against the same Redis must hand it out again.
	b2 := NewRedisBroker(RedisConfig{Addr: mr.Addr()}, zerolog.Nop())
	t.Cleanup(func() { _ = b2.Close() })

	if n := redisListLen(t, b2, processingKey(QueueClaims)); n != 0 {
		t.Fatalf("expected processing list drained on startup, got %d", n)
	}
	depth, err := b2.Depth(ctx, QueueClaims)
	if err != nil {
		t.Fatalf("depth: %v", err)
	}
	if depth != 1 {
		t.Fatalf("expected requeued job on ready list, got depth %d", depth)
	}
	got, err := b2.Dequeue(ctx, QueueClaims)
	if err != nil {
		t.Fatalf("dequeue after recovery: %v", err)
	}
	if got.ID != job.ID {
		t.Fatalf("recovered job %s, want %s", got.ID, job.ID)
	}
}
