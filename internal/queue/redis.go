package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyPrefix = "clinicore:queue:"

	// dequeuePollInterval is the BRPOP timeout. Short enough that delayed
	// jobs promote promptly, long enough to avoid hammering Redis.
	dequeuePollInterval = time.Second
)

// RedisBroker stores ready jobs in a list per queue, delayed jobs in a
// sorted set scored by ready-time, and dead-lettered jobs in a bounded list.
// Dequeue parks each job on a per-queue processing list until it is
// acknowledged (completed, buried, or re-enqueued for retry), so jobs held
// by a crashed worker process survive in Redis and are requeued on the next
// startup.
type RedisBroker struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds connection settings for the job broker.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBroker connects to Redis. Connectivity problems are logged, not
// fatal: the broker surfaces ErrBrokerUnavailable per operation so the
// server can start while Redis recovers.
func NewRedisBroker(cfg RedisConfig, logger zerolog.Logger) *RedisBroker {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	b := &RedisBroker{client: client, logger: logger.With().Str("component", "queue").Logger()}

	if err := client.Ping(context.Background()).Err(); err != nil {
		logger.Warn().Err(err).Str("addr", cfg.Addr).Msg("unable to reach redis")
	} else {
		logger.Info().Str("addr", cfg.Addr).Msg("connected to redis")
		b.recoverInflight(context.Background())
	}

	return b
}

func readyKey(q Queue) string      { return keyPrefix + string(q) }
func processingKey(q Queue) string { return keyPrefix + string(q) + ":processing" }
func delayedKey(q Queue) string    { return keyPrefix + string(q) + ":delayed" }
func deadKey(q Queue) string       { return keyPrefix + string(q) + ":dead" }
func completedKey(q Queue) string  { return keyPrefix + string(q) + ":completed" }

// Enqueue implements Broker.
func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if err := b.client.LPush(ctx, readyKey(job.Queue), payload).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// EnqueueDelayed implements Broker. Re-enqueueing a dequeued job for retry
// acknowledges its processing-list entry in the same transaction.
func (b *RedisBroker) EnqueueDelayed(ctx context.Context, job *Job, delay time.Duration) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	score := float64(time.Now().Add(delay).UnixMilli())

	pipe := b.client.TxPipeline()
	pipe.ZAdd(ctx, delayedKey(job.Queue), redis.Z{Score: score, Member: payload})
	if job.inflight != "" {
		pipe.LRem(ctx, processingKey(job.Queue), 1, job.inflight)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Dequeue implements Broker. Each poll cycle first promotes due delayed
// jobs, then blocks briefly on the ready list. The dequeued entry is moved
// onto the processing list, not deleted, and stays there until the job is
// completed, buried, or re-enqueued for retry.
func (b *RedisBroker) Dequeue(ctx context.Context, queue Queue) (*Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := b.promoteDelayed(ctx, queue); err != nil && !errors.Is(err, context.Canceled) {
			b.logger.Warn().Err(err).Str("queue", string(queue)).Msg("promote delayed jobs")
		}

		raw, err := b.client.BRPopLPush(ctx, readyKey(queue), processingKey(queue), dequeuePollInterval).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
		}

		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			b.client.LRem(ctx, processingKey(queue), 1, raw)
			b.logger.Error().Err(err).Str("queue", string(queue)).Msg("discarding undecodable job")
			continue
		}
		job.inflight = raw
		return &job, nil
	}
}

// promoteDelayed moves due members of the delayed zset onto the ready list.
func (b *RedisBroker) promoteDelayed(ctx context.Context, queue Queue) error {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	due, err := b.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return err
	}

	for _, member := range due {
		// Only the remover promotes; a concurrent worker that lost the
		// ZRem race skips the member.
		removed, err := b.client.ZRem(ctx, delayedKey(queue), member).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := b.client.LPush(ctx, readyKey(queue), member).Err(); err != nil {
			return err
		}
	}
	return nil
}

// Complete implements Broker.
func (b *RedisBroker) Complete(ctx context.Context, job *Job) error {
	return b.pushTrimmed(ctx, completedKey(job.Queue), job, job.retainCompleted())
}

// Bury implements Broker.
func (b *RedisBroker) Bury(ctx context.Context, job *Job) error {
	return b.pushTrimmed(ctx, deadKey(job.Queue), job, job.retainFailed())
}

func (b *RedisBroker) pushTrimmed(ctx context.Context, key string, job *Job, keep int64) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return err
	}
	pipe := b.client.TxPipeline()
	pipe.LPush(ctx, key, payload)
	pipe.LTrim(ctx, key, 0, keep-1)
	if job.inflight != "" {
		pipe.LRem(ctx, processingKey(job.Queue), 1, job.inflight)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// recoverInflight requeues processing-list entries left behind by a previous
// process that stopped without acknowledging them. Runs once at startup,
// before any worker dequeues; a requeued job may already have run, so
// handlers see at-least-once delivery.
func (b *RedisBroker) recoverInflight(ctx context.Context) {
	for _, q := range Queues() {
		var n int64
		for {
			_, err := b.client.RPopLPush(ctx, processingKey(q), readyKey(q)).Result()
			if errors.Is(err, redis.Nil) {
				break
			}
			if err != nil {
				b.logger.Warn().Err(err).Str("queue", string(q)).Msg("recover in-flight jobs")
				break
			}
			n++
		}
		if n > 0 {
			b.logger.Info().Int64("jobs", n).Str("queue", string(q)).Msg("requeued in-flight jobs from previous run")
		}
	}
}

// Depth implements Broker.
func (b *RedisBroker) Depth(ctx context.Context, queue Queue) (int64, error) {
	n, err := b.client.LLen(ctx, readyKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return n, nil
}

// DeadCount implements Broker.
func (b *RedisBroker) DeadCount(ctx context.Context, queue Queue) (int64, error) {
	n, err := b.client.LLen(ctx, deadKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return n, nil
}

// CompletedCount implements Broker.
func (b *RedisBroker) CompletedCount(ctx context.Context, queue Queue) (int64, error) {
	n, err := b.client.LLen(ctx, completedKey(queue)).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return n, nil
}

// DeadJobs implements Broker.
func (b *RedisBroker) DeadJobs(ctx context.Context, queue Queue, limit int64) ([]*Job, error) {
	raw, err := b.client.LRange(ctx, deadKey(queue), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}

	jobs := make([]*Job, 0, len(raw))
	for _, item := range raw {
		var job Job
		if err := json.Unmarshal([]byte(item), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

// Ping verifies broker connectivity, for health checks.
func (b *RedisBroker) Ping(ctx context.Context) error {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrBrokerUnavailable, err)
	}
	return nil
}

// Close implements Broker.
func (b *RedisBroker) Close() error {
	return b.client.Close()
}
