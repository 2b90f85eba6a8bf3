package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/camber-io/camber/pkg/log"
	"github.com/camber-io/camber/pkg/metrics"
)

const (
	readyKey      = "camber:queue:ready"
	processingKey = "camber:queue:processing"
	delayedKey    = "camber:queue:delayed"
	deadlinesKey  = "camber:queue:deadlines"

	defaultVisibilityTimeout = 60 * time.Second
	dequeueBlock             = 2 * time.Second
	housekeepingTick         = 5 * time.Second
)

// RedisQueue is the durable queue driver: a Redis list for ready jobs, a
// processing list with per-job visibility deadlines, and a sorted set for
// delayed delivery. Jobs whose consumer misses the ack deadline are
// returned to the ready list by the housekeeping loop, giving
// at-least-once semantics.
type RedisQueue struct {
	client            *redis.Client
	visibilityTimeout time.Duration
	stopCh            chan struct{}
}

// NewRedisQueue connects to addr and starts the housekeeping loop
func NewRedisQueue(ctx context.Context, addr string, db int) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	q := &RedisQueue{
		client:            client,
		visibilityTimeout: defaultVisibilityTimeout,
		stopCh:            make(chan struct{}),
	}
	go q.housekeeping()
	return q, nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, job *ExecutionJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueue job: %w", err)
	}
	metrics.QueueJobsTotal.WithLabelValues("enqueued").Inc()
	return nil
}

func (q *RedisQueue) EnqueueDelayed(ctx context.Context, job *ExecutionJob, delay time.Duration) error {
	if delay <= 0 {
		return q.Enqueue(ctx, job)
	}
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	due := float64(time.Now().Add(delay).UnixMilli())
	if err := q.client.ZAdd(ctx, delayedKey, redis.Z{Score: due, Member: payload}).Err(); err != nil {
		return fmt.Errorf("enqueue delayed job: %w", err)
	}
	metrics.QueueJobsTotal.WithLabelValues("enqueued").Inc()
	return nil
}

func (q *RedisQueue) Dequeue(ctx context.Context) (Delivery, error) {
	payload, err := q.client.BLMove(ctx, readyKey, processingKey, "RIGHT", "LEFT", dequeueBlock).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}

	deadline := time.Now().Add(q.visibilityTimeout).UnixMilli()
	if err := q.client.HSet(ctx, deadlinesKey, payload, strconv.FormatInt(deadline, 10)).Err(); err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("failed to record job deadline")
	}

	var job ExecutionJob
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		// Poison payload; drop it so it cannot wedge the queue.
		q.discard(ctx, payload)
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &redisDelivery{queue: q, payload: payload, job: &job}, nil
}

func (q *RedisQueue) discard(ctx context.Context, payload string) {
	q.client.LRem(ctx, processingKey, 1, payload)
	q.client.HDel(ctx, deadlinesKey, payload)
}

func (q *RedisQueue) Stats(ctx context.Context) (Stats, error) {
	ready, err := q.client.LLen(ctx, readyKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	delayed, err := q.client.ZCard(ctx, delayedKey).Result()
	if err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}
	metrics.QueueDepth.WithLabelValues("ready").Set(float64(ready))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(delayed))
	return Stats{Driver: "durable", Durable: true, Backlog: ready + delayed}, nil
}

func (q *RedisQueue) Close() error {
	close(q.stopCh)
	return q.client.Close()
}

// housekeeping promotes due delayed jobs and reaps expired deliveries
func (q *RedisQueue) housekeeping() {
	ticker := time.NewTicker(housekeepingTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), housekeepingTick)
			q.promoteDelayed(ctx)
			q.reapExpired(ctx)
			cancel()
		case <-q.stopCh:
			return
		}
	}
}

func (q *RedisQueue) promoteDelayed(ctx context.Context) {
	now := strconv.FormatInt(time.Now().UnixMilli(), 10)
	payloads, err := q.client.ZRangeByScore(ctx, delayedKey, &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 100,
	}).Result()
	if err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("failed to scan delayed jobs")
		return
	}
	for _, payload := range payloads {
		removed, err := q.client.ZRem(ctx, delayedKey, payload).Result()
		if err != nil || removed == 0 {
			continue // another housekeeper claimed it
		}
		if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
			log.WithComponent("queue").Error().Err(err).Msg("failed to promote delayed job")
			q.client.ZAdd(ctx, delayedKey, redis.Z{Score: float64(time.Now().UnixMilli()), Member: payload})
		}
	}
}

func (q *RedisQueue) reapExpired(ctx context.Context) {
	deadlines, err := q.client.HGetAll(ctx, deadlinesKey).Result()
	if err != nil {
		log.WithComponent("queue").Error().Err(err).Msg("failed to scan job deadlines")
		return
	}
	now := time.Now().UnixMilli()
	for payload, raw := range deadlines {
		deadline, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || deadline > now {
			continue
		}
		removed, err := q.client.LRem(ctx, processingKey, 1, payload).Result()
		if err != nil || removed == 0 {
			q.client.HDel(ctx, deadlinesKey, payload)
			continue
		}
		q.client.HDel(ctx, deadlinesKey, payload)
		if err := q.client.LPush(ctx, readyKey, payload).Err(); err != nil {
			log.WithComponent("queue").Error().Err(err).Msg("failed to requeue expired job")
			continue
		}
		metrics.QueueJobsTotal.WithLabelValues("reaped").Inc()
		log.WithComponent("queue").Warn().Msg("requeued job past its visibility timeout")
	}
}

type redisDelivery struct {
	queue   *RedisQueue
	payload string
	job     *ExecutionJob
}

func (d *redisDelivery) Job() *ExecutionJob { return d.job }

func (d *redisDelivery) Ack(ctx context.Context) error {
	d.queue.discard(ctx, d.payload)
	metrics.QueueJobsTotal.WithLabelValues("acked").Inc()
	return nil
}

func (d *redisDelivery) Nack(ctx context.Context, delay time.Duration) error {
	d.queue.discard(ctx, d.payload)
	metrics.QueueJobsTotal.WithLabelValues("nacked").Inc()

	// Preserve the payload's executionId; bump only the attempt counter.
	job := *d.job
	job.Attempt++
	return d.queue.EnqueueDelayed(ctx, &job, delay)
}

var _ Queue = (*RedisQueue)(nil)
