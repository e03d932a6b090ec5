package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// QueueName identifies one of the broker's named queues.
type QueueName string

const (
	QueueRegular    QueueName = "regular"
	QueuePriority   QueueName = "priority"
	QueueDeadLetter QueueName = "dead-letter"
)

// SendQueueFor returns the queue a job with the given effective priority
// belongs on: HIGH and above ride the priority queue.
func SendQueueFor(priority int) QueueName {
	if priority >= PriorityHigh {
		return QueuePriority
	}
	return QueueRegular
}

// EnqueueOptions carry the broker-side job options. Attempts is an upper
// bound only; the database retry_count is the authority on whether another
// attempt runs.
type EnqueueOptions struct {
	Priority int
	Attempts int
	Backoff  time.Duration // base of the exponential redelivery backoff
}

// QueueStats is a point-in-time view of one queue.
type QueueStats struct {
	Waiting   int64 `json:"waiting"`
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
}

// Queue is the broker contract the dispatcher and worker share. Delivery
// is at-least-once: a job stays visible until acked, and workers fence
// duplicates with per-transaction locks.
type Queue interface {
	// Enqueue makes the job available on the named queue. The job id is
	// the transaction id, so re-enqueueing the same transaction replaces
	// rather than duplicates.
	Enqueue(ctx context.Context, queue QueueName, job Job, opts EnqueueOptions) error

	// Dequeue returns up to limit jobs in scheduling order without
	// removing them; callers must lock before processing and Ack when done.
	Dequeue(ctx context.Context, queue QueueName, limit int) ([]Job, error)

	// ScheduleRetry parks the job on the queue's delayed set until due.
	ScheduleRetry(ctx context.Context, queue QueueName, job Job, due time.Time) error

	// PromoteDelayed moves due jobs from the delayed set back onto the
	// queue. Returns the number promoted.
	PromoteDelayed(ctx context.Context, queue QueueName, now time.Time) (int, error)

	// MoveToDeadLetter removes the job from the send queue and retains it
	// on the dead-letter queue indefinitely.
	MoveToDeadLetter(ctx context.Context, from QueueName, job Job) error

	// Ack removes a finished job from the queue and records the outcome
	// in the queue counters.
	Ack(ctx context.Context, queue QueueName, transactionID uuid.UUID, success bool) error

	// AcquireLock fences a transaction for one worker and counts it active
	// on the named queue. The TTL bounds how long a crashed worker can
	// hold a job invisible.
	AcquireLock(ctx context.Context, queue QueueName, transactionID uuid.UUID, workerID string, ttl time.Duration) (bool, error)

	// ReleaseLock releases the fence if workerID still holds it.
	ReleaseLock(ctx context.Context, queue QueueName, transactionID uuid.UUID, workerID string) error

	// Stats returns queue counters.
	Stats(ctx context.Context, queue QueueName) (*QueueStats, error)

	// Close releases the broker connection.
	Close() error
}

// Redis key patterns.
const (
	keyQueuePrefix = "dispatch:queue:"  // + name (zset: member=transaction id)
	keyDelayed     = ":delayed"         // suffix on a queue key (zset scored by due time)
	keyJobPrefix   = "dispatch:job:"    // + transaction id (hash: payload + options)
	keyLockPrefix  = "dispatch:lock:"   // + transaction id (SETNX fence)
	keyStatsPrefix = "dispatch:stats:"  // + name + :active|:completed|:failed
)

// RedisQueue implements Queue on Redis sorted sets.
//
// Scheduling score is priority*1e19 - enqueueNanos: priority dominates the
// timestamp term, and within a priority older enqueues score higher, which
// gives FIFO per priority level under ZREVRANGE extraction.
type RedisQueue struct {
	client *redis.Client
}

// NewRedisQueue connects to Redis and verifies the connection.
// URL format: redis://[:password@]host:port[/db]
func NewRedisQueue(redisURL string) (*RedisQueue, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisQueue{client: client}, nil
}

// NewRedisQueueFromClient wraps an existing client.
func NewRedisQueueFromClient(client *redis.Client) *RedisQueue {
	return &RedisQueue{client: client}
}

func queueKey(name QueueName) string   { return keyQueuePrefix + string(name) }
func delayedKey(name QueueName) string { return keyQueuePrefix + string(name) + keyDelayed }
func jobKey(id uuid.UUID) string       { return keyJobPrefix + id.String() }
func statsKey(name QueueName, counter string) string {
	return keyStatsPrefix + string(name) + ":" + counter
}

func scheduleScore(priority int, at time.Time) float64 {
	return float64(priority)*1e19 - float64(at.UnixNano())
}

// Enqueue stores the job payload and adds the transaction id to the queue.
func (q *RedisQueue) Enqueue(ctx context.Context, queue QueueName, job Job, opts EnqueueOptions) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.HSet(ctx, jobKey(job.TransactionID), map[string]interface{}{
		"payload":     payload,
		"priority":    opts.Priority,
		"attempts":    opts.Attempts,
		"backoff_ms":  opts.Backoff.Milliseconds(),
		"enqueued_at": time.Now().UnixNano(),
	})
	pipe.ZAdd(ctx, queueKey(queue), redis.Z{
		Score:  scheduleScore(opts.Priority, time.Now()),
		Member: job.TransactionID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Dequeue returns the highest-scored jobs without removing them.
func (q *RedisQueue) Dequeue(ctx context.Context, queue QueueName, limit int) ([]Job, error) {
	ids, err := q.client.ZRevRange(ctx, queueKey(queue), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to dequeue: %w", err)
	}

	jobs := make([]Job, 0, len(ids))
	for _, idStr := range ids {
		id, err := uuid.Parse(idStr)
		if err != nil {
			continue
		}
		payload, err := q.client.HGet(ctx, jobKey(id), "payload").Result()
		if err != nil {
			// Payload evicted or never written; drop the orphaned member.
			q.client.ZRem(ctx, queueKey(queue), idStr)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(payload), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// ScheduleRetry moves the job onto the queue's delayed set, scored by due
// time. PromoteDelayed returns it once due.
func (q *RedisQueue) ScheduleRetry(ctx context.Context, queue QueueName, job Job, due time.Time) error {
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, queueKey(queue), job.TransactionID.String())
	pipe.ZAdd(ctx, delayedKey(queue), redis.Z{
		Score:  float64(due.Unix()),
		Member: job.TransactionID.String(),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to schedule retry: %w", err)
	}
	return nil
}

// PromoteDelayed moves due members from the delayed set back to the queue,
// rescoring them with their original priority so tier ordering survives
// the round trip.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, queue QueueName, now time.Time) (int, error) {
	due, err := q.client.ZRangeByScore(ctx, delayedKey(queue), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: 100,
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to read delayed set: %w", err)
	}
	if len(due) == 0 {
		return 0, nil
	}

	promoted := 0
	for _, idStr := range due {
		id, err := uuid.Parse(idStr)
		if err != nil {
			q.client.ZRem(ctx, delayedKey(queue), idStr)
			continue
		}
		priority, err := q.client.HGet(ctx, jobKey(id), "priority").Int()
		if err != nil {
			priority = PriorityLow
		}
		pipe := q.client.Pipeline()
		pipe.ZRem(ctx, delayedKey(queue), idStr)
		pipe.ZAdd(ctx, queueKey(queue), redis.Z{
			Score:  scheduleScore(priority, now),
			Member: idStr,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return promoted, fmt.Errorf("failed to promote delayed job: %w", err)
		}
		promoted++
	}
	return promoted, nil
}

// MoveToDeadLetter removes the job from its send queue (and delayed set)
// and retains it on the dead-letter queue. Dead-letter members keep their
// payload for manual inspection and replay.
func (q *RedisQueue) MoveToDeadLetter(ctx context.Context, from QueueName, job Job) error {
	idStr := job.TransactionID.String()
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, queueKey(from), idStr)
	pipe.ZRem(ctx, delayedKey(from), idStr)
	pipe.ZAdd(ctx, queueKey(QueueDeadLetter), redis.Z{
		Score:  float64(time.Now().Unix()),
		Member: idStr,
	})
	pipe.Incr(ctx, statsKey(from, "failed"))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to move job to dead-letter: %w", err)
	}
	return nil
}

// Ack removes the job from the queue and drops its payload. success=false
// acks without counting a completion (the dead-letter move already counted
// the failure).
func (q *RedisQueue) Ack(ctx context.Context, queue QueueName, transactionID uuid.UUID, success bool) error {
	idStr := transactionID.String()
	pipe := q.client.Pipeline()
	pipe.ZRem(ctx, queueKey(queue), idStr)
	pipe.ZRem(ctx, delayedKey(queue), idStr)
	pipe.Del(ctx, jobKey(transactionID))
	if success {
		pipe.Incr(ctx, statsKey(queue, "completed"))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to ack job: %w", err)
	}
	return nil
}

// AcquireLock takes the per-transaction processing fence via SET NX EX.
func (q *RedisQueue) AcquireLock(ctx context.Context, queue QueueName, transactionID uuid.UUID, workerID string, ttl time.Duration) (bool, error) {
	ok, err := q.client.SetNX(ctx, keyLockPrefix+transactionID.String(), workerID, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if ok {
		q.client.Incr(ctx, statsKey(queue, "active"))
	}
	return ok, nil
}

// ReleaseLock releases the fence only if workerID still holds it.
func (q *RedisQueue) ReleaseLock(ctx context.Context, queue QueueName, transactionID uuid.UUID, workerID string) error {
	script := redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	released, err := script.Run(ctx, q.client, []string{keyLockPrefix + transactionID.String()}, workerID).Int()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	if released == 1 {
		q.client.Decr(ctx, statsKey(queue, "active"))
	}
	return nil
}

// Stats returns the queue counters. Waiting counts both ready and delayed
// members.
func (q *RedisQueue) Stats(ctx context.Context, queue QueueName) (*QueueStats, error) {
	pipe := q.client.Pipeline()
	readyCmd := pipe.ZCard(ctx, queueKey(queue))
	delayedCmd := pipe.ZCard(ctx, delayedKey(queue))
	activeCmd := pipe.Get(ctx, statsKey(queue, "active"))
	completedCmd := pipe.Get(ctx, statsKey(queue, "completed"))
	failedCmd := pipe.Get(ctx, statsKey(queue, "failed"))
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to get queue stats: %w", err)
	}

	stats := &QueueStats{
		Waiting: readyCmd.Val() + delayedCmd.Val(),
	}
	if n, err := activeCmd.Int64(); err == nil {
		stats.Active = n
	}
	if n, err := completedCmd.Int64(); err == nil {
		stats.Completed = n
	}
	if n, err := failedCmd.Int64(); err == nil {
		stats.Failed = n
	}
	return stats, nil
}

// Close closes the Redis connection.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}
