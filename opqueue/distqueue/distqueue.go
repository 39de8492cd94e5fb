// Package distqueue is an optional Redis-backed operation queue for host
// applications that run more than one engine process against the same
// backend (e.g. a desktop companion process fronting several mobile
// sessions). It implements the same submit/dequeue/complete vocabulary as
// opqueue.Queue but against shared Redis state instead of in-process
// channels.
package distqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job is a dispatched operation descriptor: enough to reconstruct and run
// the operation on whichever process dequeues it.
type Job struct {
	ID         string          `json:"id"`
	Class      string          `json:"class"`
	Solution   string          `json:"solution"`
	Kind       string          `json:"kind"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	RetryCount int             `json:"retryCount"`
}

// Queue is a Redis-backed distributed job queue.
type Queue struct {
	client *redis.Client
	prefix string
}

// Config configures a distributed Queue.
type Config struct {
	RedisURL  string
	KeyPrefix string // defaults to "aiqsync:queue:"
}

// New connects to Redis and returns a ready Queue.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("distqueue: parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("distqueue: connect: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "aiqsync:queue:"
	}

	return &Queue{client: client, prefix: prefix}, nil
}

// Close closes the Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) queueKey(class string) string {
	return q.prefix + class
}

func (q *Queue) processingKey() string {
	return q.prefix + "processing"
}

// Enqueue pushes a job onto its class's list.
func (q *Queue) Enqueue(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("distqueue: encode job: %w", err)
	}
	return q.client.RPush(ctx, q.queueKey(job.Class), data).Err()
}

// Dequeue blocks up to timeout waiting for a job on class, returning nil if
// none arrives.
func (q *Queue) Dequeue(ctx context.Context, class string, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.queueKey(class)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("distqueue: dequeue: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("distqueue: decode job: %w", err)
	}
	return &job, nil
}

// MarkProcessing records that jobID is being worked on, with a deadline
// after which it is assumed abandoned.
func (q *Queue) MarkProcessing(ctx context.Context, jobID string, deadline time.Time) error {
	return q.client.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(deadline.Unix()), Member: jobID}).Err()
}

// CompleteJob removes jobID from the processing set.
func (q *Queue) CompleteJob(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.processingKey(), jobID).Err()
}

// FailJob removes jobID from the processing set and, if requeue is true,
// re-enqueues it on its class with an incremented retry count.
func (q *Queue) FailJob(ctx context.Context, job Job, requeue bool) error {
	if err := q.CompleteJob(ctx, job.ID); err != nil {
		return err
	}
	if !requeue {
		return nil
	}
	job.RetryCount++
	job.EnqueuedAt = time.Now()
	return q.Enqueue(ctx, job)
}

// Depth returns the number of jobs waiting in a class's queue.
func (q *Queue) Depth(ctx context.Context, class string) (int64, error) {
	return q.client.LLen(ctx, q.queueKey(class)).Result()
}
