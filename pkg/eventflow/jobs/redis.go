package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds Redis connection configuration.
type RedisConfig struct {
	Addr     string // Redis server address (host:port)
	Password string // Redis password (optional)
	DB       int    // Redis database number
	Key      string // List key; the dead-letter list is Key + ":dead". Default: "eventflow:jobs"
}

// RedisQueue is a Queue backed by two Redis lists. Jobs survive process
// restarts and may be shared by several executors.
type RedisQueue struct {
	client  *redis.Client
	key     string
	deadKey string
}

// NewRedisQueue connects to Redis and returns a queue.
func NewRedisQueue(ctx context.Context, config RedisConfig) (*RedisQueue, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return NewRedisQueueWithClient(client, config.Key), nil
}

// NewRedisQueueWithClient wraps an existing client. The queue owns the
// client and closes it on Close.
func NewRedisQueueWithClient(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = "eventflow:jobs"
	}
	return &RedisQueue{client: client, key: key, deadKey: key + ":dead"}
}

// Enqueue implements Queue.
func (q *RedisQueue) Enqueue(ctx context.Context, job *Job) error {
	return q.push(ctx, q.key, job)
}

// Requeue implements Queue. Jobs are pushed on the left and popped from
// the right, so the head is the right end.
func (q *RedisQueue) Requeue(ctx context.Context, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.client.RPush(ctx, q.key, data).Err(); err != nil {
		return fmt.Errorf("requeue job %s: %w", job.ID, err)
	}
	return nil
}

// Dequeue implements Queue.
func (q *RedisQueue) Dequeue(ctx context.Context) (*Job, error) {
	data, err := q.client.RPop(ctx, q.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrEmpty
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return decodeJob(data)
}

// Len implements Queue.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	n, err := q.client.LLen(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(n), nil
}

// DeadLetter implements Queue.
func (q *RedisQueue) DeadLetter(ctx context.Context, job *Job) error {
	return q.push(ctx, q.deadKey, job)
}

// DeadLetters implements Queue.
func (q *RedisQueue) DeadLetters(ctx context.Context) ([]*Job, error) {
	items, err := q.client.LRange(ctx, q.deadKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	// LPUSH stores newest first.
	jobs := make([]*Job, 0, len(items))
	for i := len(items) - 1; i >= 0; i-- {
		job, err := decodeJob([]byte(items[i]))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Close implements Queue.
func (q *RedisQueue) Close() error {
	return q.client.Close()
}

func (q *RedisQueue) push(ctx context.Context, key string, job *Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job %s: %w", job.ID, err)
	}
	if err := q.client.LPush(ctx, key, data).Err(); err != nil {
		return fmt.Errorf("push job %s: %w", job.ID, err)
	}
	return nil
}

func decodeJob(data []byte) (*Job, error) {
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job: %w", err)
	}
	return &job, nil
}
