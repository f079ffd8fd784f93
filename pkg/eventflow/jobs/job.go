// Package jobs implements async dispatch: a durable work queue of matched
// actions and an executor that replays them through the dispatch gateway.
//
// Delivery is at-least-once. Jobs that target the same instance or the same
// dedup reference are executed in enqueue order; unrelated jobs may run
// concurrently.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// Job is one queued action.
type Job struct {
	ID         string          `json:"id"`
	Match      correlate.Match `json:"match"`
	Event      event.Instance  `json:"event"`
	Attempts   int             `json:"attempts,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	LastError  string          `json:"last_error,omitempty"`
}

// NewJob creates a job for a match.
func NewJob(m correlate.Match, evt event.Instance) *Job {
	return &Job{
		ID:         uuid.New().String(),
		Match:      m,
		Event:      evt,
		EnqueuedAt: time.Now().UTC(),
	}
}

// PartitionKey groups jobs that must run in order. Every signal is keyed by
// its target instance, whether it came from an instance subscription or a
// dedup start converted by the matcher. Dedup starts are keyed by their
// reference and plain starts by their subscription.
func (j *Job) PartitionKey() string {
	a := j.Match.Action
	switch {
	case a.Kind == correlate.ActionSignal:
		return "instance:" + a.InstanceID
	case a.Deduplicated():
		return "ref:" + a.Lineage + "/" + a.ReferenceID
	case j.Match.Subscription != nil:
		return "sub:" + j.Match.Subscription.ID
	default:
		return "job:" + j.ID
	}
}

// ErrEmpty is returned by Dequeue when no job is waiting.
var ErrEmpty = errors.New("queue empty")

// ErrQueueClosed indicates the queue has been closed.
var ErrQueueClosed = errors.New("queue closed")

// Queue is a FIFO of jobs with a dead-letter list.
// Implementations must be safe for concurrent use.
type Queue interface {
	// Enqueue appends a job.
	Enqueue(ctx context.Context, job *Job) error

	// Requeue returns a job to the head of the queue so it is dequeued
	// before anything enqueued after it.
	Requeue(ctx context.Context, job *Job) error

	// Dequeue removes and returns the oldest job, or ErrEmpty.
	Dequeue(ctx context.Context) (*Job, error)

	// Len returns the number of waiting jobs.
	Len(ctx context.Context) (int, error)

	// DeadLetter records a job that will not be retried.
	DeadLetter(ctx context.Context, job *Job) error

	// DeadLetters returns dead-lettered jobs, oldest first.
	DeadLetters(ctx context.Context) ([]*Job, error)

	// Close releases resources.
	Close() error
}

// Enqueuer adapts a Queue to the dispatch gateway's async contract.
type Enqueuer struct {
	queue Queue
}

// NewEnqueuer creates an Enqueuer writing to q.
func NewEnqueuer(q Queue) *Enqueuer {
	return &Enqueuer{queue: q}
}

// Enqueue implements dispatch.Enqueuer.
func (e *Enqueuer) Enqueue(ctx context.Context, m correlate.Match, evt event.Instance) (string, error) {
	job := NewJob(m, evt)
	if err := e.queue.Enqueue(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}
