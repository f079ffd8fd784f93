package jobs

import (
	"context"
	"sync"
)

// MemoryQueue is an in-process Queue for tests and single-process use.
// Jobs are lost when the process exits.
type MemoryQueue struct {
	mu     sync.Mutex
	jobs   []*Job
	dead   []*Job
	closed bool
}

// NewMemoryQueue creates an empty queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

// Enqueue implements Queue.
func (q *MemoryQueue) Enqueue(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	c := *job
	q.jobs = append(q.jobs, &c)
	return nil
}

// Requeue implements Queue.
func (q *MemoryQueue) Requeue(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	c := *job
	q.jobs = append([]*Job{&c}, q.jobs...)
	return nil
}

// Dequeue implements Queue.
func (q *MemoryQueue) Dequeue(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if len(q.jobs) == 0 {
		return nil, ErrEmpty
	}
	job := q.jobs[0]
	q.jobs[0] = nil
	q.jobs = q.jobs[1:]
	return job, nil
}

// Len implements Queue.
func (q *MemoryQueue) Len(_ context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs), nil
}

// DeadLetter implements Queue.
func (q *MemoryQueue) DeadLetter(_ context.Context, job *Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrQueueClosed
	}
	c := *job
	q.dead = append(q.dead, &c)
	return nil
}

// DeadLetters implements Queue.
func (q *MemoryQueue) DeadLetters(_ context.Context) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, len(q.dead))
	for i, j := range q.dead {
		c := *j
		out[i] = &c
	}
	return out, nil
}

// Close implements Queue.
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
