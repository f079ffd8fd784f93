package jobs

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
	"github.com/randalmurphal/eventflow/pkg/eventflow/dispatch"
	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
	"github.com/randalmurphal/eventflow/pkg/eventflow/observability"
)

// Handler executes one action synchronously. *dispatch.Gateway implements it.
type Handler interface {
	Execute(ctx context.Context, m correlate.Match, evt event.Instance) dispatch.Outcome
}

// Job outcomes reported to metrics.
const (
	OutcomeCompleted    = "completed"
	OutcomeRequeued     = "requeued"
	OutcomeDeadLettered = "dead_lettered"
)

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// WithWorkers sets the number of partitioned workers used by Run.
// Default: 4.
func WithWorkers(n int) ExecutorOption {
	return func(e *Executor) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithPollInterval sets how long Run waits after finding the queue empty.
// Default: 100ms.
func WithPollInterval(d time.Duration) ExecutorOption {
	return func(e *Executor) {
		if d > 0 {
			e.pollInterval = d
		}
	}
}

// WithRetry sets the per-job retry policy. Default: eferrors.DefaultRetry.
func WithRetry(cfg eferrors.RetryConfig) ExecutorOption {
	return func(e *Executor) { e.retry = cfg }
}

// WithExecutorLogger sets the logger.
func WithExecutorLogger(logger *slog.Logger) ExecutorOption {
	return func(e *Executor) { e.logger = logger }
}

// WithExecutorMetrics sets the metrics recorder.
func WithExecutorMetrics(metrics observability.MetricsRecorder) ExecutorOption {
	return func(e *Executor) { e.metrics = metrics }
}

// Executor replays queued jobs through a Handler.
type Executor struct {
	queue        Queue
	handler      Handler
	workers      int
	pollInterval time.Duration
	retry        eferrors.RetryConfig
	logger       *slog.Logger
	metrics      observability.MetricsRecorder
}

// NewExecutor creates an executor for queue.
func NewExecutor(queue Queue, handler Handler, opts ...ExecutorOption) *Executor {
	e := &Executor{
		queue:        queue,
		handler:      handler,
		workers:      4,
		pollInterval: 100 * time.Millisecond,
		retry:        eferrors.DefaultRetry,
		logger:       slog.Default(),
		metrics:      observability.NoopMetrics{},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Drain processes jobs on the calling goroutine until the queue is empty
// and returns the outcomes in execution order. Jobs enqueued while draining
// are processed too.
func (e *Executor) Drain(ctx context.Context) ([]dispatch.Outcome, error) {
	var outcomes []dispatch.Outcome
	for {
		if err := ctx.Err(); err != nil {
			return outcomes, err
		}
		job, err := e.queue.Dequeue(ctx)
		if errors.Is(err, ErrEmpty) {
			return outcomes, nil
		}
		if err != nil {
			return outcomes, err
		}
		out, err := e.process(ctx, job)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, out)
	}
}

// Run polls the queue until ctx is cancelled. Jobs are fanned out to
// workers by partition key so jobs sharing a key keep their order.
//
// On cancellation the poller stops and workers finish the jobs already
// handed to them before Run returns nil.
func (e *Executor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	workCtx := context.WithoutCancel(ctx)

	partitions := make([]chan *Job, e.workers)
	for i := range partitions {
		partitions[i] = make(chan *Job, 16)
		ch := partitions[i]
		g.Go(func() error {
			for job := range ch {
				// A queue failure loses at most this job's bookkeeping;
				// the worker keeps consuming so the poller never blocks.
				if _, err := e.process(workCtx, job); err != nil {
					observability.LogQueueError(e.logger, job.ID, err)
				}
			}
			return nil
		})
	}

	g.Go(func() error {
		defer func() {
			for _, ch := range partitions {
				close(ch)
			}
		}()
		for ctx.Err() == nil {
			job, err := e.queue.Dequeue(ctx)
			switch {
			case errors.Is(err, ErrEmpty):
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(e.pollInterval):
				}
				continue
			case err != nil:
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("dequeue: %w", err)
			}

			// Workers never stop consuming before their channel closes, so
			// this send always completes and a dequeued job is never lost.
			partitions[partition(job.PartitionKey(), len(partitions))] <- job
		}
		return nil
	})

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// process executes one job with retries. Transient failures that exhaust
// their retries and permanent failures are dead-lettered; a job interrupted
// by cancellation goes back to the head of the queue. The returned error is only set when the
// queue itself fails.
func (e *Executor) process(ctx context.Context, job *Job) (dispatch.Outcome, error) {
	retry := e.retry
	retry.OnRetry = func(attempt int, err error, wait time.Duration) {
		observability.LogJobRetry(e.logger, job.ID, attempt, err, wait)
	}
	result := eferrors.WithRetryContext(ctx, retry, func(ctx context.Context) (dispatch.Outcome, error) {
		job.Attempts++
		out := e.handler.Execute(ctx, job.Match, job.Event)
		return out, out.Err
	})

	if result.Err == nil {
		e.metrics.RecordJob(ctx, OutcomeCompleted)
		return result.Value, nil
	}

	out := result.Value
	out.SubscriptionID = job.Match.Subscription.ID
	out.Action = job.Match.Action
	out.Err = result.Err
	job.LastError = result.Err.Error()

	if ctx.Err() != nil {
		e.metrics.RecordJob(ctx, OutcomeRequeued)
		if err := e.queue.Requeue(context.WithoutCancel(ctx), job); err != nil {
			return out, fmt.Errorf("requeue job %s: %w", job.ID, err)
		}
		return out, nil
	}

	observability.LogJobDeadLettered(e.logger, job.ID, job.Attempts, result.Err)
	e.metrics.RecordJob(ctx, OutcomeDeadLettered)
	if err := e.queue.DeadLetter(ctx, job); err != nil {
		return out, fmt.Errorf("dead-letter job %s: %w", job.ID, err)
	}
	return out, nil
}

func partition(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
