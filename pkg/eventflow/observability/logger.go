// Package observability provides structured logging, metrics and tracing
// for eventflow.
//
// Features:
//   - Structured logging via slog (Go stdlib)
//   - Metrics via OpenTelemetry
//   - Tracing via OpenTelemetry
//
// All features are opt-in and have no-op implementations when disabled.
// Every log helper accepts a nil logger.
package observability

import (
	"log/slog"
	"time"
)

// EnrichLogger adds event routing context to a logger.
// Returns a new logger with channel, event_key and tenant_id fields.
//
// Example:
//
//	enriched := EnrichLogger(logger, "orders", "myEvent", "acme")
//	enriched.Info("matched") // includes channel, event_key, tenant_id
func EnrichLogger(logger *slog.Logger, channelKey, eventKey, tenantID string) *slog.Logger {
	if logger == nil {
		return nil
	}
	return logger.With(
		slog.String("channel", channelKey),
		slog.String("event_key", eventKey),
		slog.String("tenant_id", tenantID),
	)
}

// LogEventReceived logs a message that made it through the pipeline.
func LogEventReceived(logger *slog.Logger, channelKey string, events int, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Debug("event received",
		slog.String("channel", channelKey),
		slog.Int("events", events),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogEventDropped logs a message the pipeline could not route. Dropped
// messages are never retried.
func LogEventDropped(logger *slog.Logger, channelKey string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("event dropped",
		slog.String("channel", channelKey),
		slog.String("error", err.Error()),
	)
}

// LogStaleSubscription logs a subscription skipped during matching.
func LogStaleSubscription(logger *slog.Logger, subscriptionID, definitionID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("stale subscription skipped",
		slog.String("subscription_id", subscriptionID),
		slog.String("definition_id", definitionID),
		slog.String("error", err.Error()),
	)
}

// LogMatch logs one subscription that fired.
func LogMatch(logger *slog.Logger, subscriptionID, action, instanceID string) {
	if logger == nil {
		return
	}
	logger.Debug("subscription matched",
		slog.String("subscription_id", subscriptionID),
		slog.String("action", action),
		slog.String("instance_id", instanceID),
	)
}

// LogDispatch logs a completed action.
func LogDispatch(logger *slog.Logger, subscriptionID, action, mode, instanceID string, durationMs float64) {
	if logger == nil {
		return
	}
	logger.Info("action dispatched",
		slog.String("subscription_id", subscriptionID),
		slog.String("action", action),
		slog.String("mode", mode),
		slog.String("instance_id", instanceID),
		slog.Float64("duration_ms", durationMs),
	)
}

// LogDispatchError logs a failed action. Sibling actions are unaffected.
func LogDispatchError(logger *slog.Logger, subscriptionID, action string, err error) {
	if logger == nil {
		return
	}
	logger.Error("dispatch failed",
		slog.String("subscription_id", subscriptionID),
		slog.String("action", action),
		slog.String("error", err.Error()),
	)
}

// LogOrphanedInstance logs an instance started for a dedup key whose
// reference could not be bound. compensateErr is nil when the instance was
// terminated.
func LogOrphanedInstance(logger *slog.Logger, subscriptionID, instanceID, referenceID string, err, compensateErr error) {
	if logger == nil {
		return
	}
	attrs := []any{
		slog.String("subscription_id", subscriptionID),
		slog.String("instance_id", instanceID),
		slog.String("reference_id", referenceID),
		slog.String("error", err.Error()),
	}
	if compensateErr != nil {
		attrs = append(attrs, slog.String("terminate_error", compensateErr.Error()))
		logger.Error("orphaned instance left running", attrs...)
		return
	}
	logger.Warn("orphaned instance terminated", attrs...)
}

// LogDefinitionLookupFailed logs a definition that could not be read while
// resolving an instance. The caller falls back to default behavior.
func LogDefinitionLookupFailed(logger *slog.Logger, definitionID string, err error) {
	if logger == nil {
		return
	}
	logger.Warn("definition lookup failed",
		slog.String("definition_id", definitionID),
		slog.String("error", err.Error()),
	)
}

// LogJobRetry logs a job attempt that will be retried.
func LogJobRetry(logger *slog.Logger, jobID string, attempt int, err error, wait time.Duration) {
	if logger == nil {
		return
	}
	logger.Warn("job attempt failed",
		slog.String("job_id", jobID),
		slog.Int("attempt", attempt),
		slog.Duration("retry_in", wait),
		slog.String("error", err.Error()),
	)
}

// LogJobDeadLettered logs a job moved to the dead-letter list.
func LogJobDeadLettered(logger *slog.Logger, jobID string, attempts int, err error) {
	if logger == nil {
		return
	}
	logger.Error("job dead-lettered",
		slog.String("job_id", jobID),
		slog.Int("attempts", attempts),
		slog.String("error", err.Error()),
	)
}

// LogQueueError logs a failure of the job queue backend.
func LogQueueError(logger *slog.Logger, jobID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("job queue failed",
		slog.String("job_id", jobID),
		slog.String("error", err.Error()),
	)
}

// LogLifecycle logs a definition lifecycle transition.
func LogLifecycle(logger *slog.Logger, transition, lineage, definitionID string, created, removed int) {
	if logger == nil {
		return
	}
	logger.Info("definition lifecycle",
		slog.String("transition", transition),
		slog.String("lineage", lineage),
		slog.String("definition_id", definitionID),
		slog.Int("subscriptions_created", created),
		slog.Int("subscriptions_removed", removed),
	)
}

// LogLifecycleError logs a rejected lifecycle transition.
func LogLifecycleError(logger *slog.Logger, transition, definitionID string, err error) {
	if logger == nil {
		return
	}
	logger.Error("definition lifecycle failed",
		slog.String("transition", transition),
		slog.String("definition_id", definitionID),
		slog.String("error", err.Error()),
	)
}

// TimedOperation measures the duration of an operation.
// Returns a function that, when called, returns the elapsed time in milliseconds.
//
// Example:
//
//	done := TimedOperation()
//	// ... do work ...
//	durationMs := done()
func TimedOperation() func() float64 {
	start := time.Now()
	return func() float64 {
		return float64(time.Since(start).Microseconds()) / 1000
	}
}
