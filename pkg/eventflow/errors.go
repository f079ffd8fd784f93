package eventflow

import (
	"errors"

	"github.com/randalmurphal/eventflow/pkg/eventflow/correlate"
	"github.com/randalmurphal/eventflow/pkg/eventflow/lifecycle"
	"github.com/randalmurphal/eventflow/pkg/eventflow/pipeline"
	"github.com/randalmurphal/eventflow/pkg/eventflow/subscription"
)

// Sentinel errors.
var (
	// ErrEngineClosed indicates the engine was used after Close.
	ErrEngineClosed = errors.New("engine closed")

	// ErrNoStore indicates New was called without a subscription store.
	ErrNoStore = errors.New("subscription store is required")
)

// Errors re-exported from subpackages so callers can match them without
// importing each one.
var (
	ErrUnknownChannel     = pipeline.ErrUnknownChannel
	ErrDeserialization    = pipeline.ErrDeserialization
	ErrUnknownEventKey    = pipeline.ErrUnknownEventKey
	ErrUnknownEventModel  = pipeline.ErrUnknownEventModel
	ErrStaleSubscription  = correlate.ErrStaleSubscription
	ErrInvariantViolation = lifecycle.ErrInvariantViolation
	ErrDuplicateReference = subscription.ErrDuplicateReference
)
