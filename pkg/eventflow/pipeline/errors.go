package pipeline

import (
	"errors"
	"fmt"

	eferrors "github.com/randalmurphal/eventflow/pkg/eventflow/errors"
)

// Sentinel errors for pipeline stages.
var (
	// ErrDeserialization indicates malformed input.
	ErrDeserialization = errors.New("deserialization failed")

	// ErrUnknownEventKey indicates no event key could be detected.
	ErrUnknownEventKey = errors.New("unknown event key")

	// ErrUnknownEventModel indicates the key and tenant resolve to no model.
	ErrUnknownEventModel = errors.New("unknown event model")

	// ErrUnknownChannel indicates no pipeline is registered for a channel.
	ErrUnknownChannel = errors.New("unknown channel")
)

// DeserializationError reports malformed input. The message is dropped.
type DeserializationError struct {
	ChannelKey string
	Stage      string
	Err        error
}

// Error implements the error interface.
func (e *DeserializationError) Error() string {
	return fmt.Sprintf("channel %s: %s: %v", e.ChannelKey, e.Stage, e.Err)
}

// Unwrap returns the underlying error.
func (e *DeserializationError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrDeserialization) match.
func (e *DeserializationError) Is(target error) bool { return target == ErrDeserialization }

// Category implements eferrors.Categorizer; malformed input never heals.
func (e *DeserializationError) Category() eferrors.Category { return eferrors.CategoryPermanent }

// UnknownEventKeyError reports a message whose event key is missing or
// cannot be detected. The message is dropped, not retried.
type UnknownEventKeyError struct {
	ChannelKey string
	Err        error
}

// Error implements the error interface.
func (e *UnknownEventKeyError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("channel %s: %s: %v", e.ChannelKey, ErrUnknownEventKey, e.Err)
	}
	return fmt.Sprintf("channel %s: %s", e.ChannelKey, ErrUnknownEventKey)
}

// Unwrap returns the underlying error.
func (e *UnknownEventKeyError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnknownEventKey) match.
func (e *UnknownEventKeyError) Is(target error) bool { return target == ErrUnknownEventKey }

// Category implements eferrors.Categorizer.
func (e *UnknownEventKeyError) Category() eferrors.Category { return eferrors.CategoryPermanent }

// UnknownEventModelError reports a key/tenant pair with no registered
// model. It can only resolve through a registry change, so it is dropped.
type UnknownEventModelError struct {
	ChannelKey string
	EventKey   string
	TenantID   string
	Err        error
}

// Error implements the error interface.
func (e *UnknownEventModelError) Error() string {
	return fmt.Sprintf("channel %s: %s: key %q tenant %q", e.ChannelKey, ErrUnknownEventModel, e.EventKey, e.TenantID)
}

// Unwrap returns the underlying error.
func (e *UnknownEventModelError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrUnknownEventModel) match.
func (e *UnknownEventModelError) Is(target error) bool { return target == ErrUnknownEventModel }

// Category implements eferrors.Categorizer.
func (e *UnknownEventModelError) Category() eferrors.Category { return eferrors.CategoryPermanent }
