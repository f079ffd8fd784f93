// Package errors classifies event-processing failures and provides retry
// with backoff for the ones worth retrying.
//
// Two categories exist:
//   - Transient: the same input may succeed later (a start/signal contract
//     timing out, a queue backend being briefly unreachable)
//   - Permanent: retrying cannot change the outcome (malformed messages,
//     unknown event keys, stale subscriptions, invariant violations)
package errors

import (
	"context"
	"errors"
	"fmt"
)

// Category represents how an error should be handled.
type Category int

const (
	// CategoryTransient indicates retry will likely help.
	CategoryTransient Category = iota

	// CategoryPermanent indicates retry won't help.
	CategoryPermanent
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Categorizer is implemented by errors that know their own category.
type Categorizer interface {
	Category() Category
}

// CategorizedError wraps an error with its category and context.
type CategorizedError struct {
	// Err is the underlying error.
	Err error

	// Cat indicates how this error should be handled.
	Cat Category

	// Retries is the number of attempts that have been made.
	Retries int

	// Context describes what operation was being attempted.
	Context string
}

// Error implements the error interface.
func (e *CategorizedError) Error() string {
	if e.Context != "" {
		return fmt.Sprintf("%s: %s (category: %s, attempts: %d)",
			e.Context, e.Err, e.Cat, e.Retries)
	}
	return fmt.Sprintf("%s (category: %s, attempts: %d)",
		e.Err, e.Cat, e.Retries)
}

// Unwrap returns the underlying error.
func (e *CategorizedError) Unwrap() error {
	return e.Err
}

// Category implements Categorizer.
func (e *CategorizedError) Category() Category {
	return e.Cat
}

// Transient marks err as transient.
func Transient(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Cat: CategoryTransient, Context: context}
}

// Permanent marks err as permanent.
func Permanent(err error, context string) *CategorizedError {
	return &CategorizedError{Err: err, Cat: CategoryPermanent, Context: context}
}

// Categorize determines how an error should be handled. The outermost
// Categorizer in the chain wins; cancellation is permanent and anything
// unclassified is treated as transient, since it most likely came from an
// external contract.
func Categorize(err error) Category {
	if err == nil {
		return CategoryPermanent
	}

	if errors.Is(err, context.Canceled) {
		return CategoryPermanent
	}

	var c Categorizer
	if errors.As(err, &c) {
		return c.Category()
	}

	return CategoryTransient
}

// IsRetryable reports whether the error should be retried.
func IsRetryable(err error) bool {
	return err != nil && Categorize(err) == CategoryTransient
}
