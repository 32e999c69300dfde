// Package faults defines the error taxonomy shared by the model client,
// fallback controller and pipeline. Callers classify with errors.Is.
package faults

import (
	"context"
	"errors"
)

// #region sentinels

var (
	// Transient endpoint failures: retried by the model client, absorbed by
	// the fallback controller.
	ErrTimeout     = errors.New("timeout")
	ErrUnavailable = errors.New("unavailable")
	ErrCircuitOpen = errors.New("circuit open")

	// Non-transient: never retried at the same tier, trigger a downgrade.
	ErrInvalidResponse      = errors.New("invalid response")
	ErrUnsafeRecommendation = errors.New("unsafe recommendation")

	// Terminal for the request.
	ErrNoEligibleContent = errors.New("no eligible content")
	ErrDeadlineExceeded  = errors.New("deadline exceeded")

	// Reported next to a delivered recommendation, never instead of one.
	ErrPersistenceFailure = errors.New("persistence failure")
)

// #endregion sentinels

// #region classify

// IsTransient reports whether err is worth retrying against the same endpoint.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrUnavailable)
}

// IsTerminal reports whether err ends a request with no further fallback.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrNoEligibleContent) || errors.Is(err, ErrDeadlineExceeded)
}

// Reason returns a short, stable label for err, used in logs, metrics and
// downgrade records.
func Reason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, ErrUnavailable):
		return "unavailable"
	case errors.Is(err, ErrInvalidResponse):
		return "invalid_response"
	case errors.Is(err, ErrUnsafeRecommendation):
		return "unsafe_recommendation"
	case errors.Is(err, ErrNoEligibleContent):
		return "no_eligible_content"
	case errors.Is(err, ErrDeadlineExceeded):
		return "deadline_exceeded"
	case errors.Is(err, ErrPersistenceFailure):
		return "persistence_failure"
	case errors.Is(err, context.Canceled):
		return "canceled"
	default:
		return "unknown"
	}
}

// #endregion classify
