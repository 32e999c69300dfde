package faults

import (
	"context"
	"fmt"
	"testing"
)

func TestIsTransient(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{ErrTimeout, true},
		{ErrUnavailable, true},
		{fmt.Errorf("encoder: %w", ErrTimeout), true},
		{ErrCircuitOpen, false},
		{ErrInvalidResponse, false},
		{ErrUnsafeRecommendation, false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsTransient(c.err); got != c.want {
			t.Errorf("IsTransient(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestIsTerminal(t *testing.T) {
	if !IsTerminal(fmt.Errorf("heuristic: %w", ErrNoEligibleContent)) {
		t.Error("wrapped ErrNoEligibleContent should be terminal")
	}
	if !IsTerminal(ErrDeadlineExceeded) {
		t.Error("ErrDeadlineExceeded should be terminal")
	}
	if IsTerminal(ErrTimeout) {
		t.Error("ErrTimeout should not be terminal")
	}
}

func TestReason(t *testing.T) {
	cases := map[error]string{
		nil:                                    "none",
		ErrCircuitOpen:                         "circuit_open",
		fmt.Errorf("x: %w", ErrTimeout):        "timeout",
		context.DeadlineExceeded:               "timeout",
		ErrUnavailable:                         "unavailable",
		ErrInvalidResponse:                     "invalid_response",
		ErrUnsafeRecommendation:                "unsafe_recommendation",
		ErrNoEligibleContent:                   "no_eligible_content",
		ErrPersistenceFailure:                  "persistence_failure",
		context.Canceled:                       "canceled",
		fmt.Errorf("something else entirely"): "unknown",
	}
	for err, want := range cases {
		if got := Reason(err); got != want {
			t.Errorf("Reason(%v) = %q, want %q", err, got, want)
		}
	}
}
