package modelclient

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
)

func TestRetryPolicy_ShouldRetry(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 3}
	cases := []struct {
		name    string
		err     error
		attempt int
		want    bool
	}{
		{"nil error", nil, 1, false},
		{"timeout first attempt", faults.ErrTimeout, 1, true},
		{"unavailable second attempt", fmt.Errorf("wrapped: %w", faults.ErrUnavailable), 2, true},
		{"max attempts reached", faults.ErrTimeout, 3, false},
		{"invalid response", faults.ErrInvalidResponse, 1, false},
		{"circuit open", faults.ErrCircuitOpen, 1, false},
		{"unknown error", errors.New("boom"), 1, false},
	}
	for _, tc := range cases {
		if got := p.ShouldRetry(tc.err, tc.attempt); got != tc.want {
			t.Errorf("%s: expected %v, got %v", tc.name, tc.want, got)
		}
	}
}

func TestRetryPolicy_BackoffDoublesAndCaps(t *testing.T) {
	p := RetryPolicy{
		BaseBackoff: time.Second,
		MaxBackoff:  8 * time.Second,
		Jitter:      func(time.Duration) time.Duration { return 0 },
	}
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for i, w := range want {
		if got := p.Backoff(i + 1); got != w {
			t.Errorf("attempt %d: expected %s, got %s", i+1, w, got)
		}
	}
}

func TestRetryPolicy_JitterBounds(t *testing.T) {
	p := RetryPolicy{BaseBackoff: 10 * time.Millisecond, MaxBackoff: 80 * time.Millisecond}
	for attempt := 1; attempt <= 5; attempt++ {
		base := RetryPolicy{BaseBackoff: p.BaseBackoff, MaxBackoff: p.MaxBackoff,
			Jitter: func(time.Duration) time.Duration { return 0 }}.Backoff(attempt)
		for i := 0; i < 200; i++ {
			got := p.Backoff(attempt)
			if got < base || got >= 2*base {
				t.Fatalf("attempt %d: backoff %s outside [%s, %s)", attempt, got, base, 2*base)
			}
		}
	}
}
