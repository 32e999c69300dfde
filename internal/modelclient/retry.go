package modelclient

import (
	"errors"
	"math/rand/v2"
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
)

// #region policy

// RetryPolicy decides whether a failed attempt is retried and how long to
// wait before the next one.
type RetryPolicy struct {
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration

	// Jitter returns a duration in [0, d). Defaults to uniform random.
	Jitter func(d time.Duration) time.Duration
}

func uniformJitter(d time.Duration) time.Duration {
	if d <= 0 {
		return 0
	}
	return time.Duration(rand.Int64N(int64(d)))
}

// #endregion policy

// #region should-retry

// ShouldRetry reports whether attempt (1-based) failing with err earns
// another try. Only transient endpoint failures are retried; an open
// circuit is not, nothing can get through it before the cooldown ends.
func (p RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if err == nil || attempt >= p.MaxAttempts {
		return false
	}
	if errors.Is(err, faults.ErrCircuitOpen) {
		return false
	}
	return faults.IsTransient(err)
}

// #endregion should-retry

// #region backoff

// Backoff returns the wait after the given failed attempt: base doubling per
// attempt, capped at MaxBackoff, plus jitter in [0, backoff).
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	b := p.BaseBackoff
	for i := 1; i < attempt && b < p.MaxBackoff; i++ {
		b *= 2
	}
	if b > p.MaxBackoff {
		b = p.MaxBackoff
	}
	jitter := p.Jitter
	if jitter == nil {
		jitter = uniformJitter
	}
	return b + jitter(b)
}

// #endregion backoff
