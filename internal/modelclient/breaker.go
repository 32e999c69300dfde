package modelclient

import (
	"context"
	"errors"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/metrics"
)

// #region types

// CircuitStatus is the externally visible breaker state.
type CircuitStatus string

const (
	CircuitClosed   CircuitStatus = "CLOSED"
	CircuitOpen     CircuitStatus = "OPEN"
	CircuitHalfOpen CircuitStatus = "HALF_OPEN"
)

// CircuitState is a snapshot of one endpoint's breaker.
type CircuitState struct {
	Endpoint            string        `json:"endpoint"`
	Status              CircuitStatus `json:"status"`
	ConsecutiveFailures uint32        `json:"consecutive_failures"`
	OpenedAt            time.Time     `json:"opened_at,omitempty"`
}

// BreakerSettings tunes every endpoint breaker.
type BreakerSettings struct {
	FailureThreshold uint32
	Cooldown         time.Duration
}

type endpointBreaker struct {
	cb *gobreaker.CircuitBreaker[codec.Payload]

	mu           sync.Mutex
	openedAt     time.Time
	tripFailures uint32
}

// #endregion types

// #region construct

func newEndpointBreaker(endpoint string, s BreakerSettings) *endpointBreaker {
	b := &endpointBreaker{}

	metrics.CircuitBreakerState.WithLabelValues(endpoint).Set(0)

	b.cb = gobreaker.NewCircuitBreaker[codec.Payload](gobreaker.Settings{
		Name:        endpoint,
		MaxRequests: 1, // exactly one trial call while half-open
		Timeout:     s.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures < s.FailureThreshold {
				return false
			}
			b.mu.Lock()
			b.tripFailures = counts.ConsecutiveFailures
			b.mu.Unlock()
			return true
		},
		// A caller walking away is not the endpoint's fault.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.mu.Lock()
			switch to {
			case gobreaker.StateOpen:
				b.openedAt = time.Now()
				if from == gobreaker.StateHalfOpen {
					b.tripFailures = 1
				}
			case gobreaker.StateClosed:
				b.openedAt = time.Time{}
				b.tripFailures = 0
			}
			b.mu.Unlock()

			fromStr, toStr := statusOf(from), statusOf(to)
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateToFloat(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, string(fromStr), string(toStr)).Inc()
			logging.Warn().Str("endpoint", name).Str("from", string(fromStr)).Str("to", string(toStr)).
				Msg("[MODEL] circuit transition")
		},
	})
	return b
}

// #endregion construct

// #region snapshot

func (b *endpointBreaker) snapshot(endpoint string) CircuitState {
	// State() may itself fire OnStateChange (open -> half-open), so it must
	// run before b.mu is taken.
	st := b.cb.State()
	counts := b.cb.Counts()

	b.mu.Lock()
	opened, tripped := b.openedAt, b.tripFailures
	b.mu.Unlock()

	failures := counts.ConsecutiveFailures
	// gobreaker clears its counts on every transition; an open circuit
	// reports the run of failures that tripped it.
	if st == gobreaker.StateOpen {
		failures = tripped
	}
	return CircuitState{
		Endpoint:            endpoint,
		Status:              statusOf(st),
		ConsecutiveFailures: failures,
		OpenedAt:            opened,
	}
}

func statusOf(s gobreaker.State) CircuitStatus {
	switch s {
	case gobreaker.StateOpen:
		return CircuitOpen
	case gobreaker.StateHalfOpen:
		return CircuitHalfOpen
	default:
		return CircuitClosed
	}
}

func stateToFloat(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}

// #endregion snapshot
