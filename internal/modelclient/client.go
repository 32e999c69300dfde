// Package modelclient invokes remote model endpoints with a per-attempt
// deadline, bounded retries for transient failures and a circuit breaker per
// endpoint.
package modelclient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/metrics"
)

// Endpoint names used across the service.
const (
	EndpointEncoder = "encoder"
	EndpointAdapter = "adapter"
	EndpointPolicy  = "policy"
	EndpointCausal  = "causal"
	EndpointContent = "content"
)

// #region types

// Transport performs one network attempt against a named endpoint.
// codec.Pool is the production implementation.
type Transport interface {
	Call(ctx context.Context, endpoint string, payload codec.Payload) (codec.Payload, error)
}

// Invoker is the surface the orchestration layers depend on.
type Invoker interface {
	Invoke(ctx context.Context, endpoint string, payload codec.Payload, timeout time.Duration) (codec.Payload, error)
}

// Options configures a Client.
type Options struct {
	Retry   RetryPolicy
	Breaker BreakerSettings
}

// OptionsFromConfig maps service configuration onto client options.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		Retry: RetryPolicy{
			MaxAttempts: cfg.Retry.MaxAttempts,
			BaseBackoff: cfg.Retry.BaseBackoff,
			MaxBackoff:  cfg.Retry.MaxBackoff,
		},
		Breaker: BreakerSettings{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			Cooldown:         cfg.Breaker.Cooldown,
		},
	}
}

// Client is safe for concurrent use. Breakers are created lazily, one per
// endpoint, and shared by every request.
type Client struct {
	transport Transport
	opts      Options

	mu       sync.Mutex
	breakers map[string]*endpointBreaker
}

// #endregion types

// #region constructor

// New creates a Client over transport.
func New(transport Transport, opts Options) *Client {
	if opts.Retry.MaxAttempts < 1 {
		opts.Retry.MaxAttempts = 1
	}
	if opts.Breaker.FailureThreshold == 0 {
		opts.Breaker.FailureThreshold = 5
	}
	return &Client{
		transport: transport,
		opts:      opts,
		breakers:  make(map[string]*endpointBreaker),
	}
}

func (c *Client) breaker(endpoint string) *endpointBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.breakers[endpoint]
	if !ok {
		b = newEndpointBreaker(endpoint, c.opts.Breaker)
		c.breakers[endpoint] = b
	}
	return b
}

// #endregion constructor

// #region invoke

// Invoke calls endpoint with payload. Each attempt is bounded by timeout and
// by ctx; transient failures are retried with backoff while the breaker and
// the caller's budget allow.
func (c *Client) Invoke(ctx context.Context, endpoint string, payload codec.Payload, timeout time.Duration) (codec.Payload, error) {
	b := c.breaker(endpoint)

	for attempt := 1; ; attempt++ {
		if err := budgetErr(ctx, endpoint); err != nil {
			return nil, err
		}

		out, err := c.attempt(ctx, b, endpoint, payload, timeout)
		if err == nil {
			return out, nil
		}
		if !c.opts.Retry.ShouldRetry(err, attempt) {
			return nil, err
		}

		wait := c.opts.Retry.Backoff(attempt)
		// A sleep the caller's deadline cannot cover only starves the next tier.
		if deadline, ok := ctx.Deadline(); ok && wait >= time.Until(deadline) {
			logging.Ctx(ctx).Debug().Str("endpoint", endpoint).Int("attempt", attempt).
				Dur("backoff", wait).Err(err).Msg("[MODEL] backoff exceeds budget, giving up")
			return nil, err
		}
		metrics.ModelRetries.WithLabelValues(endpoint).Inc()
		logging.Ctx(ctx).Debug().Str("endpoint", endpoint).Int("attempt", attempt).
			Dur("backoff", wait).Err(err).Msg("[MODEL] retrying")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil, fmt.Errorf("%s: backoff: %w", endpoint, context.Canceled)
			}
			return nil, err
		case <-timer.C:
		}
	}
}

func budgetErr(ctx context.Context, endpoint string) error {
	switch {
	case ctx.Err() == nil:
		return nil
	case errors.Is(ctx.Err(), context.Canceled):
		return fmt.Errorf("%s: %w", endpoint, context.Canceled)
	default:
		return fmt.Errorf("%s: no budget left: %w", endpoint, faults.ErrTimeout)
	}
}

type result struct {
	payload codec.Payload
	err     error
}

// attempt runs one breaker-guarded call. The transport runs on its own
// goroutine so a call that ignores ctx is abandoned at the deadline; its late
// result lands in the buffered channel and is dropped.
func (c *Client) attempt(ctx context.Context, b *endpointBreaker, endpoint string, payload codec.Payload, timeout time.Duration) (codec.Payload, error) {
	actx, cancel := attemptContext(ctx, timeout)
	defer cancel()

	start := time.Now()
	out, err := b.cb.Execute(func() (codec.Payload, error) {
		ch := make(chan result, 1)
		go func() {
			p, err := c.transport.Call(actx, endpoint, payload)
			ch <- result{payload: p, err: err}
		}()

		select {
		case r := <-ch:
			if r.err != nil {
				return nil, classify(ctx, actx, endpoint, r.err)
			}
			if r.payload == nil {
				return nil, fmt.Errorf("%s: empty response: %w", endpoint, faults.ErrInvalidResponse)
			}
			return r.payload, nil
		case <-actx.Done():
			return nil, classify(ctx, actx, endpoint, actx.Err())
		}
	})

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		err = fmt.Errorf("%s: %w", endpoint, faults.ErrCircuitOpen)
	}
	outcome := "ok"
	if err != nil {
		outcome = faults.Reason(err)
	}
	metrics.ObserveModelCall(endpoint, outcome, time.Since(start))
	return out, err
}

func attemptContext(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(ctx)
	}
	// WithTimeout keeps the parent's deadline when it is sooner.
	return context.WithTimeout(ctx, timeout)
}

// classify maps an attempt failure onto the fault taxonomy. Parent
// cancellation stays context.Canceled; any expiry of the attempt context is a
// timeout regardless of what the transport reported.
func classify(parent, actx context.Context, endpoint string, err error) error {
	if errors.Is(parent.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", endpoint, context.Canceled)
	}
	if actx.Err() != nil {
		return fmt.Errorf("%s: %w", endpoint, faults.ErrTimeout)
	}
	switch {
	case errors.Is(err, faults.ErrTimeout),
		errors.Is(err, faults.ErrUnavailable),
		errors.Is(err, faults.ErrInvalidResponse),
		errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", endpoint, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%s: %w: %v", endpoint, faults.ErrTimeout, err)
	default:
		return fmt.Errorf("%s: %w: %v", endpoint, faults.ErrUnavailable, err)
	}
}

// #endregion invoke

// #region circuit

// Circuit returns the current breaker snapshot for endpoint.
func (c *Client) Circuit(endpoint string) CircuitState {
	return c.breaker(endpoint).snapshot(endpoint)
}

// Circuits returns snapshots of every endpoint seen so far, sorted by name.
func (c *Client) Circuits() []CircuitState {
	c.mu.Lock()
	names := make([]string, 0, len(c.breakers))
	for name := range c.breakers {
		names = append(names, name)
	}
	c.mu.Unlock()
	sort.Strings(names)

	out := make([]CircuitState, 0, len(names))
	for _, name := range names {
		out = append(out, c.Circuit(name))
	}
	return out
}

// #endregion circuit
