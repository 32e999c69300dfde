// Package eval validates student state transitions before they are
// committed and when fixtures are replayed offline.
package eval

import (
	"errors"
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

// #region eval-harness
// EvalHarness runs lightweight validation on a proposed state.
type EvalHarness struct {
	config EvalConfig
}

// NewEvalHarness creates an eval harness with the given configuration.
func NewEvalHarness(config EvalConfig) *EvalHarness {
	return &EvalHarness{config: config}
}

// Run checks the transition prev -> next and returns pass/fail with metrics.
func (h *EvalHarness) Run(prev, next state.StudentState) EvalResult {
	var metrics []EvalMetric
	passed := true
	var failReasons []string

	// 1. Structural invariants: lengths, [0,1] range, monotone counters
	invErr := state.CheckInvariants(prev, next, h.config.Concepts)
	metrics = append(metrics, EvalMetric{
		Name:  "invariants",
		Value: boolValue(invErr == nil),
		Pass:  invErr == nil,
	})
	if invErr != nil {
		passed = false
		failReasons = append(failReasons, invErr.Error())
	}

	// 2. Velocity norm bounds
	velNorm := vectorNorm(next.LearningVelocity)
	velPass := velNorm <= h.config.MaxVelocityNorm
	metrics = append(metrics, EvalMetric{
		Name:  "velocity_norm",
		Value: velNorm,
		Pass:  velPass,
	})
	if !velPass {
		passed = false
		failReasons = append(failReasons, fmt.Sprintf("velocity norm %.4f exceeds %.4f", velNorm, h.config.MaxVelocityNorm))
	}

	// 3. Step drift: informational, rollbacks legitimately jump
	drift := maxAbsDiff(prev.KnowledgeVector, next.KnowledgeVector)
	metrics = append(metrics, EvalMetric{
		Name:  "max_step_drift",
		Value: drift,
		Pass:  drift <= h.config.MaxStepDrift,
	})

	// 4. Mean mastery, reported for replay summaries
	metrics = append(metrics, EvalMetric{
		Name:  "mean_mastery",
		Value: next.Mastery(nil),
		Pass:  true,
	})

	reason := "all checks passed"
	if !passed {
		reason = fmt.Sprintf("eval failed: %s", failReasons[0])
		if len(failReasons) > 1 {
			reason = fmt.Sprintf("eval failed: %d checks: %s", len(failReasons), failReasons[0])
		}
	}

	return EvalResult{
		Passed:  passed,
		Metrics: metrics,
		Reason:  reason,
	}
}

// Guard adapts the harness to the state store's pre-commit hook.
func (h *EvalHarness) Guard() state.Guard {
	return func(prev, next state.StudentState) error {
		res := h.Run(prev, next)
		if !res.Passed {
			return errors.New(res.Reason)
		}
		return nil
	}
}

// #endregion eval-harness

// #region helpers
func vectorNorm(v []float64) float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	return math.Sqrt(sum)
}

func maxAbsDiff(a, b []float64) float64 {
	var m float64
	for i := 0; i < len(a) && i < len(b); i++ {
		if d := math.Abs(a[i] - b[i]); d > m {
			m = d
		}
	}
	return m
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// #endregion helpers
