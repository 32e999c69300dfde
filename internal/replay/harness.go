// Package replay runs recorded student sessions through the update rule,
// the safety gate and the eval harness offline. No model or store is
// touched, so runs are deterministic.
package replay

import (
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/eval"
	"github.com/danielpatrickdp/adaptive-recommender/internal/gate"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
	"github.com/danielpatrickdp/adaptive-recommender/internal/update"
)

// Step kinds.
const (
	KindRecommend = "recommend"
	KindOutcome   = "outcome"
)

// Replay actions.
const (
	ActionCommit         = "commit"
	ActionGateReject     = "gate_reject"
	ActionEvalRollback   = "eval_rollback"
	ActionUnknownContent = "unknown_content"
	ActionInvalid        = "invalid"
)

// #region types
// Step is a single recorded event for replay.
type Step struct {
	StepID        string
	Kind          string
	ContentID     string
	PredictedGain float64
	MasteryDelta  *float64
	Context       []float64
	Score         float64
}

// ReplayConfig bundles update, gate, and eval configs for a replay run.
type ReplayConfig struct {
	UpdateConfig update.UpdateConfig
	GateConfig   gate.GateConfig
	EvalConfig   eval.EvalConfig
}

// DefaultReplayConfig returns the service defaults for a catalog of the
// given size.
func DefaultReplayConfig(concepts int) ReplayConfig {
	return ReplayConfig{
		UpdateConfig: update.DefaultUpdateConfig(),
		GateConfig:   gate.DefaultGateConfig(),
		EvalConfig:   eval.DefaultEvalConfig(concepts),
	}
}

// ReplayResult captures the outcome of replaying one step.
type ReplayResult struct {
	StepID string `json:"step_id"`
	Action string `json:"action"`
	Reason string `json:"reason,omitempty"`

	UpdateMetrics update.Metrics `json:"update_metrics"`

	// GateDecision is set for recommend steps whose item was found.
	GateDecision *gate.Decision `json:"gate_decision,omitempty"`

	// EvalResult is set once an update was computed.
	EvalResult *eval.EvalResult `json:"eval_result,omitempty"`

	// InteractionCount after this step (unchanged if rejected).
	InteractionCount int64   `json:"interaction_count"`
	MeanMastery      float64 `json:"mean_mastery"`
}

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	TotalSteps    int                `json:"total_steps"`
	Commits       int                `json:"commits"`
	GateRejects   int                `json:"gate_rejects"`
	EvalRollbacks int                `json:"eval_rollbacks"`
	Skipped       int                `json:"skipped"`
	MasteryGain   float64            `json:"mastery_gain"`
	FinalState    state.StudentState `json:"final_state"`
}

// #endregion types

// #region replay
// Replay applies each step in order: lookup → gate (recommend only) →
// update → eval → commit. It returns per-step results and the final state.
func Replay(start state.StudentState, snap *catalog.Snapshot, steps []Step, config ReplayConfig) ([]ReplayResult, state.StudentState) {
	current := start.Clone()
	results := make([]ReplayResult, 0, len(steps))

	gateInst := gate.NewValidator(config.GateConfig)
	evalInst := eval.NewEvalHarness(config.EvalConfig)

	for i, step := range steps {
		now := replayEpoch.Add(time.Duration(i+1) * time.Second)
		res := ReplayResult{StepID: step.StepID}
		reject := func(action, reason string) {
			res.Action, res.Reason = action, reason
			res.InteractionCount = current.InteractionCount
			res.MeanMastery = current.Mastery(nil)
			results = append(results, res)
		}

		// 1. Lookup
		item, ok := snap.Lookup(step.ContentID)
		if !ok {
			reject(ActionUnknownContent, fmt.Sprintf("content %q not in catalog", step.ContentID))
			continue
		}

		// 2. Gate and update
		var next state.StudentState
		switch step.Kind {
		case KindRecommend:
			d := gateInst.Evaluate(item, current)
			res.GateDecision = &d
			if d.Vetoed {
				reject(ActionGateReject, d.Reason)
				continue
			}
			next, res.UpdateMetrics = update.ApplyRecommendation(current, update.Served{
				Item:          item,
				PredictedGain: step.PredictedGain,
				MasteryDelta:  step.MasteryDelta,
				Context:       step.Context,
			}, config.UpdateConfig, now)
		case KindOutcome:
			if math.IsNaN(step.Score) || step.Score < 0 || step.Score > 1 {
				reject(ActionInvalid, fmt.Sprintf("score %v outside [0,1]", step.Score))
				continue
			}
			next, res.UpdateMetrics = update.ApplyOutcome(current, update.Outcome{Item: item, Score: step.Score}, config.UpdateConfig, now)
		default:
			reject(ActionInvalid, fmt.Sprintf("unknown step kind %q", step.Kind))
			continue
		}

		// 3. Eval
		er := evalInst.Run(current, next)
		res.EvalResult = &er
		if !er.Passed {
			reject(ActionEvalRollback, er.Reason)
			continue
		}

		// 4. Commit
		current = next
		res.Action = ActionCommit
		res.Reason = er.Reason
		res.InteractionCount = current.InteractionCount
		res.MeanMastery = current.Mastery(nil)
		results = append(results, res)
	}

	return results, current
}

// Summarize computes aggregate stats from replay results.
func Summarize(results []ReplayResult, start, final state.StudentState) ReplaySummary {
	s := ReplaySummary{
		TotalSteps:  len(results),
		MasteryGain: final.Mastery(nil) - start.Mastery(nil),
		FinalState:  final,
	}
	for _, r := range results {
		switch r.Action {
		case ActionCommit:
			s.Commits++
		case ActionGateReject:
			s.GateRejects++
		case ActionEvalRollback:
			s.EvalRollbacks++
		default:
			s.Skipped++
		}
	}
	return s
}

// #endregion replay
