// Package update holds the pure state transition rules applied after a
// recommendation is served and after an interaction outcome is observed.
package update

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

// #region apply-recommendation
// ApplyRecommendation nudges mastery on the served item's concepts and
// counts the interaction. It does not modify cur.
func ApplyRecommendation(cur state.StudentState, s Served, cfg UpdateConfig, now time.Time) (state.StudentState, Metrics) {
	delta := s.PredictedGain * cfg.GainNudgeRate
	if s.MasteryDelta != nil {
		delta = *s.MasteryDelta
	}
	// A non-finite step would erase mastery through clamp01.
	if math.IsNaN(delta) || math.IsInf(delta, 0) {
		delta = 0
	}

	next := cur.Clone()
	steps := make([]float64, len(next.KnowledgeVector))
	for _, c := range conceptsOf(s.Item.ConceptIDs, len(next.KnowledgeVector)) {
		before := next.KnowledgeVector[c]
		next.KnowledgeVector[c] = clamp01(before + delta)
		steps[c] = next.KnowledgeVector[c] - before
	}

	m := finish(&next, steps, cfg, now)
	if s.Context != nil {
		next.AdaptationContext = state.AdaptationContext{
			Version: cur.AdaptationContext.Version + 1,
			Vector:  slices.Clone(s.Context),
		}
		m.ContextChanged = true
	}
	return next, m
}

// #endregion apply-recommendation

// #region apply-outcome
// ApplyOutcome moves mastery on the item's concepts toward the observed
// score: k += LearningRate * (score - k).
func ApplyOutcome(cur state.StudentState, o Outcome, cfg UpdateConfig, now time.Time) (state.StudentState, Metrics) {
	score := clamp01(o.Score)
	next := cur.Clone()
	steps := make([]float64, len(next.KnowledgeVector))
	for _, c := range conceptsOf(o.Item.ConceptIDs, len(next.KnowledgeVector)) {
		before := next.KnowledgeVector[c]
		next.KnowledgeVector[c] = clamp01(before + cfg.LearningRate*(score-before))
		steps[c] = next.KnowledgeVector[c] - before
	}
	return next, finish(&next, steps, cfg, now)
}

// #endregion apply-outcome

// #region mutators
// RecommendationMutator wraps ApplyRecommendation for state.Store.Update.
func RecommendationMutator(s Served, cfg UpdateConfig) state.Mutator {
	return func(cur state.StudentState) (state.StudentState, error) {
		next, _ := ApplyRecommendation(cur, s, cfg, time.Now().UTC())
		return next, nil
	}
}

// OutcomeMutator wraps ApplyOutcome for state.Store.Update.
func OutcomeMutator(o Outcome, cfg UpdateConfig) state.Mutator {
	return func(cur state.StudentState) (state.StudentState, error) {
		if o.Score < 0 || o.Score > 1 || math.IsNaN(o.Score) {
			return cur, fmt.Errorf("outcome score %v outside [0,1]", o.Score)
		}
		next, _ := ApplyOutcome(cur, o, cfg, time.Now().UTC())
		return next, nil
	}
}

// #endregion mutators

// #region helpers
// finish folds this step into the velocity EMA, bumps the interaction count
// and stamps the update time.
func finish(next *state.StudentState, steps []float64, cfg UpdateConfig, now time.Time) Metrics {
	var sumSq float64
	var hit []int
	for i, d := range steps {
		if i < len(next.LearningVelocity) {
			next.LearningVelocity[i] = cfg.VelocityAlpha*d + (1-cfg.VelocityAlpha)*next.LearningVelocity[i]
		}
		if d != 0 {
			hit = append(hit, i)
			sumSq += d * d
		}
	}
	next.InteractionCount++
	next.LastUpdated = now
	return Metrics{DeltaNorm: math.Sqrt(sumSq), ConceptsHit: hit}
}

// conceptsOf returns the distinct in-range concept ids, or every concept
// when ids is empty.
func conceptsOf(ids []int, n int) []int {
	if len(ids) == 0 {
		out := make([]int, n)
		for i := range out {
			out[i] = i
		}
		return out
	}
	seen := make(map[int]bool, len(ids))
	out := make([]int, 0, len(ids))
	for _, c := range ids {
		if c < 0 || c >= n || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func clamp01(x float64) float64 {
	if math.IsNaN(x) || x < 0 {
		return 0
	}
	if x > 1 {
		return 1
	}
	return x
}

// #endregion helpers
