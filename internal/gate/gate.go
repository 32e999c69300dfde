// Package gate is the safety validator: it decides whether a content item is
// appropriate for a student's current mastery before it is served.
package gate

import (
	"fmt"
	"math"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

// Float slack so a distance of exactly two band widths is not rejected by
// rounding.
const epsilon = 1e-9

// #region validator
// Validator evaluates candidate content against a student's state.
type Validator struct {
	config GateConfig
}

// NewValidator creates a validator with the given configuration.
func NewValidator(cfg GateConfig) *Validator {
	return &Validator{config: cfg}
}

// FromConfig maps the service configuration onto a GateConfig.
func FromConfig(c config.GateConfig) GateConfig {
	return GateConfig{
		Bands:                  c.Bands,
		MaxBandDistance:        c.MaxBandDistance,
		MinPrerequisiteMastery: c.MinPrerequisiteMastery,
		MasteredThreshold:      c.MasteredThreshold,
	}
}

// Config returns the validator's thresholds.
func (v *Validator) Config() GateConfig { return v.config }

// Evaluate collects every hard veto for item. It never short-circuits so the
// decision explains all reasons at once.
func (v *Validator) Evaluate(item catalog.ContentItem, st state.StudentState) Decision {
	var vetoes []VetoSignal
	n := len(st.KnowledgeVector)

	// 1. Difficulty must be a valid fraction
	if math.IsNaN(item.Difficulty) || item.Difficulty < 0 || item.Difficulty > 1 {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoInvalidDifficulty,
			Reason: fmt.Sprintf("difficulty %.3f outside [0,1]", item.Difficulty),
		})
	}

	// 2. Every referenced concept must exist
	for _, c := range item.ConceptIDs {
		if c < 0 || c >= n {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoUnknownConcept,
				Reason: fmt.Sprintf("concept %d not in knowledge vector of %d", c, n),
			})
		}
	}
	for _, c := range item.PrerequisiteConcepts {
		if c < 0 || c >= n {
			vetoes = append(vetoes, VetoSignal{
				Type:   VetoUnknownConcept,
				Reason: fmt.Sprintf("prerequisite %d not in knowledge vector of %d", c, n),
			})
		}
	}

	// 3. Prerequisites satisfied
	for _, c := range item.PrerequisiteConcepts {
		if c >= 0 && c < n && st.KnowledgeVector[c] < v.config.MinPrerequisiteMastery {
			vetoes = append(vetoes, VetoSignal{
				Type: VetoPrerequisite,
				Reason: fmt.Sprintf("prerequisite %d mastery %.3f below %.3f",
					c, st.KnowledgeVector[c], v.config.MinPrerequisiteMastery),
			})
		}
	}

	// 4. Difficulty within the allowed band distance of mastery
	mastery := st.Mastery(item.ConceptIDs)
	dist := math.Abs(item.Difficulty - mastery)
	limit := v.config.MaxDistance()
	if dist > limit+epsilon {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoDifficultyBand,
			Reason: fmt.Sprintf("difficulty %.3f is %.3f from mastery %.3f (limit %.3f)", item.Difficulty, dist, mastery, limit),
		})
	}

	d := Decision{
		Mastery:        mastery,
		DifficultyBand: v.Band(item.Difficulty),
		MasteryBand:    v.Band(mastery),
	}
	if len(vetoes) > 0 {
		d.Action = "reject"
		d.Reason = fmt.Sprintf("hard veto: %s", vetoes[0].Reason)
		d.Vetoed = true
		d.VetoSignals = vetoes
		return d
	}

	if limit > 0 {
		d.FitScore = math.Max(0, 1-dist/limit)
	}
	d.Action = "accept"
	d.Reason = fmt.Sprintf("passed gate: fit=%.4f", d.FitScore)
	return d
}

// Validate returns item unchanged when it is safe for st, and an error
// wrapping faults.ErrUnsafeRecommendation otherwise.
func (v *Validator) Validate(item catalog.ContentItem, st state.StudentState) (catalog.ContentItem, error) {
	d := v.Evaluate(item, st)
	if d.Vetoed {
		return catalog.ContentItem{}, fmt.Errorf("%s: %w: %s", item.ContentID, faults.ErrUnsafeRecommendation, d.Reason)
	}
	return item, nil
}

// #endregion validator

// #region helpers

// Band returns the 0-based band index of x.
func (v *Validator) Band(x float64) int {
	b := int(math.Floor(x * float64(v.config.Bands)))
	if b < 0 {
		return 0
	}
	if b >= v.config.Bands {
		return v.config.Bands - 1
	}
	return b
}

// Mastered reports whether the student already knows item's concepts.
func (v *Validator) Mastered(item catalog.ContentItem, st state.StudentState) bool {
	return st.Mastery(item.ConceptIDs) >= v.config.MasteredThreshold
}

// PrerequisitesMet reports whether every prerequisite reaches the minimum.
func (v *Validator) PrerequisitesMet(item catalog.ContentItem, st state.StudentState) bool {
	for _, c := range item.PrerequisiteConcepts {
		if c < 0 || c >= len(st.KnowledgeVector) || st.KnowledgeVector[c] < v.config.MinPrerequisiteMastery {
			return false
		}
	}
	return true
}

// #endregion helpers
