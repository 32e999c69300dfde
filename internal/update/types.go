package update

import (
	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
)

// #region update-config
// UpdateConfig holds the mastery update rule parameters.
type UpdateConfig struct {
	LearningRate  float64 // outcome pull toward the observed score
	GainNudgeRate float64 // share of predicted gain applied when no delta is supplied
	VelocityAlpha float64 // EMA weight of the newest step in LearningVelocity
}

// DefaultUpdateConfig returns the standard rule parameters.
func DefaultUpdateConfig() UpdateConfig {
	return UpdateConfig{
		LearningRate:  0.2,
		GainNudgeRate: 0.5,
		VelocityAlpha: 0.3,
	}
}

// FromConfig maps the service configuration onto an UpdateConfig.
func FromConfig(c config.UpdateConfig) UpdateConfig {
	return UpdateConfig{
		LearningRate:  c.LearningRate,
		GainNudgeRate: c.GainNudgeRate,
		VelocityAlpha: c.VelocityAlpha,
	}
}

// #endregion update-config

// #region inputs
// Served describes a recommendation that was delivered.
type Served struct {
	Item          catalog.ContentItem
	PredictedGain float64
	// MasteryDelta is the model-supplied change for the item's concepts;
	// nil falls back to PredictedGain * GainNudgeRate.
	MasteryDelta *float64
	// Context replaces the adaptation context when the personalized tier
	// produced one.
	Context []float64
}

// Outcome is an observed interaction result.
type Outcome struct {
	Item  catalog.ContentItem
	Score float64 // in [0,1]
}

// #endregion inputs

// #region metrics
// Metrics describes one applied update.
type Metrics struct {
	DeltaNorm      float64 `json:"delta_norm"`
	ConceptsHit    []int   `json:"concepts_hit"`
	ContextChanged bool    `json:"context_changed"`
}

// #endregion metrics
