package pipeline

import (
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
	"github.com/danielpatrickdp/adaptive-recommender/internal/explain"
	"github.com/danielpatrickdp/adaptive-recommender/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

// #region config

// Config holds the per-request budgets.
type Config struct {
	DefaultDeadline time.Duration
	PersistTimeout  time.Duration
	AuditTimeout    time.Duration // provenance write; zero means logging.DefaultAuditTimeout
	ExplainEnabled  bool
	Backend         string // state backend label for metrics
}

// ConfigFrom maps service configuration onto a pipeline Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		DefaultDeadline: c.Pipeline.DefaultDeadline,
		PersistTimeout:  c.Pipeline.PersistTimeout,
		AuditTimeout:    c.Pipeline.AuditTimeout,
		ExplainEnabled:  c.Pipeline.ExplainEnabled,
		Backend:         c.Store.Backend,
	}
}

// #endregion config

// #region recommendation

// Recommendation is what the caller receives. It is built fresh per request
// and never stored by the pipeline itself.
type Recommendation struct {
	RequestID       string                   `json:"request_id"`
	StudentID       string                   `json:"student_id"`
	ContentID       string                   `json:"content_id"`
	PredictedGain   float64                  `json:"predicted_gain"`
	Difficulty      float64                  `json:"difficulty"`
	StageProvenance orchestrator.Tier        `json:"stage_provenance"`
	Downgrades      []orchestrator.Downgrade `json:"downgrades,omitempty"`
	Explanation     *explain.Explanation     `json:"explanation,omitempty"`
}

// Result pairs a delivered recommendation with the outcome of its state
// update. PersistErr wraps faults.ErrPersistenceFailure and never
// invalidates Recommendation.
type Result struct {
	Recommendation Recommendation
	State          state.StudentState
	PersistErr     error
}

// #endregion recommendation
