package orchestrator

// #region imports
import (
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/gate"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

// #endregion

// #region tier

// Tier is a degradation level of the fallback chain, best first.
type Tier string

const (
	TierPersonalized Tier = "PERSONALIZED"
	TierSafePolicy   Tier = "SAFE_POLICY"
	TierHeuristic    Tier = "HEURISTIC"
)

// Tiers lists the chain in resolution order.
var Tiers = []Tier{TierPersonalized, TierSafePolicy, TierHeuristic}

// Rank orders tiers; a higher rank is a better tier.
func (t Tier) Rank() int {
	switch t {
	case TierPersonalized:
		return 3
	case TierSafePolicy:
		return 2
	case TierHeuristic:
		return 1
	default:
		return 0
	}
}

// #endregion

// #region request

// Request carries what one resolution needs. RequestContext is forwarded to
// the model stages untouched.
type Request struct {
	RequestID      string
	State          state.StudentState
	Snapshot       *catalog.Snapshot
	RequestContext map[string]any
}

// #endregion

// #region downgrade

// Downgrade records one skipped tier and why.
type Downgrade struct {
	From   Tier   `json:"from"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
	Err    error  `json:"-"`
}

// #endregion

// #region resolution

// Resolution is the content chosen by the highest tier that succeeded.
type Resolution struct {
	Tier          Tier
	Item          catalog.ContentItem
	PredictedGain float64
	// MasteryDelta is set when the policy supplied one.
	MasteryDelta *float64
	// Context is the new adaptation context from the personalized tier.
	Context    []float64
	Decision   gate.Decision
	Downgrades []Downgrade
}

// #endregion

// #region outcome-record

// OutcomeRecord is a single row for tier_outcomes: one per attempted tier.
type OutcomeRecord struct {
	RequestID string
	StudentID string
	Tier      Tier
	Served    bool
	Reason    string
	Latency   time.Duration
	CreatedAt time.Time
}

// TierStats summarizes decay-weighted outcomes for one tier.
type TierStats struct {
	Tier        Tier    `json:"tier"`
	Attempts    int     `json:"attempts"`
	SuccessRate float64 `json:"success_rate"`
	TopReason   string  `json:"top_reason,omitempty"`
}

// #endregion
