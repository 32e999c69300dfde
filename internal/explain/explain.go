// Package explain attaches a causal effect estimate to a chosen
// recommendation. It is best effort: every failure yields no explanation.
package explain

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/metrics"
	"github.com/danielpatrickdp/adaptive-recommender/internal/modelclient"
	"github.com/danielpatrickdp/adaptive-recommender/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

// DefaultConfidenceLevel is assumed when the estimator omits one.
const DefaultConfidenceLevel = 0.95

// #region types

// Explanation is a point estimate of learning gain with its interval.
type Explanation struct {
	Effect          float64 `json:"effect"`
	Lower           float64 `json:"lower"`
	Upper           float64 `json:"upper"`
	ConfidenceLevel float64 `json:"confidence_level"`
}

// Assembler calls the causal endpoint.
type Assembler struct {
	models    modelclient.Invoker
	timeout   time.Duration
	minBudget time.Duration
}

// New creates an Assembler. Calls are skipped when less than minBudget
// remains on the caller's deadline.
func New(models modelclient.Invoker, timeout, minBudget time.Duration) *Assembler {
	return &Assembler{models: models, timeout: timeout, minBudget: minBudget}
}

// #endregion types

// #region explain

// Explain returns nil on timeout, endpoint failure, malformed estimates or
// when the remaining budget is below the minimum.
func (a *Assembler) Explain(ctx context.Context, rec orchestrator.Resolution, st state.StudentState) *Explanation {
	log := logging.Ctx(ctx)
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) < a.minBudget {
		metrics.ExplanationsAttached.WithLabelValues("skipped").Inc()
		log.Debug().Dur("remaining", time.Until(dl)).Msg("[EXPLAIN] budget too small, skipping")
		return nil
	}

	resp, err := a.models.Invoke(ctx, modelclient.EndpointCausal, codec.Payload{
		"student_id":       st.StudentID,
		"content_id":       rec.Item.ContentID,
		"tier":             string(rec.Tier),
		"predicted_gain":   rec.PredictedGain,
		"difficulty":       rec.Item.Difficulty,
		"concept_ids":      codec.Ints(rec.Item.ConceptIDs),
		"knowledge_vector": codec.Floats(st.KnowledgeVector),
	}, a.timeout)
	if err != nil {
		metrics.ExplanationsAttached.WithLabelValues(faults.Reason(err)).Inc()
		log.Warn().Err(err).Msg("[EXPLAIN] causal estimate unavailable")
		return nil
	}

	exp, err := parse(resp)
	if err != nil {
		metrics.ExplanationsAttached.WithLabelValues(faults.Reason(err)).Inc()
		log.Warn().Err(err).Msg("[EXPLAIN] discarding malformed estimate")
		return nil
	}
	metrics.ExplanationsAttached.WithLabelValues("attached").Inc()
	return exp
}

func parse(p codec.Payload) (*Explanation, error) {
	var e Explanation
	var err error
	if e.Effect, err = p.Float("effect"); err != nil {
		return nil, err
	}
	if e.Lower, err = p.Float("lower"); err != nil {
		return nil, err
	}
	if e.Upper, err = p.Float("upper"); err != nil {
		return nil, err
	}
	e.ConfidenceLevel = DefaultConfidenceLevel
	if _, ok := p["confidence_level"]; ok {
		if e.ConfidenceLevel, err = p.Float("confidence_level"); err != nil {
			return nil, err
		}
	}
	for _, v := range []float64{e.Effect, e.Lower, e.Upper, e.ConfidenceLevel} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("non-finite estimate: %w", faults.ErrInvalidResponse)
		}
	}
	if e.Lower > e.Effect || e.Effect > e.Upper {
		return nil, fmt.Errorf("interval [%.4f, %.4f] excludes effect %.4f: %w", e.Lower, e.Upper, e.Effect, faults.ErrInvalidResponse)
	}
	if e.ConfidenceLevel <= 0 || e.ConfidenceLevel >= 1 {
		return nil, fmt.Errorf("confidence level %.3f outside (0,1): %w", e.ConfidenceLevel, faults.ErrInvalidResponse)
	}
	return &e, nil
}

// #endregion explain
