// Package orchestrator is the fallback chain controller: it resolves a
// recommendation from the best degradation tier that can serve it.
package orchestrator

// #region imports
import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/gate"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/metrics"
	"github.com/danielpatrickdp/adaptive-recommender/internal/modelclient"
)

// #endregion

// #region controller-struct

// Config bounds the model stages the controller calls.
type Config struct {
	EncoderTimeout    time.Duration
	AdapterTimeout    time.Duration
	PolicyTimeout     time.Duration
	PolicyTopK        int
	SafePolicyReserve time.Duration
	// AuditTimeout bounds the tier outcome write; zero means
	// logging.DefaultAuditTimeout.
	AuditTimeout time.Duration
}

// ConfigFrom maps the service configuration onto a controller Config.
func ConfigFrom(c *config.Config) Config {
	return Config{
		EncoderTimeout:    c.Endpoints.Encoder.Timeout,
		AdapterTimeout:    c.Endpoints.Adapter.Timeout,
		PolicyTimeout:     c.Endpoints.Policy.Timeout,
		PolicyTopK:        c.Pipeline.PolicyTopK,
		SafePolicyReserve: c.Pipeline.SafePolicyReserve,
		AuditTimeout:      c.Pipeline.AuditTimeout,
	}
}

// Controller walks the tiers top-down on every request. Nothing carries
// over between requests except what the breakers remember.
type Controller struct {
	models modelclient.Invoker
	gate   *gate.Validator
	cfg    Config
	memory *TierMemory
	tracer trace.Tracer
}

// #endregion

// #region constructor

// NewController creates a controller. memory may be nil.
func NewController(models modelclient.Invoker, g *gate.Validator, cfg Config, memory *TierMemory) *Controller {
	return &Controller{
		models: models,
		gate:   g,
		cfg:    cfg,
		memory: memory,
		tracer: otel.Tracer("orchestrator"),
	}
}

// #endregion

// #region resolve

// Resolve returns the recommendation of the highest tier that succeeds.
// Each skipped tier is reported in Resolution.Downgrades. The only error is
// the heuristic tier's, which ends the chain.
func (c *Controller) Resolve(ctx context.Context, req Request) (Resolution, error) {
	log := logging.Ctx(ctx)
	if req.Snapshot.Len() == 0 {
		return Resolution{}, fmt.Errorf("empty catalog: %w", faults.ErrNoEligibleContent)
	}

	var (
		downgrades []Downgrade
		outcomes   []OutcomeRecord
	)
	defer func() { c.flush(ctx, outcomes) }()

	for _, tier := range Tiers {
		tctx, span := c.tracer.Start(ctx, "orchestrator.tier",
			trace.WithAttributes(attribute.String("tier", string(tier))))
		start := time.Now()

		res, err := c.try(tctx, tier, req)
		outcomes = append(outcomes, OutcomeRecord{
			RequestID: req.RequestID,
			StudentID: req.State.StudentID,
			Tier:      tier,
			Served:    err == nil,
			Reason:    faults.Reason(err),
			Latency:   time.Since(start),
		})

		if err == nil {
			span.SetAttributes(attribute.String("content_id", res.Item.ContentID))
			span.End()
			res.Tier = tier
			res.Downgrades = downgrades
			log.Info().Str("tier", string(tier)).Str("content_id", res.Item.ContentID).
				Int("downgrades", len(downgrades)).Msg("[ORCH] resolved")
			return res, nil
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, faults.Reason(err))
		span.End()

		if tier == TierHeuristic {
			log.Warn().Err(err).Msg("[ORCH] heuristic tier exhausted")
			return Resolution{Downgrades: downgrades}, err
		}

		d := Downgrade{From: tier, Reason: faults.Reason(err), Detail: err.Error(), Err: err}
		downgrades = append(downgrades, d)
		metrics.TierDowngrades.WithLabelValues(string(tier), d.Reason).Inc()
		log.Warn().Str("from", string(tier)).Str("reason", d.Reason).Err(err).Msg("[ORCH] downgrade")
	}
	// Unreachable: the heuristic tier always returns above.
	return Resolution{Downgrades: downgrades}, faults.ErrNoEligibleContent
}

func (c *Controller) try(ctx context.Context, tier Tier, req Request) (Resolution, error) {
	switch tier {
	case TierPersonalized:
		return c.personalized(ctx, req)
	case TierSafePolicy:
		return c.safePolicy(ctx, req)
	default:
		return c.heuristic(req)
	}
}

// flush writes the request's tier outcomes once resolution is over. All
// writes share one bounded audit context, so a busy audit database costs the
// request at most AuditTimeout; outcomes not written by then are dropped.
func (c *Controller) flush(ctx context.Context, outcomes []OutcomeRecord) {
	if c.memory == nil || len(outcomes) == 0 {
		return
	}
	actx, cancel := logging.AuditContext(ctx, c.cfg.AuditTimeout)
	defer cancel()
	for i, rec := range outcomes {
		if err := c.memory.RecordOutcome(actx, rec); err != nil {
			logging.Ctx(ctx).Warn().Err(err).Int("dropped", len(outcomes)-i).
				Msg("[ORCH] failed to record tier outcomes")
			return
		}
	}
}

// #endregion

// #region model-tiers

// budgetErr reports whether the request budget is already spent; once it
// is, model tiers are skipped outright.
func budgetErr(ctx context.Context, tier Tier) error {
	if ctx.Err() == nil {
		return nil
	}
	if errors.Is(ctx.Err(), context.Canceled) {
		return fmt.Errorf("%s: %w", tier, context.Canceled)
	}
	return fmt.Errorf("%s skipped: %w", tier, faults.ErrDeadlineExceeded)
}

// reserveContext trims reserve off the request deadline so a slow
// personalized tier leaves time for the safe policy.
func reserveContext(ctx context.Context, reserve time.Duration) (context.Context, context.CancelFunc, error) {
	dl, ok := ctx.Deadline()
	if reserve <= 0 || !ok {
		return ctx, func() {}, nil
	}
	if time.Until(dl) <= reserve {
		return nil, nil, fmt.Errorf("%s: remaining budget within reserve: %w", TierPersonalized, faults.ErrDeadlineExceeded)
	}
	tctx, cancel := context.WithDeadline(ctx, dl.Add(-reserve))
	return tctx, cancel, nil
}

func (c *Controller) personalized(ctx context.Context, req Request) (Resolution, error) {
	if err := budgetErr(ctx, TierPersonalized); err != nil {
		return Resolution{}, err
	}
	ctx, cancel, err := reserveContext(ctx, c.cfg.SafePolicyReserve)
	if err != nil {
		return Resolution{}, err
	}
	defer cancel()

	st := req.State
	encoded, err := c.models.Invoke(ctx, modelclient.EndpointEncoder, withRequestContext(codec.Payload{
		"student_id":        st.StudentID,
		"knowledge_vector":  codec.Floats(st.KnowledgeVector),
		"learning_velocity": codec.Floats(st.LearningVelocity),
		"interaction_count": st.InteractionCount,
	}, req.RequestContext), c.cfg.EncoderTimeout)
	if err != nil {
		return Resolution{}, err
	}
	embedding, err := encoded.FloatSlice("embedding")
	if err != nil {
		return Resolution{}, fmt.Errorf("encoder: %w", err)
	}

	adapted, err := c.models.Invoke(ctx, modelclient.EndpointAdapter, codec.Payload{
		"student_id": st.StudentID,
		"embedding":  codec.Floats(embedding),
		"adaptation_context": map[string]any{
			"version": st.AdaptationContext.Version,
			"vector":  codec.Floats(st.AdaptationContext.Vector),
		},
	}, c.cfg.AdapterTimeout)
	if err != nil {
		return Resolution{}, err
	}
	adaptCtx, err := adapted.FloatSlice("context")
	if err != nil {
		return Resolution{}, fmt.Errorf("adapter: %w", err)
	}

	res, err := c.policy(ctx, TierPersonalized, req, adaptCtx)
	if err != nil {
		return Resolution{}, err
	}
	res.Context = adaptCtx
	return res, nil
}

func (c *Controller) safePolicy(ctx context.Context, req Request) (Resolution, error) {
	if err := budgetErr(ctx, TierSafePolicy); err != nil {
		return Resolution{}, err
	}
	// The safe tier ignores the student's personalization entirely.
	return c.policy(ctx, TierSafePolicy, req, nil)
}

type candidate struct {
	item  catalog.ContentItem
	gain  float64
	delta *float64
}

// policy asks the policy stage to rank the catalog and serves the best
// candidate the gate accepts.
func (c *Controller) policy(ctx context.Context, tier Tier, req Request, adaptCtx []float64) (Resolution, error) {
	mode := "personalized"
	if tier == TierSafePolicy {
		mode = "safe"
	}
	st := req.State
	resp, err := c.models.Invoke(ctx, modelclient.EndpointPolicy, withRequestContext(codec.Payload{
		"student_id":       st.StudentID,
		"mode":             mode,
		"context":          codec.Floats(adaptCtx),
		"knowledge_vector": codec.Floats(st.KnowledgeVector),
		"candidates":       codec.Strings(req.Snapshot.IDs()),
		"top_k":            c.cfg.PolicyTopK,
	}, req.RequestContext), c.cfg.PolicyTimeout)
	if err != nil {
		return Resolution{}, err
	}

	cands, err := c.parseCandidates(ctx, resp, req.Snapshot)
	if err != nil {
		return Resolution{}, fmt.Errorf("%s policy: %w", tier, err)
	}

	for _, cand := range cands {
		d := c.gate.Evaluate(cand.item, st)
		if d.Vetoed {
			logging.Ctx(ctx).Debug().Str("tier", string(tier)).Str("content_id", cand.item.ContentID).
				Str("reason", d.Reason).Msg("[ORCH] candidate vetoed")
			continue
		}
		return Resolution{
			Item:          cand.item,
			PredictedGain: cand.gain,
			MasteryDelta:  cand.delta,
			Decision:      d,
		}, nil
	}
	return Resolution{}, fmt.Errorf("%s: all %d candidates rejected: %w", tier, len(cands), faults.ErrUnsafeRecommendation)
}

// parseCandidates keeps well-formed candidates that exist in the snapshot,
// best predicted gain first, truncated to top-K.
func (c *Controller) parseCandidates(ctx context.Context, resp codec.Payload, snap *catalog.Snapshot) ([]candidate, error) {
	raw, err := resp.List("candidates")
	if err != nil {
		return nil, err
	}
	var out []candidate
	skipped := 0
	for _, p := range raw {
		id, err := p.String("content_id")
		if err != nil {
			skipped++
			continue
		}
		item, ok := snap.Lookup(id)
		if !ok {
			skipped++
			continue
		}
		gain, err := p.Float("predicted_gain")
		if err != nil || !finite(gain) {
			skipped++
			continue
		}
		cand := candidate{item: item, gain: gain}
		if d, err := p.Float("mastery_delta"); err == nil {
			if !finite(d) {
				skipped++
				continue
			}
			cand.delta = &d
		}
		out = append(out, cand)
	}
	if skipped > 0 {
		logging.Ctx(ctx).Debug().Int("skipped", skipped).Msg("[ORCH] malformed or unknown candidates dropped")
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no usable candidates: %w", faults.ErrInvalidResponse)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].gain != out[j].gain {
			return out[i].gain > out[j].gain
		}
		return out[i].item.ContentID < out[j].item.ContentID
	})
	if c.cfg.PolicyTopK > 0 && len(out) > c.cfg.PolicyTopK {
		out = out[:c.cfg.PolicyTopK]
	}
	return out, nil
}

func finite(x float64) bool { return !math.IsNaN(x) && !math.IsInf(x, 0) }

func withRequestContext(p codec.Payload, rc map[string]any) codec.Payload {
	if len(rc) > 0 {
		p["request_context"] = rc
	}
	return p
}

// #endregion
