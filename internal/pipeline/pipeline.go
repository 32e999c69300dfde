// Package pipeline runs one recommendation request end to end: load state,
// resolve through the fallback chain, explain, persist, report.
package pipeline

// #region imports
import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/events"
	"github.com/danielpatrickdp/adaptive-recommender/internal/explain"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/metrics"
	"github.com/danielpatrickdp/adaptive-recommender/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
	"github.com/danielpatrickdp/adaptive-recommender/internal/update"
)

// #endregion

// #region pipeline-struct

// Deps are the collaborators of a Pipeline. Explainer, Events and
// Provenance are optional.
type Deps struct {
	Store      state.Store
	Controller *orchestrator.Controller
	Explainer  *explain.Assembler
	Events     *events.Bus
	Provenance *sql.DB
}

// Pipeline is safe for concurrent use; requests share nothing but the
// store, the breakers and the event bus.
type Pipeline struct {
	deps   Deps
	cfg    Config
	rule   update.UpdateConfig
	tracer trace.Tracer
}

// New creates a Pipeline.
func New(deps Deps, cfg Config, rule update.UpdateConfig) *Pipeline {
	return &Pipeline{deps: deps, cfg: cfg, rule: rule, tracer: otel.Tracer("pipeline")}
}

// #endregion

// #region recommend

// Recommend serves one recommendation for studentID within deadline (the
// configured default when zero). It fails only with a terminal error; a
// failed state update is reported in Result.PersistErr instead.
func (p *Pipeline) Recommend(ctx context.Context, studentID string, requestContext map[string]any, snap *catalog.Snapshot, deadline time.Duration) (Result, error) {
	start := time.Now()
	if deadline <= 0 {
		deadline = p.cfg.DefaultDeadline
	}
	requestID := logging.RequestID(ctx)
	if requestID == "" {
		requestID = logging.NewRequestID()
		ctx = logging.WithRequestID(ctx, requestID)
	}
	ctx = logging.WithStudentID(ctx, studentID)
	log := logging.Ctx(ctx)

	ctx, span := p.tracer.Start(ctx, "pipeline.recommend", trace.WithAttributes(
		attribute.String("student_id", studentID),
		attribute.String("request_id", requestID),
		attribute.Int64("deadline_ms", deadline.Milliseconds()),
	))
	defer span.End()

	reqCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	// 1. Load state
	st, err := p.load(reqCtx, studentID)
	if err != nil {
		return Result{}, p.fail(ctx, span, requestID, studentID, nil, err)
	}

	// 2. Resolve through the fallback chain
	res, err := p.deps.Controller.Resolve(reqCtx, orchestrator.Request{
		RequestID:      requestID,
		State:          st,
		Snapshot:       snap,
		RequestContext: requestContext,
	})
	if err != nil {
		return Result{}, p.fail(ctx, span, requestID, studentID, res.Downgrades, err)
	}

	rec := Recommendation{
		RequestID:       requestID,
		StudentID:       studentID,
		ContentID:       res.Item.ContentID,
		PredictedGain:   res.PredictedGain,
		Difficulty:      res.Item.Difficulty,
		StageProvenance: res.Tier,
		Downgrades:      res.Downgrades,
	}

	// 3. Explain with whatever budget is left
	if p.cfg.ExplainEnabled && p.deps.Explainer != nil {
		rec.Explanation = p.deps.Explainer.Explain(reqCtx, res, st)
	}

	// 4. Persist, detached from the request deadline
	next, persistErr := p.persist(ctx, studentID, res)
	if persistErr != nil {
		log.Error().Err(persistErr).Str("tier", string(res.Tier)).Msg("[PIPELINE] delivered without persisting state")
	}

	span.SetAttributes(
		attribute.String("tier", string(res.Tier)),
		attribute.String("content_id", rec.ContentID),
		attribute.Bool("explained", rec.Explanation != nil),
	)
	metrics.ObservePipeline(string(res.Tier), time.Since(start))
	p.report(ctx, rec, res, next, persistErr)

	log.Info().
		Str("tier", string(res.Tier)).
		Str("content_id", rec.ContentID).
		Int("downgrades", len(res.Downgrades)).
		Bool("explained", rec.Explanation != nil).
		Dur("elapsed", time.Since(start)).
		Msg("[PIPELINE] recommendation served")

	return Result{Recommendation: rec, State: next, PersistErr: persistErr}, nil
}

func (p *Pipeline) load(ctx context.Context, studentID string) (state.StudentState, error) {
	st, err := p.deps.Store.Get(ctx, studentID)
	if err == nil {
		return st, nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return state.StudentState{}, fmt.Errorf("load state %s: %w", studentID, faults.ErrDeadlineExceeded)
	}
	return state.StudentState{}, fmt.Errorf("load state %s: %w", studentID, err)
}

// persist applies the served recommendation under its own timeout. The
// request's cancellation does not reach it.
func (p *Pipeline) persist(ctx context.Context, studentID string, res orchestrator.Resolution) (state.StudentState, error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.cfg.PersistTimeout)
	defer cancel()

	next, err := p.deps.Store.Update(pctx, studentID, update.RecommendationMutator(update.Served{
		Item:          res.Item,
		PredictedGain: res.PredictedGain,
		MasteryDelta:  res.MasteryDelta,
		Context:       res.Context,
	}, p.rule))
	if err != nil {
		metrics.StateUpdates.WithLabelValues(p.cfg.Backend, "error").Inc()
		metrics.PersistenceFailures.Inc()
		return state.StudentState{}, fmt.Errorf("persist %s: %w: %w", studentID, faults.ErrPersistenceFailure, err)
	}
	metrics.StateUpdates.WithLabelValues(p.cfg.Backend, "ok").Inc()
	return next, nil
}

// #endregion

// #region reporting

func (p *Pipeline) fail(ctx context.Context, span trace.Span, requestID, studentID string, downgrades []orchestrator.Downgrade, err error) error {
	reason := faults.Reason(err)
	metrics.PipelineFailures.WithLabelValues(reason).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, reason)
	logging.Ctx(ctx).Error().Err(err).Str("reason", reason).Msg("[PIPELINE] request failed")

	if p.deps.Provenance != nil {
		entry := logging.ProvenanceEntry{
			RequestID:      requestID,
			StudentID:      studentID,
			Tier:           "none",
			DowngradesJSON: downgradesJSON(downgrades),
			Decision:       "failed",
			Reason:         reason,
		}
		if lerr := p.logDecision(ctx, entry); lerr != nil {
			logging.Ctx(ctx).Warn().Err(lerr).Msg("[PIPELINE] provenance write failed")
		}
	}
	return err
}

// logDecision writes one provenance row within the audit timeout.
func (p *Pipeline) logDecision(ctx context.Context, entry logging.ProvenanceEntry) error {
	actx, cancel := logging.AuditContext(ctx, p.cfg.AuditTimeout)
	defer cancel()
	return logging.LogDecision(actx, p.deps.Provenance, entry)
}

// report writes provenance and publishes the served event. Neither can
// affect the delivered recommendation.
func (p *Pipeline) report(ctx context.Context, rec Recommendation, res orchestrator.Resolution, next state.StudentState, persistErr error) {
	log := logging.Ctx(ctx)
	if p.deps.Provenance != nil {
		entry := logging.ProvenanceEntry{
			RequestID:      rec.RequestID,
			StudentID:      rec.StudentID,
			Tier:           string(rec.StageProvenance),
			ContentID:      rec.ContentID,
			DowngradesJSON: downgradesJSON(rec.Downgrades),
			VersionID:      next.VersionID,
			Decision:       "served",
			Reason:         res.Decision.Reason,
		}
		if persistErr != nil {
			entry.Decision = "served_unpersisted"
			entry.Reason = persistErr.Error()
		}
		if err := p.logDecision(ctx, entry); err != nil {
			log.Warn().Err(err).Msg("[PIPELINE] provenance write failed")
		}
	}

	if p.deps.Events != nil {
		var reasons []string
		for _, d := range rec.Downgrades {
			reasons = append(reasons, string(d.From)+":"+d.Reason)
		}
		err := p.deps.Events.PublishServed(ctx, events.RecommendationServed{
			RequestID:     rec.RequestID,
			StudentID:     rec.StudentID,
			ContentID:     rec.ContentID,
			Difficulty:    rec.Difficulty,
			ConceptIDs:    res.Item.ConceptIDs,
			Tier:          string(rec.StageProvenance),
			PredictedGain: rec.PredictedGain,
			Downgrades:    reasons,
			VersionID:     next.VersionID,
			Persisted:     persistErr == nil,
		})
		if err != nil {
			log.Warn().Err(err).Msg("[PIPELINE] event publish failed")
		}
	}
}

func downgradesJSON(ds []orchestrator.Downgrade) string {
	if len(ds) == 0 {
		return ""
	}
	recs := make([]logging.DowngradeRecord, len(ds))
	for i, d := range ds {
		recs[i] = logging.DowngradeRecord{From: string(d.From), Reason: d.Reason, Detail: d.Detail}
	}
	b, err := json.Marshal(recs)
	if err != nil {
		return ""
	}
	return string(b)
}

// #endregion

// #region interact

// Interact applies an observed outcome to the student's state.
func (p *Pipeline) Interact(ctx context.Context, studentID string, outcome update.Outcome) (state.StudentState, error) {
	ctx = logging.WithStudentID(ctx, studentID)
	ctx, span := p.tracer.Start(ctx, "pipeline.interact", trace.WithAttributes(
		attribute.String("student_id", studentID),
		attribute.String("content_id", outcome.Item.ContentID),
	))
	defer span.End()

	pctx, cancel := context.WithTimeout(ctx, p.cfg.PersistTimeout)
	defer cancel()

	next, err := p.deps.Store.Update(pctx, studentID, update.OutcomeMutator(outcome, p.rule))
	if err != nil {
		metrics.StateUpdates.WithLabelValues(p.cfg.Backend, "error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "update failed")
		return state.StudentState{}, fmt.Errorf("interact %s: %w", studentID, err)
	}
	metrics.StateUpdates.WithLabelValues(p.cfg.Backend, "ok").Inc()
	logging.Ctx(ctx).Info().Str("content_id", outcome.Item.ContentID).Float64("score", outcome.Score).
		Int64("interactions", next.InteractionCount).Msg("[PIPELINE] interaction recorded")

	if p.deps.Events != nil {
		err := p.deps.Events.PublishInteraction(ctx, events.InteractionRecorded{
			StudentID:        studentID,
			ContentID:        outcome.Item.ContentID,
			Score:            outcome.Score,
			InteractionCount: next.InteractionCount,
			VersionID:        next.VersionID,
		})
		if err != nil {
			logging.Ctx(ctx).Warn().Err(err).Msg("[PIPELINE] event publish failed")
		}
	}
	return next, nil
}

// #endregion
