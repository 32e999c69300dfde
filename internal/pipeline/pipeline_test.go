package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"golang.org/x/sync/errgroup"
	_ "modernc.org/sqlite"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
	"github.com/danielpatrickdp/adaptive-recommender/internal/events"
	"github.com/danielpatrickdp/adaptive-recommender/internal/explain"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/gate"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/modelclient"
	"github.com/danielpatrickdp/adaptive-recommender/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
	"github.com/danielpatrickdp/adaptive-recommender/internal/update"
)

const concepts = 4

// #region fakes

type endpointFunc func(ctx context.Context, payload codec.Payload) (codec.Payload, error)

// stubTransport answers each endpoint with a canned function.
type stubTransport struct {
	mu        sync.Mutex
	endpoints map[string]endpointFunc
}

func healthyTransport() *stubTransport {
	return &stubTransport{endpoints: map[string]endpointFunc{
		modelclient.EndpointEncoder: func(context.Context, codec.Payload) (codec.Payload, error) {
			return codec.Payload{"embedding": codec.Floats([]float64{0.1, 0.2, 0.3})}, nil
		},
		modelclient.EndpointAdapter: func(context.Context, codec.Payload) (codec.Payload, error) {
			return codec.Payload{"context": codec.Floats([]float64{0.4, 0.6})}, nil
		},
		modelclient.EndpointPolicy: func(context.Context, codec.Payload) (codec.Payload, error) {
			return codec.Payload{"candidates": []any{
				map[string]any{"content_id": "basics", "predicted_gain": 0.3},
				map[string]any{"content_id": "intro", "predicted_gain": 0.2},
			}}, nil
		},
		modelclient.EndpointCausal: func(context.Context, codec.Payload) (codec.Payload, error) {
			return codec.Payload{"effect": 0.25, "lower": 0.1, "upper": 0.4, "confidence_level": 0.95}, nil
		},
	}}
}

func (s *stubTransport) set(endpoint string, fn endpointFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.endpoints[endpoint] = fn
}

func (s *stubTransport) Call(ctx context.Context, endpoint string, payload codec.Payload) (codec.Payload, error) {
	s.mu.Lock()
	fn := s.endpoints[endpoint]
	s.mu.Unlock()
	if fn == nil {
		return nil, fmt.Errorf("%s: %w", endpoint, faults.ErrUnavailable)
	}
	return fn(ctx, payload)
}

// brokenStore loads fine but cannot commit.
type brokenStore struct {
	state.Store
}

func (b brokenStore) Update(context.Context, string, state.Mutator) (state.StudentState, error) {
	return state.StudentState{}, errors.New("disk full")
}

// stuckStore never answers a load before the caller gives up.
type stuckStore struct {
	state.Store
}

func (stuckStore) Get(ctx context.Context, _ string) (state.StudentState, error) {
	<-ctx.Done()
	return state.StudentState{}, ctx.Err()
}

// #endregion fakes

// #region fixtures

func testCatalog(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot([]catalog.ContentItem{
		{ContentID: "intro", Difficulty: 0.1, ConceptIDs: []int{0}},
		{ContentID: "basics", Difficulty: 0.3, ConceptIDs: []int{1}},
		{ContentID: "advanced", Difficulty: 0.8, ConceptIDs: []int{2}, PrerequisiteConcepts: []int{1}},
	}, concepts)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

type harness struct {
	pipeline  *Pipeline
	transport *stubTransport
	store     state.Store
}

func newHarness(t *testing.T, store state.Store, deps func(*Deps)) *harness {
	t.Helper()
	tr := healthyTransport()
	models := modelclient.New(tr, modelclient.Options{
		Retry:   modelclient.RetryPolicy{MaxAttempts: 2, BaseBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond},
		Breaker: modelclient.BreakerSettings{FailureThreshold: 5, Cooldown: time.Second},
	})
	if store == nil {
		store = state.NewMemoryStore(state.Options{Concepts: concepts})
	}
	ctrl := orchestrator.NewController(models, gate.NewValidator(gate.DefaultGateConfig()), orchestrator.Config{
		EncoderTimeout: time.Second,
		AdapterTimeout: time.Second,
		PolicyTimeout:  time.Second,
		PolicyTopK:     5,
	}, nil)
	d := Deps{
		Store:      store,
		Controller: ctrl,
		Explainer:  explain.New(models, time.Second, 20*time.Millisecond),
	}
	if deps != nil {
		deps(&d)
	}
	p := New(d, Config{
		DefaultDeadline: 2 * time.Second,
		PersistTimeout:  time.Second,
		ExplainEnabled:  true,
		Backend:         "memory",
	}, update.DefaultUpdateConfig())
	return &harness{pipeline: p, transport: tr, store: store}
}

// #endregion fixtures

// #region recommend-tests

func TestRecommendPersonalized(t *testing.T) {
	h := newHarness(t, nil, nil)

	res, err := h.pipeline.Recommend(context.Background(), "s1", map[string]any{"device": "tablet"}, testCatalog(t), 0)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	rec := res.Recommendation
	if rec.StageProvenance != orchestrator.TierPersonalized {
		t.Fatalf("expected PERSONALIZED, got %s", rec.StageProvenance)
	}
	if rec.ContentID != "basics" || rec.Difficulty != 0.3 {
		t.Errorf("unexpected recommendation %+v", rec)
	}
	if rec.Explanation == nil || rec.Explanation.Effect != 0.25 {
		t.Errorf("expected explanation, got %+v", rec.Explanation)
	}
	if rec.RequestID == "" {
		t.Error("request id not assigned")
	}
	if res.PersistErr != nil {
		t.Fatalf("unexpected persistence error: %v", res.PersistErr)
	}
	if res.State.InteractionCount != 1 {
		t.Errorf("expected interaction count 1, got %d", res.State.InteractionCount)
	}
	if res.State.AdaptationContext.Version != 1 || len(res.State.AdaptationContext.Vector) != 2 {
		t.Errorf("adaptation context not stored: %+v", res.State.AdaptationContext)
	}
	if res.State.KnowledgeVector[1] <= 0 {
		t.Errorf("expected mastery nudge on concept 1, got %v", res.State.KnowledgeVector)
	}
}

func TestRecommendPersonalizationFailureServesSafePolicy(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.transport.set(modelclient.EndpointAdapter, func(context.Context, codec.Payload) (codec.Payload, error) {
		return nil, faults.ErrUnavailable
	})

	res, err := h.pipeline.Recommend(context.Background(), "s1", nil, testCatalog(t), 0)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	rec := res.Recommendation
	if rec.StageProvenance != orchestrator.TierSafePolicy {
		t.Fatalf("expected SAFE_POLICY, got %s", rec.StageProvenance)
	}
	if len(rec.Downgrades) != 1 || rec.Downgrades[0].From != orchestrator.TierPersonalized {
		t.Errorf("expected personalized downgrade, got %+v", rec.Downgrades)
	}
	if res.State.AdaptationContext.Version != 0 {
		t.Error("safe policy must not replace the adaptation context")
	}
}

func TestRecommendDefaultBudgetKeepsSafePolicy(t *testing.T) {
	c := config.Default()
	tr := healthyTransport()
	tr.set(modelclient.EndpointAdapter, func(context.Context, codec.Payload) (codec.Payload, error) {
		return nil, faults.ErrUnavailable
	})
	models := modelclient.New(tr, modelclient.OptionsFromConfig(c))
	ctrl := orchestrator.NewController(models, gate.NewValidator(gate.FromConfig(c.Gate)), orchestrator.ConfigFrom(c), nil)
	p := New(Deps{
		Store:      state.NewMemoryStore(state.Options{Concepts: concepts}),
		Controller: ctrl,
	}, ConfigFrom(c), update.FromConfig(c.Update))

	start := time.Now()
	res, err := p.Recommend(context.Background(), "s1", nil, testCatalog(t), 0)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	rec := res.Recommendation
	if rec.StageProvenance != orchestrator.TierSafePolicy {
		t.Fatalf("expected SAFE_POLICY, got %s (downgrades %+v)", rec.StageProvenance, rec.Downgrades)
	}
	if len(rec.Downgrades) != 1 || rec.Downgrades[0].Reason != "unavailable" {
		t.Errorf("expected a single unavailable downgrade, got %+v", rec.Downgrades)
	}
	if elapsed > c.Pipeline.DefaultDeadline {
		t.Errorf("took %v, over the %v default deadline", elapsed, c.Pipeline.DefaultDeadline)
	}
}

func TestRecommendDeadlineFallsThroughToHeuristic(t *testing.T) {
	h := newHarness(t, nil, nil)
	// The encoder ignores cancellation entirely.
	h.transport.set(modelclient.EndpointEncoder, func(context.Context, codec.Payload) (codec.Payload, error) {
		time.Sleep(600 * time.Millisecond)
		return codec.Payload{"embedding": codec.Floats([]float64{0.1})}, nil
	})

	start := time.Now()
	res, err := h.pipeline.Recommend(context.Background(), "s1", nil, testCatalog(t), 500*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.Recommendation.StageProvenance != orchestrator.TierHeuristic {
		t.Fatalf("expected HEURISTIC, got %s", res.Recommendation.StageProvenance)
	}
	if res.Recommendation.ContentID != "intro" {
		t.Errorf("expected easiest item intro, got %s", res.Recommendation.ContentID)
	}
	if elapsed < 450*time.Millisecond || elapsed > 590*time.Millisecond {
		t.Errorf("expected return near the 500ms deadline, took %v", elapsed)
	}
	if res.Recommendation.Explanation != nil {
		t.Error("no budget should remain for an explanation")
	}
	if res.PersistErr != nil {
		t.Errorf("persistence must not inherit the expired deadline: %v", res.PersistErr)
	}
}

func TestRecommendConcurrentStudents(t *testing.T) {
	const students, perStudent = 100, 3
	h := newHarness(t, nil, nil)
	snap := testCatalog(t)

	var g errgroup.Group
	for i := 0; i < students; i++ {
		id := fmt.Sprintf("student-%03d", i)
		for j := 0; j < perStudent; j++ {
			g.Go(func() error {
				res, err := h.pipeline.Recommend(context.Background(), id, nil, snap, 0)
				if err != nil {
					return err
				}
				return res.PersistErr
			})
		}
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("request failed: %v", err)
	}

	for i := 0; i < students; i++ {
		st, err := h.store.Get(context.Background(), fmt.Sprintf("student-%03d", i))
		if err != nil {
			t.Fatal(err)
		}
		if st.InteractionCount != perStudent {
			t.Fatalf("%s: expected %d interactions, got %d", st.StudentID, perStudent, st.InteractionCount)
		}
	}
}

func TestRecommendPersistenceFailureStillDelivers(t *testing.T) {
	store := brokenStore{state.NewMemoryStore(state.Options{Concepts: concepts})}
	h := newHarness(t, store, nil)

	res, err := h.pipeline.Recommend(context.Background(), "s1", nil, testCatalog(t), 0)
	if err != nil {
		t.Fatalf("delivery must not fail on persistence: %v", err)
	}
	if res.Recommendation.ContentID == "" {
		t.Fatal("expected a recommendation")
	}
	if !errors.Is(res.PersistErr, faults.ErrPersistenceFailure) {
		t.Errorf("expected ErrPersistenceFailure, got %v", res.PersistErr)
	}
}

func TestRecommendStateLoadDeadline(t *testing.T) {
	store := stuckStore{state.NewMemoryStore(state.Options{Concepts: concepts})}
	h := newHarness(t, store, nil)

	_, err := h.pipeline.Recommend(context.Background(), "s1", nil, testCatalog(t), 30*time.Millisecond)
	if !errors.Is(err, faults.ErrDeadlineExceeded) {
		t.Fatalf("expected ErrDeadlineExceeded, got %v", err)
	}
}

func TestRecommendNoEligibleContent(t *testing.T) {
	h := newHarness(t, nil, nil)
	empty, _ := catalog.NewSnapshot(nil, concepts)

	_, err := h.pipeline.Recommend(context.Background(), "s1", nil, empty, 0)
	if !errors.Is(err, faults.ErrNoEligibleContent) {
		t.Fatalf("expected ErrNoEligibleContent, got %v", err)
	}
	st, _ := h.store.Get(context.Background(), "s1")
	if st.InteractionCount != 0 {
		t.Error("failed request must not touch state")
	}
}

func TestRecommendNotBlockedByBusyProvenance(t *testing.T) {
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	if err := logging.EnsureProvenanceSchema(db); err != nil {
		t.Fatal(err)
	}
	tx, err := db.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()

	h := newHarness(t, nil, func(d *Deps) { d.Provenance = db })
	start := time.Now()
	res, err := h.pipeline.Recommend(context.Background(), "s1", nil, testCatalog(t), 300*time.Millisecond)
	elapsed := time.Since(start)
	if err != nil {
		t.Fatalf("Recommend: %v", err)
	}
	if res.Recommendation.StageProvenance != orchestrator.TierPersonalized {
		t.Errorf("expected PERSONALIZED, got %s", res.Recommendation.StageProvenance)
	}
	if elapsed > time.Second {
		t.Errorf("Recommend waited %v on the provenance database", elapsed)
	}
}

func TestRecommendWritesProvenance(t *testing.T) {
	store, err := state.NewSQLiteStore(filepath.Join(t.TempDir(), "reco.db"), state.Options{Concepts: concepts})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	if err := logging.EnsureProvenanceSchema(store.DB()); err != nil {
		t.Fatal(err)
	}
	h := newHarness(t, store, func(d *Deps) { d.Provenance = store.DB() })
	h.transport.set(modelclient.EndpointEncoder, func(context.Context, codec.Payload) (codec.Payload, error) {
		return nil, faults.ErrTimeout
	})

	res, err := h.pipeline.Recommend(context.Background(), "s1", nil, testCatalog(t), 0)
	if err != nil {
		t.Fatal(err)
	}
	entries, err := logging.RecentDecisions(store.DB(), "s1", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 provenance row, got %d", len(entries))
	}
	e := entries[0]
	if e.Tier != "SAFE_POLICY" || e.Decision != "served" || e.VersionID != res.State.VersionID {
		t.Errorf("unexpected provenance %+v", e)
	}
	var downgrades []logging.DowngradeRecord
	if err := json.Unmarshal([]byte(e.DowngradesJSON), &downgrades); err != nil {
		t.Fatalf("downgrades json: %v", err)
	}
	if len(downgrades) != 1 || downgrades[0].Reason != "timeout" {
		t.Errorf("unexpected downgrades %+v", downgrades)
	}
}

func TestRecommendPublishesServedEvent(t *testing.T) {
	bus := events.NewBus(8)
	defer bus.Close()
	h := newHarness(t, nil, func(d *Deps) { d.Events = bus })

	ch, err := bus.Subscriber().Subscribe(context.Background(), events.TopicRecommendationServed)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.pipeline.Recommend(context.Background(), "s1", nil, testCatalog(t), 0); err != nil {
		t.Fatal(err)
	}

	select {
	case msg := <-ch:
		msg.Ack()
		var ev events.RecommendationServed
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatal(err)
		}
		if ev.StudentID != "s1" || ev.Tier != "PERSONALIZED" || !ev.Persisted {
			t.Errorf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no served event")
	}
}

// #endregion recommend-tests

// #region interact-tests

func TestInteract(t *testing.T) {
	h := newHarness(t, nil, nil)
	item, _ := testCatalog(t).Lookup("intro")

	st, err := h.pipeline.Interact(context.Background(), "s1", update.Outcome{Item: item, Score: 1})
	if err != nil {
		t.Fatalf("Interact: %v", err)
	}
	if st.InteractionCount != 1 || st.KnowledgeVector[0] <= 0 {
		t.Errorf("outcome not applied: %+v", st)
	}

	if _, err := h.pipeline.Interact(context.Background(), "s1", update.Outcome{Item: item, Score: 2}); err == nil {
		t.Error("expected out-of-range score to fail")
	}
	again, _ := h.store.Get(context.Background(), "s1")
	if again.InteractionCount != 1 {
		t.Errorf("rejected outcome changed state: %d", again.InteractionCount)
	}
}

// #endregion interact-tests
