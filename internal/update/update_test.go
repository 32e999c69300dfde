package update

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-9 }

func TestApplyRecommendationGainNudge(t *testing.T) {
	cur := state.NewDefault("s1", 4)
	cur.KnowledgeVector[1] = 0.4
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	next, m := ApplyRecommendation(cur, Served{
		Item:          catalog.ContentItem{ContentID: "c", ConceptIDs: []int{1, 2}},
		PredictedGain: 0.2,
	}, DefaultUpdateConfig(), now)

	if !approx(next.KnowledgeVector[1], 0.5) || !approx(next.KnowledgeVector[2], 0.1) {
		t.Fatalf("expected +0.1 on concepts 1,2, got %v", next.KnowledgeVector)
	}
	if next.KnowledgeVector[0] != 0 || next.KnowledgeVector[3] != 0 {
		t.Errorf("untouched concepts changed: %v", next.KnowledgeVector)
	}
	if next.InteractionCount != 1 {
		t.Errorf("expected interaction count 1, got %d", next.InteractionCount)
	}
	if !next.LastUpdated.Equal(now) {
		t.Errorf("expected LastUpdated %s, got %s", now, next.LastUpdated)
	}
	if !approx(next.LearningVelocity[1], 0.3*0.1) {
		t.Errorf("expected velocity 0.03, got %f", next.LearningVelocity[1])
	}
	if len(m.ConceptsHit) != 2 {
		t.Errorf("expected 2 concepts hit, got %v", m.ConceptsHit)
	}
	if cur.KnowledgeVector[1] != 0.4 || cur.InteractionCount != 0 {
		t.Error("ApplyRecommendation must not modify its input")
	}
}

func TestApplyRecommendationIgnoresNonFiniteDelta(t *testing.T) {
	cur := state.NewDefault("s1", 2)
	cur.KnowledgeVector[0] = 0.6
	delta := math.NaN()

	next, _ := ApplyRecommendation(cur, Served{
		Item:          catalog.ContentItem{ConceptIDs: []int{0}},
		PredictedGain: 0.4,
		MasteryDelta:  &delta,
	}, DefaultUpdateConfig(), time.Now())

	if next.KnowledgeVector[0] != 0.6 {
		t.Errorf("NaN delta must leave mastery alone, got %f", next.KnowledgeVector[0])
	}
	if next.InteractionCount != 1 {
		t.Errorf("interaction still counts, got %d", next.InteractionCount)
	}
}

func TestApplyRecommendationModelDeltaAndContext(t *testing.T) {
	cur := state.NewDefault("s1", 3)
	cur.KnowledgeVector[0] = 0.95
	cur.AdaptationContext.Version = 4
	delta := 0.2

	next, m := ApplyRecommendation(cur, Served{
		Item:          catalog.ContentItem{ConceptIDs: []int{0}},
		PredictedGain: 0.9,
		MasteryDelta:  &delta,
		Context:       []float64{0.1, 0.2},
	}, DefaultUpdateConfig(), time.Now())

	if next.KnowledgeVector[0] != 1 {
		t.Errorf("expected clamp at 1, got %f", next.KnowledgeVector[0])
	}
	if next.AdaptationContext.Version != 5 || len(next.AdaptationContext.Vector) != 2 {
		t.Errorf("expected context v5, got %+v", next.AdaptationContext)
	}
	if !m.ContextChanged {
		t.Error("expected ContextChanged")
	}
}

func TestApplyOutcomeMovesTowardScore(t *testing.T) {
	cur := state.NewDefault("s1", 2)
	cur.KnowledgeVector[0] = 0.5
	cfg := DefaultUpdateConfig()

	up, _ := ApplyOutcome(cur, Outcome{Item: catalog.ContentItem{ConceptIDs: []int{0}}, Score: 1}, cfg, time.Now())
	if !approx(up.KnowledgeVector[0], 0.6) {
		t.Errorf("expected 0.6 after a perfect score, got %f", up.KnowledgeVector[0])
	}
	down, _ := ApplyOutcome(cur, Outcome{Item: catalog.ContentItem{ConceptIDs: []int{0}}, Score: 0}, cfg, time.Now())
	if !approx(down.KnowledgeVector[0], 0.4) {
		t.Errorf("expected 0.4 after a zero score, got %f", down.KnowledgeVector[0])
	}
	if down.LearningVelocity[0] >= 0 {
		t.Errorf("expected negative velocity, got %f", down.LearningVelocity[0])
	}
}

func TestApplyOutcomeNoConceptsTouchesWholeVector(t *testing.T) {
	cur := state.NewDefault("s1", 3)
	next, m := ApplyOutcome(cur, Outcome{Score: 1}, DefaultUpdateConfig(), time.Now())
	for i, k := range next.KnowledgeVector {
		if !approx(k, 0.2) {
			t.Errorf("concept %d: expected 0.2, got %f", i, k)
		}
	}
	if len(m.ConceptsHit) != 3 {
		t.Errorf("expected all concepts hit, got %v", m.ConceptsHit)
	}
}

func TestUpdateDeterministic(t *testing.T) {
	cur := state.NewDefault("s1", 4)
	now := time.Now()
	o := Outcome{Item: catalog.ContentItem{ConceptIDs: []int{0, 3}}, Score: 0.7}
	a, _ := ApplyOutcome(cur, o, DefaultUpdateConfig(), now)
	b, _ := ApplyOutcome(cur, o, DefaultUpdateConfig(), now)
	if !a.SameContent(b) {
		t.Fatal("same inputs produced different states")
	}
}

func TestMutatorsThroughStore(t *testing.T) {
	s := state.NewMemoryStore(state.Options{Concepts: 2})
	ctx := context.Background()
	item := catalog.ContentItem{ConceptIDs: []int{0}}

	if _, err := s.Update(ctx, "s1", OutcomeMutator(Outcome{Item: item, Score: 2}, DefaultUpdateConfig())); err == nil {
		t.Fatal("expected out-of-range score to be rejected")
	}
	st, err := s.Update(ctx, "s1", RecommendationMutator(Served{Item: item, PredictedGain: 0.4}, DefaultUpdateConfig()))
	if err != nil {
		t.Fatalf("recommendation mutator: %v", err)
	}
	st, err = s.Update(ctx, "s1", OutcomeMutator(Outcome{Item: item, Score: 1}, DefaultUpdateConfig()))
	if err != nil {
		t.Fatalf("outcome mutator: %v", err)
	}
	if st.InteractionCount != 2 {
		t.Errorf("expected 2 interactions, got %d", st.InteractionCount)
	}
}
