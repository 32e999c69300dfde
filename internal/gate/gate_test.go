package gate

import (
	"errors"
	"math/rand/v2"
	"testing"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

func makeState(vals ...float64) state.StudentState {
	st := state.NewDefault("s1", len(vals))
	copy(st.KnowledgeVector, vals)
	return st
}

func TestGateAcceptsMatchedDifficulty(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	st := makeState(0.5, 0.5, 0.5, 0.5)
	item := catalog.ContentItem{ContentID: "c1", Difficulty: 0.6, ConceptIDs: []int{0, 1}}

	decision := v.Evaluate(item, st)

	if decision.Action != "accept" {
		t.Fatalf("expected accept, got %s: %s", decision.Action, decision.Reason)
	}
	if decision.Vetoed {
		t.Fatal("should not be vetoed")
	}
	if decision.FitScore <= 0 || decision.FitScore > 1 {
		t.Errorf("fit score out of range: %f", decision.FitScore)
	}
	got, err := v.Validate(item, st)
	if err != nil || got.ContentID != "c1" {
		t.Fatalf("Validate should return the candidate unchanged, got %+v %v", got, err)
	}
}

func TestGateRejectsDistantDifficulty(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	st := makeState(0.1, 0.1)
	item := catalog.ContentItem{ContentID: "hard", Difficulty: 0.9, ConceptIDs: []int{0}}

	decision := v.Evaluate(item, st)

	if decision.Action != "reject" {
		t.Fatalf("expected reject, got %s", decision.Action)
	}
	if len(decision.VetoSignals) == 0 || decision.VetoSignals[0].Type != VetoDifficultyBand {
		t.Fatalf("expected difficulty band veto, got %+v", decision.VetoSignals)
	}
	if _, err := v.Validate(item, st); !errors.Is(err, faults.ErrUnsafeRecommendation) {
		t.Fatalf("expected ErrUnsafeRecommendation, got %v", err)
	}
}

func TestGateBoundaryIsInclusive(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	st := makeState(0.2)
	item := catalog.ContentItem{ContentID: "edge", Difficulty: 0.6, ConceptIDs: []int{0}}
	if _, err := v.Validate(item, st); err != nil {
		t.Fatalf("distance of exactly two bands should pass: %v", err)
	}
}

// Any difficulty more than two band widths from mastery is rejected, any
// within is accepted (absent other vetoes).
func TestGateBandPropertyRandomized(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	rng := rand.New(rand.NewPCG(7, 11))
	for i := 0; i < 2000; i++ {
		mastery := rng.Float64()
		difficulty := rng.Float64()
		st := makeState(mastery)
		item := catalog.ContentItem{ContentID: "x", Difficulty: difficulty, ConceptIDs: []int{0}}

		_, err := v.Validate(item, st)
		dist := difficulty - mastery
		if dist < 0 {
			dist = -dist
		}
		switch {
		case dist > 0.4+1e-6 && err == nil:
			t.Fatalf("mastery %.4f difficulty %.4f: expected rejection", mastery, difficulty)
		case dist < 0.4-1e-6 && err != nil:
			t.Fatalf("mastery %.4f difficulty %.4f: unexpected rejection %v", mastery, difficulty, err)
		}
	}
}

func TestGateMasteredStudentNeverGetsLowestBand(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	st := makeState(0.9, 0.95, 0.85)
	for d := 0.0; d < 0.2; d += 0.01 {
		item := catalog.ContentItem{ContentID: "easy", Difficulty: d}
		if _, err := v.Validate(item, st); err == nil {
			t.Fatalf("difficulty %.2f in lowest band accepted for mastered student", d)
		}
		if v.Band(d) != 0 {
			t.Fatalf("difficulty %.2f should be band 0", d)
		}
	}
}

func TestGateRejectsUnmetPrerequisite(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	st := makeState(0.1, 0.5)
	item := catalog.ContentItem{ContentID: "c2", Difficulty: 0.5, ConceptIDs: []int{1}, PrerequisiteConcepts: []int{0}}

	decision := v.Evaluate(item, st)
	if !decision.Vetoed || decision.VetoSignals[0].Type != VetoPrerequisite {
		t.Fatalf("expected prerequisite veto, got %+v", decision)
	}
	if v.PrerequisitesMet(item, st) {
		t.Error("PrerequisitesMet should be false")
	}

	st.KnowledgeVector[0] = 0.3
	if _, err := v.Validate(item, st); err != nil {
		t.Fatalf("prerequisite at the threshold should pass: %v", err)
	}
}

func TestGateRejectsUnknownConcept(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	st := makeState(0.5)
	item := catalog.ContentItem{ContentID: "c3", Difficulty: 0.5, ConceptIDs: []int{4}}

	decision := v.Evaluate(item, st)
	if !decision.Vetoed || decision.VetoSignals[0].Type != VetoUnknownConcept {
		t.Fatalf("expected unknown concept veto, got %+v", decision)
	}
}

func TestGateCollectsAllVetoes(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	st := makeState(0.0, 0.0)
	item := catalog.ContentItem{ContentID: "bad", Difficulty: 0.95, ConceptIDs: []int{1}, PrerequisiteConcepts: []int{0}}

	decision := v.Evaluate(item, st)
	if len(decision.VetoSignals) != 2 {
		t.Fatalf("expected prerequisite and band vetoes, got %+v", decision.VetoSignals)
	}
}

func TestBandAndMastered(t *testing.T) {
	v := NewValidator(DefaultGateConfig())
	cases := map[float64]int{0: 0, 0.19: 0, 0.2: 1, 0.59: 2, 0.99: 4, 1: 4}
	for x, want := range cases {
		if got := v.Band(x); got != want {
			t.Errorf("Band(%.2f) = %d, want %d", x, got, want)
		}
	}
	st := makeState(0.85, 0.2)
	if !v.Mastered(catalog.ContentItem{ConceptIDs: []int{0}}, st) {
		t.Error("concept 0 should count as mastered")
	}
	if v.Mastered(catalog.ContentItem{ConceptIDs: []int{1}}, st) {
		t.Error("concept 1 should not count as mastered")
	}
}
