package replay

import (
	"testing"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

const testConcepts = 3

// helper: a small three-concept catalog.
func testSnapshot(t *testing.T) *catalog.Snapshot {
	t.Helper()
	snap, err := catalog.NewSnapshot([]catalog.ContentItem{
		{ContentID: "a", Difficulty: 0.1, ConceptIDs: []int{0}},
		{ContentID: "b", Difficulty: 0.3, ConceptIDs: []int{1}, PrerequisiteConcepts: []int{0}},
		{ContentID: "c", Difficulty: 0.8, ConceptIDs: []int{2}},
	}, testConcepts)
	if err != nil {
		t.Fatal(err)
	}
	return snap
}

// helper: state with every concept at val.
func seededState(val float64) state.StudentState {
	st := state.NewDefault("replay", testConcepts)
	for i := range st.KnowledgeVector {
		st.KnowledgeVector[i] = val
	}
	return st
}

// 1. Full commit path: accepted item, state advances.
func TestReplay_FullCommitPath(t *testing.T) {
	start := seededState(0.1)
	steps := []Step{{StepID: "s1", Kind: KindRecommend, ContentID: "a", PredictedGain: 0.2}}

	results, final := Replay(start, testSnapshot(t), steps, DefaultReplayConfig(testConcepts))

	if len(results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(results))
	}
	r := results[0]
	if r.Action != ActionCommit {
		t.Errorf("expected action=commit, got %s", r.Action)
	}
	if final.InteractionCount != 1 || r.InteractionCount != 1 {
		t.Error("expected state to advance")
	}
	if r.GateDecision == nil || r.EvalResult == nil || !r.EvalResult.Passed {
		t.Error("expected gate decision and passing eval result")
	}
	if start.InteractionCount != 0 || start.KnowledgeVector[0] != 0.1 {
		t.Error("replay mutated the start state")
	}
}

// 2. Gate rejection: unmet prerequisite, state unchanged.
func TestReplay_GateRejection(t *testing.T) {
	start := seededState(0.1)
	steps := []Step{{StepID: "s1", Kind: KindRecommend, ContentID: "b", PredictedGain: 0.2}}

	results, final := Replay(start, testSnapshot(t), steps, DefaultReplayConfig(testConcepts))

	if results[0].Action != ActionGateReject {
		t.Fatalf("expected gate_reject, got %s", results[0].Action)
	}
	if results[0].EvalResult != nil {
		t.Error("eval should not run after a gate rejection")
	}
	if !final.SameContent(start) {
		t.Error("rejected step changed state")
	}
}

// 3. Eval rollback: a velocity ceiling the step exceeds.
func TestReplay_EvalRollback(t *testing.T) {
	start := seededState(0.1)
	config := DefaultReplayConfig(testConcepts)
	config.EvalConfig.MaxVelocityNorm = 0.01
	steps := []Step{{StepID: "s1", Kind: KindOutcome, ContentID: "a", Score: 1}}

	results, final := Replay(start, testSnapshot(t), steps, config)

	if results[0].Action != ActionEvalRollback {
		t.Fatalf("expected eval_rollback, got %s (%s)", results[0].Action, results[0].Reason)
	}
	if results[0].EvalResult == nil || results[0].EvalResult.Passed {
		t.Error("expected failing eval result")
	}
	if final.InteractionCount != 0 {
		t.Error("rolled-back step was committed")
	}
}

// 4. Skips: unknown content, bad score, unknown kind.
func TestReplay_Skips(t *testing.T) {
	start := seededState(0.1)
	steps := []Step{
		{StepID: "s1", Kind: KindRecommend, ContentID: "missing"},
		{StepID: "s2", Kind: KindOutcome, ContentID: "a", Score: -0.5},
		{StepID: "s3", Kind: "teleport", ContentID: "a"},
	}
	results, final := Replay(start, testSnapshot(t), steps, DefaultReplayConfig(testConcepts))

	want := []string{ActionUnknownContent, ActionInvalid, ActionInvalid}
	for i, w := range want {
		if results[i].Action != w {
			t.Errorf("step %d: expected %s, got %s", i, w, results[i].Action)
		}
	}
	if final.InteractionCount != 0 {
		t.Error("skipped steps changed state")
	}
}

// 5. Determinism: two runs agree exactly.
func TestReplay_Deterministic(t *testing.T) {
	steps := []Step{
		{StepID: "s1", Kind: KindRecommend, ContentID: "a", PredictedGain: 0.3},
		{StepID: "s2", Kind: KindOutcome, ContentID: "a", Score: 0.9},
		{StepID: "s3", Kind: KindRecommend, ContentID: "b", PredictedGain: 0.2},
	}
	_, first := Replay(seededState(0.3), testSnapshot(t), steps, DefaultReplayConfig(testConcepts))
	_, second := Replay(seededState(0.3), testSnapshot(t), steps, DefaultReplayConfig(testConcepts))

	if !first.SameContent(second) || !first.LastUpdated.Equal(second.LastUpdated) {
		t.Errorf("replays diverged:\n%+v\n%+v", first, second)
	}
}

// 6. Summary counts.
func TestSummarize(t *testing.T) {
	results := []ReplayResult{
		{Action: ActionCommit},
		{Action: ActionCommit},
		{Action: ActionGateReject},
		{Action: ActionEvalRollback},
		{Action: ActionUnknownContent},
	}
	start := seededState(0.1)
	final := seededState(0.4)
	s := Summarize(results, start, final)
	if s.TotalSteps != 5 || s.Commits != 2 || s.GateRejects != 1 || s.EvalRollbacks != 1 || s.Skipped != 1 {
		t.Errorf("unexpected summary %+v", s)
	}
	if s.MasteryGain < 0.2999 || s.MasteryGain > 0.3001 {
		t.Errorf("expected mastery gain 0.3, got %f", s.MasteryGain)
	}
}
