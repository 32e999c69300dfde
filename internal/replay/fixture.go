package replay

import (
	"fmt"
	"os"
	"time"

	json "github.com/goccy/go-json"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/eval"
	"github.com/danielpatrickdp/adaptive-recommender/internal/gate"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
	"github.com/danielpatrickdp/adaptive-recommender/internal/update"
)

// #region fixture-types

// Fixture is the top-level JSON structure for a replay fixture: a starting
// student, the catalog they saw and the recorded steps.
type Fixture struct {
	Description     string                  `json:"description"`
	Concepts        int                     `json:"concepts"`
	StartState      FixtureStartState       `json:"start_state"`
	Catalog         []catalog.ContentItem   `json:"catalog"`
	Config          FixtureConfig           `json:"config"`
	Steps           []FixtureStep           `json:"steps"`
	ExpectedResults []FixtureExpectedResult `json:"expected_results"`
}

// FixtureStartState is the JSON-serializable initial state.
type FixtureStartState struct {
	StudentID        string    `json:"student_id"`
	KnowledgeVector  []float64 `json:"knowledge_vector"`
	LearningVelocity []float64 `json:"learning_velocity"`
	InteractionCount int64     `json:"interaction_count"`
}

// FixtureStep is one recorded event: a served recommendation or an
// observed outcome.
type FixtureStep struct {
	StepID        string    `json:"step_id"`
	Kind          string    `json:"kind"` // "recommend" | "outcome"
	ContentID     string    `json:"content_id"`
	PredictedGain float64   `json:"predicted_gain,omitempty"`
	MasteryDelta  *float64  `json:"mastery_delta,omitempty"`
	Context       []float64 `json:"context,omitempty"`
	Score         float64   `json:"score,omitempty"`
}

// FixtureExpectedResult captures the expected action per step.
type FixtureExpectedResult struct {
	StepID string `json:"step_id"`
	Action string `json:"action"`
}

// FixtureConfig bundles the sub-configs for a replay run. Zero sections
// fall back to defaults.
type FixtureConfig struct {
	Update *FixtureUpdateConfig `json:"update_config,omitempty"`
	Gate   *FixtureGateConfig   `json:"gate_config,omitempty"`
	Eval   *FixtureEvalConfig   `json:"eval_config,omitempty"`
}

// FixtureUpdateConfig mirrors update.UpdateConfig with JSON tags.
type FixtureUpdateConfig struct {
	LearningRate  float64 `json:"learning_rate"`
	GainNudgeRate float64 `json:"gain_nudge_rate"`
	VelocityAlpha float64 `json:"velocity_alpha"`
}

// FixtureGateConfig mirrors gate.GateConfig with JSON tags.
type FixtureGateConfig struct {
	Bands                  int     `json:"bands"`
	MaxBandDistance        float64 `json:"max_band_distance"`
	MinPrerequisiteMastery float64 `json:"min_prerequisite_mastery"`
	MasteredThreshold      float64 `json:"mastered_threshold"`
}

// FixtureEvalConfig mirrors eval.EvalConfig with JSON tags.
type FixtureEvalConfig struct {
	MaxVelocityNorm float64 `json:"max_velocity_norm"`
	MaxStepDrift    float64 `json:"max_step_drift"`
}

// #endregion fixture-types

// #region fixture-loader

// LoadFixture reads and parses a JSON fixture file.
func LoadFixture(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fixture %s: %w", path, err)
	}
	var f Fixture
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse fixture %s: %w", path, err)
	}
	if f.Concepts <= 0 {
		f.Concepts = len(f.StartState.KnowledgeVector)
	}
	return &f, nil
}

// ToStudentState converts the start state, padding missing vectors to the
// fixture's concept count.
func (s *FixtureStartState) ToStudentState(concepts int) state.StudentState {
	id := s.StudentID
	if id == "" {
		id = "replay"
	}
	st := state.NewDefault(id, concepts)
	copy(st.KnowledgeVector, s.KnowledgeVector)
	copy(st.LearningVelocity, s.LearningVelocity)
	st.InteractionCount = s.InteractionCount
	st.LastUpdated = replayEpoch
	return st
}

// Snapshot builds the catalog snapshot the steps refer to.
func (f *Fixture) Snapshot() (*catalog.Snapshot, error) {
	return catalog.NewSnapshot(f.Catalog, f.Concepts)
}

// ToStep converts a FixtureStep to a domain Step.
func (fs *FixtureStep) ToStep() Step {
	return Step{
		StepID:        fs.StepID,
		Kind:          fs.Kind,
		ContentID:     fs.ContentID,
		PredictedGain: fs.PredictedGain,
		MasteryDelta:  fs.MasteryDelta,
		Context:       fs.Context,
		Score:         fs.Score,
	}
}

// ToReplayConfig converts a FixtureConfig to a domain ReplayConfig.
func (fc *FixtureConfig) ToReplayConfig(concepts int) ReplayConfig {
	cfg := DefaultReplayConfig(concepts)
	if u := fc.Update; u != nil {
		cfg.UpdateConfig = update.UpdateConfig{
			LearningRate:  u.LearningRate,
			GainNudgeRate: u.GainNudgeRate,
			VelocityAlpha: u.VelocityAlpha,
		}
	}
	if g := fc.Gate; g != nil {
		cfg.GateConfig = gate.GateConfig{
			Bands:                  g.Bands,
			MaxBandDistance:        g.MaxBandDistance,
			MinPrerequisiteMastery: g.MinPrerequisiteMastery,
			MasteredThreshold:      g.MasteredThreshold,
		}
	}
	if e := fc.Eval; e != nil {
		cfg.EvalConfig = eval.EvalConfig{
			Concepts:        concepts,
			MaxVelocityNorm: e.MaxVelocityNorm,
			MaxStepDrift:    e.MaxStepDrift,
		}
	}
	return cfg
}

// replayEpoch stamps replayed states so runs are reproducible.
var replayEpoch = time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

// #endregion fixture-loader
