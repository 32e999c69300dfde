package gate

// #region veto-type
// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoDifficultyBand    VetoType = "difficulty_band"
	VetoPrerequisite      VetoType = "prerequisite_unmet"
	VetoUnknownConcept    VetoType = "unknown_concept"
	VetoInvalidDifficulty VetoType = "invalid_difficulty"
)

// #endregion veto-type

// #region veto-signal
// VetoSignal represents a detected hard veto condition.
type VetoSignal struct {
	Type   VetoType `json:"type"`
	Reason string   `json:"reason"`
}

// #endregion veto-signal

// #region gate-config
// GateConfig holds thresholds for gate decisions.
type GateConfig struct {
	Bands                  int     // equal-width difficulty bands over [0,1]
	MaxBandDistance        float64 // reject when |difficulty - mastery| exceeds this many band widths
	MinPrerequisiteMastery float64 // every prerequisite concept must reach this
	MasteredThreshold      float64 // mastery at or above this counts as mastered
}

// DefaultGateConfig returns the standard five-band configuration.
func DefaultGateConfig() GateConfig {
	return GateConfig{
		Bands:                  5,
		MaxBandDistance:        2,
		MinPrerequisiteMastery: 0.3,
		MasteredThreshold:      0.8,
	}
}

// BandWidth is the width of one difficulty band.
func (c GateConfig) BandWidth() float64 {
	if c.Bands <= 0 {
		return 1
	}
	return 1 / float64(c.Bands)
}

// MaxDistance is the largest accepted |difficulty - mastery|.
func (c GateConfig) MaxDistance() float64 {
	return c.MaxBandDistance * c.BandWidth()
}

// #endregion gate-config

// #region gate-decision
// Decision is the output of a safety evaluation.
type Decision struct {
	Action         string       `json:"action"` // "accept" | "reject"
	Reason         string       `json:"reason"`
	Vetoed         bool         `json:"vetoed"`
	VetoSignals    []VetoSignal `json:"veto_signals,omitempty"`
	Mastery        float64      `json:"mastery"`
	DifficultyBand int          `json:"difficulty_band"`
	MasteryBand    int          `json:"mastery_band"`
	FitScore       float64      `json:"fit_score"` // 1 at perfect match, 0 at the band limit
}

// #endregion gate-decision
