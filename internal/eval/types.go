package eval

// #region eval-config
// EvalConfig holds thresholds for validating a state transition.
type EvalConfig struct {
	Concepts        int     // expected vector length
	MaxVelocityNorm float64 // reject if the velocity L2 norm exceeds this
	MaxStepDrift    float64 // flag (not reject) a larger per-concept jump
}

// DefaultEvalConfig returns defaults for a catalog of the given size.
func DefaultEvalConfig(concepts int) EvalConfig {
	return EvalConfig{
		Concepts:        concepts,
		MaxVelocityNorm: 4.0,
		MaxStepDrift:    0.5,
	}
}

// #endregion eval-config

// #region eval-metric
// EvalMetric captures a single validation check result.
type EvalMetric struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Pass  bool    `json:"pass"`
}

// #endregion eval-metric

// #region eval-result
// EvalResult is the output of transition validation.
type EvalResult struct {
	Passed  bool         `json:"passed"`
	Metrics []EvalMetric `json:"metrics"`
	Reason  string       `json:"reason"`
}

// #endregion eval-result
