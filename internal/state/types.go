package state

import (
	"slices"
	"time"
)

// #region student-state

// AdaptationContext is the opaque personalization context produced by the
// adapter stage. Version increments each time the adapter replaces it.
type AdaptationContext struct {
	Version int64     `json:"version"`
	Vector  []float64 `json:"vector,omitempty"`
}

// StudentState is the per-student adaptation state. KnowledgeVector and
// LearningVelocity are indexed by concept id.
type StudentState struct {
	StudentID         string            `json:"student_id"`
	KnowledgeVector   []float64         `json:"knowledge_vector"`
	LearningVelocity  []float64         `json:"learning_velocity"`
	AdaptationContext AdaptationContext `json:"adaptation_context"`
	InteractionCount  int64             `json:"interaction_count"`
	LastUpdated       time.Time         `json:"last_updated"`

	// History pointers, filled by backends that keep versions.
	VersionID string `json:"version_id,omitempty"`
	ParentID  string `json:"parent_id,omitempty"`
}

// NewDefault returns the zero-mastery state for a new student.
func NewDefault(studentID string, concepts int) StudentState {
	return StudentState{
		StudentID:        studentID,
		KnowledgeVector:  make([]float64, concepts),
		LearningVelocity: make([]float64, concepts),
		LastUpdated:      time.Now().UTC(),
	}
}

// Clone returns a deep copy so mutators never alias stored slices.
func (s StudentState) Clone() StudentState {
	out := s
	out.KnowledgeVector = slices.Clone(s.KnowledgeVector)
	out.LearningVelocity = slices.Clone(s.LearningVelocity)
	out.AdaptationContext.Vector = slices.Clone(s.AdaptationContext.Vector)
	return out
}

// SameContent reports whether two states carry identical adaptation data.
// History pointers are ignored.
func (s StudentState) SameContent(o StudentState) bool {
	return s.StudentID == o.StudentID &&
		s.InteractionCount == o.InteractionCount &&
		s.LastUpdated.Equal(o.LastUpdated) &&
		s.AdaptationContext.Version == o.AdaptationContext.Version &&
		slices.Equal(s.KnowledgeVector, o.KnowledgeVector) &&
		slices.Equal(s.LearningVelocity, o.LearningVelocity) &&
		slices.Equal(s.AdaptationContext.Vector, o.AdaptationContext.Vector)
}

// Mastery returns the mean knowledge over concepts, or over the whole vector
// when concepts is empty. Out-of-range ids are skipped.
func (s StudentState) Mastery(concepts []int) float64 {
	if len(concepts) == 0 {
		if len(s.KnowledgeVector) == 0 {
			return 0
		}
		var sum float64
		for _, k := range s.KnowledgeVector {
			sum += k
		}
		return sum / float64(len(s.KnowledgeVector))
	}
	var sum float64
	n := 0
	for _, c := range concepts {
		if c < 0 || c >= len(s.KnowledgeVector) {
			continue
		}
		sum += s.KnowledgeVector[c]
		n++
	}
	if n == 0 {
		return 0
	}
	return sum / float64(n)
}

// #endregion student-state

// #region mutator

// Mutator computes the next state from the current one. Returning an error
// leaves the stored state untouched.
type Mutator func(StudentState) (StudentState, error)

// Identity is the no-op mutator.
func Identity(s StudentState) (StudentState, error) { return s, nil }

// Guard checks a proposed transition before it is written.
type Guard func(prev, next StudentState) error

// #endregion mutator
