package orchestrator

import (
	"fmt"

	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
)

// heuristicGainScale turns the remaining mastery gap into a predicted gain.
const heuristicGainScale = 0.2

// heuristic serves the easiest unmastered item whose prerequisites are met
// and which the gate accepts. It calls no model, so it never downgrades.
func (c *Controller) heuristic(req Request) (Resolution, error) {
	st := req.State
	for _, item := range req.Snapshot.ByDifficulty() {
		if c.gate.Mastered(item, st) || !c.gate.PrerequisitesMet(item, st) {
			continue
		}
		d := c.gate.Evaluate(item, st)
		if d.Vetoed {
			continue
		}
		return Resolution{
			Item:          item,
			PredictedGain: (1 - d.Mastery) * heuristicGainScale,
			Decision:      d,
		}, nil
	}
	return Resolution{}, fmt.Errorf("%s: no unmastered item passes the gate among %d: %w",
		TierHeuristic, req.Snapshot.Len(), faults.ErrNoEligibleContent)
}
