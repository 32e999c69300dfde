package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-recommender/internal/replay"
)

var replayJSON bool

func init() {
	cmd := &cobra.Command{
		Use:   "replay <fixture.json>",
		Short: "Replay a recorded session offline and compare against expected actions",
		Long: "Runs each recorded step through the gate, the update rule and the transition harness " +
			"without touching models or stores. Exits non-zero when a replayed action diverges.",
		Args: cobra.ExactArgs(1),
		RunE: runReplay,
	}
	cmd.Flags().BoolVar(&replayJSON, "json", false, "Print per-step results and the summary as JSON")

	RootCmd.AddCommand(cmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := replay.LoadFixture(args[0])
	if err != nil {
		return err
	}
	snap, err := f.Snapshot()
	if err != nil {
		return fmt.Errorf("fixture catalog: %w", err)
	}

	start := f.StartState.ToStudentState(f.Concepts)
	steps := make([]replay.Step, len(f.Steps))
	for i := range f.Steps {
		steps[i] = f.Steps[i].ToStep()
	}
	results, final := replay.Replay(start, snap, steps, f.Config.ToReplayConfig(f.Concepts))
	summary := replay.Summarize(results, start, final)

	if replayJSON {
		if err := printJSON(struct {
			Results []replay.ReplayResult `json:"results"`
			Summary replay.ReplaySummary  `json:"summary"`
		}{results, summary}); err != nil {
			return err
		}
	}

	expected := make([]string, len(f.ExpectedResults))
	for i, e := range f.ExpectedResults {
		expected[i] = e.Action
	}
	out := io.Writer(os.Stdout)
	if replayJSON {
		out = os.Stderr
	}
	if diverge := printComparison(out, results, expected); diverge > 0 {
		return fmt.Errorf("%d of %d steps diverge", diverge, len(expected))
	}
	fmt.Fprintf(out, "Mastery gain %.4f, %d commits, %d gate rejects, %d eval rollbacks, %d skipped\n",
		summary.MasteryGain, summary.Commits, summary.GateRejects, summary.EvalRollbacks, summary.Skipped)
	return nil
}

// printComparison writes a step table and returns the number of steps whose
// replayed action differs from the expected one. Steps without an
// expectation are shown but not counted.
func printComparison(w io.Writer, results []replay.ReplayResult, expected []string) int {
	fmt.Fprintf(w, "%-12s| %-16s| %-16s| %s\n", "Step", "Expected", "Replayed", "Match")
	fmt.Fprintf(w, "%-12s+%-17s+%-17s+%s\n", "------------", "-----------------", "-----------------", "------")

	diverge := 0
	for i, r := range results {
		exp, match := "-", ""
		if i < len(expected) {
			exp = expected[i]
			match = "OK"
			if exp != r.Action {
				match = "DIFF"
				diverge++
			}
		}
		fmt.Fprintf(w, "%-12s| %-16s| %-16s| %s\n", r.StepID, exp, r.Action, match)
	}
	// Expectations past the last replayed step count as divergences.
	if len(expected) > len(results) {
		diverge += len(expected) - len(results)
	}
	fmt.Fprintf(w, "\nSummary: %d steps, %d diverge\n", len(results), diverge)
	return diverge
}
