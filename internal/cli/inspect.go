package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/orchestrator"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

var (
	inspectLimit  int
	statsHalfLife time.Duration
)

func init() {
	inspect := &cobra.Command{
		Use:   "inspect <student-id>",
		Short: "Show a student's state history and recent decisions",
		Args:  cobra.ExactArgs(1),
		RunE:  runInspect,
	}
	inspect.Flags().IntVarP(&inspectLimit, "limit", "n", 10, "Max versions and decisions to show")

	rollback := &cobra.Command{
		Use:   "rollback <student-id> <version-id>",
		Short: "Restore a previous state version as the active one",
		Args:  cobra.ExactArgs(2),
		RunE:  runRollback,
	}

	stats := &cobra.Command{
		Use:   "stats",
		Short: "Show decay-weighted success rates per tier",
		Args:  cobra.NoArgs,
		RunE:  runStats,
	}
	stats.Flags().DurationVar(&statsHalfLife, "half-life", orchestrator.DefaultHalfLife, "Decay half-life for tier outcomes")

	RootCmd.AddCommand(inspect, rollback, stats)
}

type inspectOutput struct {
	Current   state.StudentState        `json:"current"`
	Versions  []versionSummary          `json:"versions"`
	Decisions []logging.ProvenanceEntry `json:"decisions"`
}

type versionSummary struct {
	VersionID        string    `json:"version_id"`
	ParentID         string    `json:"parent_id,omitempty"`
	InteractionCount int64     `json:"interaction_count"`
	MeanMastery      float64   `json:"mean_mastery"`
	ContextVersion   int64     `json:"context_version"`
	LastUpdated      time.Time `json:"last_updated"`
}

func summarize(st state.StudentState) versionSummary {
	return versionSummary{
		VersionID:        st.VersionID,
		ParentID:         st.ParentID,
		InteractionCount: st.InteractionCount,
		MeanMastery:      st.Mastery(nil),
		ContextVersion:   st.AdaptationContext.Version,
		LastUpdated:      st.LastUpdated,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, audit, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store, audit)

	vs, err := versionedStore(store)
	if err != nil {
		return err
	}
	versions, err := vs.ListVersions(ctx, args[0], inspectLimit)
	if err != nil {
		return fmt.Errorf("list versions: %w", err)
	}
	if len(versions) == 0 {
		return fmt.Errorf("no state recorded for student %q", args[0])
	}
	decisions, err := logging.RecentDecisions(audit, args[0], inspectLimit)
	if err != nil {
		return fmt.Errorf("recent decisions: %w", err)
	}

	out := inspectOutput{Current: versions[0], Decisions: decisions}
	for _, v := range versions {
		out.Versions = append(out.Versions, summarize(v))
	}
	return printJSON(out)
}

func runRollback(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, audit, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store, audit)

	vs, err := versionedStore(store)
	if err != nil {
		return err
	}
	st, err := vs.Rollback(ctx, args[0], args[1])
	if err != nil {
		return err
	}
	logging.Info().Str("student_id", args[0]).Str("version_id", st.VersionID).Msg("[CLI] rolled back")
	return printJSON(summarize(st))
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	store, audit, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore(store, audit)

	mem, err := orchestrator.NewTierMemory(audit)
	if err != nil {
		return err
	}
	stats, err := mem.Stats(statsHalfLife)
	if err != nil {
		return fmt.Errorf("tier stats: %w", err)
	}
	return printJSON(stats)
}
