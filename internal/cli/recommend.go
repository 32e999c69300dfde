package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-recommender/internal/server"
	"github.com/danielpatrickdp/adaptive-recommender/internal/update"
)

var (
	recDeadline time.Duration
	recContext  map[string]string
)

func init() {
	rec := &cobra.Command{
		Use:   "recommend <student-id>",
		Short: "Serve one recommendation and print it",
		Args:  cobra.ExactArgs(1),
		RunE:  runRecommend,
	}
	rec.Flags().DurationVar(&recDeadline, "deadline", 0, "Request deadline (default: pipeline.default_deadline)")
	rec.Flags().StringToStringVar(&recContext, "context", nil, "Request context forwarded to the models (key=value,...)")

	interact := &cobra.Command{
		Use:   "interact <student-id> <content-id> <score>",
		Short: "Record an observed interaction outcome",
		Args:  cobra.ExactArgs(3),
		RunE:  runInteract,
	}

	RootCmd.AddCommand(rec, interact)
}

func runRecommend(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	res, err := rt.pipeline.Recommend(ctx, args[0], contextValues(recContext), rt.snapshot, recDeadline)
	if err != nil {
		return err
	}
	out := server.RecommendResponse{Recommendation: res.Recommendation, StateVersion: res.State.VersionID}
	if res.PersistErr != nil {
		out.PersistError = res.PersistErr.Error()
	}
	return printJSON(out)
}

func runInteract(cmd *cobra.Command, args []string) error {
	score, err := strconv.ParseFloat(args[2], 64)
	if err != nil || score < 0 || score > 1 {
		return fmt.Errorf("score must be a number in [0,1], got %q", args[2])
	}

	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	item, ok := rt.snapshot.Lookup(args[1])
	if !ok {
		return fmt.Errorf("content %q not in catalog %s", args[1], catalogPath)
	}
	next, err := rt.pipeline.Interact(ctx, args[0], update.Outcome{Item: item, Score: score})
	if err != nil {
		return err
	}
	return printJSON(next)
}

// contextValues turns key=value flags into model request context, keeping
// numbers and booleans typed.
func contextValues(kv map[string]string) map[string]any {
	if len(kv) == 0 {
		return nil
	}
	out := make(map[string]any, len(kv))
	for k, v := range kv {
		v = strings.TrimSpace(v)
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			out[k] = f
			continue
		}
		if b, err := strconv.ParseBool(v); err == nil {
			out[k] = b
			continue
		}
		out[k] = v
	}
	return out
}
