// Package cli implements the recommender commands.
package cli

import (
	"context"
	"fmt"
	"os"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/danielpatrickdp/adaptive-recommender/internal/config"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/tracing"
)

var (
	configPath  string
	catalogPath string
	traceSpans  bool
	traceRatio  float64

	cfg           *config.Config
	traceShutdown func(context.Context) error
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:   "recommender",
	Short: "Adaptive learning recommendation engine",
	Long: "Serves one next-content recommendation per request through a tiered fallback chain " +
		"(personalized, safe policy, heuristic) and keeps per-student adaptation state.",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: teardown,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: $CONFIG_PATH or recommender.yaml)")
	RootCmd.PersistentFlags().StringVar(&catalogPath, "catalog", envOr("RECO_CATALOG", "catalog.yaml"), "Content catalog snapshot (YAML)")
	RootCmd.PersistentFlags().BoolVar(&traceSpans, "trace", false, "Export OpenTelemetry spans to stderr")
	RootCmd.PersistentFlags().Float64Var(&traceRatio, "trace-ratio", 1, "Fraction of requests traced when --trace is set")
}

func setup(cmd *cobra.Command, args []string) error {
	c, err := config.Load(configPath)
	if err != nil {
		return err
	}
	cfg = c
	logging.Init(logging.Config{Level: cfg.Logging.Level, Format: cfg.Logging.Format})

	if traceSpans {
		shutdown, err := tracing.Init(cmd.Context(), tracing.Config{ServiceName: "recommender", SampleRatio: traceRatio})
		if err != nil {
			return err
		}
		traceShutdown = shutdown
	}
	return nil
}

func teardown(cmd *cobra.Command, args []string) {
	if traceShutdown == nil {
		return
	}
	if err := traceShutdown(context.WithoutCancel(cmd.Context())); err != nil {
		logging.Warn().Err(err).Msg("[CLI] trace flush failed")
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	fmt.Println(string(b))
	return nil
}
