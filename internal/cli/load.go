package cli

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/danielpatrickdp/adaptive-recommender/internal/faults"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/pipeline"
)

var (
	loadStudents    int
	loadRequests    int
	loadConcurrency int
	loadDeadline    time.Duration
	loadRPS         float64
)

func init() {
	cmd := &cobra.Command{
		Use:   "load",
		Short: "Drive concurrent recommendation requests and report tier mix and latency",
		Long: "Each simulated student issues its requests sequentially; students run in parallel. " +
			"Afterwards every student's interaction count is checked against the requests it persisted.",
		Args: cobra.NoArgs,
		RunE: runLoad,
	}
	cmd.Flags().IntVar(&loadStudents, "students", 100, "Number of simulated students")
	cmd.Flags().IntVar(&loadRequests, "requests", 3, "Requests per student")
	cmd.Flags().IntVar(&loadConcurrency, "concurrency", 32, "Max students in flight")
	cmd.Flags().DurationVar(&loadDeadline, "deadline", 0, "Per-request deadline (default: pipeline.default_deadline)")
	cmd.Flags().Float64Var(&loadRPS, "rps", 0, "Cap on total requests per second (0 = unpaced)")

	RootCmd.AddCommand(cmd)
}

// loadReport aggregates request outcomes. Safe for concurrent use.
type loadReport struct {
	mu        sync.Mutex
	tiers     map[string]int
	failures  map[string]int
	unpersist int
	latencies []time.Duration
	persisted map[string]int64
}

func newLoadReport() *loadReport {
	return &loadReport{
		tiers:     make(map[string]int),
		failures:  make(map[string]int),
		persisted: make(map[string]int64),
	}
}

func (r *loadReport) observe(studentID string, res pipeline.Result, err error, elapsed time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.latencies = append(r.latencies, elapsed)
	if err != nil {
		r.failures[faults.Reason(err)]++
		return
	}
	r.tiers[string(res.Recommendation.StageProvenance)]++
	if res.PersistErr != nil {
		r.unpersist++
		return
	}
	r.persisted[studentID]++
}

// loadSummary is the printed result of a load run.
type loadSummary struct {
	Requests   int            `json:"requests"`
	Tiers      map[string]int `json:"tiers"`
	Failures   map[string]int `json:"failures,omitempty"`
	Unpersist  int            `json:"unpersisted"`
	P50        string         `json:"p50"`
	P99        string         `json:"p99"`
	Max        string         `json:"max"`
	Mismatched []string       `json:"mismatched_students,omitempty"`
}

func (r *loadReport) summary() loadSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	lat := append([]time.Duration(nil), r.latencies...)
	sort.Slice(lat, func(i, j int) bool { return lat[i] < lat[j] })
	return loadSummary{
		Requests:  len(lat),
		Tiers:     r.tiers,
		Failures:  r.failures,
		Unpersist: r.unpersist,
		P50:       percentile(lat, 0.50).String(),
		P99:       percentile(lat, 0.99).String(),
		Max:       percentile(lat, 1).String(),
	}
}

// percentile expects sorted input.
func percentile(sorted []time.Duration, q float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	i := int(q*float64(len(sorted))+0.5) - 1
	if i < 0 {
		i = 0
	}
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}

func runLoad(cmd *cobra.Command, args []string) error {
	if loadStudents < 1 || loadRequests < 1 {
		return fmt.Errorf("--students and --requests must be positive")
	}
	ctx := cmd.Context()
	rt, err := buildRuntime(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer rt.Close()

	run := time.Now().UTC().Format("150405")
	report := newLoadReport()
	ids := make([]string, loadStudents)
	for i := range ids {
		ids[i] = fmt.Sprintf("load-%s-%04d", run, i)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if loadRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(loadRPS), 1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(loadConcurrency)
	for _, id := range ids {
		g.Go(func() error {
			for range loadRequests {
				if err := limiter.Wait(gctx); err != nil {
					return err
				}
				start := time.Now()
				res, err := rt.pipeline.Recommend(gctx, id, nil, rt.snapshot, loadDeadline)
				report.observe(id, res, err, time.Since(start))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	out := report.summary()
	out.Mismatched, err = checkCounts(ctx, rt, ids, report)
	if err != nil {
		return err
	}
	logging.Info().Int("requests", out.Requests).Int("mismatched", len(out.Mismatched)).Msg("[CLI] load run finished")
	return printJSON(out)
}

// checkCounts compares each student's stored interaction count with the
// number of requests whose update was persisted.
func checkCounts(ctx context.Context, rt *runtime, ids []string, report *loadReport) ([]string, error) {
	var bad []string
	for _, id := range ids {
		st, err := rt.store.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read back %s: %w", id, err)
		}
		report.mu.Lock()
		want := report.persisted[id]
		report.mu.Unlock()
		if st.InteractionCount != want {
			bad = append(bad, fmt.Sprintf("%s: stored %d, persisted %d", id, st.InteractionCount, want))
		}
	}
	return bad, nil
}
