package cli

import (
	"context"
	"fmt"
	"math"
	"net"
	"sort"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/danielpatrickdp/adaptive-recommender/internal/catalog"
	"github.com/danielpatrickdp/adaptive-recommender/internal/codec"
	"github.com/danielpatrickdp/adaptive-recommender/internal/logging"
	"github.com/danielpatrickdp/adaptive-recommender/internal/modelclient"
	"github.com/danielpatrickdp/adaptive-recommender/internal/state"
)

var (
	stubHost     string
	stubBasePort int
	stubDelays   map[string]string
	stubFailing  []string
)

// stubEndpoints fixes the port order: base, base+1, ...
var stubEndpoints = []string{
	modelclient.EndpointEncoder,
	modelclient.EndpointAdapter,
	modelclient.EndpointPolicy,
	modelclient.EndpointCausal,
	modelclient.EndpointContent,
}

func init() {
	cmd := &cobra.Command{
		Use:   "stub-models",
		Short: "Serve deterministic stand-ins for every model endpoint over gRPC",
		Long: "Starts one gRPC server per endpoint on consecutive ports. Handlers are deterministic " +
			"functions of the request so the full pipeline can run without real models. " +
			"--delay and --fail inject latency and outages per endpoint.",
		Args: cobra.NoArgs,
		RunE: runStubModels,
	}
	cmd.Flags().StringVar(&stubHost, "host", "127.0.0.1", "Listen host")
	cmd.Flags().IntVar(&stubBasePort, "base-port", 50061, "Port of the first endpoint (encoder)")
	cmd.Flags().StringToStringVar(&stubDelays, "delay", nil, "Per-endpoint latency, e.g. encoder=600ms")
	cmd.Flags().StringSliceVar(&stubFailing, "fail", nil, "Endpoints that always answer Unavailable")

	RootCmd.AddCommand(cmd)
}

func runStubModels(cmd *cobra.Command, args []string) error {
	snap, err := catalog.LoadFile(catalogPath, cfg.Concepts)
	if err != nil {
		return err
	}
	inject, err := parseStubFaults(stubDelays, stubFailing)
	if err != nil {
		return err
	}
	handlers := stubHandlers(snap)

	listeners := make([]net.Listener, 0, len(stubEndpoints))
	for i, ep := range stubEndpoints {
		addr := fmt.Sprintf("%s:%d", stubHost, stubBasePort+i)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
			return fmt.Errorf("listen %s for %s: %w", addr, ep, err)
		}
		listeners = append(listeners, lis)
	}

	g, gctx := errgroup.WithContext(cmd.Context())
	for i, ep := range stubEndpoints {
		lis := listeners[i]
		srv := grpc.NewServer()
		codec.RegisterInferenceServer(srv, inject.wrap(ep, handlers[ep]))
		fmt.Printf("endpoints.%s.address: %s\n", ep, lis.Addr())

		g.Go(func() error { return srv.Serve(lis) })
		g.Go(func() error {
			<-gctx.Done()
			srv.GracefulStop()
			return nil
		})
	}
	logging.Info().Int("endpoints", len(stubEndpoints)).Int("catalog_items", snap.Len()).Msg("[STUB] model stubs serving")
	return g.Wait()
}

// #region fault-injection

type stubFaults struct {
	delays  map[string]time.Duration
	failing map[string]bool
}

func parseStubFaults(delays map[string]string, failing []string) (stubFaults, error) {
	known := make(map[string]bool, len(stubEndpoints))
	for _, ep := range stubEndpoints {
		known[ep] = true
	}
	f := stubFaults{delays: make(map[string]time.Duration), failing: make(map[string]bool)}
	for ep, raw := range delays {
		if !known[ep] {
			return f, fmt.Errorf("--delay: unknown endpoint %q", ep)
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return f, fmt.Errorf("--delay %s: %w", ep, err)
		}
		f.delays[ep] = d
	}
	for _, ep := range failing {
		if !known[ep] {
			return f, fmt.Errorf("--fail: unknown endpoint %q", ep)
		}
		f.failing[ep] = true
	}
	return f, nil
}

func (f stubFaults) wrap(endpoint string, h codec.HandlerFunc) codec.HandlerFunc {
	delay, fail := f.delays[endpoint], f.failing[endpoint]
	return func(ctx context.Context, in codec.Payload) (codec.Payload, error) {
		if delay > 0 {
			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, status.FromContextError(ctx.Err()).Err()
			case <-t.C:
			}
		}
		if fail {
			return nil, status.Errorf(codes.Unavailable, "%s stub configured to fail", endpoint)
		}
		return h(ctx, in)
	}
}

// #endregion fault-injection

// #region handlers

// stubHandlers returns one deterministic handler per endpoint. The policy
// handler scores candidates against snap.
func stubHandlers(snap *catalog.Snapshot) map[string]codec.HandlerFunc {
	policy := func(_ context.Context, in codec.Payload) (codec.Payload, error) {
		return stubPolicy(snap, in)
	}
	return map[string]codec.HandlerFunc{
		modelclient.EndpointEncoder: stubEncode,
		modelclient.EndpointAdapter: stubAdapt,
		modelclient.EndpointPolicy:  policy,
		modelclient.EndpointCausal:  stubCausal,
		modelclient.EndpointContent: stubContent,
	}
}

// stubEncode embeds a student as knowledge plus velocity, clamped to [0,1].
func stubEncode(_ context.Context, in codec.Payload) (codec.Payload, error) {
	kv, err := in.FloatSlice("knowledge_vector")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	vel, _ := in.FloatSlice("learning_velocity")
	emb := make([]float64, len(kv))
	for i, k := range kv {
		if i < len(vel) {
			k += vel[i]
		}
		emb[i] = math.Max(0, math.Min(1, k))
	}
	return codec.Payload{"embedding": codec.Floats(emb)}, nil
}

// stubAdapt averages the embedding with the previous context when their
// shapes agree.
func stubAdapt(_ context.Context, in codec.Payload) (codec.Payload, error) {
	emb, err := in.FloatSlice("embedding")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	var prev []float64
	if raw, ok := in["adaptation_context"].(map[string]any); ok {
		prev, _ = codec.Payload(raw).FloatSlice("vector")
	}
	out := append([]float64(nil), emb...)
	if len(prev) == len(emb) {
		for i := range out {
			out[i] = (prev[i] + emb[i]) / 2
		}
	}
	return codec.Payload{"context": codec.Floats(out)}, nil
}

// stubPolicy ranks candidates by closeness of difficulty to a target just
// above the student's mastery. Safe mode targets the student's overall mean
// instead of per-item concept mastery.
func stubPolicy(snap *catalog.Snapshot, in codec.Payload) (codec.Payload, error) {
	kv, err := in.FloatSlice("knowledge_vector")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	mode, _ := in.String("mode")
	topK := 5
	if k, err := in.Float("top_k"); err == nil && k >= 1 {
		topK = int(k)
	}
	ids, _ := in["candidates"].([]any)

	student := state.StudentState{KnowledgeVector: kv}
	overall := student.Mastery(nil)
	type scored struct {
		id   string
		gain float64
	}
	var out []scored
	for _, raw := range ids {
		id, _ := raw.(string)
		item, ok := snap.Lookup(id)
		if !ok {
			continue
		}
		m := student.Mastery(item.ConceptIDs)
		target := m + 0.1
		if mode == "safe" {
			target = overall + 0.1
		}
		gain := (1 - m) * (1 - math.Abs(item.Difficulty-target))
		out = append(out, scored{id: id, gain: math.Max(0, gain)})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].gain != out[j].gain {
			return out[i].gain > out[j].gain
		}
		return out[i].id < out[j].id
	})
	if len(out) > topK {
		out = out[:topK]
	}

	cands := make([]any, len(out))
	for i, s := range out {
		c := map[string]any{"content_id": s.id, "predicted_gain": s.gain}
		if mode != "safe" {
			c["mastery_delta"] = s.gain / 2
		}
		cands[i] = c
	}
	return codec.Payload{"candidates": cands}, nil
}

// stubCausal reports the predicted gain as the effect with a fixed-width
// interval.
func stubCausal(_ context.Context, in codec.Payload) (codec.Payload, error) {
	g, err := in.Float("predicted_gain")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return codec.Payload{
		"effect":           g,
		"lower":            g - 0.05,
		"upper":            g + 0.05,
		"confidence_level": 0.9,
	}, nil
}

func stubContent(_ context.Context, in codec.Payload) (codec.Payload, error) {
	id, err := in.String("content_id")
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return codec.Payload{"content_id": id, "status": "generated"}, nil
}

// #endregion handlers
