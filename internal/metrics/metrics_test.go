package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestObserveModelCall(t *testing.T) {
	before := testutil.ToFloat64(ModelCalls.WithLabelValues("encoder-test", "ok"))
	ObserveModelCall("encoder-test", "ok", 15*time.Millisecond)
	after := testutil.ToFloat64(ModelCalls.WithLabelValues("encoder-test", "ok"))
	if after != before+1 {
		t.Errorf("expected counter to increase by 1, got %f -> %f", before, after)
	}
}

func TestObservePipeline(t *testing.T) {
	before := testutil.ToFloat64(TierServed.WithLabelValues("heuristic"))
	ObservePipeline("heuristic", 40*time.Millisecond)
	if got := testutil.ToFloat64(TierServed.WithLabelValues("heuristic")); got != before+1 {
		t.Errorf("expected tier counter %f, got %f", before+1, got)
	}
}
