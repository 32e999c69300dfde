package tracing

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
)

func TestInitExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{ServiceName: "test", Output: &buf, SampleRatio: 1})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}

	_, span := otel.Tracer("tracing-test").Start(context.Background(), "unit.span")
	span.End()

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), "unit.span") {
		t.Errorf("exported output missing span name: %q", buf.String())
	}
}

func TestInitZeroRatioDropsSpans(t *testing.T) {
	var buf bytes.Buffer
	shutdown, err := Init(context.Background(), Config{Output: &buf})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	_, span := otel.Tracer("tracing-test").Start(context.Background(), "dropped.span")
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if strings.Contains(buf.String(), "dropped.span") {
		t.Error("span exported with zero sample ratio")
	}
}
