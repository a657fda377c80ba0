package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/tracker/memory"
)

func TestWrapTargetDisabledReturnsInner(t *testing.T) {
	t.Setenv("WIM_OTEL_ENABLED", "")
	tgt := memory.NewTarget()
	if got := WrapTarget(tgt); got != tracker.Target(tgt) {
		t.Errorf("WrapTarget returned %T, want the inner target", got)
	}
}

func TestInitDisabledIsNoop(t *testing.T) {
	t.Setenv("WIM_OTEL_ENABLED", "")
	if err := Init(context.Background(), "wimigrate", "test"); err != nil {
		t.Fatal(err)
	}
	Shutdown(context.Background())
}

func TestInstrumentedTargetDelegates(t *testing.T) {
	ctx := context.Background()
	inner := memory.NewTarget()
	tgt := newInstrumentedTarget(inner)

	item, err := tgt.CreateItem(ctx, "Bug", "DE1", map[string]any{"System.Title": "x"})
	if err != nil {
		t.Fatal(err)
	}
	found, err := tgt.FindBySourceTag(ctx, "DE1")
	if err != nil || found == nil || found.ID != item.ID {
		t.Fatalf("FindBySourceTag = %+v, %v", found, err)
	}

	inner.FailNext("UpdateItem", memory.ErrInjected)
	if _, err := tgt.UpdateItem(ctx, item.ID, nil); !errors.Is(err, memory.ErrInjected) {
		t.Errorf("UpdateItem error = %v", err)
	}
	if n := len(inner.Calls()); n != 3 {
		t.Errorf("inner saw %d calls, want 3", n)
	}
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{tracker.AuthError("op", errors.New("401")), "auth"},
		{tracker.TransientError("op", errors.New("503")), "transient"},
		{tracker.WorkflowTransitionError("op", tracker.StateField, errors.New("no")), "workflow"},
		{tracker.ValidationError("op", "f", errors.New("bad")), "validation"},
		{tracker.NotFoundError("op", "1"), "not_found"},
		{errors.New("boom"), "other"},
	}
	for _, tt := range tests {
		if got := errorKind(tt.err); got != tt.want {
			t.Errorf("errorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestMetricsEndpointFallback(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "")
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "collector:4318")
	if got := metricsEndpoint(); got != "collector:4318" {
		t.Errorf("metricsEndpoint() = %q, want the generic endpoint", got)
	}
	t.Setenv("OTEL_EXPORTER_OTLP_METRICS_ENDPOINT", "metrics:4318")
	if got := metricsEndpoint(); got != "metrics:4318" {
		t.Errorf("metricsEndpoint() = %q, want the metrics endpoint", got)
	}
}

func TestStdoutTraceProviderWritesRunSpan(t *testing.T) {
	t.Setenv("WIM_OTEL_STDOUT", "true")
	ctx := context.Background()
	res, err := newResource(ctx, "wimigrate", "test")
	if err != nil {
		t.Fatal(err)
	}
	var buf bytes.Buffer
	tp, err := buildTraceProvider(res, &buf)
	if err != nil {
		t.Fatal(err)
	}

	_, span := tp.Tracer(instrumentationScope).Start(ctx, "migrate.run")
	span.End()
	if err := tp.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), `"Name": "migrate.run"`) {
		t.Errorf("exported spans missing migrate.run:\n%s", buf.String())
	}
}
