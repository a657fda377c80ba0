package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/steveyegge/wimigrate/internal/tracker"
	"github.com/steveyegge/wimigrate/internal/types"
)

const targetScopeName = "github.com/steveyegge/wimigrate/target"

// InstrumentedTarget wraps tracker.Target with OTel tracing and metrics.
// Every call gets a span and is counted in wim.target.* metrics.
type InstrumentedTarget struct {
	inner  tracker.Target
	tracer trace.Tracer
	ops    metric.Int64Counter
	dur    metric.Float64Histogram
	errs   metric.Int64Counter
}

// WrapTarget returns t decorated with OTel instrumentation.
// When telemetry is disabled, t is returned as-is.
func WrapTarget(t tracker.Target) tracker.Target {
	if !Enabled() {
		return t
	}
	return newInstrumentedTarget(t)
}

func newInstrumentedTarget(t tracker.Target) *InstrumentedTarget {
	m := Meter(targetScopeName)
	ops, _ := m.Int64Counter("wim.target.operations",
		metric.WithDescription("Total target tracker calls"),
	)
	dur, _ := m.Float64Histogram("wim.target.operation.duration",
		metric.WithDescription("Target tracker call duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	errs, _ := m.Int64Counter("wim.target.errors",
		metric.WithDescription("Target tracker calls that failed, by error kind"),
	)
	return &InstrumentedTarget{
		inner:  t,
		tracer: Tracer(targetScopeName),
		ops:    ops,
		dur:    dur,
		errs:   errs,
	}
}

func (s *InstrumentedTarget) op(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span, time.Time) {
	all := append([]attribute.KeyValue{
		attribute.String("wim.operation", name),
		attribute.String("wim.target", s.inner.Name()),
	}, attrs...)
	ctx, span := s.tracer.Start(ctx, "target."+name,
		trace.WithAttributes(all...),
		trace.WithSpanKind(trace.SpanKindClient),
	)
	s.ops.Add(ctx, 1, metric.WithAttributes(all[:2]...))
	return ctx, span, time.Now()
}

func (s *InstrumentedTarget) done(ctx context.Context, span trace.Span, start time.Time, name string, err error) {
	ms := float64(time.Since(start).Milliseconds())
	opAttr := attribute.String("wim.operation", name)
	s.dur.Record(ctx, ms, metric.WithAttributes(opAttr))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.errs.Add(ctx, 1, metric.WithAttributes(opAttr, attribute.String("wim.error.kind", errorKind(err))))
	}
	span.End()
}

func errorKind(err error) string {
	switch {
	case tracker.IsAuth(err):
		return "auth"
	case tracker.IsTransient(err):
		return "transient"
	case tracker.IsWorkflowTransition(err):
		return "workflow"
	case tracker.IsValidation(err):
		return "validation"
	case tracker.IsNotFound(err):
		return "not_found"
	}
	return "other"
}

func (s *InstrumentedTarget) Name() string { return s.inner.Name() }

func (s *InstrumentedTarget) Init(ctx context.Context, cfg *tracker.Config) error {
	return s.inner.Init(ctx, cfg)
}

func (s *InstrumentedTarget) Close() error { return s.inner.Close() }

func (s *InstrumentedTarget) FindBySourceTag(ctx context.Context, sourceID string) (*tracker.TargetItem, error) {
	ctx, span, t := s.op(ctx, "FindBySourceTag", attribute.String("wim.source_id", sourceID))
	v, err := s.inner.FindBySourceTag(ctx, sourceID)
	span.SetAttributes(attribute.Bool("wim.found", v != nil))
	s.done(ctx, span, t, "FindBySourceTag", err)
	return v, err
}

func (s *InstrumentedTarget) CreateItem(ctx context.Context, targetType, sourceID string, fields map[string]any) (*tracker.TargetItem, error) {
	ctx, span, t := s.op(ctx, "CreateItem",
		attribute.String("wim.source_id", sourceID),
		attribute.String("wim.target_type", targetType),
		attribute.Int("wim.field.count", len(fields)),
	)
	v, err := s.inner.CreateItem(ctx, targetType, sourceID, fields)
	s.done(ctx, span, t, "CreateItem", err)
	return v, err
}

func (s *InstrumentedTarget) UpdateItem(ctx context.Context, targetID string, fields map[string]any) (*tracker.TargetItem, error) {
	ctx, span, t := s.op(ctx, "UpdateItem",
		attribute.String("wim.target_id", targetID),
		attribute.Int("wim.field.count", len(fields)),
	)
	v, err := s.inner.UpdateItem(ctx, targetID, fields)
	s.done(ctx, span, t, "UpdateItem", err)
	return v, err
}

func (s *InstrumentedTarget) SetParent(ctx context.Context, childID, parentID string) error {
	ctx, span, t := s.op(ctx, "SetParent",
		attribute.String("wim.target_id", childID),
		attribute.String("wim.parent_id", parentID),
	)
	err := s.inner.SetParent(ctx, childID, parentID)
	s.done(ctx, span, t, "SetParent", err)
	return err
}

func (s *InstrumentedTarget) LinkTestCase(ctx context.Context, itemID, testCaseID string) error {
	ctx, span, t := s.op(ctx, "LinkTestCase",
		attribute.String("wim.target_id", itemID),
		attribute.String("wim.test_case_id", testCaseID),
	)
	err := s.inner.LinkTestCase(ctx, itemID, testCaseID)
	s.done(ctx, span, t, "LinkTestCase", err)
	return err
}

func (s *InstrumentedTarget) AddComment(ctx context.Context, targetID string, c types.Comment, marker string) error {
	ctx, span, t := s.op(ctx, "AddComment", attribute.String("wim.target_id", targetID))
	err := s.inner.AddComment(ctx, targetID, c, marker)
	s.done(ctx, span, t, "AddComment", err)
	return err
}

func (s *InstrumentedTarget) AddAttachment(ctx context.Context, targetID string, a types.Attachment, content []byte, marker string) error {
	ctx, span, t := s.op(ctx, "AddAttachment",
		attribute.String("wim.target_id", targetID),
		attribute.Int("wim.attachment.bytes", len(content)),
	)
	err := s.inner.AddAttachment(ctx, targetID, a, content, marker)
	s.done(ctx, span, t, "AddAttachment", err)
	return err
}

func (s *InstrumentedTarget) WorkflowStates(ctx context.Context, targetType string) ([]tracker.WorkflowState, error) {
	ctx, span, t := s.op(ctx, "WorkflowStates", attribute.String("wim.target_type", targetType))
	v, err := s.inner.WorkflowStates(ctx, targetType)
	s.done(ctx, span, t, "WorkflowStates", err)
	return v, err
}

func (s *InstrumentedTarget) ResolveIdentity(ctx context.Context, sourceIdentity string) (string, bool, error) {
	ctx, span, t := s.op(ctx, "ResolveIdentity")
	v, ok, err := s.inner.ResolveIdentity(ctx, sourceIdentity)
	s.done(ctx, span, t, "ResolveIdentity", err)
	return v, ok, err
}

var _ tracker.Target = (*InstrumentedTarget)(nil)
