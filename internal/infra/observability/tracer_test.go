package observability

import (
	"context"
	"errors"
	"testing"
	"time"
)

// ─── Tracer ─────────────────────────────────────────────────────────────────

func TestTracer_StartEnd_RecordsSpan(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())

	_, span := tr.Start(context.Background(), "reconcile.cycle")
	span.SetAttr("as_of", "120000")
	tr.End(span, nil)

	if tr.SpanCount() != 1 {
		t.Fatalf("SpanCount() = %d, want 1", tr.SpanCount())
	}
	spans := tr.Spans(1)
	if spans[0].Operation != "reconcile.cycle" {
		t.Errorf("Operation = %q, want %q", spans[0].Operation, "reconcile.cycle")
	}
	if spans[0].Status != SpanOK {
		t.Errorf("Status = %v, want ok", spans[0].Status)
	}
	if spans[0].Attrs["as_of"] != "120000" {
		t.Errorf("Attrs[as_of] = %q, want 120000", spans[0].Attrs["as_of"])
	}
}

func TestTracer_End_RecordsError(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	_, span := tr.Start(context.Background(), "transfer")
	tr.End(span, errors.New("boom"))

	spans := tr.Spans(1)
	if spans[0].Status != SpanError {
		t.Errorf("Status = %v, want error", spans[0].Status)
	}
	if spans[0].Attrs["error"] != "boom" {
		t.Errorf("error attr = %q, want boom", spans[0].Attrs["error"])
	}
}

func TestTracer_Duration(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	calls := 0
	tr.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Second)
	}

	_, span := tr.Start(context.Background(), "op")
	tr.End(span, nil)

	if got := tr.Spans(1)[0].Duration; got != time.Second {
		t.Errorf("Duration = %v, want 1s", got)
	}
}

func TestTracer_Disabled(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: false, MaxSpans: 10})
	_, span := tr.Start(context.Background(), "noop")
	tr.End(span, nil)

	if tr.SpanCount() != 0 {
		t.Errorf("disabled tracer SpanCount() = %d, want 0", tr.SpanCount())
	}
}

func TestTracer_Nil(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.Start(context.Background(), "noop")
	tr.End(span, nil)
	tr.Reset()
	if ctx == nil || tr.SpanCount() != 0 || tr.Spans(0) != nil {
		t.Error("nil tracer should be a no-op")
	}
}

func TestTracer_Ring_Overflow(t *testing.T) {
	tr := NewTracer(TracerConfig{Enabled: true, MaxSpans: 3})
	ctx := context.Background()

	for _, op := range []string{"a", "b", "c", "d", "e"} {
		_, span := tr.Start(ctx, op)
		tr.End(span, nil)
	}

	if tr.SpanCount() != 3 {
		t.Fatalf("SpanCount() = %d, want 3", tr.SpanCount())
	}
	spans := tr.Spans(0)
	got := spans[0].Operation + spans[1].Operation + spans[2].Operation
	if got != "cde" {
		t.Errorf("ring order = %q, want cde", got)
	}
}

func TestTracer_Spans_Limit(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		_, span := tr.Start(ctx, "op")
		tr.End(span, nil)
	}

	if got := len(tr.Spans(3)); got != 3 {
		t.Errorf("Spans(3) returned %d, want 3", got)
	}
	if got := len(tr.Spans(0)); got != 10 {
		t.Errorf("Spans(0) returned %d, want 10", got)
	}
}

func TestTracer_Reset(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	_, span := tr.Start(context.Background(), "op")
	tr.End(span, nil)

	tr.Reset()
	if tr.SpanCount() != 0 {
		t.Errorf("SpanCount() after Reset = %d, want 0", tr.SpanCount())
	}
}

// ─── Context Propagation ────────────────────────────────────────────────────

func TestTracer_NestedSpansShareTrace(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())

	ctx, parent := tr.Start(context.Background(), "reconcile.cycle")
	_, child := tr.Start(ctx, "reconcile.batch")

	if child.TraceID != parent.TraceID {
		t.Errorf("child TraceID = %q, want %q", child.TraceID, parent.TraceID)
	}
	if child.ParentID != parent.SpanID {
		t.Errorf("child ParentID = %q, want %q", child.ParentID, parent.SpanID)
	}
	if child.SpanID == parent.SpanID {
		t.Error("span IDs should be unique")
	}
}

func TestTracer_ExplicitTraceID(t *testing.T) {
	tr := NewTracer(DefaultTracerConfig())
	ctx := WithTraceID(context.Background(), "trace-abc")
	ctx = WithSpanID(ctx, "span-123")

	_, span := tr.Start(ctx, "child")
	if span.TraceID != "trace-abc" {
		t.Errorf("TraceID = %q, want trace-abc", span.TraceID)
	}
	if span.ParentID != "span-123" {
		t.Errorf("ParentID = %q, want span-123", span.ParentID)
	}
	if TraceID(ctx) != "trace-abc" {
		t.Errorf("TraceID(ctx) = %q", TraceID(ctx))
	}
}
