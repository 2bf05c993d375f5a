// Package observability holds the in-process tracer and the Prometheus
// metrics exported by the reconciliation engine.
//
// Spans cover the reconciliation cycle (load → classify → catch-up → commit
// → advance marker → notify) and each transfer attempt. They are kept in a
// bounded ring for inspection over the HTTP API.
package observability

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SpanStatus indicates success/failure.
type SpanStatus int

const (
	SpanOK SpanStatus = iota
	SpanError
)

// String returns "ok" or "error".
func (s SpanStatus) String() string {
	if s == SpanError {
		return "error"
	}
	return "ok"
}

// MarshalText renders the status as its name in JSON.
func (s SpanStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Span is one timed unit of work.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration_ns,omitempty"`
	Status    SpanStatus        `json:"status"`
	Attrs     map[string]string `json:"attrs,omitempty"`
}

// SetAttr records a key/value on the span.
func (s *Span) SetAttr(key, value string) {
	if s.Attrs == nil {
		s.Attrs = make(map[string]string)
	}
	s.Attrs[key] = value
}

// ─── Tracer ─────────────────────────────────────────────────────────────────

// TracerConfig configures the tracer.
type TracerConfig struct {
	Enabled  bool
	MaxSpans int // ring size
}

// DefaultTracerConfig returns production defaults.
func DefaultTracerConfig() TracerConfig {
	return TracerConfig{
		Enabled:  true,
		MaxSpans: 1_000,
	}
}

// Tracer records finished spans in a fixed-size ring.
type Tracer struct {
	mu   sync.Mutex
	ring []Span
	next int
	full bool
	cfg  TracerConfig
	now  func() time.Time
}

// NewTracer creates a tracer. A nil *Tracer is valid and records nothing.
func NewTracer(cfg TracerConfig) *Tracer {
	if cfg.MaxSpans <= 0 {
		cfg.MaxSpans = DefaultTracerConfig().MaxSpans
	}
	return &Tracer{
		ring: make([]Span, cfg.MaxSpans),
		cfg:  cfg,
		now:  time.Now,
	}
}

// Start begins a span and returns a context carrying it as the parent for
// any nested spans.
func (t *Tracer) Start(ctx context.Context, operation string) (context.Context, *Span) {
	if t == nil || !t.cfg.Enabled {
		return ctx, &Span{Operation: operation}
	}
	span := &Span{
		TraceID:   traceIDFromContext(ctx),
		SpanID:    uuid.NewString(),
		ParentID:  spanIDFromContext(ctx),
		Operation: operation,
		StartTime: t.now(),
		Status:    SpanOK,
	}
	ctx = WithTraceID(ctx, span.TraceID)
	ctx = WithSpanID(ctx, span.SpanID)
	return ctx, span
}

// End completes a span and stores it.
func (t *Tracer) End(span *Span, err error) {
	if t == nil || !t.cfg.Enabled || span == nil || span.SpanID == "" {
		return
	}
	span.EndTime = t.now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if err != nil {
		span.Status = SpanError
		span.SetAttr("error", err.Error())
		TraceErrors.Inc()
	}
	TracesRecorded.Inc()

	t.mu.Lock()
	defer t.mu.Unlock()
	t.ring[t.next] = *span
	t.next = (t.next + 1) % len(t.ring)
	if t.next == 0 {
		t.full = true
	}
}

// Spans returns up to limit of the most recent spans, oldest first.
// limit <= 0 returns everything held.
func (t *Tracer) Spans(limit int) []Span {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	ordered := make([]Span, 0, t.countLocked())
	if t.full {
		ordered = append(ordered, t.ring[t.next:]...)
	}
	ordered = append(ordered, t.ring[:t.next]...)

	if limit > 0 && limit < len(ordered) {
		ordered = ordered[len(ordered)-limit:]
	}
	return ordered
}

// SpanCount returns the number of recorded spans held.
func (t *Tracer) SpanCount() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.countLocked()
}

func (t *Tracer) countLocked() int {
	if t.full {
		return len(t.ring)
	}
	return t.next
}

// Reset clears all recorded spans.
func (t *Tracer) Reset() {
	if t == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.ring)
	t.next = 0
	t.full = false
}

// ─── Context Helpers ────────────────────────────────────────────────────────

type contextKey string

const (
	traceIDKey contextKey = "karmic-trace-id"
	spanIDKey  contextKey = "karmic-span-id"
)

// WithTraceID returns a context with the given trace ID.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// WithSpanID returns a context with the given span ID.
func WithSpanID(ctx context.Context, spanID string) context.Context {
	return context.WithValue(ctx, spanIDKey, spanID)
}

// TraceID returns the trace ID carried by ctx, or "".
func TraceID(ctx context.Context) string {
	v, _ := ctx.Value(traceIDKey).(string)
	return v
}

func traceIDFromContext(ctx context.Context) string {
	if v := TraceID(ctx); v != "" {
		return v
	}
	return uuid.NewString()
}

func spanIDFromContext(ctx context.Context) string {
	v, _ := ctx.Value(spanIDKey).(string)
	return v
}
