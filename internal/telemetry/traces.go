package telemetry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"log/slog"
	"time"
)

// Span represents a single trace span for an operation.
type Span struct {
	TraceID   string            `json:"trace_id"`
	SpanID    string            `json:"span_id"`
	ParentID  string            `json:"parent_id,omitempty"`
	Operation string            `json:"operation"`
	StartTime time.Time         `json:"start_time"`
	EndTime   time.Time         `json:"end_time,omitempty"`
	Duration  time.Duration     `json:"duration_ms,omitempty"`
	Status    string            `json:"status"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// Tracer creates and manages trace spans.
type Tracer struct {
	// Exporter receives completed spans. If nil, spans are discarded.
	Exporter SpanExporter
}

// SpanExporter receives completed spans for export to a tracing backend.
type SpanExporter interface {
	ExportSpan(span Span)
}

// SpanExporterFunc is a function adapter for SpanExporter.
type SpanExporterFunc func(span Span)

// ExportSpan calls the function.
func (f SpanExporterFunc) ExportSpan(span Span) { f(span) }

// NewTracer creates a new tracer with an optional exporter.
func NewTracer(exporter SpanExporter) *Tracer {
	return &Tracer{Exporter: exporter}
}

// LogExporter writes finished spans at debug level.
func LogExporter(logger *slog.Logger) SpanExporter {
	return SpanExporterFunc(func(s Span) {
		logger.Debug("span",
			"operation", s.Operation,
			"trace_id", s.TraceID,
			"span_id", s.SpanID,
			"parent_id", s.ParentID,
			"duration_ms", s.Duration.Milliseconds(),
			"status", s.Status,
			"tags", s.Tags,
		)
	})
}

type traceContextKey struct{}

// StartSpan creates a new span and adds it to the context. A nil Tracer
// returns a span that is never exported.
func (t *Tracer) StartSpan(ctx context.Context, operation string, tags map[string]string) (context.Context, *Span) {
	span := &Span{
		TraceID:   newSpanID(),
		SpanID:    newSpanID(),
		Operation: operation,
		StartTime: time.Now(),
		Status:    "ok",
		Tags:      tags,
	}

	if parent, ok := ctx.Value(traceContextKey{}).(*Span); ok {
		span.TraceID = parent.TraceID
		span.ParentID = parent.SpanID
	}

	return context.WithValue(ctx, traceContextKey{}, span), span
}

// EndSpan completes a span and exports it.
func (t *Tracer) EndSpan(span *Span, status string) {
	span.EndTime = time.Now()
	span.Duration = span.EndTime.Sub(span.StartTime)
	if status != "" {
		span.Status = status
	}
	if t != nil && t.Exporter != nil {
		t.Exporter.ExportSpan(*span)
	}
}

// TurnTags returns standard tags for a turn span.
func TurnTags(sessionID, stage string) map[string]string {
	return map[string]string{
		"session_id": sessionID,
		"stage":      stage,
	}
}

// HandlerTags returns standard tags for a stage handler span.
func HandlerTags(stage string) map[string]string {
	return map[string]string{"stage": stage}
}

// PreloadTags returns standard tags for a data preload span.
func PreloadTags(stage, subject string) map[string]string {
	return map[string]string{
		"stage":   stage,
		"subject": subject,
	}
}

func newSpanID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
