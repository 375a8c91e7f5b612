package telemetry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
)

const redacted = "***REDACTED***"

// redactSet is shared between a RedactHandler and the handlers derived from it.
type redactSet struct {
	mu     sync.RWMutex
	values map[string]bool
	keys   map[string]bool
}

// RedactHandler wraps a slog handler to scrub patient identifiers and
// secrets. Registered values are replaced wherever they appear in the
// message or string attributes; attributes whose key is registered are
// replaced entirely.
type RedactHandler struct {
	inner slog.Handler
	set   *redactSet
}

// NewRedactHandler creates a redacting handler around inner.
func NewRedactHandler(inner slog.Handler) *RedactHandler {
	return &RedactHandler{
		inner: inner,
		set: &redactSet{
			values: make(map[string]bool),
			keys:   make(map[string]bool),
		},
	}
}

// AddValue registers a value to be redacted from log output.
func (h *RedactHandler) AddValue(value string) {
	if strings.TrimSpace(value) == "" {
		return
	}
	h.set.mu.Lock()
	defer h.set.mu.Unlock()
	h.set.values[value] = true
}

// AddKeys registers attribute keys whose values are always redacted.
// Keys match case-insensitively.
func (h *RedactHandler) AddKeys(keys ...string) {
	h.set.mu.Lock()
	defer h.set.mu.Unlock()
	for _, k := range keys {
		if k != "" {
			h.set.keys[strings.ToLower(k)] = true
		}
	}
}

// Enabled delegates to the inner handler.
func (h *RedactHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle redacts the record and passes it on.
func (h *RedactHandler) Handle(ctx context.Context, record slog.Record) error {
	values, keys := h.snapshot()
	if len(values) == 0 && len(keys) == 0 {
		return h.inner.Handle(ctx, record)
	}

	out := slog.NewRecord(record.Time, record.Level, replaceAll(record.Message, values), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		out.AddAttrs(redactAttr(a, values, keys))
		return true
	})
	return h.inner.Handle(ctx, out)
}

// WithAttrs redacts attrs and shares the registered values with the result.
func (h *RedactHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	values, keys := h.snapshot()
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = redactAttr(a, values, keys)
	}
	return &RedactHandler{inner: h.inner.WithAttrs(clean), set: h.set}
}

// WithGroup delegates to the inner handler.
func (h *RedactHandler) WithGroup(name string) slog.Handler {
	return &RedactHandler{inner: h.inner.WithGroup(name), set: h.set}
}

// RedactString replaces any registered values in s.
func (h *RedactHandler) RedactString(s string) string {
	values, _ := h.snapshot()
	return replaceAll(s, values)
}

func (h *RedactHandler) snapshot() ([]string, map[string]bool) {
	h.set.mu.RLock()
	defer h.set.mu.RUnlock()
	values := make([]string, 0, len(h.set.values))
	for v := range h.set.values {
		values = append(values, v)
	}
	keys := make(map[string]bool, len(h.set.keys))
	for k := range h.set.keys {
		keys[k] = true
	}
	return values, keys
}

func redactAttr(a slog.Attr, values []string, keys map[string]bool) slog.Attr {
	if keys[strings.ToLower(a.Key)] {
		return slog.String(a.Key, redacted)
	}
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, replaceAll(a.Value.String(), values))
	case slog.KindGroup:
		group := a.Value.Group()
		clean := make([]any, len(group))
		for i, g := range group {
			clean[i] = redactAttr(g, values, keys)
		}
		return slog.Group(a.Key, clean...)
	}
	return a
}

func replaceAll(s string, values []string) string {
	for _, v := range values {
		s = strings.ReplaceAll(s, v, redacted)
	}
	return s
}
