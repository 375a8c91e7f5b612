// Package events defines structured event types for the
// check-in turn lifecycle.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stage"
)

// Type represents the kind of event.
type Type string

const (
	SessionCreated   Type = "session.created"
	TurnRouted       Type = "turn.routed"
	TurnReplied      Type = "turn.replied"
	TurnFailed       Type = "turn.failed"
	SessionCompleted Type = "session.completed"
)

// Event is a structured event emitted while a turn is processed.
type Event struct {
	Type          Type             `json:"type"`
	Timestamp     time.Time        `json:"timestamp"`
	CorrelationID string           `json:"correlation_id,omitempty"`
	SessionID     string           `json:"session_id"`
	Stage         stage.Name       `json:"stage,omitempty"`
	Turn          *session.Turn    `json:"turn,omitempty"`
	Payload       *session.Payload `json:"payload,omitempty"`
	Completed     bool             `json:"completed,omitempty"`
	Data          map[string]any   `json:"data,omitempty"`
}

// New creates a new event for a session.
func New(eventType Type, sessionID string) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now(),
		SessionID: sessionID,
	}
}

// WithData adds data fields to the event and returns it for chaining.
func (e *Event) WithData(key string, value any) *Event {
	if e.Data == nil {
		e.Data = make(map[string]any)
	}
	e.Data[key] = value
	return e
}

// JSON returns the event serialized as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Emitter is the interface for event consumers.
type Emitter interface {
	Emit(event *Event)
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(*Event)

// Emit calls f.
func (f EmitterFunc) Emit(e *Event) { f(e) }

// NoopEmitter discards all events.
type NoopEmitter struct{}

// Emit implements Emitter by discarding the event.
func (NoopEmitter) Emit(*Event) {}

// CollectorEmitter collects events in memory for testing.
type CollectorEmitter struct {
	mu     sync.Mutex
	Events []*Event
}

// Emit appends the event to the collector.
func (c *CollectorEmitter) Emit(event *Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Events = append(c.Events, event)
}

// Types returns the collected event types in order.
func (c *CollectorEmitter) Types() []Type {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Type, len(c.Events))
	for i, e := range c.Events {
		out[i] = e.Type
	}
	return out
}

// Multi fans an event out to several emitters in order. Nil entries are skipped.
func Multi(emitters ...Emitter) Emitter {
	var list []Emitter
	for _, e := range emitters {
		if e != nil {
			list = append(list, e)
		}
	}
	return EmitterFunc(func(ev *Event) {
		for _, e := range list {
			e.Emit(ev)
		}
	})
}

// LogEmitter writes each event to a structured logger as an audit trail.
// Turn payloads are not logged.
type LogEmitter struct {
	Logger *slog.Logger
}

// Emit logs the event at info level.
func (l LogEmitter) Emit(e *Event) {
	if l.Logger == nil {
		return
	}
	attrs := []slog.Attr{
		slog.String("event", string(e.Type)),
		slog.String("session_id", e.SessionID),
		slog.String("stage", string(e.Stage)),
	}
	if e.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", e.CorrelationID))
	}
	if e.Turn != nil {
		attrs = append(attrs, slog.String("turn_id", e.Turn.ID), slog.Int64("seq", e.Turn.Seq))
	}
	if e.Completed {
		attrs = append(attrs, slog.Bool("completed", true))
	}
	l.Logger.LogAttrs(context.Background(), slog.LevelInfo, "turn event", attrs...)
}
