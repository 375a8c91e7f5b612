// Package stream turns the events of one turn into an ordered sequence of
// client frames terminated by a single final frame.
package stream

import (
	"context"
	"log/slog"
	"sync"

	"github.com/szaher/checkin/internal/events"
	"github.com/szaher/checkin/internal/session"
)

// Frame is one externally visible update.
type Frame struct {
	Status      bool             `json:"status"`
	IsStreaming bool             `json:"isStreaming"`
	SessionID   string           `json:"sessionId"`
	Payload     *session.Payload `json:"payload,omitempty"`
	Completed   bool             `json:"completed"`
	Message     string           `json:"message,omitempty"`
}

// Emitter frames orchestration events for one session. Events are emitted
// only after the turns they carry are durable, so frames follow the same
// order as persistence. Once the client context ends or a write fails,
// further frames are dropped.
type Emitter struct {
	ctx    context.Context
	w      Writer
	logger *slog.Logger

	mu        sync.Mutex
	sessionID string
	completed bool
	done      bool
	broken    bool
}

// NewEmitter creates an emitter writing to w until ctx is done.
func NewEmitter(ctx context.Context, w Writer, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Emitter{ctx: ctx, w: w, logger: logger}
}

// Emit implements events.Emitter.
func (e *Emitter) Emit(ev *events.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if ev.SessionID != "" {
		e.sessionID = ev.SessionID
	}
	if ev.Completed {
		e.completed = true
	}

	switch ev.Type {
	case events.TurnRouted:
		e.write(Frame{Status: true, IsStreaming: true, SessionID: e.sessionID, Payload: &session.Payload{}, Completed: e.completed})
	case events.TurnReplied, events.TurnFailed:
		// Failed turns carry an apology that is shown but never persisted.
		var p session.Payload
		switch {
		case ev.Turn != nil:
			p = ev.Turn.Public().Payload
		case ev.Payload != nil:
			p = *ev.Payload
		}
		e.write(Frame{Status: true, IsStreaming: true, SessionID: e.sessionID, Payload: &p, Completed: e.completed})
	}
}

// Finish sends the single final frame. Calls after the first are no-ops.
func (e *Emitter) Finish(completed bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	if completed {
		e.completed = true
	}
	e.write(Frame{Status: true, IsStreaming: false, SessionID: e.sessionID, Completed: e.completed})
	e.done = true
}

// Fail sends an error frame and ends the stream.
func (e *Emitter) Fail(sessionID, message string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done {
		return
	}
	if sessionID == "" {
		sessionID = e.sessionID
	}
	e.write(Frame{Status: false, SessionID: sessionID, Message: message})
	e.done = true
}

// SessionID returns the session id seen so far.
func (e *Emitter) SessionID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sessionID
}

func (e *Emitter) write(f Frame) {
	if e.done || e.broken {
		return
	}
	if err := e.ctx.Err(); err != nil {
		e.broken = true
		e.logger.Debug("client gone, dropping frames", "session_id", e.sessionID, "error", err)
		return
	}
	if err := e.w.WriteFrame(f); err != nil {
		e.broken = true
		e.logger.Warn("frame write failed, dropping remaining frames", "session_id", e.sessionID, "error", err)
	}
}

var _ events.Emitter = (*Emitter)(nil)
