package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
)

// Writer delivers frames to a client.
type Writer interface {
	WriteFrame(f Frame) error
}

// SSEWriter wraps an http.ResponseWriter for SSE streaming.
type SSEWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// NewSSEWriter creates a new SSE writer, setting appropriate headers.
func NewSSEWriter(w http.ResponseWriter) (*SSEWriter, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("streaming not supported")
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSEWriter{w: w, flusher: flusher}, nil
}

// WriteFrame sends one data-only SSE event.
func (s *SSEWriter) WriteFrame(f Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// Collector is an in-memory Writer for tests and one-shot CLI turns.
type Collector struct {
	mu     sync.Mutex
	Frames []Frame
	Err    error
}

// WriteFrame records f, or returns Err when set.
func (c *Collector) WriteFrame(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.Frames = append(c.Frames, f)
	return nil
}

// Snapshot returns a copy of the recorded frames.
func (c *Collector) Snapshot() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Frame, len(c.Frames))
	copy(out, c.Frames)
	return out
}
