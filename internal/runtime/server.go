package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/szaher/checkin/internal/auth"
	"github.com/szaher/checkin/internal/orchestrator"
	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stream"
	"github.com/szaher/checkin/internal/telemetry"
)

const maxRequestBody = 1 << 20

// Server is the check-in HTTP server.
type Server struct {
	orch        *orchestrator.Orchestrator
	mux         *http.ServeMux
	server      *http.Server
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	rateLimiter *auth.RateLimiter
	corsOrigins []string
	apiKey      string
	noAuth      bool
	version     string
	startTime   time.Time
}

// ServerOption configures the Server.
type ServerOption func(*Server)

// WithAPIKey sets the API key for authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) { s.apiKey = key }
}

// WithNoAuth disables authentication.
func WithNoAuth(noAuth bool) ServerOption {
	return func(s *Server) { s.noAuth = noAuth }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) { s.logger = logger }
}

// WithMetrics exposes m on /metrics.
func WithMetrics(m *telemetry.Metrics) ServerOption {
	return func(s *Server) { s.metrics = m }
}

// WithRateLimiter limits requests per client.
func WithRateLimiter(rl *auth.RateLimiter) ServerOption {
	return func(s *Server) { s.rateLimiter = rl }
}

// WithCORSOrigins allows browser clients from origins. "*" allows any.
func WithCORSOrigins(origins []string) ServerOption {
	return func(s *Server) { s.corsOrigins = origins }
}

// WithVersion sets the version reported by /healthz.
func WithVersion(v string) ServerOption {
	return func(s *Server) { s.version = v }
}

// NewServer creates the HTTP server for orch.
func NewServer(orch *orchestrator.Orchestrator, opts ...ServerOption) *Server {
	s := &Server{
		orch:      orch,
		logger:    slog.Default(),
		version:   "dev",
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)
	mux.HandleFunc("GET /v1/stages", s.handleStages)
	mux.HandleFunc("POST /v1/checkin", s.handleCheckin)
	mux.HandleFunc("POST /v1/checkin/stream", s.handleCheckinStream)
	mux.HandleFunc("GET /v1/sessions/{id}", s.handleSession)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	s.mux = mux
	return s
}

// Handler returns the HTTP handler with middleware applied.
func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = auth.Middleware(s.apiKey, s.noAuth, []string{"/healthz", "/metrics"}, s.rateLimiter)(h)
	if s.rateLimiter != nil {
		h = s.rateLimiter.Middleware(auth.ClientIPKeyFunc)(h)
	}
	h = s.cors(h)
	h = s.correlate(h)
	return auth.SecurityHeaders(h)
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe(addr string) error {
	return s.prepare(addr).ListenAndServe()
}

func (s *Server) prepare(addr string) *http.Server {
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	if s.noAuth {
		s.logger.Warn("server starting WITHOUT authentication (no_auth is set)")
	} else if s.apiKey == "" {
		s.logger.Warn("no API key configured: all API requests will be rejected")
	}
	s.logger.Info("checkin server starting", "addr", addr, "stages", s.orch.Graph().Len())
	return s.server
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"uptime":  time.Since(s.startTime).Round(time.Second).String(),
		"stages":  s.orch.Graph().Len(),
		"version": s.version,
	})
}

func (s *Server) handleStages(w http.ResponseWriter, _ *http.Request) {
	g := s.orch.Graph()
	writeJSON(w, http.StatusOK, map[string]any{
		"entry":    g.Entry(),
		"terminal": g.Terminal(),
		"stages":   g.Stages(),
	})
}

// checkinRequest is the body of POST /v1/checkin.
type checkinRequest struct {
	SessionID      string             `json:"sessionId"`
	NewSessionSeed *orchestrator.Seed `json:"newSessionSeed"`
	Utterance      string             `json:"utterance"`
	Stream         bool               `json:"stream"`
}

func (c checkinRequest) turn() (orchestrator.TurnRequest, error) {
	req := orchestrator.TurnRequest{
		SessionID: strings.TrimSpace(c.SessionID),
		Seed:      c.NewSessionSeed,
		Utterance: strings.TrimSpace(c.Utterance),
	}
	if req.SessionID == "" {
		if req.Seed == nil || strings.TrimSpace(req.Seed.SubjectAccount) == "" {
			return req, errors.New("newSessionSeed with a subjectAccount is required to start a session")
		}
		return req, nil
	}
	if req.Utterance == "" {
		return req, errors.New("utterance is required to continue a session")
	}
	req.Seed = nil
	return req, nil
}

type checkinResponse struct {
	Status    bool            `json:"status"`
	SessionID string          `json:"sessionId"`
	Stage     string          `json:"stage"`
	Payload   session.Payload `json:"payload"`
	Completed bool            `json:"completed"`
	Degraded  bool            `json:"degraded,omitempty"`
}

func (s *Server) handleCheckin(w http.ResponseWriter, r *http.Request) {
	s.serveTurn(w, r, false)
}

func (s *Server) handleCheckinStream(w http.ResponseWriter, r *http.Request) {
	s.serveTurn(w, r, true)
}

func (s *Server) serveTurn(w http.ResponseWriter, r *http.Request, forceStream bool) {
	var body checkinRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	req, err := body.turn()
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	if forceStream || body.Stream || acceptsEventStream(r) {
		s.streamTurn(w, r, req)
		return
	}

	res, err := s.orch.RunTurn(r.Context(), req, nil)
	if err != nil {
		s.writeTurnError(w, r, req.SessionID, err)
		return
	}
	writeJSON(w, http.StatusOK, checkinResponse{
		Status:    true,
		SessionID: res.SessionID,
		Stage:     string(res.Stage),
		Payload:   res.Payload,
		Completed: res.Completed,
		Degraded:  res.Degraded,
	})
}

func (s *Server) streamTurn(w http.ResponseWriter, r *http.Request, req orchestrator.TurnRequest) {
	if _, ok := w.(http.Flusher); !ok {
		writeError(w, http.StatusInternalServerError, "internal_error", "Streaming not supported")
		return
	}
	out := &lazySSE{w: w}
	em := stream.NewEmitter(r.Context(), out, s.logger)

	res, err := s.orch.RunTurn(r.Context(), req, em)
	if err != nil {
		if !out.opened() {
			s.writeTurnError(w, r, req.SessionID, err)
			return
		}
		_, _, msg := s.classify(r, req.SessionID, err)
		em.Fail(req.SessionID, msg)
		return
	}
	em.Finish(res.Completed)
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.orch.Resume(r.Context(), id)
	if err != nil {
		s.writeTurnError(w, r, id, err)
		return
	}
	turns := make([]session.PublicTurn, len(snap.Recent))
	for i, t := range snap.Recent {
		turns[i] = t.Public()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    true,
		"sessionId": snap.SessionID,
		"stage":     snap.Stage,
		"completed": snap.Completed,
		"turns":     turns,
	})
}

// classify maps a turn error to a status, an error code and a client-safe
// message.
func (s *Server) classify(r *http.Request, sessionID string, err error) (int, string, string) {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		return http.StatusBadRequest, "invalid_request", err.Error()
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound, "session_not_found", fmt.Sprintf("Session %q not found", sessionID)
	default:
		telemetry.RequestLogger(r.Context(), s.logger, sessionID).Error("turn failed", "error", err)
		return http.StatusInternalServerError, "internal_error", "Something went wrong. Please try again."
	}
}

func (s *Server) writeTurnError(w http.ResponseWriter, r *http.Request, sessionID string, err error) {
	status, code, msg := s.classify(r, sessionID, err)
	writeError(w, status, code, msg)
}

func acceptsEventStream(r *http.Request) bool {
	for _, v := range r.Header.Values("Accept") {
		if strings.Contains(v, "text/event-stream") {
			return true
		}
	}
	return false
}

// lazySSE opens the event stream on the first frame so that errors raised
// before any event can still be answered with a status code.
type lazySSE struct {
	w   http.ResponseWriter
	sse *stream.SSEWriter
}

func (l *lazySSE) WriteFrame(f stream.Frame) error {
	if l.sse == nil {
		sse, err := stream.NewSSEWriter(l.w)
		if err != nil {
			return err
		}
		l.sse = sse
	}
	return l.sse.WriteFrame(f)
}

func (l *lazySSE) opened() bool { return l.sse != nil }

func (s *Server) correlate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Correlation-ID")
		if id == "" {
			id = r.Header.Get("X-Request-ID")
		}
		ctx := telemetry.WithCorrelationID(r.Context(), id)
		id = telemetry.CorrelationID(ctx)
		w.Header().Set("X-Correlation-ID", id)

		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(sw, r.WithContext(ctx))
		s.logger.Debug("request",
			"correlation_id", id,
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (s *Server) cors(next http.Handler) http.Handler {
	if len(s.corsOrigins) == 0 {
		return next
	}
	allowAll := slices.Contains(s.corsOrigins, "*")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && (allowAll || slices.Contains(s.corsOrigins, origin)) {
			h := w.Header()
			h.Set("Access-Control-Allow-Origin", origin)
			h.Add("Vary", "Origin")
			h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-API-Key, X-Correlation-ID")
			h.Set("Access-Control-Expose-Headers", "X-Correlation-ID")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response status and keeps streaming working.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	auth.WriteError(w, status, code, message)
}
