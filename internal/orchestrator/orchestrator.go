// Package orchestrator drives one conversational turn of a check-in session:
// it resumes or creates the session, records the user's utterance, asks the
// current stage's handler for a reply, applies the stage transition, preloads
// data for a newly entered stage and records the assistant's reply.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/szaher/checkin/internal/events"
	"github.com/szaher/checkin/internal/intake"
	"github.com/szaher/checkin/internal/lock"
	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/stage"
	"github.com/szaher/checkin/internal/telemetry"
)

var (
	// ErrHandlerTimeout means a stage handler did not answer in time.
	ErrHandlerTimeout = errors.New("stage handler timed out")

	// ErrHandlerFailure means a stage handler returned an error or panicked.
	ErrHandlerFailure = errors.New("stage handler failed")

	// ErrPreloadFailure means a data provider failed; the stage proceeds
	// with an empty preload.
	ErrPreloadFailure = errors.New("data preload failed")

	// ErrInvalidRequest is returned for turn requests that cannot start or
	// continue a session.
	ErrInvalidRequest = errors.New("invalid turn request")
)

// Seed describes the subject of a new session.
type Seed struct {
	SubjectAccount string         `json:"subjectAccount"`
	Attributes     map[string]any `json:"attributes,omitempty"`
}

// TurnRequest is the input of one turn. Either SessionID or Seed must be set.
type TurnRequest struct {
	SessionID string
	Seed      *Seed
	Utterance string
}

// Result is the outcome of one turn.
type Result struct {
	SessionID string          `json:"sessionId"`
	Stage     stage.Name      `json:"stage"`
	Payload   session.Payload `json:"payload"`
	Completed bool            `json:"completed"`
	Advanced  bool            `json:"advanced"`
	Degraded  bool            `json:"degraded,omitempty"`
}

// Orchestrator runs turns. It is safe for concurrent use; turns for the same
// session are serialized through its Locker.
type Orchestrator struct {
	graph    *stage.Graph
	store    session.Store
	registry *intake.Registry

	handlerTimeout time.Duration
	preloadTimeout time.Duration
	chainOnAdvance bool
	rehydrate      bool

	logger   *slog.Logger
	metrics  *telemetry.Metrics
	tracer   *telemetry.Tracer
	redactor *telemetry.RedactHandler
	locker   lock.Locker
	now      func() time.Time

	apology          session.Payload
	completedPayload session.Payload
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHandlerTimeout bounds each stage handler call.
func WithHandlerTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.handlerTimeout = d
		}
	}
}

// WithPreloadTimeout bounds each data provider call.
func WithPreloadTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.preloadTimeout = d
		}
	}
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = logger }
}

// WithMetrics sets the metrics collector.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithTracer sets the span tracer.
func WithTracer(t *telemetry.Tracer) Option {
	return func(o *Orchestrator) { o.tracer = t }
}

// WithRedactor registers each session's subject identifiers with r so they
// never reach the logs.
func WithRedactor(r *telemetry.RedactHandler) Option {
	return func(o *Orchestrator) { o.redactor = r }
}

// WithLocker sets the per-session lock implementation.
func WithLocker(l lock.Locker) Option {
	return func(o *Orchestrator) { o.locker = l }
}

// WithChainOnAdvance makes an advancing turn immediately run the next
// stage's handler with an empty utterance, so the user hears the next
// stage's opening in the same turn.
func WithChainOnAdvance(enabled bool) Option {
	return func(o *Orchestrator) { o.chainOnAdvance = enabled }
}

// WithRehydrate refreshes the current stage's preload on every resumed turn.
func WithRehydrate(enabled bool) Option {
	return func(o *Orchestrator) { o.rehydrate = enabled }
}

// WithClock overrides the time source used for turn timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// WithApology sets the payload returned when a handler fails.
func WithApology(p session.Payload) Option {
	return func(o *Orchestrator) { o.apology = p }
}

// WithCompletedPayload sets the payload returned for turns on a completed session.
func WithCompletedPayload(p session.Payload) Option {
	return func(o *Orchestrator) { o.completedPayload = p }
}

// New creates an orchestrator. The registry must bind a handler to every
// stage of g.
func New(g *stage.Graph, store session.Store, reg *intake.Registry, opts ...Option) (*Orchestrator, error) {
	if g == nil || store == nil || reg == nil {
		return nil, fmt.Errorf("%w: orchestrator needs a graph, a store and a registry", stage.ErrConfiguration)
	}
	if reg.Graph() != g {
		return nil, fmt.Errorf("%w: registry is bound to a different stage graph", stage.ErrConfiguration)
	}
	if err := reg.Validate(); err != nil {
		return nil, err
	}

	o := &Orchestrator{
		graph:          g,
		store:          store,
		registry:       reg,
		handlerTimeout: 60 * time.Second,
		preloadTimeout: 15 * time.Second,
		logger:         slog.Default(),
		locker:         lock.NewLocal(),
		now:            func() time.Time { return time.Now().UTC() },
		apology: session.Payload{
			Speech:  "I'm sorry, something went wrong on our side. Could you please say that again?",
			Display: "Sorry, something went wrong. Please try again.",
		},
		completedPayload: session.Payload{
			Speech:  "Your check-in is already complete. Thank you!",
			Display: "Check-in complete.",
		},
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.locker == nil {
		o.locker = lock.NewLocal()
	}
	return o, nil
}

// Graph returns the stage graph.
func (o *Orchestrator) Graph() *stage.Graph { return o.graph }

// Resume returns the stored view of a session.
func (o *Orchestrator) Resume(ctx context.Context, sessionID string) (*session.Snapshot, error) {
	return o.store.Resume(ctx, sessionID)
}

// turnState is the session position while a turn is processed.
type turnState struct {
	sessionID string
	stage     stage.Name
	subject   string
	context   map[string]any
	completed bool
	recent    []session.Turn
}

func (s *turnState) snapshot() *session.State {
	return &session.State{
		Stage:          s.stage,
		SubjectAccount: s.subject,
		Context:        maps.Clone(s.context),
		Completed:      s.completed,
	}
}

// RunTurn processes one turn. Events are delivered to emit in persistence
// order; emit may be nil.
//
// Only ErrInvalidRequest, session.ErrSessionNotFound, stage.ErrConfiguration
// and storage failures are returned as errors. Handler failures degrade to
// an apology payload with Result.Degraded set.
func (o *Orchestrator) RunTurn(ctx context.Context, req TurnRequest, emit events.Emitter) (*Result, error) {
	emit = events.Multi(emit, events.LogEmitter{Logger: o.logger})

	sessionID := strings.TrimSpace(req.SessionID)
	created := sessionID == ""
	if created {
		if req.Seed == nil || strings.TrimSpace(req.Seed.SubjectAccount) == "" {
			return nil, fmt.Errorf("%w: a new session needs a subject account", ErrInvalidRequest)
		}
		sessionID = session.NewSessionID()
	}

	unlock, err := o.locker.Lock(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("lock session %s: %w", sessionID, err)
	}
	defer unlock()

	// From here on the turn runs to completion even if the caller goes away.
	cid := telemetry.CorrelationID(ctx)
	ctx = context.WithoutCancel(ctx)
	logger := telemetry.RequestLogger(ctx, o.logger, sessionID)

	var st *turnState
	if created {
		st, err = o.create(ctx, sessionID, req.Seed, emit, logger)
	} else {
		st, err = o.resume(ctx, sessionID)
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With("stage", string(st.stage))

	ctx, span := o.tracer.StartSpan(ctx, "turn", telemetry.TurnTags(sessionID, string(st.stage)))
	defer o.tracer.EndSpan(span, "")

	if st.completed {
		ev := o.event(cid, events.TurnReplied, st)
		p := o.completedPayload
		ev.Payload = &p
		ev.Completed = true
		emit.Emit(ev)
		return &Result{SessionID: sessionID, Stage: st.stage, Payload: p, Completed: true}, nil
	}

	utterance := strings.TrimSpace(req.Utterance)
	if utterance != "" {
		userTurn := session.Turn{
			Role:      session.RoleUser,
			Stage:     st.stage,
			Payload:   session.Payload{Speech: utterance},
			Timestamp: o.now(),
		}
		stored, err := o.store.Append(ctx, sessionID, userTurn)
		if err != nil {
			return nil, fmt.Errorf("append user turn: %w", err)
		}
		st.recent = append(st.recent, stored)
	}
	emit.Emit(o.event(cid, events.TurnRouted, st))

	if o.rehydrate && !created {
		st.context = o.withPreload(ctx, st.subject, st.stage, st.context, logger)
	}

	result := &Result{SessionID: sessionID, Stage: st.stage}
	for hop := 0; ; hop++ {
		from := st.stage
		reply, err := o.invoke(ctx, st, utterance)
		if err != nil {
			logger.Error("stage handler failed, staying at stage", "error", err)
			o.metrics.RecordTurn(string(from), telemetry.OutcomeDegraded)
			ev := o.event(cid, events.TurnFailed, st)
			p := o.apology
			ev.Payload = &p
			emit.Emit(ev)
			result.Payload = p
			result.Degraded = true
			return result, nil
		}

		out, err := o.graph.Transition(from, reply.Advance)
		if err != nil {
			return nil, err
		}

		next := st.context
		if reply.Context != nil {
			next = maps.Clone(reply.Context)
		}
		if out.Stage != from {
			next = o.withPreload(ctx, st.subject, out.Stage, next, logger)
			o.metrics.RecordAdvance(string(from), string(out.Stage))
			logger.Info("stage advanced", "from", string(from), "to", string(out.Stage))
		}

		st.stage = out.Stage
		st.context = next
		st.completed = out.Completed

		turn := session.Turn{
			Role:      session.RoleAssistant,
			Stage:     from,
			Payload:   reply.Payload,
			Auxiliary: reply.Auxiliary,
			State:     st.snapshot(),
			Timestamp: o.now(),
		}
		turn, err = o.store.Append(ctx, sessionID, turn)
		if err != nil {
			return nil, fmt.Errorf("append assistant turn: %w", err)
		}
		st.recent = append(st.recent, turn)

		ev := o.event(cid, events.TurnReplied, st)
		ev.Turn = &turn
		ev.Completed = st.completed
		emit.Emit(ev)

		result.Stage = st.stage
		result.Payload = reply.Payload
		result.Completed = st.completed
		result.Advanced = result.Advanced || out.Advanced

		switch {
		case st.completed:
			o.metrics.RecordTurn(string(from), telemetry.OutcomeCompleted)
			if err := o.complete(ctx, st, cid, emit); err != nil {
				return nil, err
			}
			return result, nil
		case out.Advanced:
			o.metrics.RecordTurn(string(from), telemetry.OutcomeAdvance)
		default:
			o.metrics.RecordTurn(string(from), telemetry.OutcomeStay)
		}

		if !out.Advanced || hop >= o.graph.Len() {
			return result, nil
		}
		// The terminal stage always runs on entry so the closing message
		// arrives with completed=true in the same turn.
		if !o.graph.IsTerminal(st.stage) && !o.chainOnAdvance {
			return result, nil
		}
		utterance = ""
	}
}

// create starts a session at the entry stage and records its first turn.
func (o *Orchestrator) create(ctx context.Context, sessionID string, seed *Seed, emit events.Emitter, logger *slog.Logger) (*turnState, error) {
	o.register(seed.SubjectAccount, seed.Attributes)

	st := &turnState{
		sessionID: sessionID,
		stage:     o.graph.Entry(),
		subject:   strings.TrimSpace(seed.SubjectAccount),
		context:   maps.Clone(seed.Attributes),
	}
	if st.context == nil {
		st.context = make(map[string]any)
	}
	st.context = o.withPreload(ctx, st.subject, st.stage, st.context, logger)

	turn := session.Turn{
		Role:      session.RoleSystem,
		Stage:     st.stage,
		Payload:   session.Payload{Speech: "session started"},
		State:     st.snapshot(),
		Timestamp: o.now(),
	}
	turn, err := o.store.Append(ctx, sessionID, turn)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	st.recent = []session.Turn{turn}

	o.metrics.RecordSessionCreated()
	ev := o.event(telemetry.CorrelationID(ctx), events.SessionCreated, st)
	ev.Turn = &turn
	emit.Emit(ev)
	logger.Info("session created", "stage", string(st.stage))
	return st, nil
}

func (o *Orchestrator) resume(ctx context.Context, sessionID string) (*turnState, error) {
	snap, err := o.store.Resume(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("resume session: %w", err)
	}
	if snap.Stage == "" {
		return nil, fmt.Errorf("%w: %s has no recorded state", session.ErrSessionNotFound, sessionID)
	}
	if _, ok := o.graph.Lookup(snap.Stage); !ok {
		return nil, fmt.Errorf("%w: session %s is at unknown stage %q", stage.ErrConfiguration, sessionID, snap.Stage)
	}
	o.register(snap.SubjectAccount, nil)

	ctxAttrs := snap.Context
	if ctxAttrs == nil {
		ctxAttrs = make(map[string]any)
	}
	return &turnState{
		sessionID: sessionID,
		stage:     snap.Stage,
		subject:   snap.SubjectAccount,
		context:   ctxAttrs,
		completed: snap.Completed,
		recent:    snap.Recent,
	}, nil
}

// complete records the closing system turn of a finished session.
func (o *Orchestrator) complete(ctx context.Context, st *turnState, cid string, emit events.Emitter) error {
	turn := session.Turn{
		Role:      session.RoleSystem,
		Stage:     st.stage,
		Payload:   session.Payload{Speech: "check-in completed"},
		State:     st.snapshot(),
		Timestamp: o.now(),
	}
	turn, err := o.store.Append(ctx, st.sessionID, turn)
	if err != nil {
		return fmt.Errorf("append completion turn: %w", err)
	}
	st.recent = append(st.recent, turn)
	o.metrics.RecordSessionCompleted()
	ev := o.event(cid, events.SessionCompleted, st)
	ev.Turn = &turn
	ev.Completed = true
	emit.Emit(ev)
	return nil
}

// invoke calls the current stage's handler under the handler timeout. A
// handler that ignores its context still cannot hold the turn past the
// deadline.
func (o *Orchestrator) invoke(ctx context.Context, st *turnState, utterance string) (*intake.Reply, error) {
	h, ok := o.registry.Handler(st.stage)
	if !ok {
		return nil, fmt.Errorf("%w: no handler for stage %q", stage.ErrConfiguration, st.stage)
	}

	hctx, cancel := context.WithTimeout(ctx, o.handlerTimeout)
	defer cancel()
	hctx, span := o.tracer.StartSpan(hctx, "handler", telemetry.HandlerTags(string(st.stage)))

	req := intake.Request{
		SessionID:      st.sessionID,
		Stage:          st.stage,
		SubjectAccount: st.subject,
		Context:        maps.Clone(st.context),
		Recent:         append([]session.Turn(nil), st.recent...),
		Utterance:      utterance,
	}

	type outcome struct {
		reply *intake.Reply
		err   error
	}
	done := make(chan outcome, 1)
	start := time.Now()
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		reply, err := h.Handle(hctx, req)
		done <- outcome{reply: reply, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-hctx.Done():
		res.err = hctx.Err()
	}
	o.metrics.ObserveHandler(string(st.stage), time.Since(start))

	switch {
	case res.err == nil && res.reply == nil:
		res.err = fmt.Errorf("%w: stage %s returned no reply", ErrHandlerFailure, st.stage)
	case res.err != nil && errors.Is(hctx.Err(), context.DeadlineExceeded):
		res.err = fmt.Errorf("%w: stage %s after %s", ErrHandlerTimeout, st.stage, o.handlerTimeout)
	case res.err != nil:
		res.err = fmt.Errorf("%w: stage %s: %v", ErrHandlerFailure, st.stage, res.err)
	}
	if res.err != nil {
		o.tracer.EndSpan(span, "error")
		return nil, res.err
	}
	o.tracer.EndSpan(span, "")
	return res.reply, nil
}

// withPreload returns attrs with the preload for st under intake.PreloadKey.
// Stages without a provider get no preload; a failing provider yields an
// empty one.
func (o *Orchestrator) withPreload(ctx context.Context, subject string, st stage.Name, attrs map[string]any, logger *slog.Logger) map[string]any {
	out := maps.Clone(attrs)
	if out == nil {
		out = make(map[string]any)
	}
	delete(out, intake.PreloadKey)

	p, ok := o.registry.Provider(st)
	if !ok || p == nil {
		return out
	}

	pctx, cancel := context.WithTimeout(ctx, o.preloadTimeout)
	defer cancel()
	pctx, span := o.tracer.StartSpan(pctx, "preload", telemetry.PreloadTags(string(st), subject))

	data, err := p.Preload(pctx, subject, st, maps.Clone(out))
	if err != nil {
		o.tracer.EndSpan(span, "error")
		o.metrics.RecordPreloadFailure(string(st))
		logger.Warn("preload failed, continuing with empty data",
			"preload_stage", string(st),
			"error", fmt.Errorf("%w: %v", ErrPreloadFailure, err))
		out[intake.PreloadKey] = map[string]any{}
		return out
	}
	o.tracer.EndSpan(span, "")
	if data == nil {
		data = map[string]any{}
	}
	out[intake.PreloadKey] = data
	return out
}

func (o *Orchestrator) register(subject string, attrs map[string]any) {
	if o.redactor == nil {
		return
	}
	o.redactor.AddValue(subject)
	for _, v := range attrs {
		if s, ok := v.(string); ok && len(s) > 2 {
			o.redactor.AddValue(s)
		}
	}
}

func (o *Orchestrator) event(correlationID string, t events.Type, st *turnState) *events.Event {
	ev := events.New(t, st.sessionID)
	ev.Timestamp = o.now()
	ev.Stage = st.stage
	ev.CorrelationID = correlationID
	return ev
}
