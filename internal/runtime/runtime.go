// Package runtime wires configuration into a running check-in service: the
// session store, the per-session lock, stage handlers and data providers,
// the orchestrator and its HTTP server.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/szaher/checkin/internal/auth"
	"github.com/szaher/checkin/internal/config"
	"github.com/szaher/checkin/internal/llm"
	"github.com/szaher/checkin/internal/lock"
	"github.com/szaher/checkin/internal/mcp"
	"github.com/szaher/checkin/internal/orchestrator"
	"github.com/szaher/checkin/internal/session"
	"github.com/szaher/checkin/internal/telemetry"
)

// Runtime manages the lifecycle of a check-in service.
type Runtime struct {
	config  *config.Config
	orch    *orchestrator.Orchestrator
	server  *Server
	mcpPool *mcp.Pool
	metrics *telemetry.Metrics
	logger  *slog.Logger
	closers []io.Closer
}

// Options configures the runtime.
type Options struct {
	Logger *slog.Logger
	// Redactor receives subject identifiers and configured redact keys.
	Redactor *telemetry.RedactHandler
	// LLMClient replaces the client built from the llm section.
	LLMClient llm.Client
	// Store replaces the store built from the store section.
	Store   session.Store
	Version string
}

// New builds a runtime from cfg. Call Close to release its connections.
func New(ctx context.Context, cfg *config.Config, opts Options) (_ *Runtime, err error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	rt := &Runtime{
		config:  cfg,
		mcpPool: mcp.NewPool(),
		metrics: telemetry.NewMetrics(),
		logger:  logger,
	}
	defer func() {
		if err != nil {
			_ = rt.Close()
		}
	}()

	if opts.Redactor != nil {
		opts.Redactor.AddKeys(cfg.Logging.RedactKeys...)
	}

	g, err := cfg.Graph()
	if err != nil {
		return nil, err
	}

	builder := &registryBuilder{cfg: cfg, pool: rt.mcpPool, logger: logger}
	if opts.LLMClient != nil {
		_, model := llm.ParseModelString(cfg.LLM.Model)
		builder.client, builder.model = opts.LLMClient, model
	}
	reg, err := builder.build(g)
	if err != nil {
		return nil, err
	}

	store := opts.Store
	if store == nil {
		var closer io.Closer
		store, closer, err = session.Open(ctx, cfg.Store)
		if err != nil {
			return nil, fmt.Errorf("open session store: %w", err)
		}
		rt.closers = append(rt.closers, closer)
	}

	locker, err := rt.openLocker()
	if err != nil {
		return nil, err
	}

	orchOpts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithMetrics(rt.metrics),
		orchestrator.WithTracer(telemetry.NewTracer(telemetry.LogExporter(logger))),
		orchestrator.WithLocker(locker),
		orchestrator.WithHandlerTimeout(cfg.Orchestrator.HandlerTimeout),
		orchestrator.WithPreloadTimeout(cfg.Orchestrator.PreloadTimeout),
		orchestrator.WithChainOnAdvance(cfg.Orchestrator.ChainOnAdvance),
		orchestrator.WithRehydrate(cfg.Orchestrator.Rehydrate),
	}
	if opts.Redactor != nil {
		orchOpts = append(orchOpts, orchestrator.WithRedactor(opts.Redactor))
	}
	if p := cfg.Orchestrator.Apology; p != nil {
		orchOpts = append(orchOpts, orchestrator.WithApology(*p))
	}
	if p := cfg.Orchestrator.Completed; p != nil {
		orchOpts = append(orchOpts, orchestrator.WithCompletedPayload(*p))
	}
	rt.orch, err = orchestrator.New(g, store, reg, orchOpts...)
	if err != nil {
		return nil, err
	}

	serverOpts := []ServerOption{
		WithLogger(logger),
		WithMetrics(rt.metrics),
		WithNoAuth(cfg.Server.NoAuth),
		WithAPIKey(cfg.Server.APIKey),
		WithRateLimiter(auth.NewRateLimiter(cfg.Server.RateLimit)),
		WithCORSOrigins(cfg.Server.CORSOrigins),
	}
	if opts.Version != "" {
		serverOpts = append(serverOpts, WithVersion(opts.Version))
	}
	rt.server = NewServer(rt.orch, serverOpts...)
	return rt, nil
}

func (rt *Runtime) openLocker() (lock.Locker, error) {
	lc := rt.config.Lock
	if lc.Driver != "etcd" {
		return lock.NewLocal(), nil
	}
	var opts []lock.EtcdOption
	if lc.Prefix != "" {
		opts = append(opts, lock.WithKeyPrefix(lc.Prefix))
	}
	if lc.LeaseTTL > 0 {
		opts = append(opts, lock.WithLeaseTTL(lc.LeaseTTL))
	}
	l, err := lock.DialEtcd(lc.Endpoints, lc.DialTimeout, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial etcd: %w", err)
	}
	rt.closers = append(rt.closers, l)
	return l, nil
}

// Orchestrator returns the turn orchestrator.
func (rt *Runtime) Orchestrator() *orchestrator.Orchestrator { return rt.orch }

// Metrics returns the metrics collector.
func (rt *Runtime) Metrics() *telemetry.Metrics { return rt.metrics }

// Handler returns the HTTP handler, for httptest or custom servers.
func (rt *Runtime) Handler() http.Handler { return rt.server.Handler() }

// Run serves HTTP on the configured address until ctx is cancelled, then
// shuts down gracefully.
func (rt *Runtime) Run(ctx context.Context) error {
	srv := rt.server.prepare(rt.config.Server.Addr)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		timeout := rt.config.Server.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()
		return rt.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops the HTTP server and lets in-flight turns finish.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.logger.Info("shutting down checkin server")
	if err := rt.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutdown server: %w", err)
	}
	return nil
}

// Close releases the store, lock and MCP connections.
func (rt *Runtime) Close() error {
	errs := []error{rt.mcpPool.Close()}
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i].Close())
	}
	return errors.Join(errs...)
}
