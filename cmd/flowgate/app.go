package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rendis/flowgate/internal/backends"
	"github.com/rendis/flowgate/internal/definitions"
	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/expressions"
	"github.com/rendis/flowgate/internal/logging"
	"github.com/rendis/flowgate/internal/sandbox"
	"github.com/rendis/flowgate/internal/store"
	"github.com/rendis/flowgate/internal/streaming"
	"github.com/rendis/flowgate/internal/telemetry"
	"github.com/rendis/flowgate/internal/validation"
	"github.com/rendis/flowgate/pkg/schema"
)

// app holds the collaborators shared by every subcommand.
type app struct {
	cfg       Config
	logger    *slog.Logger
	store     *store.LibSQLStore
	events    *store.EventLog
	hub       streaming.EventHub
	pool      *sandbox.LocalPool
	backends  *backends.Registry
	eval      *expressions.Evaluator
	validator *validation.WorkflowValidator
	workflows *definitions.Directory
	metrics   *engine.Metrics
	registry  *prometheus.Registry
	telemetry *telemetry.Providers

	closers []func(context.Context) error
}

// newApp opens the store and builds the shared collaborators. Logs go to w
// so the MCP stdio transport keeps stdout to itself.
func newApp(ctx context.Context, cfg Config, w io.Writer) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logging.New(w, cfg.LogLevel, cfg.LogFormat),
	}
	slog.SetDefault(a.logger)

	ok := false
	defer func() {
		if !ok {
			a.close(context.Background())
		}
	}()

	tp, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:  cfg.Telemetry.ServiceName,
		OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
		SampleRate:   cfg.Telemetry.SampleRate,
	}, a.logger)
	if err != nil {
		return nil, err
	}
	a.telemetry = tp
	a.closers = append(a.closers, tp.Shutdown)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	st, err := store.Open(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	a.store = st
	a.events = store.NewEventLog(st)
	a.closers = append(a.closers, func(context.Context) error { return st.Close() })

	if cfg.Redis.Addr != "" {
		hub, err := streaming.NewRedisHub(ctx, streaming.RedisConfig{
			Addr:   cfg.Redis.Addr,
			Prefix: cfg.Redis.Channel,
			Logger: a.logger,
		})
		if err != nil {
			return nil, err
		}
		a.hub = hub
		a.closers = append(a.closers, func(context.Context) error { return hub.Close() })
	} else {
		a.hub = streaming.NewMemoryHub()
	}

	pool, err := sandbox.NewLocalPool(sandbox.LocalPoolConfig{
		Root:   cfg.Sandbox.Root,
		Size:   cfg.Sandbox.PoolSize,
		Logger: a.logger,
	})
	if err != nil {
		return nil, err
	}
	if cfg.Sandbox.Prewarm > 0 {
		if err := pool.Prewarm(ctx, cfg.Sandbox.Prewarm); err != nil {
			a.logger.Warn("sandbox prewarm failed", "error", err)
		}
	}
	a.pool = pool
	a.closers = append(a.closers, pool.Teardown)

	a.backends = backends.NewRegistry(
		backends.NewSimulated(0, 0),
		backends.NewProcess(backends.ProcessConfig{
			Spawner:        backends.NewExecSpawner(a.logger),
			DefaultCommand: cfg.Backend.Command,
			DefaultArgs:    cfg.Backend.Args,
		}),
		backends.NewRemote(backends.RemoteConfig{
			DefaultEndpoint: cfg.Remote.Endpoint,
			RatePerSec:      cfg.Remote.RatePerSec,
		}),
	)
	if cfg.Backend.Default != "" {
		a.backends.SetDefault(schema.Backend(cfg.Backend.Default))
	}

	if a.eval, err = expressions.NewEvaluator(); err != nil {
		return nil, err
	}
	if a.validator, err = validation.NewWorkflowValidator(a.eval); err != nil {
		return nil, err
	}
	a.workflows = definitions.NewDirectory(cfg.WorkflowsDir)

	a.registry = prometheus.NewRegistry()
	a.metrics = engine.NewMetrics(a.registry)

	ok = true
	return a, nil
}

// newEngine builds an engine over the shared collaborators. extra sinks are
// appended to the event log and hub.
func (a *app) newEngine(headless engine.HeadlessResolver, extra ...streaming.Sink) (*engine.Engine, error) {
	sinks := append([]streaming.Sink{a.events, a.hub}, extra...)
	return engine.New(engine.Config{
		Backends:       a.backends,
		Pool:           a.pool,
		Store:          a.store,
		Workflows:      a.workflows,
		Validator:      a.validator,
		Sink:           streaming.NewMulti(sinks...),
		Evaluator:      a.eval,
		Metrics:        a.metrics,
		Tracer:         a.telemetry.Tracer("github.com/rendis/flowgate/internal/engine"),
		Logger:         a.logger,
		Headless:       headless,
		StrictLanes:    a.cfg.Engine.StrictLanes,
		PausePoll:      a.cfg.Engine.PausePoll,
		DefaultTimeout: a.cfg.Backend.Timeout,
		WorkingDir:     a.cfg.WorkingDir,
	})
}

// serveMetrics exposes the prometheus registry until the app closes. A
// blank address disables it.
func (a *app) serveMetrics() {
	if a.cfg.MetricsAddr == "" {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(a.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: a.cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		a.logger.Info("metrics listening", "addr", a.cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("metrics server failed", "error", err)
		}
	}()
	a.closers = append(a.closers, srv.Shutdown)
}

// close releases everything newApp opened, newest first.
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			a.logger.Warn("shutdown step failed", "error", err)
		}
	}
	a.closers = nil
}

// loadDefinition reads a workflow file, or resolves an id through the
// workflows directory when arg is not a readable file.
func (a *app) loadDefinition(ctx context.Context, arg string) (*schema.WorkflowDefinition, error) {
	if _, err := definitions.FormatOf(arg); err == nil {
		return definitions.LoadFile(arg)
	}
	def, err := a.workflows.ResolveWorkflow(ctx, arg)
	if err != nil {
		return nil, fmt.Errorf("resolve workflow %q: %w", arg, err)
	}
	return def, nil
}
