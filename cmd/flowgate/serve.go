package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rendis/flowgate/internal/engine"
	"github.com/rendis/flowgate/internal/scheduler"
	"github.com/rendis/flowgate/pkg/mcp"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the flowgate MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts.cfg)
		},
	}
}

func serve(ctx context.Context, cfg Config) error {
	a, err := newApp(ctx, cfg, os.Stderr)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	sessions := mcp.NewSessionRegistry()
	notifier := mcp.NewNotifier(sessions)

	var headless engine.HeadlessResolver
	if cfg.Engine.Headless {
		headless = engine.ApproveAll
	}
	eng, err := a.newEngine(headless, notifier)
	if err != nil {
		return err
	}

	// Cron runs get their own headless engine so a scheduled job never
	// waits on a human.
	cronEngine, err := a.newEngine(engine.ApproveAll)
	if err != nil {
		return err
	}
	sched := scheduler.NewScheduler(cronEngine, a.workflows, a.logger, 0)
	for _, job := range cfg.Schedules {
		if err := sched.Add(job); err != nil {
			return err
		}
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := sched.Stop(); err != nil {
			a.logger.Warn("scheduler stop failed", "error", err)
		}
	}()

	srv := mcp.NewServer(mcp.ServerDeps{
		Runtime:   eng,
		Workflows: a.workflows,
		History:   a.store,
		Validator: a.validator,
		Schedules: sched,
		Sessions:  sessions,
		Logger:    a.logger,
	})
	notifier.Bind(srv.MCPServer())

	a.serveMetrics()
	a.logger.Info("flowgate serving on stdio",
		"workflows_dir", cfg.WorkflowsDir,
		"db_path", cfg.DBPath,
		"schedules", len(cfg.Schedules),
	)

	err = srv.Serve(ctx)
	if eng.Active() {
		a.logger.Info("aborting active execution on shutdown")
		_ = eng.Abort(context.Background())
	}
	if ctx.Err() != nil {
		return nil
	}
	return err
}
