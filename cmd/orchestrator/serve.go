package main

import (
	"context"
	"net"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/britta/orchestrator/internal/config"
	"github.com/britta/orchestrator/internal/cron"
	"github.com/britta/orchestrator/internal/gateway"
	"github.com/britta/orchestrator/internal/orchestrator"
	"github.com/britta/orchestrator/internal/telemetry"
)

const shutdownTimeout = 15 * time.Second

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, worker pool and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := openRuntime(cmd.Context(), false)
			if err != nil {
				return err
			}
			defer rt.Close()
			return serve(cmd.Context(), rt)
		},
	}
}

func serve(ctx context.Context, rt *runtime) error {
	cfg, logger := rt.cfg, rt.logger
	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.ToLower(strings.TrimSpace(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && cfg.Auth.AdminKey == "" && len(cfg.Auth.Keys) == 0 {
			logger.Warn("non-loopback bind without any API keys; every API route will be refused", "bind_addr", cfg.BindAddr)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	var worker *orchestrator.Worker
	if cfg.Worker.Count > 0 {
		worker = orchestrator.NewWorker(rt.orch, orchestrator.WorkerConfig{
			Count:        cfg.Worker.Count,
			PollInterval: cfg.WorkerPollInterval(),
			StaleAfter:   cfg.StaleAfter(),
		})
		worker.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			worker.Wait()
			return nil
		})
	} else if _, _, err := rt.orch.RecoverStale(ctx, cfg.StaleAfter()); err != nil {
		return startupFailure("E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed")

	if cfg.Scheduler.Enabled {
		sched := cron.NewScheduler(cron.Config{
			Ticker:   rt.ticker,
			Logger:   logger,
			Interval: cfg.SchedulerInterval(),
		})
		sched.Start(gctx)
		g.Go(func() error {
			<-gctx.Done()
			sched.Stop()
			return nil
		})
	}

	ready := map[string]gateway.ReadyCheck{"store": rt.store.Ping}
	gwCfg := gateway.Config{
		Orchestrator:      rt.orch,
		Ticker:            rt.ticker,
		Ready:             ready,
		Auth:              cfg.Auth,
		RateLimit:         cfg.RateLimit,
		Metrics:           rt.metrics,
		MetricsHandler:    rt.provider.MetricsHandler(),
		Tracer:            rt.provider.Tracer,
		Logger:            logger,
		ConfigFingerprint: cfg.Fingerprint(),
	}
	if worker != nil {
		gwCfg.Worker = worker
	}
	if rt.stats != nil {
		gwCfg.Stats = rt.stats
		ready["redis"] = rt.stats.Ping
	}
	srv := gateway.New(gwCfg)
	g.Go(func() error {
		return srv.ListenAndServe(gctx, cfg.BindAddr, shutdownTimeout)
	})

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(gctx); err != nil {
		logger.Warn("config watcher unavailable; live reload disabled", "error", err)
	} else {
		g.Go(func() error {
			watchConfig(gctx, rt, watcher.Events())
			return nil
		})
	}

	logger.Info("startup phase", "phase", "serving",
		"bind_addr", cfg.BindAddr, "workers", cfg.Worker.Count, "scheduler", cfg.Scheduler.Enabled)
	err := g.Wait()
	logger.Info("orchestrator stopped")
	return err
}

// watchConfig applies the log level from a changed config.yaml. Other
// settings need a restart; a changed fingerprint is logged so operators know.
func watchConfig(ctx context.Context, rt *runtime, events <-chan config.ReloadEvent) {
	fingerprint := rt.cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-events:
			if !ok {
				return
			}
			next, err := config.Load()
			if err != nil {
				rt.logger.Error("config reload rejected", "error", err)
				continue
			}
			level := telemetry.ParseLevel(next.LogLevel)
			if level != rt.level.Level() {
				rt.level.Set(level)
				rt.logger.Info("log level reloaded", "level", level.String())
			}
			candidate := next
			candidate.LogLevel = rt.cfg.LogLevel
			if fp := candidate.Fingerprint(); fp != fingerprint {
				rt.logger.Warn("config changed; restart to apply", "fingerprint", fp, "running", fingerprint)
				fingerprint = fp
			}
		}
	}
}
