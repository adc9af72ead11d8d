package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/britta/orchestrator/internal/agent"
	"github.com/britta/orchestrator/internal/audit"
	"github.com/britta/orchestrator/internal/config"
	"github.com/britta/orchestrator/internal/cron"
	"github.com/britta/orchestrator/internal/orchestrator"
	"github.com/britta/orchestrator/internal/otel"
	"github.com/britta/orchestrator/internal/persistence"
	"github.com/britta/orchestrator/internal/telemetry"
	"github.com/britta/orchestrator/internal/tenants"
	"github.com/britta/orchestrator/internal/tickstats"
)

// startupError carries a stable reason code for the fatal startup log line.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func startupFailure(code string, err error) error {
	return &startupError{code: code, err: err}
}

// runtime is the wired process: every command builds one and closes it.
type runtime struct {
	cfg    config.Config
	level  *slog.LevelVar
	logger *slog.Logger

	store    persistence.Store
	auditLog *audit.Log
	provider *otel.Provider
	metrics  *otel.Metrics
	redis    *redis.Client
	stats    *tickstats.RedisSink

	orch   *orchestrator.Orchestrator
	ticker *cron.Ticker

	closers []io.Closer
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// openRuntime loads config and opens every dependency in startup order:
// logger, telemetry, audit, store, registry seed, redis, orchestrator.
// quiet keeps logs out of stdout so command output stays parseable.
func openRuntime(ctx context.Context, quiet bool) (_ *runtime, err error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, startupFailure("E_CONFIG_LOAD", err)
	}

	rt := &runtime{cfg: cfg, level: new(slog.LevelVar)}
	defer func() {
		if err != nil {
			rt.Close()
		}
	}()
	rt.level.Set(telemetry.ParseLevel(cfg.LogLevel))

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, rt.level, quiet)
	if err != nil {
		return nil, startupFailure("E_LOGGER_INIT", err)
	}
	rt.logger = logger
	rt.closers = append(rt.closers, logCloser)
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "config_missing", cfg.Missing, "fingerprint", cfg.Fingerprint())

	provider, err := otel.Init(ctx, otel.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Exporter:    cfg.Telemetry.Exporter,
		Endpoint:    cfg.Telemetry.Endpoint,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRate:  cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return nil, startupFailure("E_OTEL_INIT", err)
	}
	rt.provider = provider
	rt.closers = append(rt.closers, closerFunc(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return provider.Shutdown(ctx)
	}))
	metrics, err := otel.NewMetrics(provider.Meter)
	if err != nil {
		return nil, startupFailure("E_OTEL_INIT", err)
	}
	rt.metrics = metrics

	auditLog, err := audit.Open(cfg.HomeDir, logger)
	if err != nil {
		return nil, startupFailure("E_AUDIT_INIT", err)
	}
	rt.auditLog = auditLog
	rt.closers = append(rt.closers, auditLog)

	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, startupFailure("E_STORE_OPEN", err)
	}
	rt.store = store
	rt.closers = append(rt.closers, store)
	logger.Info("startup phase", "phase", "schema_migrated", "driver", cfg.Store.Driver)

	seed, err := registrySeed(cfg)
	if err != nil {
		return nil, startupFailure("E_AGENT_CONFIG", err)
	}
	if err := store.SeedAgents(ctx, seed, time.Now().UTC()); err != nil {
		return nil, startupFailure("E_AGENT_SEED", err)
	}

	if cfg.Redis.URL != "" {
		rdb, err := tickstats.Connect(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, startupFailure("E_REDIS_CONNECT", err)
		}
		rt.redis = rdb
		rt.stats = tickstats.NewRedisSink(rdb)
		rt.closers = append(rt.closers, rdb)
	}

	rt.orch = orchestrator.New(orchestrator.Config{
		Store:          store,
		Handlers:       handlerTable(cfg),
		HandlerTimeout: cfg.HandlerTimeout(),
		Retry:          orchestrator.RetryPolicy{BaseDelay: cfg.BackoffBase(), MaxDelay: cfg.BackoffMax()},
		MaxRetries:     cfg.Retry.MaxRetries,
		Audit:          auditLog,
		Metrics:        metrics,
		Tracer:         provider.Tracer,
		Logger:         logger,
	})

	tickerCfg := cron.TickerConfig{
		Store:       store,
		Tenants:     tenantSource(cfg),
		PageSize:    cfg.Tenants.PageSize,
		Priority:    cfg.Scheduler.Priority,
		MaxRetries:  cfg.Retry.MaxRetries,
		Concurrency: cfg.Scheduler.Concurrency,
		Metrics:     metrics,
		Tracer:      provider.Tracer,
		Logger:      logger,
	}
	if rt.stats != nil {
		tickerCfg.Stats = rt.stats
	}
	rt.ticker = cron.NewTicker(tickerCfg)
	return rt, nil
}

// Close releases resources in reverse open order.
func (rt *runtime) Close() {
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	rt.closers = nil
	if err := errors.Join(errs...); err != nil {
		fmt.Fprintf(os.Stderr, "shutdown: %v\n", err)
	}
}

func openStore(ctx context.Context, cfg config.Config) (persistence.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return persistence.OpenPostgres(ctx, cfg.Store.PostgresDSN, cfg.Store.MaxConns)
	default:
		return persistence.OpenSQLite(cfg.Store.SQLitePath)
	}
}

// registrySeed turns the configured agents into registry rows. Existing rows
// keep their stored enabled flag.
func registrySeed(cfg config.Config) ([]persistence.AgentEntry, error) {
	var errs []error
	seed := make([]persistence.AgentEntry, 0, len(cfg.Agents))
	for _, a := range cfg.Agents {
		at, err := agent.Parse(a.Type)
		if err != nil {
			errs = append(errs, fmt.Errorf("agents: %w", err))
			continue
		}
		if a.Schedule != "" {
			if err := cron.ValidSchedule(a.Schedule); err != nil {
				errs = append(errs, fmt.Errorf("agents: %s schedule: %w", at, err))
				continue
			}
		}
		seed = append(seed, persistence.AgentEntry{
			AgentType: at.String(),
			Enabled:   a.IsEnabled(),
			Schedule:  a.Schedule,
		})
	}
	return seed, errors.Join(errs...)
}

// handlerTable binds every catalog agent with a resolvable endpoint to an
// HTTP handler. Agents without one fail with NO_HANDLER when executed.
func handlerTable(cfg config.Config) agent.Table {
	table := agent.Table{}
	for _, at := range agent.Catalog() {
		if endpoint := cfg.AgentEndpoint(at.String()); endpoint != "" {
			table[at] = agent.NewHTTPHandler(endpoint, cfg.Handler.Token)
		}
	}
	return table
}

func tenantSource(cfg config.Config) tenants.Source {
	if cfg.Tenants.URL != "" {
		return tenants.NewHTTPSource(cfg.Tenants.URL, cfg.Tenants.Token)
	}
	return tenants.Static(cfg.Tenants.Static)
}
