// Package gateway exposes the orchestrator over HTTP: tenant task routes,
// elevated admin routes, health checks and the Prometheus scrape endpoint.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/britta/orchestrator/internal/config"
	"github.com/britta/orchestrator/internal/cron"
	"github.com/britta/orchestrator/internal/orchestrator"
	"github.com/britta/orchestrator/internal/otel"
	"github.com/britta/orchestrator/internal/tickstats"
)

// DefaultMaxBodyBytes caps request bodies.
const DefaultMaxBodyBytes = 1 << 20

// Ticker runs one scheduler tick.
type Ticker interface {
	Tick(ctx context.Context) (cron.TickResult, error)
}

// StatsReader serves the persisted scheduler statistics.
type StatsReader interface {
	Snapshot(ctx context.Context) (tickstats.Snapshot, error)
}

// ReadyCheck reports whether a dependency is reachable.
type ReadyCheck func(ctx context.Context) error

type Config struct {
	Orchestrator *orchestrator.Orchestrator
	Ticker       Ticker
	Stats        StatsReader
	Worker       *orchestrator.Worker
	Ready        map[string]ReadyCheck

	Auth      config.AuthConfig
	RateLimit config.RateLimitConfig

	Metrics        *otel.Metrics
	MetricsHandler http.Handler
	Tracer         trace.Tracer
	Logger         *slog.Logger

	// ConfigFingerprint is echoed by /healthz.
	ConfigFingerprint string
	MaxBodyBytes      int64
}

type Server struct {
	cfg     Config
	auth    *AuthMiddleware
	limiter *RateLimiter
	engine  *gin.Engine
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	s := &Server{
		cfg:     cfg,
		auth:    NewAuthMiddleware(cfg.Auth),
		limiter: NewRateLimiter(cfg.RateLimit),
		started: time.Now(),
	}
	s.engine = s.routes()
	return s
}

func (s *Server) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestContext(), bodyLimit(s.cfg.MaxBodyBytes))

	r.GET("/healthz", s.handleHealthz)
	r.GET("/readyz", s.handleReadyz)
	if s.cfg.MetricsHandler != nil {
		r.GET("/metrics", gin.WrapH(s.cfg.MetricsHandler))
	}

	api := r.Group("/api/v1")

	tasks := api.Group("/tasks", s.auth.Tenant(), s.limiter.Handler())
	tasks.POST("", s.handleDispatch)
	tasks.GET("", s.handleListTasks)
	tasks.GET("/:id", s.handleGetTask)
	tasks.POST("/:id/cancel", s.handleCancel)
	tasks.POST("/:id/retry", s.handleRetry)

	admin := api.Group("/admin", s.auth.Admin())
	admin.GET("/agents", s.handleListAgents)
	admin.PUT("/agents/:type/enabled", s.handleSetAgentEnabled)
	admin.POST("/scheduler/tick", s.handleTick)
	admin.GET("/scheduler/stats", s.handleTickStats)
	admin.POST("/tasks/run-next", s.handleRunNext)

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, errorBody("not_found", "route not found"))
	})
	return r
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully within shutdownTimeout.
func (s *Server) ListenAndServe(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.limiter.StartEviction(ctx, time.Minute, 10*time.Minute)

	errCh := make(chan error, 1)
	go func() {
		s.cfg.Logger.Info("gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("listen %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown gateway: %w", err)
	}
	s.cfg.Logger.Info("gateway stopped")
	return nil
}

func (s *Server) handleHealthz(c *gin.Context) {
	body := gin.H{
		"status":             "ok",
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"config_fingerprint": s.cfg.ConfigFingerprint,
	}
	if s.cfg.Worker != nil {
		body["worker"] = s.cfg.Worker.Status()
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) handleReadyz(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, check := range s.cfg.Ready {
		if err := check(ctx); err != nil {
			ready = false
			checks[name] = err.Error()
			s.cfg.Logger.Warn("readiness check failed", "check", name, "error", err)
			continue
		}
		checks[name] = "ok"
	}
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, gin.H{"ready": ready, "checks": checks})
}
