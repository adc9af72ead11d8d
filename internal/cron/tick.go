package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"github.com/britta/orchestrator/internal/agent"
	"github.com/britta/orchestrator/internal/otel"
	"github.com/britta/orchestrator/internal/persistence"
	"github.com/britta/orchestrator/internal/tenants"
)

const (
	// SchedulerOwner is the owner_id stamped on scheduled tasks.
	SchedulerOwner = "scheduler"

	DefaultPriority    = 8
	DefaultConcurrency = 8
)

// IdempotencyKey derives the dedupe key for one tenant, agent type and period.
func IdempotencyKey(agentType, periodKey, tenantID string) string {
	return "sched:" + agentType + ":" + periodKey + ":" + tenantID
}

// TickResult counts the outcome of one tick. Duplicates are pairs whose task
// for the period already existed.
type TickResult struct {
	TasksCreated int `json:"tasks_created"`
	Duplicates   int `json:"duplicates"`
	Failed       int `json:"failed"`
	Agents       int `json:"agents"`
	Tenants      int `json:"tenants"`
}

// TickStats is what a StatsSink receives after every tick.
type TickStats struct {
	At       time.Time
	Duration time.Duration
	Result   TickResult
	Err      string
}

// StatsSink stores tick statistics for operators. Failures are logged only.
type StatsSink interface {
	RecordTick(ctx context.Context, st TickStats) error
}

type TickerConfig struct {
	Store    persistence.Store
	Tenants  tenants.Source
	PageSize int
	Priority int
	// MaxRetries is the retry budget of every scheduled task.
	MaxRetries  int
	Concurrency int
	Stats       StatsSink
	Metrics     *otel.Metrics
	Tracer      trace.Tracer
	Logger      *slog.Logger
	Now         func() time.Time
}

// Ticker creates at most one task per (tenant, scheduled agent type, period).
// Calling Tick repeatedly within a period is safe: the store's idempotency
// key turns repeats into no-ops.
type Ticker struct {
	store       persistence.Store
	tenants     tenants.Source
	pageSize    int
	priority    int
	maxRetries  int
	concurrency int
	stats       StatsSink
	metrics     *otel.Metrics
	tracer      trace.Tracer
	logger      *slog.Logger
	now         func() time.Time
}

func NewTicker(cfg TickerConfig) *Ticker {
	if cfg.PageSize <= 0 {
		cfg.PageSize = tenants.DefaultPageSize
	}
	if cfg.Priority <= 0 {
		cfg.Priority = DefaultPriority
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Tenants == nil {
		cfg.Tenants = tenants.Static(nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = nooptrace.NewTracerProvider().Tracer(otel.TracerName)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Ticker{
		store:       cfg.Store,
		tenants:     cfg.Tenants,
		pageSize:    cfg.PageSize,
		priority:    cfg.Priority,
		maxRetries:  cfg.MaxRetries,
		concurrency: cfg.Concurrency,
		stats:       cfg.Stats,
		metrics:     cfg.Metrics,
		tracer:      cfg.Tracer,
		logger:      cfg.Logger,
		now:         cfg.Now,
	}
}

type scheduledAgent struct {
	agentType string
	period    string
}

// Tick enumerates enabled scheduled agents and eligible tenants and inserts
// the period's task for every pair. A failing pair is counted and reported in
// the joined error without stopping the rest; a tenant source failure aborts
// the remaining pages.
func (t *Ticker) Tick(ctx context.Context) (TickResult, error) {
	start := time.Now()
	now := t.now()

	ctx, span := otel.StartSpan(ctx, t.tracer, "orchestrator.tick")
	defer span.End()

	res, err := t.tick(ctx, now)

	t.metrics.Ticked(ctx, res.TasksCreated)
	if err != nil {
		span.RecordError(err)
	}
	st := TickStats{At: now, Duration: time.Since(start), Result: res}
	if err != nil {
		st.Err = err.Error()
	}
	if t.stats != nil {
		if serr := t.stats.RecordTick(context.WithoutCancel(ctx), st); serr != nil {
			t.logger.Warn("record tick stats failed", "error", serr)
		}
	}
	t.logger.Info("scheduler tick",
		"tasks_created", res.TasksCreated,
		"duplicates", res.Duplicates,
		"failed", res.Failed,
		"agents", res.Agents,
		"tenants", res.Tenants,
		"duration_ms", st.Duration.Milliseconds(),
	)
	return res, err
}

func (t *Ticker) tick(ctx context.Context, now time.Time) (TickResult, error) {
	var res TickResult

	entries, err := t.store.ListAgents(ctx)
	if err != nil {
		return res, fmt.Errorf("list agents: %w", err)
	}

	var (
		errs   []error
		agents []scheduledAgent
	)
	for _, e := range entries {
		if !e.Enabled || e.Schedule == "" {
			continue
		}
		if _, err := agent.Parse(e.AgentType); err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", e.AgentType, err))
			continue
		}
		period, err := PeriodKey(e.Schedule, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("agent %s: %w", e.AgentType, err))
			continue
		}
		agents = append(agents, scheduledAgent{agentType: e.AgentType, period: period})
	}
	res.Agents = len(agents)
	if len(agents) == 0 {
		return res, errors.Join(errs...)
	}

	var mu sync.Mutex
	walkErr := tenants.Walk(ctx, t.tenants, t.pageSize, func(page tenants.Page) error {
		res.Tenants += len(page.TenantIDs)

		var g errgroup.Group
		g.SetLimit(t.concurrency)
		for _, tenantID := range page.TenantIDs {
			if tenantID == "" {
				continue
			}
			for _, sa := range agents {
				g.Go(func() error {
					created, err := t.createOne(ctx, tenantID, sa, now)
					mu.Lock()
					defer mu.Unlock()
					switch {
					case err != nil:
						res.Failed++
						errs = append(errs, err)
					case created:
						res.TasksCreated++
					default:
						res.Duplicates++
					}
					return nil
				})
			}
		}
		_ = g.Wait()
		return ctx.Err()
	})
	switch {
	case ctx.Err() != nil:
		errs = append(errs, ctx.Err())
	case walkErr != nil:
		errs = append(errs, fmt.Errorf("list tenants: %w", walkErr))
	}
	return res, errors.Join(errs...)
}

func (t *Ticker) createOne(ctx context.Context, tenantID string, sa scheduledAgent, now time.Time) (bool, error) {
	task, created, err := t.store.CreateTask(ctx, persistence.NewTask{
		TenantID:       tenantID,
		OwnerID:        SchedulerOwner,
		AgentType:      sa.agentType,
		Priority:       t.priority,
		Input:          map[string]any{"period": sa.period, "trigger": "schedule"},
		MaxRetries:     t.maxRetries,
		ScheduledAt:    now,
		IdempotencyKey: IdempotencyKey(sa.agentType, sa.period, tenantID),
		CreatedAt:      now,
	})
	if err != nil {
		return false, fmt.Errorf("schedule %s for tenant %s: %w", sa.agentType, tenantID, err)
	}
	if created {
		t.logger.Debug("scheduled task created",
			"task_id", task.ID,
			"tenant_id", tenantID,
			"agent_type", sa.agentType,
			"period", sa.period,
		)
	}
	return created, nil
}
