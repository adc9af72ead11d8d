// Package orchestrator implements task dispatch, claiming, execution and the
// user-facing lifecycle transitions on top of a persistence.Store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"
	nooptrace "go.opentelemetry.io/otel/trace/noop"

	"github.com/britta/orchestrator/internal/agent"
	"github.com/britta/orchestrator/internal/audit"
	"github.com/britta/orchestrator/internal/otel"
	"github.com/britta/orchestrator/internal/persistence"
)

const (
	DefaultPriority   = 5
	DefaultMaxRetries = 3
)

type Config struct {
	Store          persistence.Store
	Handlers       agent.Table
	HandlerTimeout time.Duration
	Retry          RetryPolicy
	// MaxRetries applies to dispatches that do not set their own budget.
	MaxRetries int
	Audit      audit.Recorder
	Metrics    *otel.Metrics
	Tracer     trace.Tracer
	Logger     *slog.Logger
	// Now overrides the clock; tests use it to pin timestamps.
	Now func() time.Time
}

type Orchestrator struct {
	store      persistence.Store
	exec       *Executor
	audit      audit.Recorder
	metrics    *otel.Metrics
	tracer     trace.Tracer
	logger     *slog.Logger
	now        func() time.Time
	maxRetries int
}

func New(cfg Config) *Orchestrator {
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultHandlerTimeout
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.Nop{}
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
	if cfg.Handlers == nil {
		cfg.Handlers = agent.Table{}
	}
	return &Orchestrator{
		store:      cfg.Store,
		audit:      cfg.Audit,
		metrics:    cfg.Metrics,
		tracer:     cfg.Tracer,
		logger:     cfg.Logger,
		now:        cfg.Now,
		maxRetries: cfg.MaxRetries,
		exec: &Executor{
			store:    cfg.Store,
			handlers: cfg.Handlers,
			timeout:  cfg.HandlerTimeout,
			retry:    cfg.Retry,
			audit:    cfg.Audit,
			metrics:  cfg.Metrics,
			tracer:   cfg.Tracer,
			logger:   cfg.Logger,
			now:      cfg.Now,
		},
	}
}

// Executor exposes the executor for callers that claim tasks themselves.
func (o *Orchestrator) Executor() *Executor { return o.exec }

// DispatchRequest describes an on-demand task. Nil Priority and MaxRetries
// take the defaults.
type DispatchRequest struct {
	AgentType      string
	TenantID       string
	OwnerID        string
	Payload        map[string]any
	Priority       *int
	MaxRetries     *int
	ParentTaskID   string
	IdempotencyKey string
}

// Dispatch validates and inserts a pending task, then attempts to claim and
// execute it synchronously. The returned task reflects the state at return:
// terminal if this call ran it, claimed if another worker won the claim.
// A request whose idempotency key already exists returns the existing task
// untouched.
func (o *Orchestrator) Dispatch(ctx context.Context, req DispatchRequest) (*persistence.Task, error) {
	at, err := agent.Parse(req.AgentType)
	if err != nil {
		return nil, validationErr("%v", err)
	}
	if req.TenantID == "" {
		return nil, validationErr("tenant_id is required")
	}
	if err := agent.ValidatePayload(at, req.Payload); err != nil {
		return nil, validationErr("%v", err)
	}
	maxRetries := o.maxRetries
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			return nil, validationErr("max_retries must not be negative")
		}
		maxRetries = *req.MaxRetries
	}

	ctx, span := otel.StartSpan(ctx, o.tracer, "orchestrator.dispatch",
		otel.AttrTenantID.String(req.TenantID),
		otel.AttrAgentType.String(at.String()),
	)
	defer span.End()

	entry, err := o.store.GetAgent(ctx, at.String())
	if err != nil {
		if errors.Is(err, persistence.ErrAgentNotFound) {
			return nil, fmt.Errorf("%w: %s is not registered", ErrAgentDisabled, at)
		}
		return nil, mapStoreErr("load agent", err)
	}
	if !entry.Enabled {
		return nil, fmt.Errorf("%w: %s", ErrAgentDisabled, at)
	}

	priority := DefaultPriority
	if req.Priority != nil {
		priority = min(max(*req.Priority, 1), 10)
	}
	now := o.now()
	task, created, err := o.store.CreateTask(ctx, persistence.NewTask{
		TenantID:       req.TenantID,
		OwnerID:        req.OwnerID,
		AgentType:      at.String(),
		Priority:       priority,
		Input:          req.Payload,
		MaxRetries:     maxRetries,
		ScheduledAt:    now,
		ParentTaskID:   req.ParentTaskID,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
	})
	if err != nil {
		return nil, mapStoreErr("create task", err)
	}
	span.SetAttributes(otel.AttrTaskID.String(task.ID))
	if !created {
		o.logger.Info("dispatch deduplicated by idempotency key", "task_id", task.ID, "status", task.Status)
		return task, nil
	}

	o.audit.Record(ctx, audit.Event{
		Action:    audit.ActionDispatched,
		TaskID:    task.ID,
		TenantID:  task.TenantID,
		OwnerID:   task.OwnerID,
		AgentType: task.AgentType,
	})
	o.metrics.Dispatched(ctx, task.AgentType)
	o.logger.Info("task dispatched", "task_id", task.ID, "agent_type", task.AgentType, "tenant_id", task.TenantID, "priority", task.Priority)

	claimed, err := o.store.ClaimSpecific(ctx, task.ID, o.now())
	if err != nil {
		// The task is durable; a worker will pick it up.
		o.logger.Warn("immediate claim failed; task left pending", "task_id", task.ID, "error", err)
		return task, nil
	}
	if claimed == nil {
		o.metrics.ClaimLost(ctx)
		current, err := o.store.GetTask(ctx, "", task.ID)
		if err != nil {
			return task, nil
		}
		return current, nil
	}
	return o.exec.Execute(ctx, claimed)
}

// ClaimNext claims the highest-priority eligible task. A nil task means the
// queue had nothing eligible.
func (o *Orchestrator) ClaimNext(ctx context.Context) (*persistence.Task, error) {
	task, err := o.store.ClaimNext(ctx, o.now())
	if err != nil {
		return nil, mapStoreErr("claim next task", err)
	}
	return task, nil
}

// ClaimSpecific claims one task by id. A nil task means it was not pending,
// not yet eligible or claimed by someone else.
func (o *Orchestrator) ClaimSpecific(ctx context.Context, id string) (*persistence.Task, error) {
	task, err := o.store.ClaimSpecific(ctx, id, o.now())
	if err != nil {
		return nil, mapStoreErr("claim task", err)
	}
	if task == nil {
		o.metrics.ClaimLost(ctx)
	}
	return task, nil
}

// RunNext claims the next eligible task and executes it. It returns nil when
// there was nothing to run.
func (o *Orchestrator) RunNext(ctx context.Context) (*persistence.Task, error) {
	task, err := o.ClaimNext(ctx)
	if err != nil || task == nil {
		return nil, err
	}
	return o.exec.Execute(ctx, task)
}

// Cancel moves a pending or claimed task to cancelled. Any other state is
// ErrInvalidTransition and the task is left unchanged.
func (o *Orchestrator) Cancel(ctx context.Context, tenantID, id string) (*persistence.Task, error) {
	task, err := o.store.CancelTask(ctx, tenantID, id, o.now())
	if err != nil {
		return nil, mapStoreErr("cancel task", err)
	}
	o.audit.Record(ctx, audit.Event{
		Action:    audit.ActionCancelled,
		TaskID:    task.ID,
		TenantID:  task.TenantID,
		OwnerID:   task.OwnerID,
		AgentType: task.AgentType,
	})
	o.logger.Info("task cancelled", "task_id", task.ID, "tenant_id", task.TenantID)
	return task, nil
}

// Retry requeues a failed task for immediate eligibility, keeping its retry count.
func (o *Orchestrator) Retry(ctx context.Context, tenantID, id string) (*persistence.Task, error) {
	task, err := o.store.RetryFailedTask(ctx, tenantID, id, o.now())
	if err != nil {
		return nil, mapStoreErr("retry task", err)
	}
	o.audit.Record(ctx, audit.Event{
		Action:    audit.ActionRetried,
		TaskID:    task.ID,
		TenantID:  task.TenantID,
		OwnerID:   task.OwnerID,
		AgentType: task.AgentType,
	})
	o.logger.Info("task retried", "task_id", task.ID, "tenant_id", task.TenantID, "retry_count", task.RetryCount)
	return task, nil
}

func (o *Orchestrator) GetTask(ctx context.Context, tenantID, id string) (*persistence.Task, error) {
	task, err := o.store.GetTask(ctx, tenantID, id)
	if err != nil {
		return nil, mapStoreErr("get task", err)
	}
	return task, nil
}

func (o *Orchestrator) ListTasks(ctx context.Context, f persistence.TaskFilter) ([]persistence.Task, int, error) {
	if f.AgentType != "" {
		if _, err := agent.Parse(f.AgentType); err != nil {
			return nil, 0, validationErr("%v", err)
		}
	}
	tasks, total, err := o.store.ListTasks(ctx, f)
	if err != nil {
		return nil, 0, mapStoreErr("list tasks", err)
	}
	return tasks, total, nil
}

func (o *Orchestrator) ListAgents(ctx context.Context) ([]persistence.AgentEntry, error) {
	entries, err := o.store.ListAgents(ctx)
	if err != nil {
		return nil, mapStoreErr("list agents", err)
	}
	return entries, nil
}

// SetAgentEnabled is the administrative registry toggle.
func (o *Orchestrator) SetAgentEnabled(ctx context.Context, agentType string, enabled bool) (*persistence.AgentEntry, error) {
	at, err := agent.Parse(agentType)
	if err != nil {
		return nil, validationErr("%v", err)
	}
	entry, err := o.store.SetAgentEnabled(ctx, at.String(), enabled, o.now())
	if err != nil {
		return nil, mapStoreErr("set agent enabled", err)
	}
	o.audit.Record(ctx, audit.Event{
		Action:    audit.ActionAgentToggled,
		AgentType: entry.AgentType,
		Detail:    fmt.Sprintf("enabled=%t", entry.Enabled),
	})
	o.logger.Info("agent toggled", "agent_type", entry.AgentType, "enabled", entry.Enabled)
	return entry, nil
}

// RecoverStale requeues or fails tasks whose claim is older than staleAfter.
func (o *Orchestrator) RecoverStale(ctx context.Context, staleAfter time.Duration) (int, int, error) {
	now := o.now()
	requeued, failed, err := o.store.RequeueStale(ctx, now.Add(-staleAfter), now)
	if err != nil {
		return 0, 0, mapStoreErr("requeue stale tasks", err)
	}
	o.metrics.Stale(ctx, requeued+failed)
	if requeued+failed > 0 {
		o.logger.Warn("recovered stale claims", "requeued", requeued, "failed", failed, "stale_after", staleAfter)
	}
	return requeued, failed, nil
}
