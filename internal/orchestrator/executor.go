package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/britta/orchestrator/internal/agent"
	"github.com/britta/orchestrator/internal/audit"
	"github.com/britta/orchestrator/internal/otel"
	"github.com/britta/orchestrator/internal/persistence"
	"github.com/britta/orchestrator/internal/shared"
)

// DefaultHandlerTimeout bounds one handler invocation when none is configured.
const DefaultHandlerTimeout = 60 * time.Second

// Executor runs claimed tasks through their agent handler and records the outcome.
type Executor struct {
	store    persistence.Store
	handlers agent.Table
	timeout  time.Duration
	retry    RetryPolicy
	audit    audit.Recorder
	metrics  *otel.Metrics
	tracer   trace.Tracer
	logger   *slog.Logger
	now      func() time.Time
}

// Execute moves a claimed task to running, invokes its handler under the
// handler timeout and persists success, a requeue or a terminal failure.
// Handler failures are recorded on the returned task, not returned as errors;
// the error result is reserved for store failures. When ctx ends before a
// failing handler returns, the task goes back to pending with its retry
// count unchanged.
func (e *Executor) Execute(ctx context.Context, task *persistence.Task) (*persistence.Task, error) {
	ctx = shared.WithTaskID(shared.WithTenantID(ctx, task.TenantID), task.ID)

	running, err := e.store.MarkRunning(ctx, task.ID, e.now())
	if err != nil {
		if errors.Is(err, persistence.ErrInvalidTransition) {
			// Cancelled between claim and start; leave it alone.
			current, getErr := e.store.GetTask(ctx, "", task.ID)
			if getErr != nil {
				return nil, mapStoreErr("load task", getErr)
			}
			e.logger.Info("task left claimed state before execution", "task_id", task.ID, "status", current.Status)
			return current, nil
		}
		return nil, mapStoreErr("mark task running", err)
	}

	ctx, span := otel.StartClientSpan(ctx, e.tracer, "orchestrator.execute",
		otel.AttrTaskID.String(running.ID),
		otel.AttrTenantID.String(running.TenantID),
		otel.AttrAgentType.String(running.AgentType),
	)
	defer span.End()

	start := time.Now()
	output, execErr := e.invoke(ctx, running)
	elapsed := time.Since(start)

	// Outcome writes must land even if the caller is shutting down.
	persistCtx := context.WithoutCancel(ctx)

	if execErr == nil {
		done, err := e.store.CompleteTask(persistCtx, running.ID, output, e.now())
		if err != nil {
			span.RecordError(err)
			return nil, mapStoreErr("complete task", err)
		}
		if err := e.store.TouchAgentRun(persistCtx, running.AgentType, e.now()); err != nil {
			e.logger.Warn("update agent last run failed", "agent_type", running.AgentType, "error", err)
		}
		e.audit.Record(persistCtx, audit.Event{
			Action:    audit.ActionSucceeded,
			TaskID:    done.ID,
			TenantID:  done.TenantID,
			OwnerID:   done.OwnerID,
			AgentType: done.AgentType,
		})
		e.metrics.Executed(persistCtx, done.AgentType, string(persistence.TaskStatusSucceeded), elapsed)
		span.SetAttributes(otel.AttrOutcome.String(string(persistence.TaskStatusSucceeded)))
		e.logger.Info("task succeeded", "task_id", done.ID, "agent_type", done.AgentType, "duration_ms", elapsed.Milliseconds())
		return done, nil
	}

	// The caller went away (shutdown or a dropped dispatch request) before
	// the handler finished. That is not a handler failure.
	if cause := ctx.Err(); cause != nil {
		aborted, err := e.store.AbortTask(persistCtx, running.ID, e.now())
		if err != nil {
			return nil, mapStoreErr("abort task", err)
		}
		e.audit.Record(persistCtx, audit.Event{
			Action:    audit.ActionAborted,
			TaskID:    aborted.ID,
			TenantID:  aborted.TenantID,
			OwnerID:   aborted.OwnerID,
			AgentType: aborted.AgentType,
			Detail:    cause.Error(),
		})
		e.metrics.Executed(persistCtx, aborted.AgentType, "aborted", elapsed)
		span.SetAttributes(otel.AttrOutcome.String("aborted"))
		e.logger.Warn("task aborted; returned to queue",
			"task_id", aborted.ID,
			"agent_type", aborted.AgentType,
			"cause", cause,
			"retry_count", aborted.RetryCount,
		)
		return aborted, nil
	}

	span.RecordError(execErr)
	span.SetStatus(codes.Error, execErr.Code)

	decision := e.retry.Decide(running, e.now())
	if decision.Requeue {
		requeued, err := e.store.RequeueTask(persistCtx, running.ID, running.RetryCount, decision.ScheduledAt, e.now())
		if err != nil {
			return nil, mapStoreErr("requeue task", err)
		}
		e.audit.Record(persistCtx, audit.Event{
			Action:    audit.ActionRequeued,
			TaskID:    requeued.ID,
			TenantID:  requeued.TenantID,
			OwnerID:   requeued.OwnerID,
			AgentType: requeued.AgentType,
			Detail:    execErr.Error(),
		})
		e.metrics.Executed(persistCtx, requeued.AgentType, "requeued", elapsed)
		span.SetAttributes(otel.AttrOutcome.String("requeued"))
		e.logger.Warn("task failed; requeued",
			"task_id", requeued.ID,
			"agent_type", requeued.AgentType,
			"error_code", execErr.Code,
			"retry_count", requeued.RetryCount,
			"max_retries", requeued.MaxRetries,
			"scheduled_at", requeued.ScheduledAt,
		)
		return requeued, nil
	}

	failed, err := e.store.FailTask(persistCtx, running.ID, execErr.Code, execErr.Message, e.now())
	if err != nil {
		return nil, mapStoreErr("fail task", err)
	}
	e.audit.Record(persistCtx, audit.Event{
		Action:    audit.ActionFailed,
		TaskID:    failed.ID,
		TenantID:  failed.TenantID,
		OwnerID:   failed.OwnerID,
		AgentType: failed.AgentType,
		Detail:    execErr.Error(),
	})
	e.metrics.Executed(persistCtx, failed.AgentType, string(persistence.TaskStatusFailed), elapsed)
	span.SetAttributes(otel.AttrOutcome.String(string(persistence.TaskStatusFailed)))
	e.logger.Error("task failed",
		"task_id", failed.ID,
		"agent_type", failed.AgentType,
		"error_code", execErr.Code,
		"error", execErr.Message,
		"retry_count", failed.RetryCount,
	)
	return failed, nil
}

func (e *Executor) invoke(ctx context.Context, task *persistence.Task) (map[string]any, *ExecutionError) {
	h, ok := e.handlers.Lookup(agent.Type(task.AgentType))
	if !ok {
		return nil, &ExecutionError{Code: CodeNoHandler, Message: fmt.Sprintf("no handler registered for %q", task.AgentType)}
	}

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	out, err := runHandler(runCtx, h, agent.Request{
		TenantID:  task.TenantID,
		TaskID:    task.ID,
		AgentType: agent.Type(task.AgentType),
		Payload:   task.Input,
	})
	if err == nil && runCtx.Err() == context.DeadlineExceeded {
		err = runCtx.Err()
	}
	if err != nil {
		return nil, classify(err, e.timeout)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

// runHandler turns a handler panic into an ordinary error so one bad
// handler cannot take down the worker goroutine.
func runHandler(ctx context.Context, h agent.Handler, req agent.Request) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			out, err = nil, fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Run(ctx, req)
}

func classify(err error, timeout time.Duration) *ExecutionError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &ExecutionError{Code: CodeTimeout, Message: fmt.Sprintf("handler exceeded %s", timeout)}
	}
	var se *agent.StatusError
	if errors.As(err, &se) {
		return &ExecutionError{Code: fmt.Sprintf("HTTP_%d", se.StatusCode), Message: shared.Redact(se.Error())}
	}
	return &ExecutionError{Code: CodeHandlerError, Message: shared.Redact(err.Error())}
}
