package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the orchestrator's instruments. A nil *Metrics records nothing.
type Metrics struct {
	TasksDispatched  metric.Int64Counter
	TasksExecuted    metric.Int64Counter
	TaskDuration     metric.Float64Histogram
	ClaimRaces       metric.Int64Counter
	SchedulerCreated metric.Int64Counter
	SchedulerTicks   metric.Int64Counter
	StaleRequeued    metric.Int64Counter
	RequestDuration  metric.Float64Histogram
}

func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksDispatched, err = meter.Int64Counter("orchestrator.tasks.dispatched",
		metric.WithDescription("Tasks created through Dispatch"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksExecuted, err = meter.Int64Counter("orchestrator.tasks.executed",
		metric.WithDescription("Handler executions by outcome (succeeded, requeued, failed)"),
	)
	if err != nil {
		return nil, err
	}

	m.TaskDuration, err = meter.Float64Histogram("orchestrator.task.duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.ClaimRaces, err = meter.Int64Counter("orchestrator.claim.races",
		metric.WithDescription("Claims lost to a concurrent claimant"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerCreated, err = meter.Int64Counter("orchestrator.scheduler.created",
		metric.WithDescription("Scheduled tasks inserted by ticks"),
	)
	if err != nil {
		return nil, err
	}

	m.SchedulerTicks, err = meter.Int64Counter("orchestrator.scheduler.ticks",
		metric.WithDescription("Scheduler ticks run"),
	)
	if err != nil {
		return nil, err
	}

	m.StaleRequeued, err = meter.Int64Counter("orchestrator.tasks.stale",
		metric.WithDescription("Stranded claimed or running tasks recovered"),
	)
	if err != nil {
		return nil, err
	}

	m.RequestDuration, err = meter.Float64Histogram("orchestrator.request.duration",
		metric.WithDescription("API request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

func (m *Metrics) Dispatched(ctx context.Context, agentType string) {
	if m == nil {
		return
	}
	m.TasksDispatched.Add(ctx, 1, metric.WithAttributes(AttrAgentType.String(agentType)))
}

func (m *Metrics) Executed(ctx context.Context, agentType, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(AttrAgentType.String(agentType), AttrOutcome.String(outcome))
	m.TasksExecuted.Add(ctx, 1, attrs)
	m.TaskDuration.Record(ctx, d.Seconds(), attrs)
}

func (m *Metrics) ClaimLost(ctx context.Context) {
	if m == nil {
		return
	}
	m.ClaimRaces.Add(ctx, 1)
}

func (m *Metrics) Ticked(ctx context.Context, created int) {
	if m == nil {
		return
	}
	m.SchedulerTicks.Add(ctx, 1)
	m.SchedulerCreated.Add(ctx, int64(created))
}

func (m *Metrics) Stale(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.StaleRequeued.Add(ctx, int64(n))
}

func (m *Metrics) Request(ctx context.Context, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("http.route", route),
		attribute.Int("http.status_code", status),
	))
}
