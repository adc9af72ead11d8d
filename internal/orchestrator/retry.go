package orchestrator

import (
	"time"

	"github.com/britta/orchestrator/internal/persistence"
)

// RetryPolicy decides what happens to a task after a failed execution.
// A zero BaseDelay requeues for immediate re-eligibility.
type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// maxBackoff bounds an uncapped policy once doubling overflows.
const maxBackoff = 24 * time.Hour

// Decision is the outcome of RetryPolicy.Decide.
type Decision struct {
	Requeue     bool
	ScheduledAt time.Time
}

// Decide requeues while retry budget remains, otherwise terminates.
func (p RetryPolicy) Decide(task *persistence.Task, now time.Time) Decision {
	if task.RetryCount >= task.MaxRetries {
		return Decision{}
	}
	return Decision{Requeue: true, ScheduledAt: now.Add(p.Backoff(task.RetryCount + 1))}
}

// Backoff returns the delay before the given attempt (1-based):
// BaseDelay doubled per prior attempt, capped at MaxDelay.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseDelay <= 0 || attempt < 1 {
		return 0
	}
	d := p.BaseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d <= 0 {
			return maxBackoff
		}
		if p.MaxDelay > 0 && d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if p.MaxDelay > 0 && d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}
