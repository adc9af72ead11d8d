package orchestrator

import (
	"testing"
	"time"

	"github.com/britta/orchestrator/internal/persistence"
)

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{BaseDelay: 5 * time.Second, MaxDelay: 30 * time.Second}
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 0},
		{1, 5 * time.Second},
		{2, 10 * time.Second},
		{3, 20 * time.Second},
		{4, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := p.Backoff(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestRetryPolicy_ZeroBaseIsImmediate(t *testing.T) {
	var p RetryPolicy
	if got := p.Backoff(5); got != 0 {
		t.Fatalf("expected no delay, got %s", got)
	}
}

func TestRetryPolicy_UncappedOverflowIsBounded(t *testing.T) {
	p := RetryPolicy{BaseDelay: time.Hour}
	if got := p.Backoff(200); got != maxBackoff {
		t.Fatalf("expected %s, got %s", maxBackoff, got)
	}
}

func TestRetryPolicy_Decide(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	p := RetryPolicy{BaseDelay: time.Second, MaxDelay: time.Minute}

	d := p.Decide(&persistence.Task{RetryCount: 1, MaxRetries: 3}, now)
	if !d.Requeue || !d.ScheduledAt.Equal(now.Add(2*time.Second)) {
		t.Fatalf("unexpected decision %+v", d)
	}
	if d := p.Decide(&persistence.Task{RetryCount: 3, MaxRetries: 3}, now); d.Requeue {
		t.Fatal("expected exhausted budget to terminate")
	}
	if d := p.Decide(&persistence.Task{MaxRetries: 0}, now); d.Requeue {
		t.Fatal("expected zero budget to terminate")
	}
}
