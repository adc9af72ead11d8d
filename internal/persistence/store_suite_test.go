package persistence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/britta/orchestrator/internal/persistence"
)

// base is whole-second so both backends round-trip it exactly.
var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

type openFunc func(t *testing.T) persistence.Store

// runStoreSuite exercises the Store contract. Each subtest gets a fresh store.
func runStoreSuite(t *testing.T, open openFunc) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s persistence.Store)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"IdempotencyKeyDedup", testIdempotencyKeyDedup},
		{"ClaimNextOrdering", testClaimNextOrdering},
		{"ClaimNextSkipsFutureTasks", testClaimNextSkipsFuture},
		{"ClaimSpecificSingleWinner", testClaimSpecificSingleWinner},
		{"ConcurrentClaimsNeverDuplicate", testConcurrentClaims},
		{"SuccessLifecycle", testSuccessLifecycle},
		{"RequeueAndFail", testRequeueAndFail},
		{"AbortKeepsRetryBudget", testAbortKeepsRetryBudget},
		{"CancelRules", testCancelRules},
		{"ManualRetry", testManualRetry},
		{"RequeueStale", testRequeueStale},
		{"ListTasksScopingAndPaging", testListTasks},
		{"AgentRegistry", testAgentRegistry},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tc.fn(t, open(t))
		})
	}
}

func mustCreate(t *testing.T, s persistence.Store, nt persistence.NewTask) *persistence.Task {
	t.Helper()
	task, created, err := s.CreateTask(context.Background(), nt)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	if !created {
		t.Fatalf("expected task to be created")
	}
	return task
}

func newTask(tenant string, priority int, createdAt time.Time) persistence.NewTask {
	return persistence.NewTask{
		TenantID:   tenant,
		OwnerID:    "user-1",
		AgentType:  "guardian",
		Priority:   priority,
		Input:      map[string]any{"k": "v"},
		MaxRetries: 3,
		CreatedAt:  createdAt,
	}
}

func claimAndRun(t *testing.T, s persistence.Store, id string, now time.Time) *persistence.Task {
	t.Helper()
	ctx := context.Background()
	claimed, err := s.ClaimSpecific(ctx, id, now)
	if err != nil || claimed == nil {
		t.Fatalf("claim %s: task=%v err=%v", id, claimed, err)
	}
	running, err := s.MarkRunning(ctx, id, now)
	if err != nil {
		t.Fatalf("mark running: %v", err)
	}
	return running
}

func testCreateAndGet(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	created := mustCreate(t, s, newTask("T1", 42, base))

	if created.Status != persistence.TaskStatusPending {
		t.Fatalf("expected pending, got %s", created.Status)
	}
	if created.Priority != 10 {
		t.Fatalf("expected priority clamped to 10, got %d", created.Priority)
	}
	if !created.ScheduledAt.Equal(base) {
		t.Fatalf("expected scheduled_at=created_at, got %s", created.ScheduledAt)
	}
	if created.ClaimedAt != nil || created.StartedAt != nil || created.FinishedAt != nil {
		t.Fatalf("expected lifecycle timestamps unset: %+v", created)
	}

	got, err := s.GetTask(ctx, "T1", created.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Input["k"] != "v" || got.OwnerID != "user-1" || got.MaxRetries != 3 {
		t.Fatalf("unexpected round trip: %+v", got)
	}
	if _, err := s.GetTask(ctx, "T2", created.ID); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected cross-tenant read to be not found, got %v", err)
	}
	if _, err := s.GetTask(ctx, "", created.ID); err != nil {
		t.Fatalf("expected trusted read to succeed, got %v", err)
	}
	if _, err := s.GetTask(ctx, "T1", "missing"); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}

func testIdempotencyKeyDedup(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	nt := newTask("T1", 8, base)
	nt.IdempotencyKey = "sched:guardian:2024-03-01:T1"

	first, created, err := s.CreateTask(ctx, nt)
	if err != nil || !created {
		t.Fatalf("first create: created=%v err=%v", created, err)
	}
	nt.CreatedAt = base.Add(time.Minute)
	second, created, err := s.CreateTask(ctx, nt)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created {
		t.Fatal("expected duplicate key to be a no-op")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing task %s, got %s", first.ID, second.ID)
	}
	_, total, err := s.ListTasks(ctx, persistence.TaskFilter{TenantID: "T1"})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 1 {
		t.Fatalf("expected exactly one row, got %d", total)
	}

	// Tasks without a key never collide.
	mustCreate(t, s, newTask("T1", 5, base))
	mustCreate(t, s, newTask("T1", 5, base))
}

func testClaimNextOrdering(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	low := mustCreate(t, s, newTask("T1", 8, base))
	urgentLate := mustCreate(t, s, newTask("T1", 1, base.Add(2*time.Second)))
	urgentEarly := mustCreate(t, s, newTask("T2", 1, base.Add(time.Second)))
	mid := mustCreate(t, s, newTask("T1", 5, base))

	now := base.Add(time.Minute)
	want := []string{urgentEarly.ID, urgentLate.ID, mid.ID, low.ID}
	for i, id := range want {
		got, err := s.ClaimNext(ctx, now)
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		if got == nil || got.ID != id {
			t.Fatalf("claim %d: expected %s, got %+v", i, id, got)
		}
		if got.Status != persistence.TaskStatusClaimed || got.ClaimedAt == nil || got.StartedAt == nil {
			t.Fatalf("claim %d: expected claimed with timestamps, got %+v", i, got)
		}
	}
	none, err := s.ClaimNext(ctx, now)
	if err != nil || none != nil {
		t.Fatalf("expected empty queue, got %+v err=%v", none, err)
	}
}

func testClaimNextSkipsFuture(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	nt := newTask("T1", 1, base)
	nt.ScheduledAt = base.Add(time.Hour)
	future := mustCreate(t, s, nt)

	got, err := s.ClaimNext(ctx, base.Add(time.Minute))
	if err != nil || got != nil {
		t.Fatalf("expected no eligible task, got %+v err=%v", got, err)
	}
	if got, _ := s.ClaimSpecific(ctx, future.ID, base.Add(time.Minute)); got != nil {
		t.Fatal("expected claim specific to honour scheduled_at")
	}
	got, err = s.ClaimNext(ctx, base.Add(time.Hour))
	if err != nil || got == nil || got.ID != future.ID {
		t.Fatalf("expected task eligible at scheduled_at, got %+v err=%v", got, err)
	}
}

func testClaimSpecificSingleWinner(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	task := mustCreate(t, s, newTask("T1", 5, base))

	first, err := s.ClaimSpecific(ctx, task.ID, base)
	if err != nil || first == nil {
		t.Fatalf("first claim: %+v %v", first, err)
	}
	second, err := s.ClaimSpecific(ctx, task.ID, base)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if second != nil {
		t.Fatal("expected losing claimant to observe no task")
	}
	if missing, err := s.ClaimSpecific(ctx, "nope", base); err != nil || missing != nil {
		t.Fatalf("expected nil for unknown id, got %+v %v", missing, err)
	}
}

func testConcurrentClaims(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	const tasks = 20
	const workers = 8
	for i := 0; i < tasks; i++ {
		mustCreate(t, s, newTask(fmt.Sprintf("T%d", i%3), 1+i%10, base))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				task, err := s.ClaimNext(ctx, base.Add(time.Minute))
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if len(seen) != tasks {
		t.Fatalf("expected %d distinct claims, got %d", tasks, len(seen))
	}
	for id, n := range seen {
		if n != 1 {
			t.Fatalf("task %s claimed %d times", id, n)
		}
	}
}

func testSuccessLifecycle(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	task := mustCreate(t, s, newTask("T1", 5, base))
	claimAndRun(t, s, task.ID, base)

	done, err := s.CompleteTask(ctx, task.ID, map[string]any{"rows": float64(3)}, base.Add(time.Second))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != persistence.TaskStatusSucceeded || done.Output["rows"] != float64(3) {
		t.Fatalf("unexpected completed task %+v", done)
	}
	if done.FinishedAt == nil || !done.FinishedAt.Equal(base.Add(time.Second)) {
		t.Fatalf("expected finished_at set, got %v", done.FinishedAt)
	}
	if done.ErrorCode != "" || done.ErrorMessage != "" {
		t.Fatalf("expected no error fields on success, got %q %q", done.ErrorCode, done.ErrorMessage)
	}
	if _, err := s.CompleteTask(ctx, task.ID, nil, base); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected second completion to be rejected, got %v", err)
	}
	if _, err := s.MarkRunning(ctx, task.ID, base); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected mark running on terminal task to be rejected, got %v", err)
	}
}

func testRequeueAndFail(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	task := mustCreate(t, s, newTask("T1", 5, base))
	claimAndRun(t, s, task.ID, base)

	if _, err := s.RequeueTask(ctx, task.ID, 7, base, base); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected stale retry count to be rejected, got %v", err)
	}
	retryAt := base.Add(10 * time.Second)
	requeued, err := s.RequeueTask(ctx, task.ID, 0, retryAt, base.Add(time.Second))
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if requeued.Status != persistence.TaskStatusPending || requeued.RetryCount != 1 {
		t.Fatalf("unexpected requeued task %+v", requeued)
	}
	if requeued.ClaimedAt != nil || requeued.StartedAt != nil {
		t.Fatalf("expected claim timestamps cleared, got %+v", requeued)
	}
	if !requeued.ScheduledAt.Equal(retryAt) {
		t.Fatalf("expected scheduled_at=%s, got %s", retryAt, requeued.ScheduledAt)
	}

	claimAndRun(t, s, task.ID, retryAt)
	failed, err := s.FailTask(ctx, task.ID, "HTTP_500", "upstream error", retryAt.Add(time.Second))
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.Status != persistence.TaskStatusFailed || failed.ErrorCode != "HTTP_500" || failed.FinishedAt == nil {
		t.Fatalf("unexpected failed task %+v", failed)
	}
	if failed.RetryCount != 1 {
		t.Fatalf("expected retry_count preserved on fail, got %d", failed.RetryCount)
	}
}

func testAbortKeepsRetryBudget(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	task := mustCreate(t, s, newTask("T1", 5, base))
	claimAndRun(t, s, task.ID, base)

	aborted, err := s.AbortTask(ctx, task.ID, base.Add(time.Second))
	if err != nil {
		t.Fatalf("abort: %v", err)
	}
	if aborted.Status != persistence.TaskStatusPending || aborted.RetryCount != 0 {
		t.Fatalf("expected pending with retry_count 0, got %s/%d", aborted.Status, aborted.RetryCount)
	}
	if aborted.ClaimedAt != nil || aborted.StartedAt != nil || aborted.ErrorCode != "" {
		t.Fatalf("expected claim cleared and no error, got %+v", aborted)
	}
	if !aborted.ScheduledAt.Equal(task.ScheduledAt) {
		t.Fatalf("expected eligibility unchanged, got %s", aborted.ScheduledAt)
	}
	if _, err := s.AbortTask(ctx, task.ID, base); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected abort of pending task to be rejected, got %v", err)
	}
	if again, err := s.ClaimNext(ctx, base.Add(time.Second)); err != nil || again == nil || again.ID != task.ID {
		t.Fatalf("expected aborted task to be claimable, got %+v %v", again, err)
	}
}

func testCancelRules(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	pending := mustCreate(t, s, newTask("T1", 5, base))
	cancelled, err := s.CancelTask(ctx, "T1", pending.ID, base)
	if err != nil {
		t.Fatalf("cancel pending: %v", err)
	}
	if cancelled.Status != persistence.TaskStatusCancelled || cancelled.FinishedAt == nil {
		t.Fatalf("unexpected cancelled task %+v", cancelled)
	}
	if _, err := s.CancelTask(ctx, "T1", pending.ID, base.Add(time.Minute)); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected double cancel to be rejected, got %v", err)
	}
	if again, _ := s.GetTask(ctx, "T1", pending.ID); !again.UpdatedAt.Equal(cancelled.UpdatedAt) || !again.FinishedAt.Equal(*cancelled.FinishedAt) {
		t.Fatalf("expected cancelled row untouched, got %+v", again)
	}

	done := mustCreate(t, s, newTask("T1", 5, base))
	claimAndRun(t, s, done.ID, base)
	succeeded, err := s.CompleteTask(ctx, done.ID, nil, base.Add(time.Second))
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if _, err := s.CancelTask(ctx, "T1", done.ID, base.Add(time.Minute)); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected succeeded cancel to be rejected, got %v", err)
	}
	if again, _ := s.GetTask(ctx, "T1", done.ID); again.Status != persistence.TaskStatusSucceeded ||
		!again.UpdatedAt.Equal(succeeded.UpdatedAt) || !again.FinishedAt.Equal(*succeeded.FinishedAt) {
		t.Fatalf("expected succeeded row untouched, got %+v", again)
	}

	claimed := mustCreate(t, s, newTask("T1", 5, base))
	if c, _ := s.ClaimSpecific(ctx, claimed.ID, base); c == nil {
		t.Fatal("claim failed")
	}
	if _, err := s.CancelTask(ctx, "T1", claimed.ID, base); err != nil {
		t.Fatalf("cancel claimed: %v", err)
	}
	if _, err := s.MarkRunning(ctx, claimed.ID, base); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected cancelled task to refuse running, got %v", err)
	}

	running := mustCreate(t, s, newTask("T1", 5, base))
	claimAndRun(t, s, running.ID, base)
	if _, err := s.CancelTask(ctx, "T1", running.ID, base); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected running cancel to be rejected, got %v", err)
	}
	still, _ := s.GetTask(ctx, "T1", running.ID)
	if still.Status != persistence.TaskStatusRunning {
		t.Fatalf("expected row untouched, got %s", still.Status)
	}

	other := mustCreate(t, s, newTask("T2", 5, base))
	if _, err := s.CancelTask(ctx, "T1", other.ID, base); !errors.Is(err, persistence.ErrTaskNotFound) {
		t.Fatalf("expected cross-tenant cancel to be not found, got %v", err)
	}
}

func testManualRetry(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	task := mustCreate(t, s, newTask("T1", 5, base))
	if _, err := s.RetryFailedTask(ctx, "T1", task.ID, base); !errors.Is(err, persistence.ErrInvalidTransition) {
		t.Fatalf("expected retry of pending task to be rejected, got %v", err)
	}
	claimAndRun(t, s, task.ID, base)
	if _, err := s.RequeueTask(ctx, task.ID, 0, base, base); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	claimAndRun(t, s, task.ID, base)
	if _, err := s.FailTask(ctx, task.ID, "TIMEOUT", "deadline", base); err != nil {
		t.Fatalf("fail: %v", err)
	}

	later := base.Add(time.Hour)
	retried, err := s.RetryFailedTask(ctx, "T1", task.ID, later)
	if err != nil {
		t.Fatalf("retry: %v", err)
	}
	if retried.Status != persistence.TaskStatusPending || retried.RetryCount != 1 {
		t.Fatalf("expected pending with retry_count kept, got %+v", retried)
	}
	if retried.ErrorCode != "" || retried.ErrorMessage != "" {
		t.Fatalf("expected error fields cleared, got %+v", retried)
	}
	if retried.ClaimedAt != nil || retried.StartedAt != nil || retried.FinishedAt != nil {
		t.Fatalf("expected lifecycle timestamps reset, got %+v", retried)
	}
	if !retried.ScheduledAt.Equal(later) {
		t.Fatalf("expected fresh scheduled_at, got %s", retried.ScheduledAt)
	}
}

func testRequeueStale(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	withBudget := mustCreate(t, s, newTask("T1", 5, base))
	claimAndRun(t, s, withBudget.ID, base)

	nt := newTask("T1", 5, base)
	nt.MaxRetries = 0
	exhausted := mustCreate(t, s, nt)
	if c, _ := s.ClaimSpecific(ctx, exhausted.ID, base); c == nil {
		t.Fatal("claim failed")
	}

	fresh := mustCreate(t, s, newTask("T1", 5, base))
	claimAndRun(t, s, fresh.ID, base.Add(30*time.Minute))

	requeued, failed, err := s.RequeueStale(ctx, base.Add(10*time.Minute), base.Add(40*time.Minute))
	if err != nil {
		t.Fatalf("requeue stale: %v", err)
	}
	if requeued != 1 || failed != 1 {
		t.Fatalf("expected 1 requeued and 1 failed, got %d/%d", requeued, failed)
	}

	got, _ := s.GetTask(ctx, "", withBudget.ID)
	if got.Status != persistence.TaskStatusPending || got.RetryCount != 1 || got.ClaimedAt != nil {
		t.Fatalf("unexpected requeued stale task %+v", got)
	}
	got, _ = s.GetTask(ctx, "", exhausted.ID)
	if got.Status != persistence.TaskStatusFailed || got.ErrorCode != persistence.ErrorCodeStale {
		t.Fatalf("unexpected failed stale task %+v", got)
	}
	got, _ = s.GetTask(ctx, "", fresh.ID)
	if got.Status != persistence.TaskStatusRunning {
		t.Fatalf("expected recent claim untouched, got %s", got.Status)
	}
}

func testListTasks(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		mustCreate(t, s, newTask("T1", 5, base.Add(time.Duration(i)*time.Second)))
	}
	nt := newTask("T1", 5, base)
	nt.AgentType = "bookkeeper"
	mustCreate(t, s, nt)
	mustCreate(t, s, newTask("T2", 5, base))

	page, total, err := s.ListTasks(ctx, persistence.TaskFilter{TenantID: "T1", AgentType: "guardian", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if total != 5 || len(page) != 2 {
		t.Fatalf("expected 2 of 5, got %d of %d", len(page), total)
	}
	if !page[0].CreatedAt.After(page[1].CreatedAt) {
		t.Fatalf("expected newest first: %s then %s", page[0].CreatedAt, page[1].CreatedAt)
	}
	rest, _, err := s.ListTasks(ctx, persistence.TaskFilter{TenantID: "T1", AgentType: "guardian", Limit: 10, Offset: 4})
	if err != nil || len(rest) != 1 {
		t.Fatalf("expected 1 row at offset 4, got %d err=%v", len(rest), err)
	}

	all, total, err := s.ListTasks(ctx, persistence.TaskFilter{TenantID: "T1"})
	if err != nil || total != 6 || len(all) != 6 {
		t.Fatalf("expected 6 tenant rows, got %d/%d err=%v", len(all), total, err)
	}
	for _, task := range all {
		if task.TenantID != "T1" {
			t.Fatalf("tenant scoping leaked %s", task.TenantID)
		}
	}

	_, total, err = s.ListTasks(ctx, persistence.TaskFilter{Status: persistence.TaskStatusSucceeded})
	if err != nil || total != 0 {
		t.Fatalf("expected no succeeded tasks, got %d err=%v", total, err)
	}
}

func testAgentRegistry(t *testing.T, s persistence.Store) {
	ctx := context.Background()
	seed := []persistence.AgentEntry{
		{AgentType: "guardian", Enabled: true, Schedule: "@daily"},
		{AgentType: "invoice_processor", Enabled: true},
	}
	if err := s.SeedAgents(ctx, seed, base); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if _, err := s.SetAgentEnabled(ctx, "guardian", false, base.Add(time.Second)); err != nil {
		t.Fatalf("disable: %v", err)
	}
	// Re-seeding must not overwrite runtime state.
	if err := s.SeedAgents(ctx, seed, base.Add(time.Minute)); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	g, err := s.GetAgent(ctx, "guardian")
	if err != nil {
		t.Fatalf("get agent: %v", err)
	}
	if g.Enabled || g.Schedule != "@daily" {
		t.Fatalf("unexpected guardian entry %+v", g)
	}

	if err := s.TouchAgentRun(ctx, "invoice_processor", base.Add(time.Hour)); err != nil {
		t.Fatalf("touch: %v", err)
	}
	list, err := s.ListAgents(ctx)
	if err != nil || len(list) != 2 {
		t.Fatalf("expected 2 agents, got %d err=%v", len(list), err)
	}
	if list[0].AgentType != "guardian" || list[1].LastRunAt == nil || !list[1].LastRunAt.Equal(base.Add(time.Hour)) {
		t.Fatalf("unexpected agent list %+v", list)
	}

	if _, err := s.GetAgent(ctx, "payroll"); !errors.Is(err, persistence.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound, got %v", err)
	}
	if _, err := s.SetAgentEnabled(ctx, "payroll", true, base); !errors.Is(err, persistence.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound on toggle, got %v", err)
	}
	if err := s.TouchAgentRun(ctx, "payroll", base); !errors.Is(err, persistence.ErrAgentNotFound) {
		t.Fatalf("expected ErrAgentNotFound on touch, got %v", err)
	}
}
