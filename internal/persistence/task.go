package persistence

import (
	"context"
	"errors"
	"time"
)

type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusClaimed   TaskStatus = "claimed"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusSucceeded TaskStatus = "succeeded"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// Terminal reports whether no further transition is possible without a manual retry.
func (s TaskStatus) Terminal() bool {
	switch s {
	case TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return true
	}
	return false
}

func ParseTaskStatus(s string) (TaskStatus, bool) {
	switch st := TaskStatus(s); st {
	case TaskStatusPending, TaskStatusClaimed, TaskStatusRunning,
		TaskStatusSucceeded, TaskStatusFailed, TaskStatusCancelled:
		return st, true
	}
	return "", false
}

// ErrorCodeStale marks tasks failed by stale-claim recovery.
const ErrorCodeStale = "STALE"

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrAgentNotFound     = errors.New("agent not found")
	ErrInvalidTransition = errors.New("invalid task state transition")
	// ErrUnavailable means the store could not be reached or stayed busy.
	// The operation must be treated as not applied.
	ErrUnavailable = errors.New("task store unavailable")
)

type Task struct {
	ID             string         `json:"id"`
	TenantID       string         `json:"tenant_id"`
	OwnerID        string         `json:"owner_id"`
	AgentType      string         `json:"agent_type"`
	Status         TaskStatus     `json:"status"`
	Priority       int            `json:"priority"`
	Input          map[string]any `json:"input_payload"`
	Output         map[string]any `json:"output_payload,omitempty"`
	ErrorCode      string         `json:"error_code,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	RetryCount     int            `json:"retry_count"`
	MaxRetries     int            `json:"max_retries"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	FinishedAt     *time.Time     `json:"finished_at,omitempty"`
	ParentTaskID   string         `json:"parent_task_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// NewTask is the insert shape. Empty ID is generated; zero CreatedAt and
// ScheduledAt default to now.
type NewTask struct {
	ID             string
	TenantID       string
	OwnerID        string
	AgentType      string
	Priority       int
	Input          map[string]any
	MaxRetries     int
	ScheduledAt    time.Time
	ParentTaskID   string
	IdempotencyKey string
	CreatedAt      time.Time
}

type TaskFilter struct {
	// TenantID scopes the listing. Empty lists every tenant (trusted callers only).
	TenantID  string
	AgentType string
	Status    TaskStatus
	Limit     int
	Offset    int
}

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
)

func (f TaskFilter) normalized() TaskFilter {
	if f.Limit <= 0 {
		f.Limit = DefaultListLimit
	}
	if f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	return f
}

// AgentEntry is one agent registry row.
type AgentEntry struct {
	AgentType string     `json:"agent_type"`
	Enabled   bool       `json:"enabled"`
	Schedule  string     `json:"schedule,omitempty"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Store is the durable task queue and agent registry. Every state change is
// a single conditional update keyed on the expected current status.
type Store interface {
	// CreateTask inserts a pending task. When IdempotencyKey matches an
	// existing row nothing is written and the existing task is returned
	// with created=false.
	CreateTask(ctx context.Context, nt NewTask) (task *Task, created bool, err error)
	GetTask(ctx context.Context, tenantID, id string) (*Task, error)
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error)

	// ClaimNext atomically moves the best eligible pending task to claimed.
	// It returns nil, nil when nothing is eligible.
	ClaimNext(ctx context.Context, now time.Time) (*Task, error)
	// ClaimSpecific claims one task by id. It returns nil, nil when the task
	// is not pending, not yet eligible, or another claimant won.
	ClaimSpecific(ctx context.Context, id string, now time.Time) (*Task, error)

	MarkRunning(ctx context.Context, id string, now time.Time) (*Task, error)
	CompleteTask(ctx context.Context, id string, output map[string]any, now time.Time) (*Task, error)
	RequeueTask(ctx context.Context, id string, expectedRetryCount int, scheduledAt, now time.Time) (*Task, error)
	FailTask(ctx context.Context, id, code, message string, now time.Time) (*Task, error)
	// AbortTask returns a running task to pending without spending retry
	// budget. The executor uses it when its caller went away mid-run.
	AbortTask(ctx context.Context, id string, now time.Time) (*Task, error)
	CancelTask(ctx context.Context, tenantID, id string, now time.Time) (*Task, error)
	RetryFailedTask(ctx context.Context, tenantID, id string, now time.Time) (*Task, error)
	// RequeueStale recovers tasks left claimed or running since before cutoff.
	RequeueStale(ctx context.Context, cutoff, now time.Time) (requeued, failed int, err error)

	SeedAgents(ctx context.Context, entries []AgentEntry, now time.Time) error
	GetAgent(ctx context.Context, agentType string) (*AgentEntry, error)
	ListAgents(ctx context.Context) ([]AgentEntry, error)
	SetAgentEnabled(ctx context.Context, agentType string, enabled bool, now time.Time) (*AgentEntry, error)
	TouchAgentRun(ctx context.Context, agentType string, now time.Time) error

	Ping(ctx context.Context) error
	Close() error
}

func clampPriority(p int) int {
	if p < 1 {
		return 1
	}
	if p > 10 {
		return 10
	}
	return p
}
