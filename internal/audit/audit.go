// Package audit appends task lifecycle events to <home>/logs/audit.jsonl.
// Recording is fire-and-forget: a failed write is logged, never returned.
package audit

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/britta/orchestrator/internal/shared"
)

type Action string

const (
	ActionDispatched   Action = "dispatched"
	ActionSucceeded    Action = "succeeded"
	ActionFailed       Action = "failed"
	ActionRequeued     Action = "requeued"
	ActionAborted      Action = "aborted"
	ActionCancelled    Action = "cancelled"
	ActionRetried      Action = "retried"
	ActionAgentToggled Action = "agent_toggled"
)

// Event is one audit record. Detail values are redacted before write.
type Event struct {
	Action    Action
	TaskID    string
	TenantID  string
	OwnerID   string
	AgentType string
	Detail    string
}

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id"`
	Action    string `json:"action"`
	TaskID    string `json:"task_id,omitempty"`
	TenantID  string `json:"tenant_id,omitempty"`
	OwnerID   string `json:"owner_id,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// Recorder is what the orchestrator depends on.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

type Log struct {
	mu     sync.Mutex
	file   *os.File
	logger *slog.Logger
	now    func() time.Time
}

func Open(homeDir string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: f, logger: logger, now: time.Now}, nil
}

func (l *Log) Record(ctx context.Context, ev Event) {
	if l == nil {
		return
	}
	e := entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		TraceID:   shared.TraceID(ctx),
		Action:    string(ev.Action),
		TaskID:    ev.TaskID,
		TenantID:  ev.TenantID,
		OwnerID:   ev.OwnerID,
		AgentType: ev.AgentType,
		Detail:    shared.Redact(ev.Detail),
	}
	b, err := json.Marshal(e)
	if err != nil {
		l.logger.Warn("audit marshal failed", "action", ev.Action, "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := l.file.Write(append(b, '\n')); err != nil {
		l.logger.Warn("audit write failed", "action", ev.Action, "task_id", ev.TaskID, "error", err)
	}
}

func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
