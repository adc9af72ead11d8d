package audit

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/britta/orchestrator/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("unmarshal audit entry: %v", err)
		}
		out = append(out, m)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	log.Record(ctx, Event{Action: ActionDispatched, TaskID: "t1", TenantID: "T1", OwnerID: "u1", AgentType: "guardian"})
	log.Record(ctx, Event{Action: ActionFailed, TaskID: "t1", TenantID: "T1", Detail: "HTTP_500"})

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected two audit entries, got %d", len(entries))
	}
	first := entries[0]
	if first["action"] != "dispatched" || first["task_id"] != "t1" || first["agent_type"] != "guardian" {
		t.Fatalf("unexpected first entry: %#v", first)
	}
	if first["trace_id"] != "trace-1" {
		t.Fatalf("expected trace id propagation, got %#v", first["trace_id"])
	}
	if entries[1]["detail"] != "HTTP_500" {
		t.Fatalf("expected detail on failure entry, got %#v", entries[1])
	}
}

func TestRecordRedactsDetail(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	t.Cleanup(func() { _ = log.Close() })

	log.Record(context.Background(), Event{Action: ActionFailed, Detail: "upstream said Bearer abcdefghijklmnopqrstuvwxyz"})
	entries := readEntries(t, home)
	if d, _ := entries[0]["detail"].(string); strings.Contains(d, "abcdefghijklmnopqrstuvwxyz") {
		t.Fatalf("expected bearer token redacted, got %q", d)
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	log.Record(context.Background(), Event{Action: ActionCancelled, TaskID: "a"})
	_ = log.Close()

	reopened, err := Open(home, nil)
	if err != nil {
		t.Fatalf("reopen audit: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	reopened.Record(context.Background(), Event{Action: ActionRetried, TaskID: "a"})

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("expected reopen to append, got %d entries", len(entries))
	}
	if entries[0]["action"] != "cancelled" || entries[1]["action"] != "retried" {
		t.Fatalf("unexpected order: %#v", entries)
	}
}

func TestRecordAfterCloseIsNoop(t *testing.T) {
	home := t.TempDir()
	log, err := Open(home, nil)
	if err != nil {
		t.Fatalf("open audit: %v", err)
	}
	_ = log.Close()
	log.Record(context.Background(), Event{Action: ActionSucceeded})

	var nilLog *Log
	nilLog.Record(context.Background(), Event{Action: ActionSucceeded})
	if err := nilLog.Close(); err != nil {
		t.Fatalf("nil close: %v", err)
	}
}
