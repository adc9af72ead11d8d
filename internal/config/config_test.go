package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/britta/orchestrator/internal/config"
)

func writeConfig(t *testing.T, home, body string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_FromOrchHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "orch")
	writeConfig(t, home, `
log_level: debug
handler:
  timeout_seconds: 30
retry:
  max_retries: 5
agents:
  - type: guardian
    schedule: "@hourly"
  - type: vat_reporter
    enabled: false
    endpoint: http://vat.internal/run
`)
	t.Setenv("ORCH_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Missing {
		t.Fatal("expected config file to be found")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug, got %q", cfg.LogLevel)
	}
	if cfg.HandlerTimeout() != 30*time.Second {
		t.Fatalf("expected 30s handler timeout, got %s", cfg.HandlerTimeout())
	}
	if cfg.Retry.MaxRetries != 5 {
		t.Fatalf("expected max_retries=5, got %d", cfg.Retry.MaxRetries)
	}
	if len(cfg.Agents) != 2 {
		t.Fatalf("expected yaml agents to replace defaults, got %d", len(cfg.Agents))
	}
	if !cfg.Agents[0].IsEnabled() {
		t.Fatal("expected omitted enabled to default to true")
	}
	if cfg.Agents[1].IsEnabled() {
		t.Fatal("expected vat_reporter disabled")
	}
	if got := cfg.AgentEndpoint("vat_reporter"); got != "http://vat.internal/run" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if cfg.Store.SQLitePath != filepath.Join(home, "orchestrator.db") {
		t.Fatalf("unexpected sqlite path %q", cfg.Store.SQLitePath)
	}
}

func TestLoad_DefaultsWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "fresh")
	t.Setenv("ORCH_HOME", home)
	t.Setenv("DATABASE_URL", "")
	t.Setenv("ORCH_STORE_DRIVER", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.Missing {
		t.Fatal("expected Missing=true without config.yaml")
	}
	if cfg.Store.Driver != "sqlite" {
		t.Fatalf("expected sqlite default, got %q", cfg.Store.Driver)
	}
	if cfg.Handler.TimeoutSeconds != 60 {
		t.Fatalf("expected 60s default timeout, got %d", cfg.Handler.TimeoutSeconds)
	}
	if cfg.Retry.MaxRetries != 3 {
		t.Fatalf("expected 3 default retries, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.Scheduler.Priority != 8 {
		t.Fatalf("expected scheduled priority 8, got %d", cfg.Scheduler.Priority)
	}
	if len(cfg.Agents) != 5 {
		t.Fatalf("expected full agent catalog seeded, got %d", len(cfg.Agents))
	}
	if _, err := os.Stat(home); err != nil {
		t.Fatalf("expected home dir created: %v", err)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), "orch")
	writeConfig(t, home, "bind_addr: 0.0.0.0:9000\n")
	t.Setenv("ORCH_HOME", home)
	t.Setenv("ORCH_BIND_ADDR", "127.0.0.1:7000")
	t.Setenv("DATABASE_URL", "postgres://orch:pw@localhost:5432/orch")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("ORCH_ADMIN_KEY", "admin-secret")
	t.Setenv("ORCH_WORKER_COUNT", "4")
	t.Setenv("ORCH_HANDLER_TIMEOUT_SECONDS", "15")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:7000" {
		t.Fatalf("expected env bind addr, got %q", cfg.BindAddr)
	}
	if cfg.Store.Driver != "postgres" {
		t.Fatalf("expected DATABASE_URL to select postgres, got %q", cfg.Store.Driver)
	}
	if cfg.Redis.URL != "redis://localhost:6379/0" {
		t.Fatalf("unexpected redis url %q", cfg.Redis.URL)
	}
	if cfg.Auth.AdminKey != "admin-secret" {
		t.Fatalf("unexpected admin key %q", cfg.Auth.AdminKey)
	}
	if cfg.Worker.Count != 4 {
		t.Fatalf("expected 4 workers, got %d", cfg.Worker.Count)
	}
	if cfg.Handler.TimeoutSeconds != 15 {
		t.Fatalf("expected 15s timeout, got %d", cfg.Handler.TimeoutSeconds)
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	home := filepath.Join(t.TempDir(), "orch")
	writeConfig(t, home, `
store:
  driver: mysql
agents:
  - type: guardian
  - type: guardian
auth:
  admin_key: same
  keys:
    - key: same
      tenant_id: T1
`)
	t.Setenv("ORCH_HOME", home)

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected validation error")
	}
	msg := err.Error()
	for _, want := range []string{"unknown store.driver", "duplicate type", "must differ from admin_key"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("expected %q in error, got %q", want, msg)
		}
	}
}

func TestLoad_NormalizesOutOfRangeValues(t *testing.T) {
	home := filepath.Join(t.TempDir(), "orch")
	writeConfig(t, home, `
retry:
  max_retries: -2
  backoff_base_seconds: 10
  backoff_max_seconds: 1
scheduler:
  priority: 42
`)
	t.Setenv("ORCH_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Retry.MaxRetries != 0 {
		t.Fatalf("expected negative retries clamped to 0, got %d", cfg.Retry.MaxRetries)
	}
	if cfg.BackoffMax() != 10*time.Second {
		t.Fatalf("expected max backoff raised to base, got %s", cfg.BackoffMax())
	}
	if cfg.Scheduler.Priority != 8 {
		t.Fatalf("expected out-of-range priority reset to 8, got %d", cfg.Scheduler.Priority)
	}
}

func TestAgentEndpoint_FallsBackToBaseURL(t *testing.T) {
	cfg := config.Config{Handler: config.HandlerConfig{BaseURL: "http://agents.internal/"}}
	if got := cfg.AgentEndpoint("bookkeeper"); got != "http://agents.internal/agents/bookkeeper" {
		t.Fatalf("unexpected endpoint %q", got)
	}
	if got := (config.Config{}).AgentEndpoint("bookkeeper"); got != "" {
		t.Fatalf("expected no endpoint without base url, got %q", got)
	}
}

func TestFingerprint_StableAndSensitive(t *testing.T) {
	a := config.Config{BindAddr: "x", Worker: config.WorkerConfig{Count: 1}}
	b := a
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("expected identical configs to share a fingerprint")
	}
	b.Worker.Count = 2
	if a.Fingerprint() == b.Fingerprint() {
		t.Fatal("expected worker count to change the fingerprint")
	}
	c := a
	c.Auth.AdminKey = "secret"
	if a.Fingerprint() != c.Fingerprint() {
		t.Fatal("expected secrets to be excluded from the fingerprint")
	}
}

func TestLoad_StaleAfterExceedsHandlerTimeout(t *testing.T) {
	home := filepath.Join(t.TempDir(), "orch")
	writeConfig(t, home, `
handler:
  timeout_seconds: 900
worker:
  stale_after_seconds: 300
rate_limit:
  enabled: true
`)
	t.Setenv("ORCH_HOME", home)
	t.Setenv("ORCH_HANDLER_TIMEOUT_SECONDS", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.StaleAfter() != 1800*time.Second {
		t.Fatalf("expected stale_after raised to twice the handler timeout, got %s", cfg.StaleAfter())
	}
	if !cfg.RateLimit.Enabled || cfg.RateLimit.RequestsPerMinute != 120 || cfg.RateLimit.BurstSize != 20 {
		t.Fatalf("expected rate limit defaults filled in, got %+v", cfg.RateLimit)
	}
}
