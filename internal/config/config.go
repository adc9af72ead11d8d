package config

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type StoreConfig struct {
	// Driver selects the task store backend: "sqlite" or "postgres".
	Driver      string `yaml:"driver"`
	SQLitePath  string `yaml:"sqlite_path"`
	PostgresDSN string `yaml:"postgres_dsn"`
	MaxConns    int32  `yaml:"max_conns"`
}

type RedisConfig struct {
	// URL is a redis:// URL. Empty disables tick stats.
	URL string `yaml:"url"`
}

// APIKeyEntry binds a tenant credential to the tenant it acts for.
type APIKeyEntry struct {
	Key      string `yaml:"key"`
	TenantID string `yaml:"tenant_id"`
	OwnerID  string `yaml:"owner_id"`
}

type AuthConfig struct {
	AdminKey string        `yaml:"admin_key"`
	Keys     []APIKeyEntry `yaml:"keys"`
}

// AgentEntry seeds one registry row on startup and points at its handler.
type AgentEntry struct {
	Type     string `yaml:"type"`
	Enabled  *bool  `yaml:"enabled,omitempty"`
	Schedule string `yaml:"schedule"`
	Endpoint string `yaml:"endpoint"`
}

// IsEnabled defaults to true when the yaml omits the field.
func (a AgentEntry) IsEnabled() bool {
	return a.Enabled == nil || *a.Enabled
}

type HandlerConfig struct {
	// BaseURL is joined with "/agents/<type>" for agents without an explicit endpoint.
	BaseURL        string `yaml:"base_url"`
	Token          string `yaml:"token"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

type RetryConfig struct {
	MaxRetries         int `yaml:"max_retries"`
	BackoffBaseSeconds int `yaml:"backoff_base_seconds"`
	BackoffMaxSeconds  int `yaml:"backoff_max_seconds"`
}

type SchedulerConfig struct {
	Enabled         bool `yaml:"enabled"`
	IntervalSeconds int  `yaml:"interval_seconds"`
	Priority        int  `yaml:"priority"`
	Concurrency     int  `yaml:"concurrency"`
}

type WorkerConfig struct {
	Count              int `yaml:"count"`
	PollIntervalMillis int `yaml:"poll_interval_ms"`
	StaleAfterSeconds  int `yaml:"stale_after_seconds"`
}

type TenantsConfig struct {
	Static   []string `yaml:"static"`
	URL      string   `yaml:"url"`
	Token    string   `yaml:"token"`
	PageSize int      `yaml:"page_size"`
}

// RateLimitConfig throttles the tenant task API per tenant.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute"`
	BurstSize         int  `yaml:"burst_size"`
}

type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Agents    []AgentEntry    `yaml:"agents"`
	Handler   HandlerConfig   `yaml:"handler"`
	Retry     RetryConfig     `yaml:"retry"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Worker    WorkerConfig    `yaml:"worker"`
	Tenants   TenantsConfig   `yaml:"tenants"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// Missing is set when no config.yaml existed and defaults were used.
	Missing bool `yaml:"-"`
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint summarises the settings that change runtime behaviour. Secrets are excluded.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|store=%s|timeout=%d|retries=%d|backoff=%d/%d|sched=%t/%d/%d|workers=%d|agents=%d",
		c.BindAddr, c.LogLevel, c.Store.Driver, c.Handler.TimeoutSeconds, c.Retry.MaxRetries,
		c.Retry.BackoffBaseSeconds, c.Retry.BackoffMaxSeconds,
		c.Scheduler.Enabled, c.Scheduler.IntervalSeconds, c.Scheduler.Priority,
		c.Worker.Count, len(c.Agents))
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func (c Config) HandlerTimeout() time.Duration {
	return time.Duration(c.Handler.TimeoutSeconds) * time.Second
}

func (c Config) BackoffBase() time.Duration {
	return time.Duration(c.Retry.BackoffBaseSeconds) * time.Second
}

func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.Retry.BackoffMaxSeconds) * time.Second
}

func (c Config) SchedulerInterval() time.Duration {
	return time.Duration(c.Scheduler.IntervalSeconds) * time.Second
}

func (c Config) WorkerPollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalMillis) * time.Millisecond
}

func (c Config) StaleAfter() time.Duration {
	return time.Duration(c.Worker.StaleAfterSeconds) * time.Second
}

// AgentEndpoint resolves the handler URL for an agent type. Empty means no handler.
func (c Config) AgentEndpoint(agentType string) string {
	for _, a := range c.Agents {
		if a.Type == agentType && strings.TrimSpace(a.Endpoint) != "" {
			return a.Endpoint
		}
	}
	if base := strings.TrimRight(strings.TrimSpace(c.Handler.BaseURL), "/"); base != "" {
		return base + "/agents/" + agentType
	}
	return ""
}

func defaultConfig() Config {
	return Config{
		BindAddr: "127.0.0.1:8080",
		LogLevel: "info",
		Store: StoreConfig{
			Driver:   "sqlite",
			MaxConns: 10,
		},
		Handler: HandlerConfig{TimeoutSeconds: 60},
		Retry: RetryConfig{
			MaxRetries:         3,
			BackoffBaseSeconds: 5,
			BackoffMaxSeconds:  300,
		},
		Scheduler: SchedulerConfig{
			IntervalSeconds: 60,
			Priority:        8,
			Concurrency:     8,
		},
		Worker: WorkerConfig{
			Count:              2,
			PollIntervalMillis: 500,
			StaleAfterSeconds:  600,
		},
		Tenants:   TenantsConfig{PageSize: 100},
		RateLimit: RateLimitConfig{RequestsPerMinute: 120, BurstSize: 20},
		Agents: []AgentEntry{
			{Type: "guardian", Schedule: "@daily"},
			{Type: "invoice_processor"},
			{Type: "vat_reporter", Schedule: "@monthly"},
			{Type: "bank_reconciler", Schedule: "@daily"},
			{Type: "bookkeeper", Schedule: "@weekly"},
		},
	}
}

func HomeDir() string {
	if override := os.Getenv("ORCH_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".orchestrator")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create orchestrator home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil {
		if os.IsNotExist(err) {
			cfg.Missing = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	cfg.Store.Driver = strings.ToLower(strings.TrimSpace(cfg.Store.Driver))
	if cfg.Store.Driver == "" {
		if cfg.Store.PostgresDSN != "" {
			cfg.Store.Driver = "postgres"
		} else {
			cfg.Store.Driver = "sqlite"
		}
	}
	if cfg.Store.SQLitePath == "" {
		cfg.Store.SQLitePath = filepath.Join(cfg.HomeDir, "orchestrator.db")
	}
	if cfg.Store.MaxConns <= 0 {
		cfg.Store.MaxConns = 10
	}
	if cfg.Handler.TimeoutSeconds <= 0 {
		cfg.Handler.TimeoutSeconds = 60
	}
	if cfg.Retry.MaxRetries < 0 {
		cfg.Retry.MaxRetries = 0
	}
	if cfg.Retry.BackoffBaseSeconds < 0 {
		cfg.Retry.BackoffBaseSeconds = 0
	}
	if cfg.Retry.BackoffMaxSeconds < cfg.Retry.BackoffBaseSeconds {
		cfg.Retry.BackoffMaxSeconds = cfg.Retry.BackoffBaseSeconds
	}
	if cfg.Scheduler.IntervalSeconds <= 0 {
		cfg.Scheduler.IntervalSeconds = 60
	}
	if cfg.Scheduler.Priority < 1 || cfg.Scheduler.Priority > 10 {
		cfg.Scheduler.Priority = 8
	}
	if cfg.Scheduler.Concurrency <= 0 {
		cfg.Scheduler.Concurrency = 8
	}
	if cfg.Worker.Count < 0 {
		cfg.Worker.Count = 0
	}
	if cfg.Worker.PollIntervalMillis <= 0 {
		cfg.Worker.PollIntervalMillis = 500
	}
	if cfg.Worker.StaleAfterSeconds <= 0 {
		cfg.Worker.StaleAfterSeconds = 600
	}
	// A claim must not be reaped while its handler may still be running.
	if cfg.Worker.StaleAfterSeconds <= cfg.Handler.TimeoutSeconds {
		cfg.Worker.StaleAfterSeconds = 2 * cfg.Handler.TimeoutSeconds
	}
	if cfg.RateLimit.RequestsPerMinute <= 0 {
		cfg.RateLimit.RequestsPerMinute = 120
	}
	if cfg.RateLimit.BurstSize <= 0 {
		cfg.RateLimit.BurstSize = 20
	}
	if cfg.Tenants.PageSize <= 0 {
		cfg.Tenants.PageSize = 100
	}
	for i := range cfg.Agents {
		cfg.Agents[i].Type = strings.TrimSpace(cfg.Agents[i].Type)
		cfg.Agents[i].Schedule = strings.TrimSpace(cfg.Agents[i].Schedule)
	}
}

func validate(cfg *Config) error {
	var errs []error
	switch cfg.Store.Driver {
	case "sqlite":
	case "postgres":
		if strings.TrimSpace(cfg.Store.PostgresDSN) == "" {
			errs = append(errs, errors.New("store.postgres_dsn is required when store.driver=postgres"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q (supported: sqlite, postgres)", cfg.Store.Driver))
	}
	seen := make(map[string]bool, len(cfg.Agents))
	for _, a := range cfg.Agents {
		if a.Type == "" {
			errs = append(errs, errors.New("agents: entry with empty type"))
			continue
		}
		if seen[a.Type] {
			errs = append(errs, fmt.Errorf("agents: duplicate type %q", a.Type))
		}
		seen[a.Type] = true
	}
	keys := make(map[string]bool, len(cfg.Auth.Keys))
	for _, k := range cfg.Auth.Keys {
		if k.Key == "" || k.TenantID == "" {
			errs = append(errs, errors.New("auth.keys: key and tenant_id are required"))
			continue
		}
		if k.Key == cfg.Auth.AdminKey {
			errs = append(errs, errors.New("auth.keys: tenant key must differ from admin_key"))
		}
		if keys[k.Key] {
			errs = append(errs, errors.New("auth.keys: duplicate key"))
		}
		keys[k.Key] = true
	}
	return errors.Join(errs...)
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("ORCH_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("ORCH_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("ORCH_STORE_DRIVER"); raw != "" {
		cfg.Store.Driver = raw
	}
	if raw := os.Getenv("DATABASE_URL"); raw != "" {
		cfg.Store.PostgresDSN = raw
		if os.Getenv("ORCH_STORE_DRIVER") == "" {
			cfg.Store.Driver = "postgres"
		}
	}
	if raw := os.Getenv("REDIS_URL"); raw != "" {
		cfg.Redis.URL = raw
	}
	if raw := os.Getenv("ORCH_ADMIN_KEY"); raw != "" {
		cfg.Auth.AdminKey = raw
	}
	if raw := os.Getenv("ORCH_HANDLER_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Handler.TimeoutSeconds = v
		}
	}
	if raw := os.Getenv("ORCH_HANDLER_BASE_URL"); raw != "" {
		cfg.Handler.BaseURL = raw
	}
	if raw := os.Getenv("ORCH_HANDLER_TOKEN"); raw != "" {
		cfg.Handler.Token = raw
	}
	if raw := os.Getenv("ORCH_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.Count = v
		}
	}
	if raw := os.Getenv("ORCH_MAX_RETRIES"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Retry.MaxRetries = v
		}
	}
	if raw := os.Getenv("ORCH_SCHEDULER_ENABLED"); raw != "" {
		if v, err := strconv.ParseBool(raw); err == nil {
			cfg.Scheduler.Enabled = v
		}
	}
}
