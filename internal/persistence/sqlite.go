package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

const (
	sqliteSchemaVersion  = 1
	sqliteSchemaChecksum = "orch-v1-sqlite-tasks-agents"

	busyRetries = 5
)

// SQLiteStore is the single-file Store backend. All timestamps are stored as
// UTC unix nanoseconds so ordering comparisons stay numeric.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func OpenSQLite(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	// One writer connection serialises claims inside this process; other
	// processes are serialised by SQLite's file lock.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database table is locked")
}

// withRetry runs f under retryOnBusy and maps exhausted lock contention to ErrUnavailable.
func (s *SQLiteStore) withRetry(ctx context.Context, f func() error) error {
	err := retryOnBusy(ctx, busyRetries, f)
	if err != nil && isSQLiteBusy(err) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *SQLiteStore) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > sqliteSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, sqliteSchemaVersion)
	}
	if maxVersion == sqliteSchemaVersion {
		var existing string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, sqliteSchemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existing != sqliteSchemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", sqliteSchemaVersion, existing, sqliteSchemaChecksum)
		}
		return tx.Commit()
	}

	statements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK(status IN ('pending', 'claimed', 'running', 'succeeded', 'failed', 'cancelled')),
			priority INTEGER NOT NULL CHECK(priority BETWEEN 1 AND 10),
			input_payload TEXT NOT NULL DEFAULT '{}',
			output_payload TEXT,
			error_code TEXT,
			error_message TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL DEFAULT 3,
			scheduled_at INTEGER NOT NULL,
			claimed_at INTEGER,
			started_at INTEGER,
			finished_at INTEGER,
			parent_task_id TEXT,
			idempotency_key TEXT UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_type TEXT PRIMARY KEY,
			enabled INTEGER NOT NULL DEFAULT 1,
			schedule TEXT NOT NULL DEFAULT '',
			last_run_at INTEGER,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(status, priority, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id, created_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_stale ON tasks(status, claimed_at);`,
	}
	for _, stmt := range statements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum, applied_at) VALUES (?, ?, ?);
	`, sqliteSchemaVersion, sqliteSchemaChecksum, toNanos(time.Now())); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

const sqliteTaskColumns = `id, tenant_id, owner_id, agent_type, status, priority, input_payload,
	COALESCE(output_payload, ''), COALESCE(error_code, ''), COALESCE(error_message, ''),
	retry_count, max_retries, scheduled_at, claimed_at, started_at, finished_at,
	COALESCE(parent_task_id, ''), COALESCE(idempotency_key, ''), created_at, updated_at`

func toNanos(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromNanos(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

func fromNullNanos(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromNanos(n.Int64)
	return &t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func encodePayload(m map[string]any) (string, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

func decodePayload(raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return m, nil
}

func scanSQLiteTask(scanFn func(dest ...any) error) (*Task, error) {
	var (
		t                               Task
		status, input, output           string
		scheduledAt, createdAt, updated int64
		claimedAt, startedAt, finished  sql.NullInt64
	)
	if err := scanFn(
		&t.ID, &t.TenantID, &t.OwnerID, &t.AgentType, &status, &t.Priority, &input,
		&output, &t.ErrorCode, &t.ErrorMessage,
		&t.RetryCount, &t.MaxRetries, &scheduledAt, &claimedAt, &startedAt, &finished,
		&t.ParentTaskID, &t.IdempotencyKey, &createdAt, &updated,
	); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.ScheduledAt = fromNanos(scheduledAt)
	t.ClaimedAt = fromNullNanos(claimedAt)
	t.StartedAt = fromNullNanos(startedAt)
	t.FinishedAt = fromNullNanos(finished)
	t.CreatedAt = fromNanos(createdAt)
	t.UpdatedAt = fromNanos(updated)
	var err error
	if t.Input, err = decodePayload(input); err != nil {
		return nil, err
	}
	if t.Output, err = decodePayload(output); err != nil {
		return nil, err
	}
	return &t, nil
}

// queryTask runs a single-row statement and returns nil, nil on no rows.
func (s *SQLiteStore) queryTask(ctx context.Context, query string, args ...any) (*Task, error) {
	var out *Task
	err := s.withRetry(ctx, func() error {
		t, err := scanSQLiteTask(s.db.QueryRowContext(ctx, query, args...).Scan)
		if errors.Is(err, sql.ErrNoRows) {
			out = nil
			return nil
		}
		if err != nil {
			return err
		}
		out = t
		return nil
	})
	return out, err
}

func (s *SQLiteStore) CreateTask(ctx context.Context, nt NewTask) (*Task, bool, error) {
	id := nt.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := nt.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	scheduledAt := nt.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	input, err := encodePayload(nt.Input)
	if err != nil {
		return nil, false, err
	}

	var created bool
	err = s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, tenant_id, owner_id, agent_type, status, priority, input_payload,
				retry_count, max_retries, scheduled_at, parent_task_id, idempotency_key, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(idempotency_key) DO NOTHING;
		`, id, nt.TenantID, nt.OwnerID, nt.AgentType, TaskStatusPending, clampPriority(nt.Priority), input,
			nt.MaxRetries, toNanos(scheduledAt), nullString(nt.ParentTaskID), nullString(nt.IdempotencyKey),
			toNanos(now), toNanos(now))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		created = n == 1
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", err)
	}

	var task *Task
	if created {
		task, err = s.queryTask(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ?;`, id)
	} else {
		task, err = s.queryTask(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE idempotency_key = ?;`, nt.IdempotencyKey)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read inserted task: %w", err)
	}
	if task == nil {
		return nil, false, fmt.Errorf("read inserted task %s: %w", id, ErrTaskNotFound)
	}
	return task, created, nil
}

func (s *SQLiteStore) GetTask(ctx context.Context, tenantID, id string) (*Task, error) {
	task, err := s.queryTask(ctx, `SELECT `+sqliteTaskColumns+` FROM tasks WHERE id = ? AND (? = '' OR tenant_id = ?);`,
		id, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *SQLiteStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	f = f.normalized()
	var (
		where []string
		args  []any
	)
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.AgentType != "" {
		where = append(where, "agent_type = ?")
		args = append(args, f.AgentType)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var (
		total int
		out   []Task
	)
	err := s.withRetry(ctx, func() error {
		out = out[:0]
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`+clause, args...).Scan(&total); err != nil {
			return err
		}
		rows, err := s.db.QueryContext(ctx,
			`SELECT `+sqliteTaskColumns+` FROM tasks`+clause+` ORDER BY created_at DESC, rowid DESC LIMIT ? OFFSET ?`,
			append(append([]any{}, args...), f.Limit, f.Offset)...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			t, err := scanSQLiteTask(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, *t)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	return out, total, nil
}

// ClaimNext is one UPDATE whose subquery picks the head of the queue; the
// status guard in the outer WHERE makes a concurrent winner observable as
// zero rows.
func (s *SQLiteStore) ClaimNext(ctx context.Context, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'claimed', claimed_at = ?, started_at = ?, updated_at = ?
		WHERE id = (
			SELECT id FROM tasks
			WHERE status = 'pending' AND scheduled_at <= ?
			ORDER BY priority ASC, created_at ASC, rowid ASC
			LIMIT 1
		) AND status = 'pending'
		RETURNING `+sqliteTaskColumns+`;
	`, ts, ts, ts, ts)
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return task, nil
}

func (s *SQLiteStore) ClaimSpecific(ctx context.Context, id string, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'claimed', claimed_at = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status = 'pending' AND scheduled_at <= ?
		RETURNING `+sqliteTaskColumns+`;
	`, ts, ts, ts, id, ts)
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return task, nil
}

// explainMiss turns a zero-row conditional update into ErrTaskNotFound or
// ErrInvalidTransition.
func (s *SQLiteStore) explainMiss(ctx context.Context, tenantID, id string, to TaskStatus) error {
	current, err := s.GetTask(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s, cannot move to %s", ErrInvalidTransition, id, current.Status, to)
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks SET status = 'running', updated_at = ?
		WHERE id = ? AND status = 'claimed'
		RETURNING `+sqliteTaskColumns+`;
	`, ts, id)
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusRunning)
	}
	return task, nil
}

func (s *SQLiteStore) CompleteTask(ctx context.Context, id string, output map[string]any, now time.Time) (*Task, error) {
	if output == nil {
		output = map[string]any{}
	}
	encoded, err := encodePayload(output)
	if err != nil {
		return nil, err
	}
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'succeeded', output_payload = ?, error_code = NULL, error_message = NULL,
			finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING `+sqliteTaskColumns+`;
	`, encoded, ts, ts, id)
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusSucceeded)
	}
	return task, nil
}

func (s *SQLiteStore) RequeueTask(ctx context.Context, id string, expectedRetryCount int, scheduledAt, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'pending', retry_count = retry_count + 1, scheduled_at = ?,
			claimed_at = NULL, started_at = NULL, error_code = NULL, error_message = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND retry_count = ?
		RETURNING `+sqliteTaskColumns+`;
	`, toNanos(scheduledAt), ts, id, expectedRetryCount)
	if err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusPending)
	}
	return task, nil
}

func (s *SQLiteStore) FailTask(ctx context.Context, id, code, message string, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'failed', error_code = ?, error_message = ?, finished_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING `+sqliteTaskColumns+`;
	`, code, message, ts, ts, id)
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusFailed)
	}
	return task, nil
}

func (s *SQLiteStore) AbortTask(ctx context.Context, id string, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'pending', claimed_at = NULL, started_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running'
		RETURNING `+sqliteTaskColumns+`;
	`, ts, id)
	if err != nil {
		return nil, fmt.Errorf("abort task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusPending)
	}
	return task, nil
}

func (s *SQLiteStore) CancelTask(ctx context.Context, tenantID, id string, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'cancelled', finished_at = ?, updated_at = ?
		WHERE id = ? AND (? = '' OR tenant_id = ?) AND status IN ('pending', 'claimed')
		RETURNING `+sqliteTaskColumns+`;
	`, ts, ts, id, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, tenantID, id, TaskStatusCancelled)
	}
	return task, nil
}

func (s *SQLiteStore) RetryFailedTask(ctx context.Context, tenantID, id string, now time.Time) (*Task, error) {
	ts := toNanos(now)
	task, err := s.queryTask(ctx, `
		UPDATE tasks
		SET status = 'pending', scheduled_at = ?, claimed_at = NULL, started_at = NULL, finished_at = NULL,
			error_code = NULL, error_message = NULL, updated_at = ?
		WHERE id = ? AND (? = '' OR tenant_id = ?) AND status = 'failed'
		RETURNING `+sqliteTaskColumns+`;
	`, ts, ts, id, tenantID, tenantID)
	if err != nil {
		return nil, fmt.Errorf("retry task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, tenantID, id, TaskStatusPending)
	}
	return task, nil
}

func (s *SQLiteStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, int, error) {
	var requeued, failed int64
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		ts, cut := toNanos(now), toNanos(cutoff)
		res, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'failed', error_code = ?, error_message = 'claim abandoned before completion',
				finished_at = ?, updated_at = ?
			WHERE status IN ('claimed', 'running') AND claimed_at < ? AND retry_count >= max_retries;
		`, ErrorCodeStale, ts, ts, cut)
		if err != nil {
			return err
		}
		if failed, err = res.RowsAffected(); err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `
			UPDATE tasks
			SET status = 'pending', retry_count = retry_count + 1, scheduled_at = ?,
				claimed_at = NULL, started_at = NULL, updated_at = ?
			WHERE status IN ('claimed', 'running') AND claimed_at < ? AND retry_count < max_retries;
		`, ts, ts, cut)
		if err != nil {
			return err
		}
		if requeued, err = res.RowsAffected(); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale tasks: %w", err)
	}
	return int(requeued), int(failed), nil
}

const sqliteAgentColumns = `agent_type, enabled, schedule, last_run_at, created_at, updated_at`

func scanSQLiteAgent(scanFn func(dest ...any) error) (*AgentEntry, error) {
	var (
		a                  AgentEntry
		lastRun            sql.NullInt64
		createdAt, updated int64
	)
	if err := scanFn(&a.AgentType, &a.Enabled, &a.Schedule, &lastRun, &createdAt, &updated); err != nil {
		return nil, err
	}
	a.LastRunAt = fromNullNanos(lastRun)
	a.CreatedAt = fromNanos(createdAt)
	a.UpdatedAt = fromNanos(updated)
	return &a, nil
}

func (s *SQLiteStore) SeedAgents(ctx context.Context, entries []AgentEntry, now time.Time) error {
	err := s.withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()
		for _, e := range entries {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agents (agent_type, enabled, schedule, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?)
				ON CONFLICT(agent_type) DO NOTHING;
			`, e.AgentType, e.Enabled, e.Schedule, toNanos(now), toNanos(now)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return fmt.Errorf("seed agents: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetAgent(ctx context.Context, agentType string) (*AgentEntry, error) {
	var out *AgentEntry
	err := s.withRetry(ctx, func() error {
		a, err := scanSQLiteAgent(s.db.QueryRowContext(ctx,
			`SELECT `+sqliteAgentColumns+` FROM agents WHERE agent_type = ?;`, agentType).Scan)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) ListAgents(ctx context.Context) ([]AgentEntry, error) {
	var out []AgentEntry
	err := s.withRetry(ctx, func() error {
		out = out[:0]
		rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteAgentColumns+` FROM agents ORDER BY agent_type;`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			a, err := scanSQLiteAgent(rows.Scan)
			if err != nil {
				return err
			}
			out = append(out, *a)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) SetAgentEnabled(ctx context.Context, agentType string, enabled bool, now time.Time) (*AgentEntry, error) {
	var out *AgentEntry
	err := s.withRetry(ctx, func() error {
		a, err := scanSQLiteAgent(s.db.QueryRowContext(ctx, `
			UPDATE agents SET enabled = ?, updated_at = ? WHERE agent_type = ?
			RETURNING `+sqliteAgentColumns+`;
		`, enabled, toNanos(now), agentType).Scan)
		if err != nil {
			return err
		}
		out = a
		return nil
	})
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set agent enabled: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) TouchAgentRun(ctx context.Context, agentType string, now time.Time) error {
	err := s.withRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE agents SET last_run_at = ?, updated_at = ? WHERE agent_type = ?;`,
			toNanos(now), toNanos(now), agentType)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAgentNotFound
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("touch agent run: %w", err)
	}
	return nil
}
