package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgSchemaVersion  = 1
	pgSchemaChecksum = "orch-v1-postgres-tasks-agents"
)

// PostgresStore is the shared-database Store backend. Claims use
// FOR UPDATE SKIP LOCKED so concurrent claimants never block on, or both
// win, the same row.
type PostgresStore struct {
	pool *pgxpool.Pool
}

var _ Store = (*PostgresStore)(nil)

func OpenPostgres(ctx context.Context, dsn string, maxConns int32) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = maxConns
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", mapPgErr(err))
	}

	store := &PostgresStore{pool: pool}
	if err := store.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

// mapPgErr maps connection-level failures to ErrUnavailable and leaves
// statement errors intact.
func mapPgErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			pgErr.Code == "53300", // too_many_connections
			pgErr.Code == "57P01", // admin_shutdown
			pgErr.Code == "57P03": // cannot_connect_now
			return fmt.Errorf("%w: %s", ErrUnavailable, pgErr.Message)
		default:
			return fmt.Errorf("db_error %s: %s", pgErr.Code, pgErr.Message)
		}
	}
	var connErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connErr) || errors.As(err, &netErr) || pgconn.Timeout(err) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}

func (s *PostgresStore) initSchema(ctx context.Context) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", mapPgErr(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Serialise concurrent migrators across processes.
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext('orchestrator_schema'));`); err != nil {
		return fmt.Errorf("lock migrations: %w", mapPgErr(err))
	}
	if _, err := tx.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INT PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", mapPgErr(err))
	}

	var maxVersion int
	if err := tx.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", mapPgErr(err))
	}
	if maxVersion > pgSchemaVersion {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, pgSchemaVersion)
	}
	if maxVersion == pgSchemaVersion {
		var existing string
		if err := tx.QueryRow(ctx, `SELECT checksum FROM schema_migrations WHERE version = $1;`, pgSchemaVersion).Scan(&existing); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", mapPgErr(err))
		}
		if existing != pgSchemaChecksum {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", pgSchemaVersion, existing, pgSchemaChecksum)
		}
		return tx.Commit(ctx)
	}

	ddl := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			tenant_id TEXT NOT NULL,
			owner_id TEXT NOT NULL DEFAULT '',
			agent_type TEXT NOT NULL,
			status TEXT NOT NULL CHECK (status IN ('pending', 'claimed', 'running', 'succeeded', 'failed', 'cancelled')),
			priority INT NOT NULL CHECK (priority BETWEEN 1 AND 10),
			input_payload JSONB NOT NULL DEFAULT '{}'::jsonb,
			output_payload JSONB,
			error_code TEXT,
			error_message TEXT,
			retry_count INT NOT NULL DEFAULT 0,
			max_retries INT NOT NULL DEFAULT 3,
			scheduled_at TIMESTAMPTZ NOT NULL,
			claimed_at TIMESTAMPTZ,
			started_at TIMESTAMPTZ,
			finished_at TIMESTAMPTZ,
			parent_task_id TEXT,
			idempotency_key TEXT UNIQUE,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			agent_type TEXT PRIMARY KEY,
			enabled BOOLEAN NOT NULL DEFAULT TRUE,
			schedule TEXT NOT NULL DEFAULT '',
			last_run_at TIMESTAMPTZ,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_claim ON tasks(priority, created_at, seq) WHERE status = 'pending';`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id, created_at DESC);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_stale ON tasks(claimed_at) WHERE status IN ('claimed', 'running');`,
	}
	for _, q := range ddl {
		if _, err := tx.Exec(ctx, q); err != nil {
			return fmt.Errorf("exec migration: %w", mapPgErr(err))
		}
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES ($1, $2);`,
		pgSchemaVersion, pgSchemaChecksum); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", mapPgErr(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration tx: %w", mapPgErr(err))
	}
	return nil
}

const pgTaskColumns = `t.id, t.tenant_id, t.owner_id, t.agent_type, t.status, t.priority, t.input_payload,
	t.output_payload, COALESCE(t.error_code, ''), COALESCE(t.error_message, ''),
	t.retry_count, t.max_retries, t.scheduled_at, t.claimed_at, t.started_at, t.finished_at,
	COALESCE(t.parent_task_id, ''), COALESCE(t.idempotency_key, ''), t.created_at, t.updated_at`

func scanPgTask(row pgx.Row) (*Task, error) {
	var (
		t             Task
		status        string
		input, output []byte
	)
	if err := row.Scan(
		&t.ID, &t.TenantID, &t.OwnerID, &t.AgentType, &status, &t.Priority, &input,
		&output, &t.ErrorCode, &t.ErrorMessage,
		&t.RetryCount, &t.MaxRetries, &t.ScheduledAt, &t.ClaimedAt, &t.StartedAt, &t.FinishedAt,
		&t.ParentTaskID, &t.IdempotencyKey, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.Status = TaskStatus(status)
	t.ScheduledAt = t.ScheduledAt.UTC()
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	for _, p := range []**time.Time{&t.ClaimedAt, &t.StartedAt, &t.FinishedAt} {
		if *p != nil {
			u := (*p).UTC()
			*p = &u
		}
	}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &t.Input); err != nil {
			return nil, fmt.Errorf("decode input payload: %w", err)
		}
	}
	if len(output) > 0 {
		if err := json.Unmarshal(output, &t.Output); err != nil {
			return nil, fmt.Errorf("decode output payload: %w", err)
		}
	}
	return &t, nil
}

// queryTask runs a single-row statement and returns nil, nil on no rows.
func (s *PostgresStore) queryTask(ctx context.Context, query string, args ...any) (*Task, error) {
	t, err := scanPgTask(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, mapPgErr(err)
	}
	return t, nil
}

func (s *PostgresStore) CreateTask(ctx context.Context, nt NewTask) (*Task, bool, error) {
	id := nt.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := nt.CreatedAt
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	scheduledAt := nt.ScheduledAt
	if scheduledAt.IsZero() {
		scheduledAt = now
	}
	input, err := encodePayload(nt.Input)
	if err != nil {
		return nil, false, err
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO tasks (id, tenant_id, owner_id, agent_type, status, priority, input_payload,
			retry_count, max_retries, scheduled_at, parent_task_id, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6::jsonb, 0, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $11)
		ON CONFLICT (idempotency_key) DO NOTHING;
	`, id, nt.TenantID, nt.OwnerID, nt.AgentType, clampPriority(nt.Priority), input,
		nt.MaxRetries, scheduledAt.UTC(), nt.ParentTaskID, nt.IdempotencyKey, now)
	if err != nil {
		return nil, false, fmt.Errorf("insert task: %w", mapPgErr(err))
	}
	created := tag.RowsAffected() == 1

	var task *Task
	if created {
		task, err = s.queryTask(ctx, `SELECT `+pgTaskColumns+` FROM tasks t WHERE t.id = $1;`, id)
	} else {
		task, err = s.queryTask(ctx, `SELECT `+pgTaskColumns+` FROM tasks t WHERE t.idempotency_key = $1;`, nt.IdempotencyKey)
	}
	if err != nil {
		return nil, false, fmt.Errorf("read inserted task: %w", err)
	}
	if task == nil {
		return nil, false, fmt.Errorf("read inserted task %s: %w", id, ErrTaskNotFound)
	}
	return task, created, nil
}

func (s *PostgresStore) GetTask(ctx context.Context, tenantID, id string) (*Task, error) {
	task, err := s.queryTask(ctx, `SELECT `+pgTaskColumns+` FROM tasks t WHERE t.id = $1 AND ($2 = '' OR t.tenant_id = $2);`,
		id, tenantID)
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	if task == nil {
		return nil, ErrTaskNotFound
	}
	return task, nil
}

func (s *PostgresStore) ListTasks(ctx context.Context, f TaskFilter) ([]Task, int, error) {
	f = f.normalized()
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return "$" + strconv.Itoa(len(args))
	}
	if f.TenantID != "" {
		where = append(where, "t.tenant_id = "+arg(f.TenantID))
	}
	if f.AgentType != "" {
		where = append(where, "t.agent_type = "+arg(f.AgentType))
	}
	if f.Status != "" {
		where = append(where, "t.status = "+arg(string(f.Status)))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM tasks t`+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", mapPgErr(err))
	}
	limit, offset := arg(f.Limit), arg(f.Offset)
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgTaskColumns+` FROM tasks t`+clause+` ORDER BY t.created_at DESC, t.seq DESC LIMIT `+limit+` OFFSET `+offset,
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", mapPgErr(err))
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		t, err := scanPgTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", mapPgErr(err))
	}
	return out, total, nil
}

func (s *PostgresStore) ClaimNext(ctx context.Context, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		WITH next AS (
			SELECT id FROM tasks
			WHERE status = 'pending' AND scheduled_at <= $1
			ORDER BY priority ASC, created_at ASC, seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE tasks t
		SET status = 'claimed', claimed_at = $1, started_at = $1, updated_at = $1
		FROM next
		WHERE t.id = next.id AND t.status = 'pending'
		RETURNING `+pgTaskColumns+`;
	`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim next task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) ClaimSpecific(ctx context.Context, id string, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		UPDATE tasks t
		SET status = 'claimed', claimed_at = $2, started_at = $2, updated_at = $2
		WHERE t.id = $1 AND t.status = 'pending' AND t.scheduled_at <= $2
		RETURNING `+pgTaskColumns+`;
	`, id, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("claim task %s: %w", id, err)
	}
	return task, nil
}

func (s *PostgresStore) explainMiss(ctx context.Context, tenantID, id string, to TaskStatus) error {
	current, err := s.GetTask(ctx, tenantID, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: task %s is %s, cannot move to %s", ErrInvalidTransition, id, current.Status, to)
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		UPDATE tasks t SET status = 'running', updated_at = $2
		WHERE t.id = $1 AND t.status = 'claimed'
		RETURNING `+pgTaskColumns+`;
	`, id, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("mark running: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusRunning)
	}
	return task, nil
}

func (s *PostgresStore) CompleteTask(ctx context.Context, id string, output map[string]any, now time.Time) (*Task, error) {
	if output == nil {
		output = map[string]any{}
	}
	encoded, err := encodePayload(output)
	if err != nil {
		return nil, err
	}
	task, err := s.queryTask(ctx, `
		UPDATE tasks t
		SET status = 'succeeded', output_payload = $2::jsonb, error_code = NULL, error_message = NULL,
			finished_at = $3, updated_at = $3
		WHERE t.id = $1 AND t.status = 'running'
		RETURNING `+pgTaskColumns+`;
	`, id, encoded, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("complete task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusSucceeded)
	}
	return task, nil
}

func (s *PostgresStore) RequeueTask(ctx context.Context, id string, expectedRetryCount int, scheduledAt, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		UPDATE tasks t
		SET status = 'pending', retry_count = t.retry_count + 1, scheduled_at = $3,
			claimed_at = NULL, started_at = NULL, error_code = NULL, error_message = NULL, updated_at = $4
		WHERE t.id = $1 AND t.status = 'running' AND t.retry_count = $2
		RETURNING `+pgTaskColumns+`;
	`, id, expectedRetryCount, scheduledAt.UTC(), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("requeue task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusPending)
	}
	return task, nil
}

func (s *PostgresStore) FailTask(ctx context.Context, id, code, message string, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		UPDATE tasks t
		SET status = 'failed', error_code = $2, error_message = $3, finished_at = $4, updated_at = $4
		WHERE t.id = $1 AND t.status = 'running'
		RETURNING `+pgTaskColumns+`;
	`, id, code, message, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("fail task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusFailed)
	}
	return task, nil
}

func (s *PostgresStore) AbortTask(ctx context.Context, id string, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		UPDATE tasks t
		SET status = 'pending', claimed_at = NULL, started_at = NULL, updated_at = $2
		WHERE t.id = $1 AND t.status = 'running'
		RETURNING `+pgTaskColumns+`;
	`, id, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("abort task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, "", id, TaskStatusPending)
	}
	return task, nil
}

func (s *PostgresStore) CancelTask(ctx context.Context, tenantID, id string, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		UPDATE tasks t
		SET status = 'cancelled', finished_at = $3, updated_at = $3
		WHERE t.id = $1 AND ($2 = '' OR t.tenant_id = $2) AND t.status IN ('pending', 'claimed')
		RETURNING `+pgTaskColumns+`;
	`, id, tenantID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("cancel task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, tenantID, id, TaskStatusCancelled)
	}
	return task, nil
}

func (s *PostgresStore) RetryFailedTask(ctx context.Context, tenantID, id string, now time.Time) (*Task, error) {
	task, err := s.queryTask(ctx, `
		UPDATE tasks t
		SET status = 'pending', scheduled_at = $3, claimed_at = NULL, started_at = NULL, finished_at = NULL,
			error_code = NULL, error_message = NULL, updated_at = $3
		WHERE t.id = $1 AND ($2 = '' OR t.tenant_id = $2) AND t.status = 'failed'
		RETURNING `+pgTaskColumns+`;
	`, id, tenantID, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("retry task: %w", err)
	}
	if task == nil {
		return nil, s.explainMiss(ctx, tenantID, id, TaskStatusPending)
	}
	return task, nil
}

func (s *PostgresStore) RequeueStale(ctx context.Context, cutoff, now time.Time) (int, int, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("begin requeue stale tx: %w", mapPgErr(err))
	}
	defer func() { _ = tx.Rollback(ctx) }()

	failed, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'failed', error_code = $1, error_message = 'claim abandoned before completion',
			finished_at = $2, updated_at = $2
		WHERE status IN ('claimed', 'running') AND claimed_at < $3 AND retry_count >= max_retries;
	`, ErrorCodeStale, now.UTC(), cutoff.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("fail stale tasks: %w", mapPgErr(err))
	}
	requeued, err := tx.Exec(ctx, `
		UPDATE tasks
		SET status = 'pending', retry_count = retry_count + 1, scheduled_at = $1,
			claimed_at = NULL, started_at = NULL, updated_at = $1
		WHERE status IN ('claimed', 'running') AND claimed_at < $2 AND retry_count < max_retries;
	`, now.UTC(), cutoff.UTC())
	if err != nil {
		return 0, 0, fmt.Errorf("requeue stale tasks: %w", mapPgErr(err))
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, 0, fmt.Errorf("commit requeue stale tx: %w", mapPgErr(err))
	}
	return int(requeued.RowsAffected()), int(failed.RowsAffected()), nil
}

const pgAgentColumns = `agent_type, enabled, schedule, last_run_at, created_at, updated_at`

func scanPgAgent(row pgx.Row) (*AgentEntry, error) {
	var a AgentEntry
	if err := row.Scan(&a.AgentType, &a.Enabled, &a.Schedule, &a.LastRunAt, &a.CreatedAt, &a.UpdatedAt); err != nil {
		return nil, err
	}
	if a.LastRunAt != nil {
		u := a.LastRunAt.UTC()
		a.LastRunAt = &u
	}
	a.CreatedAt = a.CreatedAt.UTC()
	a.UpdatedAt = a.UpdatedAt.UTC()
	return &a, nil
}

func (s *PostgresStore) SeedAgents(ctx context.Context, entries []AgentEntry, now time.Time) error {
	batch := &pgx.Batch{}
	for _, e := range entries {
		batch.Queue(`
			INSERT INTO agents (agent_type, enabled, schedule, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $4)
			ON CONFLICT (agent_type) DO NOTHING;
		`, e.AgentType, e.Enabled, e.Schedule, now.UTC())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("seed agents: %w", mapPgErr(err))
	}
	return nil
}

func (s *PostgresStore) GetAgent(ctx context.Context, agentType string) (*AgentEntry, error) {
	a, err := scanPgAgent(s.pool.QueryRow(ctx, `SELECT `+pgAgentColumns+` FROM agents WHERE agent_type = $1;`, agentType))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", mapPgErr(err))
	}
	return a, nil
}

func (s *PostgresStore) ListAgents(ctx context.Context) ([]AgentEntry, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+pgAgentColumns+` FROM agents ORDER BY agent_type;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", mapPgErr(err))
	}
	defer rows.Close()
	var out []AgentEntry
	for rows.Next() {
		a, err := scanPgAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate agents: %w", mapPgErr(err))
	}
	return out, nil
}

func (s *PostgresStore) SetAgentEnabled(ctx context.Context, agentType string, enabled bool, now time.Time) (*AgentEntry, error) {
	a, err := scanPgAgent(s.pool.QueryRow(ctx, `
		UPDATE agents SET enabled = $2, updated_at = $3 WHERE agent_type = $1
		RETURNING `+pgAgentColumns+`;
	`, agentType, enabled, now.UTC()))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("set agent enabled: %w", mapPgErr(err))
	}
	return a, nil
}

func (s *PostgresStore) TouchAgentRun(ctx context.Context, agentType string, now time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET last_run_at = $2, updated_at = $2 WHERE agent_type = $1;`,
		agentType, now.UTC())
	if err != nil {
		return fmt.Errorf("touch agent run: %w", mapPgErr(err))
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}
