// Package tickstats keeps scheduler tick statistics in Redis so every
// orchestrator process and operator tooling sees the same counters.
package tickstats

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/britta/orchestrator/internal/cron"
)

const (
	keyTicks   = "orchestrator:scheduler:ticks"
	keyCreated = "orchestrator:scheduler:created"
	keyLast    = "orchestrator:scheduler:last"
)

// Snapshot is the persisted view of scheduler activity.
type Snapshot struct {
	Ticks        int64           `json:"ticks"`
	TasksCreated int64           `json:"tasks_created_total"`
	LastAt       *time.Time      `json:"last_at,omitempty"`
	LastResult   cron.TickResult `json:"last_result"`
	LastDuration string          `json:"last_duration,omitempty"`
	LastError    string          `json:"last_error,omitempty"`
}

type RedisSink struct {
	rdb redis.UniversalClient
}

func NewRedisSink(rdb redis.UniversalClient) *RedisSink {
	return &RedisSink{rdb: rdb}
}

// Connect parses a redis:// URL and verifies the server answers.
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func (s *RedisSink) RecordTick(ctx context.Context, st cron.TickStats) error {
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, keyTicks)
		pipe.IncrBy(ctx, keyCreated, int64(st.Result.TasksCreated))
		pipe.HSet(ctx, keyLast, map[string]any{
			"time":          st.At.UTC().Format(time.RFC3339Nano),
			"duration_ms":   st.Duration.Milliseconds(),
			"tasks_created": st.Result.TasksCreated,
			"duplicates":    st.Result.Duplicates,
			"failed":        st.Result.Failed,
			"agents":        st.Result.Agents,
			"tenants":       st.Result.Tenants,
			"error":         st.Err,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("record tick stats: %w", err)
	}
	return nil
}

// Snapshot reads the counters. A fresh Redis yields a zero Snapshot.
func (s *RedisSink) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot

	ticks, err := s.rdb.Get(ctx, keyTicks).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("read tick count: %w", err)
	}
	snap.Ticks = ticks

	created, err := s.rdb.Get(ctx, keyCreated).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return snap, fmt.Errorf("read created count: %w", err)
	}
	snap.TasksCreated = created

	last, err := s.rdb.HGetAll(ctx, keyLast).Result()
	if err != nil {
		return snap, fmt.Errorf("read last tick: %w", err)
	}
	return fillLast(snap, last), nil
}

func fillLast(snap Snapshot, last map[string]string) Snapshot {
	if len(last) == 0 {
		return snap
	}
	if at, err := time.Parse(time.RFC3339Nano, last["time"]); err == nil {
		snap.LastAt = &at
	}
	atoi := func(k string) int {
		n, _ := strconv.Atoi(last[k])
		return n
	}
	snap.LastResult = cron.TickResult{
		TasksCreated: atoi("tasks_created"),
		Duplicates:   atoi("duplicates"),
		Failed:       atoi("failed"),
		Agents:       atoi("agents"),
		Tenants:      atoi("tenants"),
	}
	if ms, err := strconv.ParseInt(last["duration_ms"], 10, 64); err == nil {
		snap.LastDuration = (time.Duration(ms) * time.Millisecond).String()
	}
	snap.LastError = last["error"]
	return snap
}

func (s *RedisSink) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}
