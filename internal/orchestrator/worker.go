package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/britta/orchestrator/internal/shared"
)

type WorkerConfig struct {
	Count        int
	PollInterval time.Duration
	// StaleAfter is how long a claim may stay unfinished before the reaper
	// requeues it. Zero disables the reaper.
	StaleAfter time.Duration
}

// WorkerStatus is a point-in-time snapshot for health output.
type WorkerStatus struct {
	WorkerCount int    `json:"worker_count"`
	ActiveTasks int32  `json:"active_tasks"`
	Processed   int64  `json:"processed"`
	LastError   string `json:"last_error,omitempty"`
}

// Worker is an in-process pool that repeatedly claims and runs tasks.
type Worker struct {
	orch   *Orchestrator
	config WorkerConfig

	once sync.Once
	wg   sync.WaitGroup

	activeTasks atomic.Int32
	processed   atomic.Int64
	lastError   atomic.Pointer[string]
}

func NewWorker(orch *Orchestrator, cfg WorkerConfig) *Worker {
	if cfg.Count <= 0 {
		cfg.Count = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	return &Worker{orch: orch, config: cfg}
}

// Start launches the pool and the stale-claim reaper. It is a no-op after
// the first call.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		if w.config.StaleAfter > 0 {
			if _, _, err := w.orch.RecoverStale(ctx, w.config.StaleAfter); err != nil {
				w.setLastError(err)
				w.orch.logger.Error("stale task recovery failed", "error", err)
			}
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.reap(ctx)
			}()
		}
		for i := 0; i < w.config.Count; i++ {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.loop(ctx)
			}()
		}
		w.orch.logger.Info("worker pool started", "workers", w.config.Count, "poll_interval", w.config.PollInterval)
	})
}

// Wait blocks until every goroutine started by Start has returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

func (w *Worker) Status() WorkerStatus {
	st := WorkerStatus{
		WorkerCount: w.config.Count,
		ActiveTasks: w.activeTasks.Load(),
		Processed:   w.processed.Load(),
	}
	if p := w.lastError.Load(); p != nil {
		st.LastError = *p
	}
	return st
}

func (w *Worker) loop(ctx context.Context) {
	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		ran, err := w.runOne(ctx)
		if err != nil {
			w.setLastError(err)
		}
		if err != nil || !ran {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				continue
			}
		}
	}
}

func (w *Worker) runOne(ctx context.Context) (bool, error) {
	task, err := w.orch.ClaimNext(ctx)
	if err != nil || task == nil {
		return false, err
	}
	w.activeTasks.Add(1)
	defer w.activeTasks.Add(-1)

	ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	if _, err := w.orch.exec.Execute(ctx, task); err != nil {
		return true, fmt.Errorf("execute task %s: %w", task.ID, err)
	}
	w.processed.Add(1)
	return true, nil
}

func (w *Worker) reap(ctx context.Context) {
	interval := w.config.StaleAfter / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, _, err := w.orch.RecoverStale(ctx, w.config.StaleAfter); err != nil {
				w.setLastError(err)
				w.orch.logger.Error("stale task recovery failed", "error", err)
			}
		}
	}
}

func (w *Worker) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	w.lastError.Store(&msg)
}
