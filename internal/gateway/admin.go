package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/britta/orchestrator/internal/cron"
	"github.com/britta/orchestrator/internal/persistence"
)

type agentView struct {
	persistence.AgentEntry
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
}

type setEnabledRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

// GET /api/v1/admin/agents
func (s *Server) handleListAgents(c *gin.Context) {
	entries, err := s.cfg.Orchestrator.ListAgents(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	now := time.Now().UTC()
	views := make([]agentView, 0, len(entries))
	for _, e := range entries {
		v := agentView{AgentEntry: e}
		if e.Enabled && e.Schedule != "" {
			if next, err := cron.NextRunTime(e.Schedule, now); err == nil && !next.IsZero() {
				v.NextRunAt = &next
			}
		}
		views = append(views, v)
	}
	c.JSON(http.StatusOK, gin.H{"agents": views})
}

// PUT /api/v1/admin/agents/:type/enabled
func (s *Server) handleSetAgentEnabled(c *gin.Context) {
	var req setEnabledRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "body must be {\"enabled\": true|false}")
		return
	}
	entry, err := s.cfg.Orchestrator.SetAgentEnabled(c.Request.Context(), c.Param("type"), *req.Enabled)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entry)
}

// POST /api/v1/admin/scheduler/tick
func (s *Server) handleTick(c *gin.Context) {
	if s.cfg.Ticker == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("scheduler_unavailable", "scheduler is not configured"))
		return
	}
	res, err := s.cfg.Ticker.Tick(c.Request.Context())
	if err != nil {
		s.cfg.Logger.Error("scheduler tick failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"result": res,
			"error":  apiError{Code: "tick_failed", Message: err.Error()},
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

// GET /api/v1/admin/scheduler/stats
func (s *Server) handleTickStats(c *gin.Context) {
	if s.cfg.Stats == nil {
		c.JSON(http.StatusServiceUnavailable, errorBody("stats_unavailable", "tick stats require redis"))
		return
	}
	snap, err := s.cfg.Stats.Snapshot(c.Request.Context())
	if err != nil {
		s.cfg.Logger.Error("read tick stats failed", "error", err)
		c.JSON(http.StatusServiceUnavailable, errorBody("stats_unavailable", "tick stats unavailable"))
		return
	}
	c.JSON(http.StatusOK, snap)
}

// POST /api/v1/admin/tasks/run-next
func (s *Server) handleRunNext(c *gin.Context) {
	task, err := s.cfg.Orchestrator.RunNext(c.Request.Context())
	if err != nil {
		s.writeError(c, err)
		return
	}
	if task == nil {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, task)
}
