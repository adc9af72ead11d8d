package gateway

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/britta/orchestrator/internal/orchestrator"
	"github.com/britta/orchestrator/internal/persistence"
)

type dispatchRequest struct {
	AgentType    string         `json:"agent_type" binding:"required"`
	Payload      map[string]any `json:"payload"`
	Priority     *int           `json:"priority"`
	MaxRetries   *int           `json:"max_retries"`
	ParentTaskID string         `json:"parent_task_id"`
}

type taskListResponse struct {
	Tasks  []persistence.Task `json:"tasks"`
	Total  int                `json:"total"`
	Limit  int                `json:"limit"`
	Offset int                `json:"offset"`
}

// POST /api/v1/tasks
func (s *Server) handleDispatch(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	var req dispatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid request: "+err.Error())
		return
	}
	dr := orchestrator.DispatchRequest{
		AgentType:    req.AgentType,
		TenantID:     p.TenantID,
		OwnerID:      p.OwnerID,
		Payload:      req.Payload,
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
		ParentTaskID: req.ParentTaskID,
	}
	// Client keys are namespaced so they can never collide with scheduler keys.
	if key := strings.TrimSpace(c.GetHeader("Idempotency-Key")); key != "" {
		dr.IdempotencyKey = "api:" + p.TenantID + ":" + key
	}
	task, err := s.cfg.Orchestrator.Dispatch(c.Request.Context(), dr)
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

// GET /api/v1/tasks
func (s *Server) handleListTasks(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	f := persistence.TaskFilter{
		TenantID:  p.TenantID,
		AgentType: c.Query("agent_type"),
	}
	if raw := c.Query("status"); raw != "" {
		st, ok := persistence.ParseTaskStatus(raw)
		if !ok {
			badRequest(c, "unknown status "+strconv.Quote(raw))
			return
		}
		f.Status = st
	}
	var ok bool
	if f.Limit, ok = queryInt(c, "limit"); !ok {
		return
	}
	if f.Offset, ok = queryInt(c, "offset"); !ok {
		return
	}
	if f.Limit <= 0 {
		f.Limit = persistence.DefaultListLimit
	}
	f.Limit = min(f.Limit, persistence.MaxListLimit)

	tasks, total, err := s.cfg.Orchestrator.ListTasks(c.Request.Context(), f)
	if err != nil {
		s.writeError(c, err)
		return
	}
	if tasks == nil {
		tasks = []persistence.Task{}
	}
	c.JSON(http.StatusOK, taskListResponse{Tasks: tasks, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// GET /api/v1/tasks/:id
func (s *Server) handleGetTask(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	task, err := s.cfg.Orchestrator.GetTask(c.Request.Context(), p.TenantID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// POST /api/v1/tasks/:id/cancel
func (s *Server) handleCancel(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	task, err := s.cfg.Orchestrator.Cancel(c.Request.Context(), p.TenantID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

// POST /api/v1/tasks/:id/retry
func (s *Server) handleRetry(c *gin.Context) {
	p, _ := PrincipalFrom(c)
	task, err := s.cfg.Orchestrator.Retry(c.Request.Context(), p.TenantID, c.Param("id"))
	if err != nil {
		s.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, task)
}

func queryInt(c *gin.Context, name string) (int, bool) {
	raw := c.Query(name)
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		badRequest(c, name+" must be a non-negative integer")
		return 0, false
	}
	return n, true
}
