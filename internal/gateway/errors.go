package gateway

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/britta/orchestrator/internal/orchestrator"
)

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func errorBody(code, msg string) gin.H {
	return gin.H{"error": apiError{Code: code, Message: msg}}
}

// statusFor maps the orchestrator error taxonomy onto HTTP.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, orchestrator.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	case errors.Is(err, orchestrator.ErrAgentDisabled):
		return http.StatusConflict, "agent_disabled"
	case errors.Is(err, orchestrator.ErrInvalidTransition):
		return http.StatusConflict, "invalid_transition"
	case errors.Is(err, orchestrator.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, orchestrator.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "store_unavailable"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (s *Server) writeError(c *gin.Context, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.cfg.Logger.Error("request failed", "route", routeOf(c), "error", err)
		msg = "internal error"
	}
	c.AbortWithStatusJSON(status, errorBody(code, msg))
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody("validation_error", msg))
}
