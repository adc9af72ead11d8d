package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/britta/orchestrator/internal/otel"
	"github.com/britta/orchestrator/internal/shared"
)

// requestContext assigns a trace id, opens a server span and records the
// request duration metric and log line once the handler returns.
func (s *Server) requestContext() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		traceID := strings.TrimSpace(c.GetHeader("X-Trace-ID"))
		if traceID == "" || len(traceID) > 64 {
			traceID = shared.NewTraceID()
		}
		c.Header("X-Trace-ID", traceID)

		ctx := shared.WithTraceID(c.Request.Context(), traceID)
		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, c.Request.Method+" "+routeOf(c))
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		status := c.Writer.Status()
		elapsed := time.Since(start)
		s.cfg.Metrics.Request(ctx, routeOf(c), status, elapsed)
		level := s.cfg.Logger.Debug
		if status >= http.StatusInternalServerError {
			level = s.cfg.Logger.Warn
		}
		level("http request",
			"method", c.Request.Method,
			"route", routeOf(c),
			"status", status,
			"duration_ms", elapsed.Milliseconds(),
			"trace_id", traceID,
		)
	}
}

func routeOf(c *gin.Context) string {
	if r := c.FullPath(); r != "" {
		return r
	}
	return "unmatched"
}

// bodyLimit limits request body size to prevent abuse.
func bodyLimit(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
