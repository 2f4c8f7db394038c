package observability

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RequestIDHeader is echoed back on every admin response.
const RequestIDHeader = "X-Request-ID"

// AdminRequests logs and times every admin API call. An incoming request id is
// kept, otherwise a new one is assigned.
func AdminRequests(logger zerolog.Logger, p2pID string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := strings.TrimSpace(c.GetHeader(RequestIDHeader))
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(RequestIDHeader, reqID)

		c.Next()

		took := time.Since(start)
		status := c.Writer.Status()
		route := routeLabel(c)
		RecordHTTPRequest(p2pID, c.Request.Method, route, status, took)

		var ev *zerolog.Event
		switch {
		case status >= 500:
			ev = logger.Error()
		case status >= 400:
			ev = logger.Warn()
		default:
			ev = logger.Debug()
		}
		if len(c.Errors) > 0 {
			ev = ev.Str("errors", c.Errors.String())
		}
		ev.Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("route", route).
			Int("status", status).
			Dur("took", took).
			Str("remote", c.ClientIP()).
			Msg("admin.request")
	}
}

// routeLabel keeps metric cardinality bounded to registered routes.
func routeLabel(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return "unmatched"
}
