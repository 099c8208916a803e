package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/policeconduct/formsapi/pkg/logger"
	"github.com/policeconduct/formsapi/pkg/metrics"
)

// RequestLogger logs every request on arrival and on completion, and counts
// it by method and status. m may be nil.
func RequestLogger(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		logger.Info(ctx, "forms.request.received",
			"method", c.Request.Method,
			"path", path,
			"host", c.Request.Host,
			"source_ip", c.ClientIP(),
			"user_agent", c.Request.UserAgent(),
		)

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()
		m.Request(c.Request.Method, strconv.Itoa(status))

		attrs := []any{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"latency_ms", latency.Milliseconds(),
			"client_ip", c.ClientIP(),
		}

		if query != "" {
			attrs = append(attrs, "query", query)
		}

		switch {
		case status >= 500:
			logger.Error(ctx, "forms.request.completed", attrs...)
		case status >= 400:
			logger.Warn(ctx, "forms.request.completed", attrs...)
		default:
			logger.Info(ctx, "forms.request.completed", attrs...)
		}
	}
}
