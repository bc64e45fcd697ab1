package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// RequestLogger logs one line per request, tagged with the active trace id
// so status calls can be matched to spans.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).String(),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			fields["trace_id"] = sc.TraceID().String()
		}

		entry := logger.WithFields(fields)
		switch {
		case c.Writer.Status() >= 500:
			entry.Warn("Status request failed")
		default:
			entry.Debug("Status request served")
		}
	}
}
