package middleware

import (
	"time"

	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/gin-gonic/gin"
)

// RequestLogger writes one access log line per request
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		// Process request
		c.Next()

		// Get status code
		status := c.Writer.Status()

		// Build log attributes
		attrs := []any{
			"status", status,
			"method", c.Request.Method,
			"path", path,
			"latency_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		}
		if query != "" {
			attrs = append(attrs, "query", query)
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, "errors", c.Errors.String())
		}

		// Request context carries request_id and, once authenticated, the user
		log := logger.WithContext(c.Request.Context())

		// Log with appropriate level based on status code
		switch {
		case status >= 500:
			log.Error("request completed", attrs...)
		case status >= 400:
			log.Warn("request completed", attrs...)
		default:
			log.Info("request completed", attrs...)
		}
	}
}
