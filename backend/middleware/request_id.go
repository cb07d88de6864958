package middleware

import (
	"context"

	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const maxRequestIDLen = 64

// RequestID tags every request with an id, reusing a sane X-Request-ID
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		// Reuse the caller's request ID unless it is missing or oversized
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" || len(requestID) > maxRequestIDLen {
			requestID = uuid.New().String()
		}

		// Set request ID in response header
		c.Header("X-Request-ID", requestID)

		// Store in gin context
		c.Set("request_id", requestID)

		// Add to request context for logger
		ctx := context.WithValue(c.Request.Context(), logger.RequestIDKey, requestID)
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// GetRequestID gets the request ID from gin context
func GetRequestID(c *gin.Context) string {
	return c.GetString("request_id")
}
