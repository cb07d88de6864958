package middleware

import (
	"net/http"
	"runtime/debug"

	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/gin-gonic/gin"
)

// Recovery turns a panic into a 500 and logs it with the stack
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				// Log the panic with stack trace; request_id comes from the context
				logger.Error(c.Request.Context(), "panic recovered",
					"error", err,
					"method", c.Request.Method,
					"path", c.Request.URL.Path,
					"stack", string(debug.Stack()),
				)

				// Return 500 error in the shared error body
				abort(c, http.StatusInternalServerError, "INTERNAL", "Internal server error")
			}
		}()

		c.Next()
	}
}
