package handler

import (
	"errors"
	"net/http"

	"github.com/AnTengye/securetrack/backend/middleware"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/AnTengye/securetrack/backend/service"
	"github.com/gin-gonic/gin"
)

var errorCodes = []struct {
	err    error
	status int
	code   string
}{
	{service.ErrValidation, http.StatusBadRequest, "VALIDATION_ERROR"},
	{service.ErrUnauthorized, http.StatusUnauthorized, "UNAUTHORIZED"},
	{service.ErrForbidden, http.StatusForbidden, "FORBIDDEN"},
	{service.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
	{service.ErrConflict, http.StatusConflict, "CONFLICT"},
	{service.ErrOutOfOrderEvent, http.StatusConflict, "OUT_OF_ORDER_EVENT"},
	{service.ErrDuplicateEvent, http.StatusConflict, "DUPLICATE_EVENT"},
	{service.ErrStaleState, http.StatusConflict, "STALE_STATE"},
}

// respondError maps a service error onto a status and the shared error body
func respondError(c *gin.Context, err error) {
	_ = c.Error(err)

	status, code, msg := http.StatusInternalServerError, "INTERNAL", "Internal server error"
	for _, e := range errorCodes {
		if errors.Is(err, e.err) {
			status, code, msg = e.status, e.code, err.Error()
			break
		}
	}
	if status == http.StatusInternalServerError {
		logger.Error(c.Request.Context(), "request failed", "error", err)
	}

	c.JSON(status, gin.H{
		"error":      msg,
		"code":       code,
		"request_id": middleware.GetRequestID(c),
	})
}

// badRequest reports malformed input that never reached a service
func badRequest(c *gin.Context, msg string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":      msg,
		"code":       "VALIDATION_ERROR",
		"request_id": middleware.GetRequestID(c),
	})
}

func actorOf(c *gin.Context) service.Actor {
	return service.Actor{UserID: middleware.GetUserID(c), IPAddress: c.ClientIP()}
}
