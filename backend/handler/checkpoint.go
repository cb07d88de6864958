package handler

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/AnTengye/securetrack/backend/middleware"
	"github.com/AnTengye/securetrack/backend/service"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/gin-gonic/gin"
)

// multipartMemory is how much of a submission is buffered in memory before
// the image spills to a temp file
const multipartMemory = 8 << 20

// DeliveryHandler is the device-bound API delivery users submit evidence through
type DeliveryHandler struct {
	registry      *service.TaskRegistry
	engine        *service.Engine
	auth          *service.AuthService
	maxImageBytes int64
}

func NewDeliveryHandler(registry *service.TaskRegistry, engine *service.Engine, auth *service.AuthService, maxImageBytes int64) *DeliveryHandler {
	return &DeliveryHandler{registry: registry, engine: engine, auth: auth, maxImageBytes: maxImageBytes}
}

// RequireBoundDevice checks X-Device-ID against the token and the user's
// bound device
func (h *DeliveryHandler) RequireBoundDevice() gin.HandlerFunc {
	return func(c *gin.Context) {
		deviceID := c.GetHeader("X-Device-ID")
		if deviceID != middleware.GetDeviceID(c) {
			// a token carried to another device is a mismatch as well
			deviceID = ""
		}
		if _, err := h.auth.VerifyDevice(c.Request.Context(), middleware.GetUserID(c), deviceID, c.ClientIP()); err != nil {
			respondError(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}

// ListMyTasks returns the caller's tasks, newest first
func (h *DeliveryHandler) ListMyTasks(c *gin.Context) {
	tasks, err := h.registry.ListTasks(c.Request.Context(), store.TaskFilter{
		AssignedUserID: middleware.GetUserID(c),
	})
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// SubmitEvent accepts a multipart checkpoint: event_type, latitude,
// longitude, optional image_hash and the image file
func (h *DeliveryHandler) SubmitEvent(c *gin.Context) {
	ctx := c.Request.Context()
	// leave room for the form fields around the image
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxImageBytes+1<<20)

	sub := service.Submission{
		Actor:  actorOf(c),
		TaskID: c.Param("id"),
	}

	if err := c.Request.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			err = fmt.Errorf("%w: image exceeds %d bytes", service.ErrValidation, h.maxImageBytes)
		} else {
			err = fmt.Errorf("%w: invalid multipart form: %v", service.ErrValidation, err)
		}
		h.engine.Reject(ctx, sub, err)
		respondError(c, err)
		return
	}
	sub.EventType = strings.ToUpper(strings.TrimSpace(c.PostForm("event_type")))

	lat, latErr := strconv.ParseFloat(c.PostForm("latitude"), 64)
	lng, lngErr := strconv.ParseFloat(c.PostForm("longitude"), 64)
	if latErr != nil || lngErr != nil {
		err := fmt.Errorf("%w: latitude and longitude must be numbers", service.ErrValidation)
		h.engine.Reject(ctx, sub, err)
		respondError(c, err)
		return
	}
	sub.Latitude, sub.Longitude = lat, lng

	file, header, err := c.Request.FormFile("image")
	if err == nil {
		defer file.Close()

		contentType := header.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			buffer := make([]byte, 512)
			n, _ := file.Read(buffer)
			contentType = http.DetectContentType(buffer[:n])
			if _, err := file.Seek(0, io.SeekStart); err != nil {
				respondError(c, err)
				return
			}
		}

		sub.Image = service.ImageUpload{
			Reader:      file,
			Size:        header.Size,
			ContentType: contentType,
			ClaimedHash: c.PostForm("image_hash"),
		}
	}

	result, err := h.engine.Submit(ctx, sub)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, result)
}
