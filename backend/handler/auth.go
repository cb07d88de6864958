package handler

import (
	"net/http"
	"time"

	"github.com/AnTengye/securetrack/backend/config"
	"github.com/AnTengye/securetrack/backend/middleware"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/service"
	"github.com/gin-gonic/gin"
)

type AuthHandler struct {
	auth   *service.AuthService
	config *config.AuthConfig
}

func NewAuthHandler(auth *service.AuthService, cfg *config.AuthConfig) *AuthHandler {
	return &AuthHandler{auth: auth, config: cfg}
}

type LoginRequest struct {
	Phone    string `json:"phone" binding:"required"`
	DeviceID string `json:"device_id" binding:"required"`
}

type LoginResponse struct {
	AccessToken string      `json:"access_token"`
	TokenType   string      `json:"token_type"`
	ExpiresAt   string      `json:"expires_at"`
	User        *model.User `json:"user"`
}

// Login exchanges phone + device_id for a bearer token
func (h *AuthHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "phone and device_id are required")
		return
	}

	user, err := h.auth.Login(c.Request.Context(), req.Phone, req.DeviceID, c.ClientIP())
	if err != nil {
		respondError(c, err)
		return
	}

	token, expiresAt, err := middleware.GenerateToken(user, user.BoundDevice(), h.config)
	if err != nil {
		respondError(c, err)
		return
	}

	c.JSON(http.StatusOK, LoginResponse{
		AccessToken: token,
		TokenType:   "Bearer",
		ExpiresAt:   expiresAt.Format(time.RFC3339),
		User:        user,
	})
}

// GetCurrentUser returns the authenticated user
func (h *AuthHandler) GetCurrentUser(c *gin.Context) {
	user, err := h.auth.GetUser(c.Request.Context(), middleware.GetUserID(c))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}
