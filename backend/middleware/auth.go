package middleware

import (
	"net/http"
	"strings"
	"time"

	"github.com/AnTengye/securetrack/backend/config"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Claims represents the JWT claims
type Claims struct {
	UserID   string `json:"uid"`
	Role     string `json:"role"`
	DeviceID string `json:"did"`
	jwt.RegisteredClaims
}

// GenerateToken issues a bearer token bound to the user and the device it logged in from
func GenerateToken(user *model.User, deviceID string, cfg *config.AuthConfig) (string, time.Time, error) {
	now := time.Now()
	expiresAt := now.Add(time.Duration(cfg.TokenExpireHours) * time.Hour)

	claims := Claims{
		UserID:   user.ID,
		Role:     string(user.Role),
		DeviceID: deviceID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString([]byte(cfg.JWTSecret))
	if err != nil {
		return "", time.Time{}, err
	}

	return tokenString, expiresAt, nil
}

// abort writes the shared error body and stops the chain
func abort(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, gin.H{
		"error":      msg,
		"code":       code,
		"request_id": GetRequestID(c),
	})
}

// AuthMiddleware validates the bearer token. Every failure is a 401 with
// code UNAUTHORIZED, which clients treat as "log in again".
func AuthMiddleware(cfg *config.AuthConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "Authorization header required")
			return
		}

		// Extract token from "Bearer <token>"
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid authorization header format")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(parts[1], claims, func(token *jwt.Token) (interface{}, error) {
			return []byte(cfg.JWTSecret), nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

		if err != nil || !token.Valid || claims.UserID == "" {
			abort(c, http.StatusUnauthorized, "UNAUTHORIZED", "Invalid or expired token")
			return
		}

		c.Set("user_id", claims.UserID)
		c.Set("role", claims.Role)
		c.Set("device_id", claims.DeviceID)
		c.Request = c.Request.WithContext(logger.WithUser(c.Request.Context(), claims.UserID, claims.Role))

		c.Next()
	}
}

// RequireRole rejects authenticated callers without the given role
func RequireRole(role model.UserRole) gin.HandlerFunc {
	return func(c *gin.Context) {
		if GetRole(c) != string(role) {
			abort(c, http.StatusForbidden, "FORBIDDEN", "Insufficient role")
			return
		}
		c.Next()
	}
}

// GetUserID gets the authenticated user id from context
func GetUserID(c *gin.Context) string {
	return c.GetString("user_id")
}

// GetRole gets the authenticated role from context
func GetRole(c *gin.Context) string {
	return c.GetString("role")
}

// GetDeviceID gets the device the token was issued to
func GetDeviceID(c *gin.Context) string {
	return c.GetString("device_id")
}
