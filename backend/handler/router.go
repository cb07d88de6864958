package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/AnTengye/securetrack/backend/config"
	"github.com/AnTengye/securetrack/backend/middleware"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/service"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Pinger is a dependency /health checks
type Pinger interface {
	Ping(ctx context.Context) error
}

// Services is everything the HTTP layer talks to
type Services struct {
	Registry *service.TaskRegistry
	Engine   *service.Engine
	Evidence *service.EvidenceStore
	Audit    *service.AuditTrail
	Auth     *service.AuthService
	// Health is keyed by component name
	Health map[string]Pinger
}

// NewRouter wires middleware and routes
func NewRouter(cfg *config.Config, svc *Services) *gin.Engine {
	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery())
	router.Use(middleware.RequestLogger())
	router.Use(middleware.Metrics())
	router.Use(corsMiddleware())
	router.Use(noStore())
	router.Use(middleware.RateLimit(&cfg.RateLimit))

	router.GET("/health", health(svc.Health))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	authHandler := NewAuthHandler(svc.Auth, &cfg.Auth)
	adminHandler := NewAdminHandler(svc.Registry, svc.Evidence, svc.Audit, svc.Auth)
	deliveryHandler := NewDeliveryHandler(svc.Registry, svc.Engine, svc.Auth, cfg.Lifecycle.MaxImageBytes())

	router.POST("/auth/login", authHandler.Login)
	router.GET("/auth/me", middleware.AuthMiddleware(&cfg.Auth), authHandler.GetCurrentUser)

	admin := router.Group("/admin")
	admin.Use(middleware.AuthMiddleware(&cfg.Auth), middleware.RequireRole(model.RoleAdmin))
	{
		admin.GET("/tasks", adminHandler.ListTasks)
		admin.POST("/tasks", adminHandler.CreateTask)
		admin.GET("/tasks/:id", adminHandler.GetTask)
		admin.GET("/tasks/:id/events", adminHandler.ListTaskEvents)
		admin.GET("/audit-logs", adminHandler.ListAuditLogs)
		admin.GET("/users", adminHandler.ListUsers)
		admin.POST("/users", adminHandler.CreateUser)
		admin.GET("/stats", adminHandler.Stats)
	}

	tasks := router.Group("/tasks")
	tasks.Use(
		middleware.AuthMiddleware(&cfg.Auth),
		middleware.RequireRole(model.RoleDelivery),
		deliveryHandler.RequireBoundDevice(),
	)
	{
		tasks.GET("", deliveryHandler.ListMyTasks)
		tasks.POST("/:id/events", deliveryHandler.SubmitEvent)
	}

	return router
}

func health(deps map[string]Pinger) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status, checks := http.StatusOK, gin.H{}
		for name, dep := range deps {
			if err := dep.Ping(ctx); err != nil {
				status = http.StatusServiceUnavailable
				checks[name] = err.Error()
				continue
			}
			checks[name] = "ok"
		}

		state := "ok"
		if status != http.StatusOK {
			state = "degraded"
		}
		c.JSON(status, gin.H{
			"status":    state,
			"checks":    checks,
			"timestamp": time.Now().Format(time.RFC3339),
		})
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-Request-ID, X-Device-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET")
		c.Writer.Header().Set("Access-Control-Expose-Headers", "X-Request-ID, Retry-After")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// noStore keeps evidence URLs and audit pages out of caches
func noStore() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Cache-Control", "no-cache, no-store, must-revalidate")
		c.Header("Pragma", "no-cache")
		c.Header("Expires", "0")
		c.Next()
	}
}
