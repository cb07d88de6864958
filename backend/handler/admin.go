package handler

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/service"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/gin-gonic/gin"
)

// AdminHandler serves the console's ADMIN-only API
type AdminHandler struct {
	registry *service.TaskRegistry
	evidence *service.EvidenceStore
	audit    *service.AuditTrail
	auth     *service.AuthService
}

func NewAdminHandler(registry *service.TaskRegistry, evidence *service.EvidenceStore, audit *service.AuditTrail, auth *service.AuthService) *AdminHandler {
	return &AdminHandler{registry: registry, evidence: evidence, audit: audit, auth: auth}
}

// ListTasks returns tasks newest first with their assignees, optionally
// filtered by ?status=
func (h *AdminHandler) ListTasks(c *gin.Context) {
	ctx := c.Request.Context()
	filter := store.TaskFilter{
		Status:         model.TaskStatus(strings.ToUpper(c.Query("status"))),
		AssignedUserID: c.Query("assigned_user_id"),
	}
	tasks, err := h.registry.ListTasks(ctx, filter)
	if err != nil {
		respondError(c, err)
		return
	}

	// one user lookup for the whole page
	users, err := h.auth.ListUsers(ctx)
	if err != nil {
		respondError(c, err)
		return
	}
	byID := make(map[string]*model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	for _, t := range tasks {
		t.AssignedUser = byID[t.AssignedUserID]
	}

	c.JSON(http.StatusOK, tasks)
}

// GetTask returns a task with its assignee and checkpoint timeline
func (h *AdminHandler) GetTask(c *gin.Context) {
	ctx := c.Request.Context()
	task, err := h.registry.GetTask(ctx, c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}

	user, err := h.auth.GetUser(ctx, task.AssignedUserID)
	switch {
	case err == nil:
		task.AssignedUser = user
	case !errors.Is(err, service.ErrNotFound):
		respondError(c, err)
		return
	}

	events, err := h.evidence.ListCheckpoints(ctx, task.ID)
	if err != nil {
		respondError(c, err)
		return
	}
	task.Events = events

	c.JSON(http.StatusOK, task)
}

func (h *AdminHandler) CreateTask(c *gin.Context) {
	var spec service.TaskSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		err = fmt.Errorf("%w: invalid request: %v", service.ErrValidation, err)
		h.registry.Reject(c.Request.Context(), actorOf(c), err)
		respondError(c, err)
		return
	}

	task, err := h.registry.CreateTask(c.Request.Context(), actorOf(c), spec)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, task)
}

func (h *AdminHandler) ListTaskEvents(c *gin.Context) {
	events, err := h.evidence.ListCheckpoints(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, events)
}

// ListAuditLogs pages newest-first; a short page means no more data
func (h *AdminHandler) ListAuditLogs(c *gin.Context) {
	limit, err := intQuery(c, "limit", service.DefaultAuditLimit)
	if err != nil {
		badRequest(c, "limit must be an integer")
		return
	}
	offset, err := intQuery(c, "offset", 0)
	if err != nil {
		badRequest(c, "offset must be an integer")
		return
	}

	entries, err := h.audit.List(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

func (h *AdminHandler) ListUsers(c *gin.Context) {
	users, err := h.auth.ListUsers(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, users)
}

func (h *AdminHandler) CreateUser(c *gin.Context) {
	var in service.NewUser
	if err := c.ShouldBindJSON(&in); err != nil {
		err = fmt.Errorf("%w: invalid request: %v", service.ErrValidation, err)
		h.auth.RejectUser(c.Request.Context(), actorOf(c), err)
		respondError(c, err)
		return
	}

	user, err := h.auth.CreateUser(c.Request.Context(), actorOf(c), in)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, user)
}

// Stats returns task counts per status for the dashboard
func (h *AdminHandler) Stats(c *gin.Context) {
	stats, err := h.registry.Stats(c.Request.Context())
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func intQuery(c *gin.Context, key string, def int) (int, error) {
	raw := c.Query(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
