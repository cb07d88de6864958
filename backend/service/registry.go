package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnTengye/securetrack/backend/metrics"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/google/uuid"
)

// Actor identifies who is calling and from where, for audit attribution
type Actor struct {
	UserID    string
	IPAddress string
}

// TaskSpec is the input to CreateTask
type TaskSpec struct {
	SealedPackCode      string    `json:"sealed_pack_code"`
	SourceLocation      string    `json:"source_location"`
	DestinationLocation string    `json:"destination_location"`
	AssignedUserID      string    `json:"assigned_user_id"`
	StartTime           time.Time `json:"start_time"`
	EndTime             time.Time `json:"end_time"`
}

// TaskRegistry owns task records and their status transitions
type TaskRegistry struct {
	store      store.Store
	audit      *AuditTrail
	now        func() time.Time
	startGrace time.Duration
}

func NewTaskRegistry(s store.Store, audit *AuditTrail, now func() time.Time, startGrace time.Duration) *TaskRegistry {
	if now == nil {
		now = time.Now
	}
	return &TaskRegistry{store: s, audit: audit, now: now, startGrace: startGrace}
}

func (r *TaskRegistry) validate(spec *TaskSpec) error {
	spec.SealedPackCode = strings.TrimSpace(spec.SealedPackCode)
	spec.SourceLocation = strings.TrimSpace(spec.SourceLocation)
	spec.DestinationLocation = strings.TrimSpace(spec.DestinationLocation)
	spec.AssignedUserID = strings.TrimSpace(spec.AssignedUserID)

	switch {
	case spec.SealedPackCode == "":
		return validationf("sealed_pack_code is required")
	case spec.SourceLocation == "":
		return validationf("source_location is required")
	case spec.DestinationLocation == "":
		return validationf("destination_location is required")
	case spec.AssignedUserID == "":
		return validationf("assigned_user_id is required")
	case spec.StartTime.IsZero() || spec.EndTime.IsZero():
		return validationf("start_time and end_time are required")
	case !spec.StartTime.Before(spec.EndTime):
		return validationf("start_time must be before end_time")
	}
	if earliest := r.now().Add(-r.startGrace); spec.StartTime.Before(earliest) {
		return validationf("start_time %s is in the past", spec.StartTime.Format(time.RFC3339))
	}
	return nil
}

// CreateTask registers a PENDING task. A rejected creation is audited too.
func (r *TaskRegistry) CreateTask(ctx context.Context, actor Actor, spec TaskSpec) (*model.Task, error) {
	task, err := r.createTask(ctx, actor, spec)
	if err != nil {
		r.Reject(ctx, actor, err)
		return nil, err
	}

	metrics.TasksCreatedTotal.Inc()
	r.audit.Committed(model.ActionTaskCreated)
	logger.Info(ctx, "task created",
		"task_id", task.ID,
		"sealed_pack_code", task.SealedPackCode,
		"assigned_user_id", task.AssignedUserID,
	)
	return task, nil
}

// Reject writes the TASK_CREATE_REJECTED entry for a refused creation.
// Handlers use it for bodies that never decode into a TaskSpec.
func (r *TaskRegistry) Reject(ctx context.Context, actor Actor, cause error) {
	logger.Warn(ctx, "task creation rejected", "error", cause)
	_ = r.audit.Record(ctx, AuditEntry{
		UserID:     actor.UserID,
		Action:     model.ActionTaskCreateRejected,
		EntityType: model.EntityTask,
		IPAddress:  actor.IPAddress,
	})
}

func (r *TaskRegistry) createTask(ctx context.Context, actor Actor, spec TaskSpec) (*model.Task, error) {
	if err := r.validate(&spec); err != nil {
		return nil, err
	}

	assignee, err := r.store.GetUser(ctx, spec.AssignedUserID)
	if err != nil {
		return nil, fromStore(err, "assigned user")
	}
	if !assignee.IsActive {
		return nil, validationf("assigned user %s is inactive", assignee.ID)
	}
	if assignee.Role != model.RoleDelivery {
		return nil, validationf("assigned user %s is not a delivery user", assignee.ID)
	}

	task := &model.Task{
		ID:                  uuid.New().String(),
		SealedPackCode:      spec.SealedPackCode,
		SourceLocation:      spec.SourceLocation,
		DestinationLocation: spec.DestinationLocation,
		AssignedUserID:      assignee.ID,
		StartTime:           spec.StartTime,
		EndTime:             spec.EndTime,
		Status:              model.StatusPending,
		CreatedAt:           r.now(),
	}

	err = r.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertTask(ctx, task); err != nil {
			return err
		}
		return r.audit.Append(ctx, tx, AuditEntry{
			UserID:     actor.UserID,
			Action:     model.ActionTaskCreated,
			EntityType: model.EntityTask,
			EntityID:   task.ID,
			IPAddress:  actor.IPAddress,
		})
	})
	if err != nil {
		return nil, fromStore(err, "sealed pack code "+task.SealedPackCode)
	}
	return task, nil
}

func (r *TaskRegistry) GetTask(ctx context.Context, id string) (*model.Task, error) {
	task, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, fromStore(err, "task "+id)
	}
	return task, nil
}

// ListTasks returns matching tasks newest-created first
func (r *TaskRegistry) ListTasks(ctx context.Context, filter store.TaskFilter) ([]*model.Task, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, validationf("invalid status filter %q", filter.Status)
	}
	return r.store.ListTasks(ctx, filter)
}

// TransitionStatus moves a task from -> to inside tx. It fails with
// ErrStaleState when the stored status is no longer from.
func (r *TaskRegistry) TransitionStatus(ctx context.Context, tx store.Tx, id string, from, to model.TaskStatus) error {
	if err := model.ValidateTransition(from, to); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := tx.CompareAndSetStatus(ctx, id, from, to); err != nil {
		if errors.Is(err, store.ErrStaleStatus) {
			return fmt.Errorf("%w: task %s is no longer %s", ErrStaleState, id, from)
		}
		return fromStore(err, "task "+id)
	}
	return nil
}

// Stats returns the number of tasks in each status
func (r *TaskRegistry) Stats(ctx context.Context) (map[model.TaskStatus]int, error) {
	return r.store.CountTasksByStatus(ctx)
}
