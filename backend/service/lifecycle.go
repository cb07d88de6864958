package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/AnTengye/securetrack/backend/metrics"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/google/uuid"
)

// Submission is one checkpoint submitted by a delivery user
type Submission struct {
	Actor     Actor
	TaskID    string
	EventType string
	Latitude  float64
	Longitude float64
	Image     ImageUpload
}

// SubmitResult is the accepted event and the task status after it
type SubmitResult struct {
	Task  *model.Task            `json:"task"`
	Event *model.CheckpointEvent `json:"event"`
}

// outcome is what accepting a checkpoint does to its task
type outcome struct {
	from   model.TaskStatus
	to     model.TaskStatus
	action string
}

// Engine validates checkpoint submissions and drives task status.
// Evidence, status change and audit entry commit as one unit.
type Engine struct {
	store    store.Store
	registry *TaskRegistry
	evidence *EvidenceStore
	audit    *AuditTrail
	now      func() time.Time
}

func NewEngine(s store.Store, registry *TaskRegistry, evidence *EvidenceStore, audit *AuditTrail, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{store: s, registry: registry, evidence: evidence, audit: audit, now: now}
}

// decide checks a checkpoint of type t against the task's current state
// and returns the resulting transition. at is the server timestamp.
func decide(task *model.Task, events []*model.CheckpointEvent, t model.EventType, at time.Time) (outcome, error) {
	if task.Status.Terminal() {
		if model.HasEvent(events, t) {
			return outcome{}, fmt.Errorf("%w: %s already recorded for %s task", ErrDuplicateEvent, t, task.Status)
		}
		return outcome{}, fmt.Errorf("%w: task is %s", ErrOutOfOrderEvent, task.Status)
	}
	if model.HasEvent(events, t) {
		return outcome{}, fmt.Errorf("%w: %s already recorded", ErrDuplicateEvent, t)
	}
	if next, _ := model.NextExpected(events); next != t {
		return outcome{}, fmt.Errorf("%w: expected %s, got %s", ErrOutOfOrderEvent, next, t)
	}

	o := outcome{from: task.Status, to: task.Status}
	switch t {
	case model.EventPickup:
		if task.Status != model.StatusPending {
			return outcome{}, fmt.Errorf("%w: PICKUP requires a PENDING task, task is %s", ErrOutOfOrderEvent, task.Status)
		}
		o.to, o.action = model.StatusInProgress, model.ActionTaskStarted
	case model.EventTransit:
		if task.Status != model.StatusInProgress {
			return outcome{}, fmt.Errorf("%w: TRANSIT requires an IN_PROGRESS task, task is %s", ErrOutOfOrderEvent, task.Status)
		}
		o.action = model.ActionEventUploaded
	case model.EventFinal:
		if task.Status != model.StatusInProgress {
			return outcome{}, fmt.Errorf("%w: FINAL requires an IN_PROGRESS task, task is %s", ErrOutOfOrderEvent, task.Status)
		}
		if task.InWindow(at) {
			o.to, o.action = model.StatusCompleted, model.ActionTaskCompleted
		} else {
			o.to, o.action = model.StatusSuspicious, model.ActionTimeWindowViolation
		}
	}
	return o, nil
}

// Submit accepts or rejects one checkpoint. Either way exactly one audit
// entry is written. Rejections change nothing else and are never retried.
func (e *Engine) Submit(ctx context.Context, sub Submission) (*SubmitResult, error) {
	res, o, err := e.submit(ctx, sub)
	if err != nil {
		e.Reject(ctx, sub, err)
		return nil, err
	}

	e.audit.Committed(o.action)
	metrics.CheckpointsAcceptedTotal.WithLabelValues(string(res.Event.EventType)).Inc()
	if o.from != o.to {
		metrics.TaskTransitionsTotal.WithLabelValues(string(o.from), string(o.to)).Inc()
	}
	logger.Info(ctx, "checkpoint accepted",
		"task_id", res.Task.ID,
		"event_type", res.Event.EventType,
		"status", res.Task.Status,
		"action", o.action,
	)
	return res, nil
}

func (e *Engine) submit(ctx context.Context, sub Submission) (*SubmitResult, outcome, error) {
	eventType, err := model.ParseEventType(sub.EventType)
	if err != nil {
		return nil, outcome{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := model.ValidateCoordinates(sub.Latitude, sub.Longitude); err != nil {
		return nil, outcome{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	task, err := e.registry.GetTask(ctx, sub.TaskID)
	if err != nil {
		return nil, outcome{}, err
	}
	if task.AssignedUserID != sub.Actor.UserID {
		return nil, outcome{}, fmt.Errorf("%w: task %s is not assigned to caller", ErrForbidden, task.ID)
	}

	// fail fast before uploading; the transaction below re-checks
	events, err := e.store.ListEvents(ctx, task.ID)
	if err != nil {
		return nil, outcome{}, fromStore(err, "task "+task.ID)
	}
	if _, err := decide(task, events, eventType, e.now()); err != nil {
		return nil, outcome{}, err
	}

	staged, err := e.evidence.StageImage(ctx, task.ID, eventType, sub.Image)
	if err != nil {
		return nil, outcome{}, err
	}

	at := e.now()
	event := &model.CheckpointEvent{
		ID:              uuid.New().String(),
		TaskID:          task.ID,
		EventType:       eventType,
		ImageKey:        staged.Key,
		ImageHash:       staged.Hash,
		Latitude:        sub.Latitude,
		Longitude:       sub.Longitude,
		ServerTimestamp: at,
		CreatedAt:       at,
	}

	var o outcome
	err = e.store.InTx(ctx, func(tx store.Tx) error {
		current, err := tx.GetTask(ctx, task.ID)
		if err != nil {
			return fromStore(err, "task "+task.ID)
		}
		recorded, err := tx.ListEvents(ctx, task.ID)
		if err != nil {
			return fromStore(err, "task "+task.ID)
		}
		if o, err = decide(current, recorded, eventType, at); err != nil {
			return err
		}

		if err := e.evidence.RecordCheckpoint(ctx, tx, event); err != nil {
			return err
		}
		if o.from != o.to {
			if err := e.registry.TransitionStatus(ctx, tx, current.ID, o.from, o.to); err != nil {
				return err
			}
		}
		task = current
		return e.audit.Append(ctx, tx, AuditEntry{
			UserID:     sub.Actor.UserID,
			Action:     o.action,
			EntityType: model.EntityTask,
			EntityID:   current.ID,
			IPAddress:  sub.Actor.IPAddress,
		})
	})
	if err != nil {
		e.evidence.Discard(ctx, staged.Key)
		return nil, outcome{}, fromStore(err, fmt.Sprintf("%s for task %s", eventType, task.ID))
	}

	task.Status = o.to
	return &SubmitResult{Task: task, Event: event}, o, nil
}

// Reject writes the single audit entry for a refused submission. Callers
// that refuse a submission before Submit sees it use this directly.
func (e *Engine) Reject(ctx context.Context, sub Submission, cause error) {
	action, reason := model.ActionEventRejected, rejectionReason(cause)
	switch {
	case errors.Is(cause, ErrOutOfOrderEvent):
		action = model.ActionEventOutOfOrder
	case errors.Is(cause, ErrDuplicateEvent):
		action = model.ActionEventDuplicate
	}

	label := sub.EventType
	if _, err := model.ParseEventType(label); err != nil {
		label = "invalid"
	}
	metrics.CheckpointsRejectedTotal.WithLabelValues(label, reason).Inc()
	logger.Warn(ctx, "checkpoint rejected",
		"task_id", sub.TaskID,
		"event_type", sub.EventType,
		"action", action,
		"error", cause,
	)

	_ = e.audit.Record(ctx, AuditEntry{
		UserID:     sub.Actor.UserID,
		Action:     action,
		EntityType: model.EntityTask,
		EntityID:   sub.TaskID,
		IPAddress:  sub.Actor.IPAddress,
	})
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrOutOfOrderEvent):
		return "out_of_order"
	case errors.Is(err, ErrDuplicateEvent):
		return "duplicate"
	case errors.Is(err, ErrStaleState):
		return "stale"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	}
	return "error"
}
