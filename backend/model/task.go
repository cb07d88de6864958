package model

import (
	"fmt"
	"time"
)

// TaskStatus is the lifecycle state of a delivery task
type TaskStatus string

const (
	StatusPending    TaskStatus = "PENDING"
	StatusInProgress TaskStatus = "IN_PROGRESS"
	StatusCompleted  TaskStatus = "COMPLETED"
	StatusSuspicious TaskStatus = "SUSPICIOUS"
)

// AllStatuses lists every status in lifecycle order
var AllStatuses = []TaskStatus{StatusPending, StatusInProgress, StatusCompleted, StatusSuspicious}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	StatusPending: {
		StatusInProgress: {},
	},
	StatusInProgress: {
		StatusCompleted:  {},
		StatusSuspicious: {},
	},
	StatusCompleted:  {},
	StatusSuspicious: {},
}

// Valid reports whether s is one of the known statuses
func (s TaskStatus) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

// Terminal reports whether no transition can leave s
func (s TaskStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusSuspicious
}

// Active reports whether a task in status s holds its sealed pack code
func (s TaskStatus) Active() bool {
	return s == StatusPending || s == StatusInProgress
}

// ParseTaskStatus converts a raw string into a TaskStatus
func ParseTaskStatus(raw string) (TaskStatus, error) {
	s := TaskStatus(raw)
	if !s.Valid() {
		return "", fmt.Errorf("invalid task status: %q", raw)
	}
	return s, nil
}

// ValidateTransition checks from -> to against the lifecycle table
func ValidateTransition(from, to TaskStatus) error {
	if !from.Valid() {
		return fmt.Errorf("invalid task status: %q", from)
	}
	if !to.Valid() {
		return fmt.Errorf("invalid task status: %q", to)
	}
	if _, ok := allowedTransitions[from][to]; !ok {
		return fmt.Errorf("invalid task transition: %s -> %s", from, to)
	}
	return nil
}

// Task is a sealed-pack delivery between two locations inside a time window
type Task struct {
	ID                  string             `json:"id"`
	SealedPackCode      string             `json:"sealed_pack_code"`
	SourceLocation      string             `json:"source_location"`
	DestinationLocation string             `json:"destination_location"`
	AssignedUserID      string             `json:"assigned_user_id"`
	AssignedUser        *User              `json:"assigned_user,omitempty"`
	StartTime           time.Time          `json:"start_time"`
	EndTime             time.Time          `json:"end_time"`
	Status              TaskStatus         `json:"status"`
	CreatedAt           time.Time          `json:"created_at"`
	Events              []*CheckpointEvent `json:"events,omitempty"`
}

// InWindow reports whether t lies in [StartTime, EndTime], both ends inclusive
func (t *Task) InWindow(at time.Time) bool {
	return !at.Before(t.StartTime) && !at.After(t.EndTime)
}

// Clone returns a shallow copy without the embedded user and events
func (t *Task) Clone() *Task {
	c := *t
	c.AssignedUser = nil
	c.Events = nil
	return &c
}

// DeriveStatus computes a task's status from its accepted checkpoints.
// The result depends only on which checkpoint types are present and, once
// FINAL exists, on whether its server timestamp falls inside the window.
func DeriveStatus(task *Task, events []*CheckpointEvent) TaskStatus {
	var final *CheckpointEvent
	for _, e := range events {
		if e.EventType == EventFinal {
			final = e
		}
	}
	switch {
	case len(events) == 0:
		return StatusPending
	case final == nil:
		return StatusInProgress
	case task.InWindow(final.ServerTimestamp):
		return StatusCompleted
	default:
		return StatusSuspicious
	}
}
