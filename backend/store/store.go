// Package store persists users, tasks, checkpoint evidence and the audit
// trail. Uniqueness and compare-and-set guarantees are enforced here so that
// racing callers cannot bypass them.
package store

import (
	"context"
	"errors"

	"github.com/AnTengye/securetrack/backend/model"
)

var (
	ErrNotFound           = errors.New("store: not found")
	ErrDuplicatePackCode  = errors.New("store: sealed pack code already active")
	ErrDuplicateEvent     = errors.New("store: checkpoint already recorded")
	ErrDuplicatePhone     = errors.New("store: phone already registered")
	ErrStaleStatus        = errors.New("store: task status changed concurrently")
	ErrDeviceAlreadyBound = errors.New("store: device already bound")
)

// TaskFilter narrows ListTasks; zero fields match everything
type TaskFilter struct {
	Status         model.TaskStatus
	AssignedUserID string
}

// Reader is the read surface shared by stores and transactions
type Reader interface {
	GetTask(ctx context.Context, id string) (*model.Task, error)
	ListEvents(ctx context.Context, taskID string) ([]*model.CheckpointEvent, error)
	GetUser(ctx context.Context, id string) (*model.User, error)
	GetUserByPhone(ctx context.Context, phone string) (*model.User, error)
}

// Tx is a unit of work. Its writes become visible together when the
// function passed to InTx returns nil, and not at all otherwise.
type Tx interface {
	Reader
	InsertUser(ctx context.Context, u *model.User) error
	BindDevice(ctx context.Context, userID, deviceID string) error
	InsertTask(ctx context.Context, t *model.Task) error
	CompareAndSetStatus(ctx context.Context, taskID string, from, to model.TaskStatus) error
	InsertEvent(ctx context.Context, e *model.CheckpointEvent) error
	AppendAudit(ctx context.Context, entry *model.AuditLog) error
}

type Store interface {
	Reader
	ListTasks(ctx context.Context, filter TaskFilter) ([]*model.Task, error)
	CountTasksByStatus(ctx context.Context) (map[model.TaskStatus]int, error)
	ListUsers(ctx context.Context) ([]*model.User, error)
	// ListAudit returns entries newest-first
	ListAudit(ctx context.Context, limit, offset int) ([]*model.AuditLog, error)
	InTx(ctx context.Context, fn func(tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}
