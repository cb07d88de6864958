package service

import (
	"context"
	"fmt"
	"time"

	"github.com/AnTengye/securetrack/backend/metrics"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/google/uuid"
)

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 500
)

// AuditEntry is what callers provide; id, sequence and time are assigned here
type AuditEntry struct {
	UserID     string
	Action     string
	EntityType string
	EntityID   string
	IPAddress  string
}

// AuditTrail appends to and pages through the append-only audit log
type AuditTrail struct {
	store store.Store
	now   func() time.Time
}

func NewAuditTrail(s store.Store, now func() time.Time) *AuditTrail {
	if now == nil {
		now = time.Now
	}
	return &AuditTrail{store: s, now: now}
}

func (a *AuditTrail) build(entry AuditEntry) *model.AuditLog {
	return &model.AuditLog{
		ID:         uuid.New().String(),
		UserID:     model.Optional(entry.UserID),
		Action:     entry.Action,
		EntityType: entry.EntityType,
		EntityID:   model.Optional(entry.EntityID),
		IPAddress:  model.Optional(entry.IPAddress),
		CreatedAt:  a.now(),
	}
}

// Append writes entry inside tx; if tx rolls back so does the entry
func (a *AuditTrail) Append(ctx context.Context, tx store.Tx, entry AuditEntry) error {
	if err := tx.AppendAudit(ctx, a.build(entry)); err != nil {
		return fmt.Errorf("failed to append audit entry: %w", err)
	}
	return nil
}

// Record writes entry in a transaction of its own
func (a *AuditTrail) Record(ctx context.Context, entry AuditEntry) error {
	err := a.store.InTx(ctx, func(tx store.Tx) error {
		return a.Append(ctx, tx, entry)
	})
	if err != nil {
		logger.Error(ctx, "failed to record audit entry", "action", entry.Action, "error", err)
		return err
	}
	metrics.AuditEntriesTotal.WithLabelValues(entry.Action).Inc()
	return nil
}

// Committed counts an entry appended through Append once its tx commits
func (a *AuditTrail) Committed(action string) {
	metrics.AuditEntriesTotal.WithLabelValues(action).Inc()
}

// List returns entries newest-first. A page shorter than limit is the last one.
func (a *AuditTrail) List(ctx context.Context, limit, offset int) ([]*model.AuditLog, error) {
	if limit <= 0 {
		limit = DefaultAuditLimit
	}
	if limit > MaxAuditLimit {
		limit = MaxAuditLimit
	}
	if offset < 0 {
		return nil, validationf("offset must not be negative")
	}
	return a.store.ListAudit(ctx, limit, offset)
}
