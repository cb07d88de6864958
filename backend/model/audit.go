package model

import "time"

// Audit action vocabulary, version 1
const (
	ActionUserLogin           = "USER_LOGIN"
	ActionUserLoginFailed     = "USER_LOGIN_FAILED"
	ActionUserCreated         = "USER_CREATED"
	ActionUserCreateRejected  = "USER_CREATE_REJECTED"
	ActionDeviceBound         = "DEVICE_ID_BOUND"
	ActionDeviceMismatch      = "DEVICE_ID_MISMATCH"
	ActionTaskCreated         = "TASK_CREATED"
	ActionTaskCreateRejected  = "TASK_CREATE_REJECTED"
	ActionEventUploaded       = "EVENT_UPLOADED"
	ActionTaskStarted         = "TASK_STARTED"
	ActionTaskCompleted       = "TASK_COMPLETED"
	ActionTimeWindowViolation = "TIME_WINDOW_VIOLATION"
	ActionEventOutOfOrder     = "EVENT_OUT_OF_ORDER"
	ActionEventDuplicate      = "EVENT_DUPLICATE"
	ActionEventRejected       = "EVENT_REJECTED"
)

// Entity types referenced by audit entries
const (
	EntityTask = "TASK"
	EntityUser = "USER"
)

// AuditLog is one append-only audit trail entry
type AuditLog struct {
	ID         string    `json:"id"`
	Seq        int64     `json:"-"`
	UserID     *string   `json:"user_id"`
	Action     string    `json:"action"`
	EntityType string    `json:"entity_type"`
	EntityID   *string   `json:"entity_id"`
	IPAddress  *string   `json:"ip_address"`
	CreatedAt  time.Time `json:"created_at"`
}

// Optional returns nil for an empty string so it serialises as null
func Optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
