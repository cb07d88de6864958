package model

import (
	"fmt"
	"time"
)

// UserRole separates console administrators from delivery staff
type UserRole string

const (
	RoleAdmin    UserRole = "ADMIN"
	RoleDelivery UserRole = "DELIVERY"
)

// ParseUserRole converts a raw string into a UserRole
func ParseUserRole(raw string) (UserRole, error) {
	switch r := UserRole(raw); r {
	case RoleAdmin, RoleDelivery:
		return r, nil
	}
	return "", fmt.Errorf("invalid user role: %q", raw)
}

type User struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Role      UserRole  `json:"role"`
	IsActive  bool      `json:"is_active"`
	DeviceID  *string   `json:"device_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// BoundDevice returns the bound device id or "" if none is bound yet
func (u *User) BoundDevice() string {
	if u.DeviceID == nil {
		return ""
	}
	return *u.DeviceID
}

// Clone returns a copy that shares no pointers with u
func (u *User) Clone() *User {
	c := *u
	if u.DeviceID != nil {
		d := *u.DeviceID
		c.DeviceID = &d
	}
	return &c
}
