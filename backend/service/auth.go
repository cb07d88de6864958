package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/AnTengye/securetrack/backend/config"
	"github.com/AnTengye/securetrack/backend/metrics"
	"github.com/AnTengye/securetrack/backend/model"
	"github.com/AnTengye/securetrack/backend/pkg/logger"
	"github.com/AnTengye/securetrack/backend/store"
	"github.com/google/uuid"
)

// AuthService logs users in by phone and binds them to a device
type AuthService struct {
	store store.Store
	audit *AuditTrail
	now   func() time.Time
}

func NewAuthService(s store.Store, audit *AuditTrail, now func() time.Time) *AuthService {
	if now == nil {
		now = time.Now
	}
	return &AuthService{store: s, audit: audit, now: now}
}

// Login checks phone and device. The first successful login binds the
// device; later logins must present the same one.
func (a *AuthService) Login(ctx context.Context, phone, deviceID, ip string) (*model.User, error) {
	phone, deviceID = strings.TrimSpace(phone), strings.TrimSpace(deviceID)
	if phone == "" || deviceID == "" {
		return nil, validationf("phone and device_id are required")
	}

	user, err := a.store.GetUserByPhone(ctx, phone)
	if errors.Is(err, store.ErrNotFound) {
		a.loginFailed(ctx, "", ip, "unknown_phone")
		return nil, fmt.Errorf("%w: unknown phone", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if !user.IsActive {
		a.loginFailed(ctx, user.ID, ip, "inactive")
		return nil, fmt.Errorf("%w: user is inactive", ErrForbidden)
	}

	if user.DeviceID == nil {
		err := a.store.InTx(ctx, func(tx store.Tx) error {
			if err := tx.BindDevice(ctx, user.ID, deviceID); err != nil {
				return err
			}
			return a.audit.Append(ctx, tx, AuditEntry{
				UserID:     user.ID,
				Action:     model.ActionDeviceBound,
				EntityType: model.EntityUser,
				EntityID:   user.ID,
				IPAddress:  ip,
			})
		})
		switch {
		case err == nil:
			a.audit.Committed(model.ActionDeviceBound)
			metrics.LoginsTotal.WithLabelValues("device_bound").Inc()
			logger.Info(ctx, "device bound", "user_id", user.ID)
			d := deviceID
			user.DeviceID = &d
			return user, nil
		case errors.Is(err, store.ErrDeviceAlreadyBound):
			// lost a race with a concurrent first login; compare below
			if user, err = a.store.GetUser(ctx, user.ID); err != nil {
				return nil, fromStore(err, "user")
			}
		default:
			return nil, err
		}
	}

	if user.BoundDevice() != deviceID {
		a.deviceMismatch(ctx, user.ID, ip)
		return nil, fmt.Errorf("%w: device does not match the bound device", ErrForbidden)
	}

	if err := a.audit.Record(ctx, AuditEntry{
		UserID:     user.ID,
		Action:     model.ActionUserLogin,
		EntityType: model.EntityUser,
		EntityID:   user.ID,
		IPAddress:  ip,
	}); err != nil {
		return nil, err
	}
	metrics.LoginsTotal.WithLabelValues("success").Inc()
	return user, nil
}

func (a *AuthService) loginFailed(ctx context.Context, userID, ip, reason string) {
	metrics.LoginsTotal.WithLabelValues(reason).Inc()
	logger.Warn(ctx, "login failed", "reason", reason, "user_id", userID)
	_ = a.audit.Record(ctx, AuditEntry{
		UserID:     userID,
		Action:     model.ActionUserLoginFailed,
		EntityType: model.EntityUser,
		EntityID:   userID,
		IPAddress:  ip,
	})
}

func (a *AuthService) deviceMismatch(ctx context.Context, userID, ip string) {
	metrics.LoginsTotal.WithLabelValues("device_mismatch").Inc()
	logger.Warn(ctx, "device id mismatch", "user_id", userID)
	_ = a.audit.Record(ctx, AuditEntry{
		UserID:     userID,
		Action:     model.ActionDeviceMismatch,
		EntityType: model.EntityUser,
		EntityID:   userID,
		IPAddress:  ip,
	})
}

// VerifyDevice checks that an authenticated caller still acts from its
// bound device. A mismatch is audited.
func (a *AuthService) VerifyDevice(ctx context.Context, userID, deviceID, ip string) (*model.User, error) {
	user, err := a.store.GetUser(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: user no longer exists", ErrUnauthorized)
		}
		return nil, err
	}
	if !user.IsActive {
		a.loginFailed(ctx, user.ID, ip, "inactive")
		return nil, fmt.Errorf("%w: user is inactive", ErrForbidden)
	}
	if deviceID == "" || user.BoundDevice() != deviceID {
		a.deviceMismatch(ctx, user.ID, ip)
		return nil, fmt.Errorf("%w: device does not match the bound device", ErrForbidden)
	}
	return user, nil
}

// NewUser is the input to CreateUser
type NewUser struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

// CreateUser registers an active user. A rejected creation is audited too.
func (a *AuthService) CreateUser(ctx context.Context, actor Actor, in NewUser) (*model.User, error) {
	user, err := a.createUser(ctx, actor, in)
	if err != nil {
		a.RejectUser(ctx, actor, err)
		return nil, err
	}

	a.audit.Committed(model.ActionUserCreated)
	logger.Info(ctx, "user created", "user_id", user.ID, "role", user.Role)
	return user, nil
}

// RejectUser writes the audit entry for a user creation that was refused,
// including requests refused before CreateUser saw them
func (a *AuthService) RejectUser(ctx context.Context, actor Actor, cause error) {
	logger.Warn(ctx, "user creation rejected", "error", cause)
	_ = a.audit.Record(ctx, AuditEntry{
		UserID:     actor.UserID,
		Action:     model.ActionUserCreateRejected,
		EntityType: model.EntityUser,
		IPAddress:  actor.IPAddress,
	})
}

func (a *AuthService) createUser(ctx context.Context, actor Actor, in NewUser) (*model.User, error) {
	in.Name, in.Phone = strings.TrimSpace(in.Name), strings.TrimSpace(in.Phone)
	if in.Name == "" || in.Phone == "" {
		return nil, validationf("name and phone are required")
	}
	role, err := model.ParseUserRole(strings.ToUpper(strings.TrimSpace(in.Role)))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}

	user := &model.User{
		ID:        uuid.New().String(),
		Name:      in.Name,
		Phone:     in.Phone,
		Role:      role,
		IsActive:  true,
		CreatedAt: a.now(),
	}
	err = a.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.InsertUser(ctx, user); err != nil {
			return err
		}
		return a.audit.Append(ctx, tx, AuditEntry{
			UserID:     actor.UserID,
			Action:     model.ActionUserCreated,
			EntityType: model.EntityUser,
			EntityID:   user.ID,
			IPAddress:  actor.IPAddress,
		})
	})
	if err != nil {
		return nil, fromStore(err, "user")
	}
	return user, nil
}

func (a *AuthService) GetUser(ctx context.Context, id string) (*model.User, error) {
	user, err := a.store.GetUser(ctx, id)
	if err != nil {
		return nil, fromStore(err, "user "+id)
	}
	return user, nil
}

func (a *AuthService) ListUsers(ctx context.Context) ([]*model.User, error) {
	return a.store.ListUsers(ctx)
}

// SeedUsers creates configured accounts whose phone is not registered yet
func (a *AuthService) SeedUsers(ctx context.Context, users []config.User) error {
	for _, u := range users {
		if _, err := a.store.GetUserByPhone(ctx, u.Phone); err == nil {
			continue
		} else if !errors.Is(err, store.ErrNotFound) {
			return err
		}
		if _, err := a.CreateUser(ctx, Actor{}, NewUser{Name: u.Name, Phone: u.Phone, Role: u.Role}); err != nil {
			if errors.Is(err, ErrConflict) {
				continue
			}
			return fmt.Errorf("failed to seed user %q: %w", u.Name, err)
		}
	}
	return nil
}
