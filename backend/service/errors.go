package service

import (
	"errors"
	"fmt"

	"github.com/AnTengye/securetrack/backend/store"
)

var (
	ErrValidation      = errors.New("validation failed")
	ErrConflict        = errors.New("conflict")
	ErrOutOfOrderEvent = errors.New("checkpoint out of order")
	ErrDuplicateEvent  = errors.New("checkpoint already recorded")
	ErrStaleState      = errors.New("task state changed concurrently")
	ErrNotFound        = errors.New("not found")
	ErrForbidden       = errors.New("forbidden")
	ErrUnauthorized    = errors.New("unauthorized")
)

// fromStore maps store sentinels onto service errors, keeping the detail
func fromStore(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrNotFound, what)
	case errors.Is(err, store.ErrDuplicatePackCode):
		return fmt.Errorf("%w: sealed pack code is already in use by an active task", ErrConflict)
	case errors.Is(err, store.ErrDuplicatePhone):
		return fmt.Errorf("%w: phone is already registered", ErrConflict)
	case errors.Is(err, store.ErrDuplicateEvent):
		return fmt.Errorf("%w: %s", ErrDuplicateEvent, what)
	case errors.Is(err, store.ErrStaleStatus):
		return fmt.Errorf("%w: %s", ErrStaleState, what)
	case errors.Is(err, store.ErrDeviceAlreadyBound):
		return fmt.Errorf("%w: device already bound", ErrForbidden)
	}
	return err
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
