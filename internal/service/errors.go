package service

import (
	"errors"
	"fmt"
)

// Sentinel errors for the core taxonomy. Handlers map these to HTTP codes;
// services wrap them with context via fmt.Errorf("...: %w", err).
var (
	ErrValidation          = errors.New("validation failed")
	ErrNotFound            = errors.New("not found")
	ErrForbidden           = errors.New("forbidden")
	ErrConflict            = errors.New("illegal state transition")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrTimeout             = errors.New("operation timed out")
	ErrExternalService     = errors.New("external service failure")
)

// InsufficientBalanceError carries required vs. available so callers can
// report both. It matches errors.Is(err, ErrInsufficientBalance).
type InsufficientBalanceError struct {
	Required  int64
	Available int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: required %d, available %d", e.Required, e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}
