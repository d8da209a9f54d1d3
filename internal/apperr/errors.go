// Package apperr defines the error taxonomy shared by the client core.
//
// Network, validation and auth failures are wrapped in typed errors so callers
// can classify them with the Is* helpers while still unwrapping to the cause.
// NotFound and Stale are plain sentinels.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when an entity vanished between list and operate.
	ErrNotFound = errors.New("entity not found")

	// ErrStale marks a response that belongs to a superseded identity.
	// It is dropped by the stores and never reaches a caller.
	ErrStale = errors.New("stale response")

	// ErrNoRealIdentity is returned by operations that need a signed-in user.
	ErrNoRealIdentity = errors.New("no signed-in user")
)

// NetworkError represents an I/O failure talking to a remote service.
type NetworkError struct {
	err error
}

func (e *NetworkError) Error() string {
	return "network error: " + e.err.Error()
}

func (e *NetworkError) Unwrap() error {
	return e.err
}

// NewNetworkError wraps an error as a network failure.
func NewNetworkError(err error) error {
	if err == nil {
		return nil
	}
	return &NetworkError{err: err}
}

// ValidationError represents input rejected before any network call.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// NewValidationError creates a validation error for a field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// AuthError represents a rejection by the auth service (bad credentials,
// expired link). It carries a message fit for the user.
type AuthError struct {
	Message string
	err     error
}

func (e *AuthError) Error() string {
	return e.Message
}

func (e *AuthError) Unwrap() error {
	return e.err
}

// NewAuthError creates an auth error with a user-facing message.
func NewAuthError(message string) error {
	return &AuthError{Message: message}
}

// WrapAuthError creates an auth error that keeps the underlying cause.
func WrapAuthError(message string, err error) error {
	return &AuthError{Message: message, err: err}
}

// IsNetwork returns true if err is or wraps a NetworkError.
func IsNetwork(err error) bool {
	var target *NetworkError
	return errors.As(err, &target)
}

// IsValidation returns true if err is or wraps a ValidationError.
func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

// IsAuth returns true if err is or wraps an AuthError.
func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

// IsNotFound returns true if err is or wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
