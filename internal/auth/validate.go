// Package auth holds the credential form rules applied before any call to
// the auth service.
package auth

import (
	"net/mail"
	"strings"

	"AssistChat/internal/apperr"
)

// MinPasswordLen is the shortest password the auth service accepts
const MinPasswordLen = 6

// Credentials is a sign-in or sign-up form
type Credentials struct {
	Email    string
	Password string
	// Confirm is only checked on sign-up
	Confirm string
}

// NormalizeEmail trims and lower-cases an address
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail rejects empty or malformed addresses
func ValidateEmail(email string) error {
	email = strings.TrimSpace(email)
	if email == "" {
		return apperr.NewValidationError("email", "is required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return apperr.NewValidationError("email", "is not a valid address")
	}
	return nil
}

// ValidatePassword enforces the minimum length
func ValidatePassword(password string) error {
	if password == "" {
		return apperr.NewValidationError("password", "is required")
	}
	if len([]rune(password)) < MinPasswordLen {
		return apperr.NewValidationError("password", "must be at least 6 characters")
	}
	return nil
}

// ValidateSignIn checks a sign-in form
func ValidateSignIn(c Credentials) error {
	if err := ValidateEmail(c.Email); err != nil {
		return err
	}
	if c.Password == "" {
		return apperr.NewValidationError("password", "is required")
	}
	return nil
}

// ValidateSignUp checks a sign-up form, including the confirmation
func ValidateSignUp(c Credentials) error {
	if err := ValidateEmail(c.Email); err != nil {
		return err
	}
	return ValidateNewPassword(c.Password, c.Confirm)
}

// ValidateNewPassword checks a password change or reset form
func ValidateNewPassword(password, confirm string) error {
	if err := ValidatePassword(password); err != nil {
		return err
	}
	if password != confirm {
		return apperr.NewValidationError("confirm", "passwords do not match")
	}
	return nil
}
