package models

import (
	"errors"
	"fmt"
)

// Domain errors for the promotion engine. Callers match with errors.Is; the
// storage layer translates constraint violations into these so no driver
// error ever crosses a service boundary.
var (
	ErrNotFound             = errors.New("not found")
	ErrCodeNotFound         = errors.New("promotion code not found")
	ErrCodeInactive         = errors.New("promotion code not active")
	ErrAlreadyRedeemed      = errors.New("code already redeemed for this cart")
	ErrAlreadyFinalized     = errors.New("reservation already finalized")
	ErrNotReserved          = errors.New("reservation is not in reserved state")
	ErrPerUserLimitExceeded = errors.New("per-user usage limit exceeded")
	ErrTotalLimitExceeded   = errors.New("total usage limit exceeded")
	ErrReservationExpired   = errors.New("reservation expired")
	ErrGatewayUnavailable   = errors.New("payment gateway unavailable")
)

// Storage-level signals passed between the repositories and their callers.
// Not part of the user-facing taxonomy; services translate them.
var (
	ErrDuplicateEvent = errors.New("duplicate gateway event")
	ErrArtifactExists = errors.New("artifact already exists")
)

// ValidationError rejects a malformed promotion rule or request before any
// write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid is a shorthand constructor used by the catalog validators.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
