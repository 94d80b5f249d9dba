// Package errors defines the error taxonomy shared by the trust layer.
package errors

import (
	"errors"
	"fmt"
)

// Error types
const (
	// ErrConfiguration is returned when an operation is missing an endpoint,
	// credential, or other required setting. Never retried.
	ErrConfiguration = "configuration"

	// ErrNetwork is returned when an authorization server, key-set, or
	// introspection endpoint cannot be reached.
	ErrNetwork = "network"

	// ErrTokenInvalid is returned when a token fails verification. Validation
	// paths normally report this as a structured result rather than an error;
	// the type exists for callers that need to convert between the two.
	ErrTokenInvalid = "token_invalid"

	// ErrPolicyViolation is returned when an access-control policy denies a
	// request. Decision paths report this as a decision value, not an error.
	ErrPolicyViolation = "policy_violation"

	// ErrNotFound is returned when a client, allowlist entry, or time window
	// does not exist.
	ErrNotFound = "not_found"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigurationError creates a new configuration error
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

// NewNetworkError creates a new network error
func NewNetworkError(message string, cause error) *Error {
	return NewError(ErrNetwork, message, cause)
}

// NewTokenInvalidError creates a new token invalid error
func NewTokenInvalidError(message string, cause error) *Error {
	return NewError(ErrTokenInvalid, message, cause)
}

// NewPolicyViolationError creates a new policy violation error
func NewPolicyViolationError(message string, cause error) *Error {
	return NewError(ErrPolicyViolation, message, cause)
}

// NewNotFoundError creates a new not found error
func NewNotFoundError(message string, cause error) *Error {
	return NewError(ErrNotFound, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// isType checks if the error (or anything it wraps) carries the given type.
func isType(err error, errorType string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == errorType
}

// IsConfiguration checks if the error is a configuration error
func IsConfiguration(err error) bool {
	return isType(err, ErrConfiguration)
}

// IsNetwork checks if the error is a network error
func IsNetwork(err error) bool {
	return isType(err, ErrNetwork)
}

// IsTokenInvalid checks if the error is a token invalid error
func IsTokenInvalid(err error) bool {
	return isType(err, ErrTokenInvalid)
}

// IsPolicyViolation checks if the error is a policy violation error
func IsPolicyViolation(err error) bool {
	return isType(err, ErrPolicyViolation)
}

// IsNotFound checks if the error is a not found error
func IsNotFound(err error) bool {
	return isType(err, ErrNotFound)
}

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool {
	return isType(err, ErrInternal)
}
