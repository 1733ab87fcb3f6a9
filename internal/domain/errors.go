package domain

import (
	"errors"
	"fmt"
)

// Application error codes
const (
	EINVALID      = "invalid"      // Invalid input or validation failure
	EUNAUTHORIZED = "unauthorized" // Authentication required
	ENOTFOUND     = "not_found"    // Resource not found
	ECONFLICT     = "conflict"     // Slug or custom domain already claimed
	ERATELIMIT    = "rate_limit"   // Rate limit exceeded
	ECONFIG       = "config"       // Connection parameters missing at first use
	EPROVISION    = "provision"    // Tenant database could not be provisioned
	EINTERNAL     = "internal"     // Internal server error
)

// Conflict causes. Wrapped by Conflict errors so callers can tell a taken
// slug from a taken custom domain with errors.Is.
var (
	ErrSlugTaken   = errors.New("slug already in use")
	ErrDomainTaken = errors.New("custom domain already in use")
)

// Error represents an application error with structured information.
type Error struct {
	Code    string // Machine-readable error code
	Op      string // Operation that failed (e.g., "tenant.create")
	Message string // Human-readable message
	Err     error  // Underlying error
}

func (e *Error) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("%s: %s", e.Op, e.Message)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Errorf creates a new Error with the given code, operation, and formatted message.
func Errorf(code, op, format string, args ...interface{}) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: fmt.Sprintf(format, args...),
	}
}

// Wrap wraps an existing error with additional context.
func Wrap(err error, code, op, message string) *Error {
	return &Error{
		Code:    code,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// ErrorCode returns the code of the root error, or EINTERNAL if none.
func ErrorCode(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return EINTERNAL
}

// ErrorMessage returns the human-readable message of the error.
func ErrorMessage(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		// Internal and configuration details stay in the logs
		if e.Code == EINTERNAL || e.Code == ECONFIG {
			return "An internal error occurred. Please try again later."
		}
		return e.Message
	}
	return "An internal error occurred. Please try again later."
}

// ErrorOp returns the operation of the root error, if any.
func ErrorOp(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Op
	}
	return ""
}

// NotFound creates a not found error.
func NotFound(op, resource, id string) *Error {
	return &Error{
		Code:    ENOTFOUND,
		Op:      op,
		Message: fmt.Sprintf("%s %q not found", resource, id),
	}
}

// Invalid creates a validation error.
func Invalid(op, message string) *Error {
	return &Error{
		Code:    EINVALID,
		Op:      op,
		Message: message,
	}
}

// Unauthorized creates an authentication error.
func Unauthorized(op, message string) *Error {
	return &Error{
		Code:    EUNAUTHORIZED,
		Op:      op,
		Message: message,
	}
}

// Conflict creates a conflict error. cause should be ErrSlugTaken or
// ErrDomainTaken.
func Conflict(op string, cause error) *Error {
	return &Error{
		Code:    ECONFLICT,
		Op:      op,
		Message: cause.Error(),
		Err:     cause,
	}
}

// Configuration creates an error for missing or unusable connection settings.
func Configuration(op, message string) *Error {
	return &Error{
		Code:    ECONFIG,
		Op:      op,
		Message: message,
	}
}

// Provisioning creates an error for a tenant database that could not be built.
func Provisioning(err error, op, message string) *Error {
	return &Error{
		Code:    EPROVISION,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// Internal creates an internal error, wrapping the underlying error.
func Internal(err error, op, message string) *Error {
	return &Error{
		Code:    EINTERNAL,
		Op:      op,
		Message: message,
		Err:     err,
	}
}

// RateLimit creates a rate limit error.
func RateLimit(op string) *Error {
	return &Error{
		Code:    ERATELIMIT,
		Op:      op,
		Message: "Too many requests. Please try again later.",
	}
}

// IsSlugTaken reports whether err is a conflict on the tenant slug.
func IsSlugTaken(err error) bool {
	return ErrorCode(err) == ECONFLICT && errors.Is(err, ErrSlugTaken)
}

// IsDomainTaken reports whether err is a conflict on the custom domain.
func IsDomainTaken(err error) bool {
	return ErrorCode(err) == ECONFLICT && errors.Is(err, ErrDomainTaken)
}
