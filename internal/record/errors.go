package record

import (
	"errors"
	"fmt"
)

// ReasonMaxRetries is the stable reason surfaced when bounded CAS retries
// are exhausted.
const ReasonMaxRetries = "max_retries_exceeded"

// ServiceError carries a stable operation.reason code alongside the cause.
type ServiceError struct {
	code   string
	reason string
	err    error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

// Reason returns the stable reason suffix, e.g. "max_retries_exceeded".
func (e *ServiceError) Reason() string {
	return e.reason
}

// NewServiceError builds a coded error for the given operation and reason.
// The stores layered on durable records share this error shape so callers
// see one taxonomy.
func NewServiceError(operation, reason string, cause error) error {
	return &ServiceError{
		code:   fmt.Sprintf("%s.%s", operation, reason),
		reason: reason,
		err:    cause,
	}
}

func newServiceError(operation, reason string, cause error) error {
	return NewServiceError(operation, reason, cause)
}

// IsReason reports whether err carries the given stable reason.
func IsReason(err error, reason string) bool {
	var serviceErr *ServiceError
	return errors.As(err, &serviceErr) && serviceErr.reason == reason
}

// IsMaxRetries reports whether err is a retry-exhaustion failure.
func IsMaxRetries(err error) bool {
	return IsReason(err, ReasonMaxRetries)
}

// ReasonOf returns the stable reason of a coded error, or "" for other
// errors.
func ReasonOf(err error) string {
	var serviceErr *ServiceError
	if errors.As(err, &serviceErr) {
		return serviceErr.reason
	}
	return ""
}
