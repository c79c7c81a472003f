package gateway

import (
	"errors"
	"fmt"
)

// TransientError marks a provider failure that is safe to retry with the same
// idempotency key: network errors and 5xx responses.
type TransientError struct {
	Op     string
	Status int
	Err    error
}

func (e *TransientError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("gateway: %s: provider returned %d: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("gateway: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// RejectedError marks an explicit provider rejection (4xx). Retrying without
// changing the payload cannot succeed.
type RejectedError struct {
	Op     string
	Status int
	Detail string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("gateway: %s: provider rejected request (%d): %s", e.Op, e.Status, e.Detail)
}

// IsTransient reports whether err is retry-safe.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsRejected reports whether the provider explicitly rejected the payload.
func IsRejected(err error) bool {
	var re *RejectedError
	return errors.As(err, &re)
}
