package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrForbidden        = errors.New("forbidden")
	ErrUnavailable      = errors.New("dependency unavailable")
	ErrAlreadyProcessed = errors.New("already processed")
	ErrDeliveryFailure  = errors.New("delivery failed")
)

// InvalidInputError carries the first schema violation of an ability input.
type InvalidInputError struct {
	Ability string
	Field   string
	Reason  string
}

func (e InvalidInputError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid input for %s: %s", e.Ability, e.Reason)
	}
	return fmt.Sprintf("invalid input for %s: %s: %s", e.Ability, e.Field, e.Reason)
}

// UpstreamError is a domain error reported by an ability handler.
type UpstreamError struct {
	Ability string
	Message string
	Err     error
}

func (e UpstreamError) Error() string {
	return e.Message
}

func (e UpstreamError) Unwrap() error {
	return e.Err
}

// IsInvalidInput reports whether err is an InvalidInputError.
func IsInvalidInput(err error) bool {
	var ie InvalidInputError
	return errors.As(err, &ie)
}

// IsUpstream reports whether err is an UpstreamError.
func IsUpstream(err error) bool {
	var ue UpstreamError
	return errors.As(err, &ue)
}
