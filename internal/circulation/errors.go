// internal/circulation/errors.go
package circulation

import (
	"errors"
	"fmt"
)

var (
	// ErrConcurrencyConflict signals that the per-copy serialization scope
	// was lost to a concurrent transition. Callers may retry.
	ErrConcurrencyConflict = errors.New("concurrency conflict: copy is being processed by another transition")
)

// IneligibleReason names the business rule that rejected a transition.
type IneligibleReason string

const (
	ReasonMemberInactive      IneligibleReason = "MemberInactive"
	ReasonMembershipExpired   IneligibleReason = "MembershipExpired"
	ReasonCopyUnavailable     IneligibleReason = "CopyUnavailable"
	ReasonMaxBooksReached     IneligibleReason = "MaxBooksReached"
	ReasonDuplicateLoan       IneligibleReason = "DuplicateLoan"
	ReasonAlreadyReturned     IneligibleReason = "AlreadyReturned"
	ReasonRenewalLimitReached IneligibleReason = "RenewalLimitReached"
	ReasonReservedByOther     IneligibleReason = "ReservedByOther"
)

// IneligibleError is a business-rule rejection with an actionable reason.
type IneligibleError struct {
	Reason IneligibleReason
	Detail string
}

func (e *IneligibleError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("ineligible: %s", e.Reason)
	}
	return fmt.Sprintf("ineligible: %s: %s", e.Reason, e.Detail)
}

func ineligible(reason IneligibleReason, format string, args ...any) error {
	return &IneligibleError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// ValidationError reports malformed or missing input, including references
// to entities that do not exist.
type ValidationError struct {
	Field  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Detail)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Detail: fmt.Sprintf(format, args...)}
}

// StoreError wraps an underlying persistence failure. The operation aborted
// with no partial commit.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store failure during %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// AsIneligible unwraps err into an IneligibleError, if it is one.
func AsIneligible(err error) (*IneligibleError, bool) {
	var ie *IneligibleError
	ok := errors.As(err, &ie)
	return ie, ok
}

// AsValidation unwraps err into a ValidationError, if it is one.
func AsValidation(err error) (*ValidationError, bool) {
	var ve *ValidationError
	ok := errors.As(err, &ve)
	return ve, ok
}
