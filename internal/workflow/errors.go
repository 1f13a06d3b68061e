package workflow

import (
	"errors"
	"fmt"
)

// ErrorKind classifies a workflow error for retry and escalation decisions.
type ErrorKind string

const (
	// KindValidation: a required upstream field is missing. Never retried.
	KindValidation ErrorKind = "VALIDATION"
	// KindTransient: network/5xx-class failure. Retried with backoff up to
	// a bounded attempt count, then escalated.
	KindTransient ErrorKind = "TRANSIENT"
	// KindPolicy: a configured limit was exceeded (e.g. revision cap).
	// Surfaced to the caller, not retried.
	KindPolicy ErrorKind = "POLICY"
	// KindConflict: attempted mutation of an approval already in a terminal
	// state. Rejected with no state change.
	KindConflict ErrorKind = "CONFLICT"
	// KindDelivery: the mail carrier rejected a submission after approval.
	// Never retried automatically; a retry could duplicate physical mail.
	KindDelivery ErrorKind = "DELIVERY"
)

// Error is a classified workflow error. Adapters translate transport
// failures into this type; nothing transport-specific crosses a step
// boundary.
type Error struct {
	Kind ErrorKind
	Step string
	Err  error
}

func (e *Error) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s error in %s: %v", e.Kind, e.Step, e.Err)
	}
	return fmt.Sprintf("%s error: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewValidationError wraps a missing-field failure.
func NewValidationError(step string, err error) *Error {
	return &Error{Kind: KindValidation, Step: step, Err: err}
}

// NewTransientError wraps a retryable adapter failure.
func NewTransientError(step string, err error) *Error {
	return &Error{Kind: KindTransient, Step: step, Err: err}
}

// NewPolicyError wraps a configured-limit violation.
func NewPolicyError(step string, err error) *Error {
	return &Error{Kind: KindPolicy, Step: step, Err: err}
}

// NewConflictError wraps an illegal mutation attempt.
func NewConflictError(step string, err error) *Error {
	return &Error{Kind: KindConflict, Step: step, Err: err}
}

// NewDeliveryError wraps a carrier rejection after approval.
func NewDeliveryError(step string, err error) *Error {
	return &Error{Kind: KindDelivery, Step: step, Err: err}
}

// KindOf returns the classification of err, defaulting to transient for
// unclassified errors so that unknown adapter failures stay retryable.
func KindOf(err error) ErrorKind {
	var werr *Error
	if errors.As(err, &werr) {
		return werr.Kind
	}
	return KindTransient
}

// IsRetryable reports whether the error may be retried.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransient
}

var (
	// ErrInvalidTransition is returned when a state transition is not allowed.
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrApprovalNotFound is returned when no approval exists for an identifier.
	ErrApprovalNotFound = errors.New("approval not found")

	// ErrDuplicateApproval is returned when a second in-flight approval would
	// be created for the same task.
	ErrDuplicateApproval = errors.New("task already has an in-flight approval")
)
