package workflow

import (
	"errors"
	"fmt"
)

// FailureKind classifies a rejected engine call.
type FailureKind string

const (
	FailureNone             FailureKind = ""
	FailureNotFound         FailureKind = "not_found"
	FailureAlreadyProcessed FailureKind = "already_processed"
	FailureValidation       FailureKind = "validation_error"
	FailurePolicyViolation  FailureKind = "policy_violation"
)

// Sentinel errors, one per failure kind, for use with errors.Is.
var (
	ErrNotFound         = errors.New("review not found")
	ErrAlreadyProcessed = errors.New("review already processed")
	ErrValidation       = errors.New("invalid request")
	ErrPolicyViolation  = errors.New("policy violation")
)

// Error is the error form of a failed engine call.
type Error struct {
	Kind     FailureKind
	ReviewID string
	Msg      string
}

func (e *Error) Error() string {
	if e.ReviewID == "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s (review %s)", e.Kind, e.Msg, e.ReviewID)
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return sentinel(e.Kind) == target
}

func sentinel(k FailureKind) error {
	switch k {
	case FailureNotFound:
		return ErrNotFound
	case FailureAlreadyProcessed:
		return ErrAlreadyProcessed
	case FailureValidation:
		return ErrValidation
	case FailurePolicyViolation:
		return ErrPolicyViolation
	}
	return nil
}

func failf(kind FailureKind, id, format string, args ...any) *Error {
	return &Error{Kind: kind, ReviewID: id, Msg: fmt.Sprintf(format, args...)}
}
