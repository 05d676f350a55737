package dispatch

import (
	"errors"
	"fmt"
)

// Kind classifies a dispatch failure. Callers branch on the kind to
// decide whether a retry can help.
type Kind string

const (
	// KindClassification means the intent key is unknown. No audit run
	// exists; the request never entered the system.
	KindClassification Kind = "classification"
	// KindValidation means the params failed the intent's schema. No
	// audit run exists.
	KindValidation Kind = "validation"
	// KindConfiguration means the registry, catalog, or handler bindings
	// have drifted. This is an operator bug, never a user error.
	KindConfiguration Kind = "configuration"
	// KindPolicyDenied means the tenant has not enabled the capability.
	KindPolicyDenied Kind = "policy_denied"
	// KindDuplicateInFlight means the idempotency key is held by a
	// still-pending run. Retrying immediately will not help.
	KindDuplicateInFlight Kind = "duplicate_in_flight"
	// KindDomain is a handler's own business-rule failure.
	KindDomain Kind = "domain"
)

// Error is a structured dispatch failure.
type Error struct {
	Kind    Kind
	Message string
	// RunID is set when an audit run was recorded for the failure.
	RunID string
	// Wrapped is the underlying cause, if any.
	Wrapped error
}

func (e *Error) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Wrapped }

func newError(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapError(kind Kind, err error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Wrapped: err}
}

// KindOf extracts the dispatch kind from err, or "" when err is not a
// dispatch error.
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return ""
}

// Retryable reports whether a caller retry could plausibly succeed
// without operator or tenant action.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindDomain:
		return true
	default:
		return false
	}
}
