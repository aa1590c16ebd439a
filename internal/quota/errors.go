package quota

import (
	"errors"
	"fmt"
)

// ErrKind is the closed set of terminal probe failures. Callers branch on
// the kind to decide user messaging; Detail is advisory only.
type ErrKind string

const (
	ErrCLINotFound          ErrKind = "cli_not_found"
	ErrAuthRequired         ErrKind = "authentication_required"
	ErrSessionExpired       ErrKind = "session_expired"
	ErrFolderTrustRequired  ErrKind = "folder_trust_required"
	ErrSubscriptionRequired ErrKind = "subscription_required"
	ErrUpdateRequired       ErrKind = "update_required"
	ErrTimeout              ErrKind = "timeout"
	ErrExecutionFailed      ErrKind = "execution_failed"
	ErrParseFailed          ErrKind = "parse_failed"
)

// ProbeError is a terminal signal from one probe invocation.
type ProbeError struct {
	Kind   ErrKind
	Detail string
	Err    error // wrapped cause, may be nil
}

func (e *ProbeError) Error() string {
	switch {
	case e.Detail != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	case e.Detail != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return string(e.Kind)
}

func (e *ProbeError) Unwrap() error { return e.Err }

// Is reports kind equality so errors.Is(err, &ProbeError{Kind: k}) works.
func (e *ProbeError) Is(target error) bool {
	var pe *ProbeError
	if !errors.As(target, &pe) {
		return false
	}
	return pe.Kind == e.Kind
}

// Errf builds a ProbeError with a formatted detail string.
func Errf(kind ErrKind, format string, args ...any) *ProbeError {
	return &ProbeError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

// WrapErr builds a ProbeError wrapping a cause.
func WrapErr(kind ErrKind, detail string, err error) *ProbeError {
	return &ProbeError{Kind: kind, Detail: detail, Err: err}
}

// KindOf extracts the error kind, or ErrExecutionFailed for foreign errors.
func KindOf(err error) ErrKind {
	var pe *ProbeError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ErrExecutionFailed
}

// IsKind reports whether err is a ProbeError of the given kind.
func IsKind(err error, kind ErrKind) bool {
	var pe *ProbeError
	return errors.As(err, &pe) && pe.Kind == kind
}
