// Package clustererr defines the typed error taxonomy shared across the
// cluster control plane. Callers compare with errors.Is; the Kind string
// is what operator-facing responses serialize, and it never carries a
// token or other sensitive value.
package clustererr

import (
	"errors"
	"fmt"
)

// Kind is a stable, serializable error classification.
type Kind string

const (
	KindNotFound           Kind = "not_found"
	KindOwnershipConflict  Kind = "ownership_conflict"
	KindBackendUnavailable Kind = "backend_unavailable"
	KindDaemonUnavailable  Kind = "daemon_unavailable"
	KindBackpressureDrop   Kind = "backpressure_drop"
	KindProtocolViolation  Kind = "protocol_violation"
)

// Error is the typed error returned across the public API of Store,
// Registry, ControlSession and PTYRouter.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is lets callers write errors.Is(err, clustererr.NotFound) style checks
// against the sentinel values below, matching on Kind rather than identity.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return e.Kind == other.Kind
	}
	return false
}

func newErr(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Sentinels usable with errors.Is for kind-only comparisons.
var (
	NotFound           = &Error{Kind: KindNotFound}
	OwnershipConflict  = &Error{Kind: KindOwnershipConflict}
	BackendUnavailable = &Error{Kind: KindBackendUnavailable}
	DaemonUnavailable  = &Error{Kind: KindDaemonUnavailable}
	BackpressureDrop   = &Error{Kind: KindBackpressureDrop}
	ProtocolViolation  = &Error{Kind: KindProtocolViolation}
)

// NotFoundf builds a NotFound error with a formatted message.
func NotFoundf(format string, args ...interface{}) error {
	return newErr(KindNotFound, format, args...)
}

// OwnershipConflictf builds an OwnershipConflict error.
func OwnershipConflictf(format string, args ...interface{}) error {
	return newErr(KindOwnershipConflict, format, args...)
}

// BackendUnavailablef builds a BackendUnavailable error. Callers on
// explicit request paths surface it; heartbeat paths retry and swallow it.
func BackendUnavailablef(format string, args ...interface{}) error {
	return newErr(KindBackendUnavailable, format, args...)
}

// DaemonUnavailablef builds a DaemonUnavailable error.
func DaemonUnavailablef(format string, args ...interface{}) error {
	return newErr(KindDaemonUnavailable, format, args...)
}

// BackpressureDropf builds a BackpressureDrop error.
func BackpressureDropf(format string, args ...interface{}) error {
	return newErr(KindBackpressureDrop, format, args...)
}

// ProtocolViolationf builds a ProtocolViolation error.
func ProtocolViolationf(format string, args ...interface{}) error {
	return newErr(KindProtocolViolation, format, args...)
}

// Wrap attaches a kind to an underlying error while preserving it for
// errors.Unwrap / errors.As.
func Wrap(kind Kind, cause error) *Error {
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}
