// Package errkind classifies the failures a turn can surface to its caller.
package errkind

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is the caller-visible class of a failure.
type Kind string

const (
	// RateLimited means the backend refused the message because a periodic cap was hit.
	RateLimited Kind = "rate_limited"
	// ChannelTimeout means no terminal frame arrived before the turn deadline.
	ChannelTimeout Kind = "channel_timeout"
	// TransportFailure means an outbound request failed after retries were exhausted.
	TransportFailure Kind = "transport_failure"
	// ProtocolViolation means the backend answered with an unexpected shape.
	ProtocolViolation Kind = "protocol_violation"
	// InvalidCredential means the session cannot be used without a new bootstrap.
	InvalidCredential Kind = "invalid_credential"
)

func (k Kind) Error() string { return string(k) }

// Error carries a Kind and the underlying cause.
type Error struct {
	Kind  Kind
	Cause error
}

func (e *Error) Error() string {
	if e.Cause == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Cause.Error())
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, errkind.RateLimited) match on the kind.
func (e *Error) Is(target error) bool {
	k, ok := target.(Kind)
	return ok && k == e.Kind
}

func New(kind Kind, cause error) error {
	if cause == nil {
		cause = errors.New(string(kind))
	}
	return &Error{Kind: kind, Cause: cause}
}

func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Cause: errors.Errorf(format, args...)}
}

// Of returns the kind of the outermost classified error in the chain, or "" if none.
func Of(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func Is(err error, kind Kind) bool {
	return errors.Is(err, kind)
}
