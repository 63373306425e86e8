package relay

import (
	"github.com/pkg/errors"
)

var (
	// ErrTransport marks client socket failures. They end the session.
	ErrTransport = errors.New("transport error")
	// ErrMalformedPayload marks channel events without a usable "message" field.
	// The event is skipped and the session continues.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrSessionClosed is returned when running a session that was already closed or started.
	ErrSessionClosed = errors.New("session closed")
)

type causeError struct {
	kind  error
	cause error
}

func (e *causeError) Error() string {
	return e.kind.Error() + ": " + e.cause.Error()
}

func (e *causeError) Unwrap() []error {
	return []error{e.kind, e.cause}
}

func transportError(cause error, msg string) error {
	return errors.Wrap(&causeError{kind: ErrTransport, cause: cause}, msg)
}
