// Package gateway wraps the remote conversational-AI call used to answer each user
// message. The default backend is an HTTP endpoint that receives the message and the
// encoded history as query parameters; direct Anthropic and OpenAI backends are
// available for deployments without that endpoint.
package gateway

import (
	"context"

	"github.com/pkg/errors"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

var (
	// ErrGateway marks every failure of a completion call.
	ErrGateway = errors.New("gateway error")
	// ErrEmptyMessage is returned for blank user messages and is never retried.
	ErrEmptyMessage = errors.New("empty user message")
)

// Completer answers one user message given the prior conversation.
type Completer interface {
	Complete(ctx context.Context, userMessage string, turns []history.Turn) (string, error)
}

type CompleterFunc func(ctx context.Context, userMessage string, turns []history.Turn) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, userMessage string, turns []history.Turn) (string, error) {
	return f(ctx, userMessage, turns)
}

type gatewayError struct {
	cause error
}

func (e *gatewayError) Error() string {
	return ErrGateway.Error() + ": " + e.cause.Error()
}

func (e *gatewayError) Unwrap() []error {
	return []error{ErrGateway, e.cause}
}

func failed(cause error, format string, args ...any) error {
	if cause == nil {
		return errors.Wrapf(ErrGateway, format, args...)
	}
	return errors.Wrapf(&gatewayError{cause: cause}, format, args...)
}
