package gateway

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/history"
)

// Retrying retries a Completer with exponential backoff. Blank messages and
// cancelled contexts are not retried.
type Retrying struct {
	next       Completer
	maxRetries uint64
	initial    time.Duration
	maxWait    time.Duration
}

var _ Completer = (*Retrying)(nil)

func NewRetrying(next Completer, maxRetries uint64, initial, maxWait time.Duration) *Retrying {
	if initial <= 0 {
		initial = 500 * time.Millisecond
	}
	if maxWait < initial {
		maxWait = initial
	}
	return &Retrying{next: next, maxRetries: maxRetries, initial: initial, maxWait: maxWait}
}

func (r *Retrying) Complete(ctx context.Context, userMessage string, turns []history.Turn) (string, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = r.initial
	eb.MaxInterval = r.maxWait
	eb.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, r.maxRetries), ctx)

	var reply string
	attempt := 0
	op := func() error {
		attempt++
		out, err := r.next.Complete(ctx, userMessage, turns)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ErrEmptyMessage) {
				return backoff.Permanent(err)
			}
			return err
		}
		reply = out
		return nil
	}
	notify := func(err error, wait time.Duration) {
		log.Warn().Err(err).Str("component", "gateway").Int("attempt", attempt).Dur("wait", wait).Msg("gateway call failed, retrying")
	}
	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		if !errors.Is(err, ErrGateway) {
			return "", failed(err, "complete")
		}
		return "", err
	}
	return reply, nil
}
