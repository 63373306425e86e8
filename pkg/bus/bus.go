// Package bus is the channel fan-out used by relay sessions: payloads published to a
// named channel reach every subscription open on that channel at publish time.
//
// Two backends are provided: an in-process bus built on watermill's gochannel and a
// networked bus built on Redis Streams. Sessions depend only on the Bus interface.
package bus

import (
	"context"
	"strings"

	"github.com/pkg/errors"
)

// ErrBusUnavailable marks failures to reach the bus backend.
var ErrBusUnavailable = errors.New("bus unavailable")

// Bus is a publish/subscribe capability over named channels.
type Bus interface {
	// Connect establishes the backend connection. It is called once at process start.
	Connect(ctx context.Context) error
	// Publish delivers payload to every current subscriber of channel. No
	// acknowledgment, persistence or cross-channel ordering is implied.
	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a subscription that yields payloads published from now on.
	// Callers must Close it.
	Subscribe(ctx context.Context, channel string) (*Subscription, error)
	// Close tears down the backend connection.
	Close() error
	// Name identifies the backend ("memory" or "redis").
	Name() string
}

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

func validateChannel(channel string) error {
	if strings.TrimSpace(channel) == "" {
		return errors.New("channel name is empty")
	}
	return nil
}

func unavailable(err error, format string, args ...any) error {
	if err == nil {
		return errors.Wrapf(ErrBusUnavailable, format, args...)
	}
	return errors.Wrapf(&unavailableError{cause: err}, format, args...)
}

// unavailableError keeps the backend cause visible while matching ErrBusUnavailable.
type unavailableError struct {
	cause error
}

func (e *unavailableError) Error() string {
	return ErrBusUnavailable.Error() + ": " + e.cause.Error()
}

func (e *unavailableError) Unwrap() []error {
	return []error{ErrBusUnavailable, e.cause}
}
