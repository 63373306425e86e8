package bus

import (
	"context"
	"sync"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/rs/zerolog/log"
)

// MemoryBus is the single-process backend.
type MemoryBus struct {
	logger watermill.LoggerAdapter

	mu     sync.RWMutex
	pubsub *gochannel.GoChannel
}

var _ Bus = (*MemoryBus)(nil)

func NewMemoryBus(logger watermill.LoggerAdapter) *MemoryBus {
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &MemoryBus{logger: logger}
}

func (b *MemoryBus) Name() string { return BackendMemory }

func (b *MemoryBus) Connect(_ context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.pubsub != nil {
		return nil
	}
	// Blocking until the subscriber acks keeps one publisher's sequential
	// publishes in order; subscriptions ack as soon as the payload is queued.
	b.pubsub = gochannel.NewGoChannel(gochannel.Config{
		BlockPublishUntilSubscriberAck: true,
	}, b.logger)
	log.Debug().Str("component", "bus").Str("backend", BackendMemory).Msg("bus connected")
	return nil
}

func (b *MemoryBus) current() *gochannel.GoChannel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pubsub
}

func (b *MemoryBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := validateChannel(channel); err != nil {
		return err
	}
	ps := b.current()
	if ps == nil {
		return unavailable(nil, "publish to %s: bus not connected", channel)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := ps.Publish(channel, msg); err != nil {
		return unavailable(err, "publish to %s", channel)
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := validateChannel(channel); err != nil {
		return nil, err
	}
	ps := b.current()
	if ps == nil {
		return nil, unavailable(nil, "subscribe to %s: bus not connected", channel)
	}
	if ctx == nil {
		ctx = context.Background()
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := ps.Subscribe(subCtx, channel)
	if err != nil {
		cancel()
		return nil, unavailable(err, "subscribe to %s", channel)
	}
	return newSubscription(channel, ch, cancel, nil), nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	ps := b.pubsub
	b.pubsub = nil
	b.mu.Unlock()
	if ps == nil {
		return nil
	}
	return ps.Close()
}
