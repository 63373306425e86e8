package bus

import (
	"context"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/chatrelay/pkg/redisstream"
)

const groupCleanupTimeout = 5 * time.Second

// RedisBus fans payloads out through Redis Streams, one stream per channel. Every
// subscription owns a consumer group created at the stream tail, so each subscriber
// sees every payload published after it subscribed and nothing from before.
type RedisBus struct {
	settings redisstream.Settings
	channels []string
	logger   watermill.LoggerAdapter

	mu        sync.RWMutex
	client    *redis.Client
	publisher message.Publisher
}

var _ Bus = (*RedisBus)(nil)

// NewRedisBus builds an unconnected Redis bus. knownChannels are the channels whose
// streams get trimmed to settings.MaxLen.
func NewRedisBus(settings redisstream.Settings, knownChannels []string, logger watermill.LoggerAdapter) (*RedisBus, error) {
	if settings.Addr == "" {
		return nil, errors.New("redis address is empty")
	}
	if logger == nil {
		logger = watermill.NopLogger{}
	}
	return &RedisBus{
		settings: settings,
		channels: append([]string(nil), knownChannels...),
		logger:   logger,
	}, nil
}

func (b *RedisBus) Name() string { return BackendRedis }

func (b *RedisBus) Connect(ctx context.Context) error {
	if ctx == nil {
		return errors.New("ctx is nil")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return nil
	}
	client := redisstream.NewClient(b.settings)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return unavailable(err, "connect to redis at %s", b.settings.Addr)
	}
	streams := make([]string, 0, len(b.channels))
	for _, ch := range b.channels {
		streams = append(streams, b.settings.StreamForChannel(ch))
	}
	pub, err := redisstream.BuildPublisher(b.settings, streams, b.logger)
	if err != nil {
		_ = client.Close()
		return errors.Wrap(err, "build redis publisher")
	}
	b.client = client
	b.publisher = pub
	log.Info().Str("component", "bus").Str("backend", BackendRedis).Str("addr", b.settings.Addr).Msg("bus connected")
	return nil
}

func (b *RedisBus) connected() (*redis.Client, message.Publisher) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.client, b.publisher
}

func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := validateChannel(channel); err != nil {
		return err
	}
	_, pub := b.connected()
	if pub == nil {
		return unavailable(nil, "publish to %s: bus not connected", channel)
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	if ctx != nil {
		msg.SetContext(ctx)
	}
	if err := pub.Publish(b.settings.StreamForChannel(channel), msg); err != nil {
		return unavailable(err, "publish to %s", channel)
	}
	return nil
}

func (b *RedisBus) Subscribe(ctx context.Context, channel string) (*Subscription, error) {
	if err := validateChannel(channel); err != nil {
		return nil, err
	}
	if ctx == nil {
		return nil, errors.New("ctx is nil")
	}
	client, _ := b.connected()
	if client == nil {
		return nil, unavailable(nil, "subscribe to %s: bus not connected", channel)
	}

	stream := b.settings.StreamForChannel(channel)
	group := b.settings.GroupPrefix + uuid.NewString()
	if err := redisstream.EnsureGroupAtTail(ctx, client, stream, group); err != nil {
		return nil, unavailable(err, "create consumer group on %s", stream)
	}
	destroy := func() error {
		cctx, cancel := context.WithTimeout(context.Background(), groupCleanupTimeout)
		defer cancel()
		return redisstream.DestroyGroup(cctx, client, stream, group)
	}

	sub, err := redisstream.BuildGroupSubscriber(b.settings, group, "relay", b.logger)
	if err != nil {
		_ = destroy()
		return nil, errors.Wrap(err, "build redis subscriber")
	}
	subCtx, cancel := context.WithCancel(ctx)
	ch, err := sub.Subscribe(subCtx, stream)
	if err != nil {
		cancel()
		_ = sub.Close()
		_ = destroy()
		return nil, unavailable(err, "subscribe to %s", stream)
	}

	release := func() error {
		closeErr := sub.Close()
		if err := destroy(); err != nil {
			log.Warn().Err(err).Str("component", "bus").Str("group", group).Msg("consumer group cleanup failed")
		}
		return closeErr
	}
	return newSubscription(channel, ch, cancel, release), nil
}

func (b *RedisBus) Close() error {
	b.mu.Lock()
	client, pub := b.client, b.publisher
	b.client, b.publisher = nil, nil
	b.mu.Unlock()

	var firstErr error
	// The publisher owns and closes its own client.
	if pub != nil {
		if err := pub.Close(); err != nil {
			firstErr = err
		}
	}
	if client != nil {
		if err := client.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
