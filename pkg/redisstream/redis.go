package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

func NewClient(s Settings) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     s.Addr,
		Password: s.Password,
		DB:       s.DB,
	})
}

// BuildPublisher returns a Redis Streams publisher on its own client; closing the
// publisher closes that client. When s.MaxLen is positive every stream in streams
// is trimmed to roughly that many entries.
func BuildPublisher(s Settings, streams []string, logger watermill.LoggerAdapter) (message.Publisher, error) {
	if s.Addr == "" {
		return nil, errors.New("redis address is empty")
	}
	var maxlens map[string]int64
	if s.MaxLen > 0 && len(streams) > 0 {
		maxlens = make(map[string]int64, len(streams))
		for _, st := range streams {
			maxlens[st] = s.MaxLen
		}
	}
	return rstream.NewPublisher(rstream.PublisherConfig{
		Client:     NewClient(s),
		Marshaller: rstream.DefaultMarshallerUnmarshaller{},
		Maxlens:    maxlens,
	}, logger)
}

// BuildGroupSubscriber returns a Redis Streams subscriber bound to the given consumer group/name.
// Like the publisher it owns its client.
func BuildGroupSubscriber(s Settings, group, consumer string, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	if s.Addr == "" {
		return nil, errors.New("redis address is empty")
	}
	if group == "" || consumer == "" {
		return nil, errors.New("consumer group and consumer name are required")
	}
	return rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        NewClient(s),
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: group,
		Consumer:      consumer,
	}, logger)
}

// EnsureGroupAtTail creates the consumer group for a given stream at the tail ($) if it doesn't exist.
// This prevents full historical replay on first subscribe.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		// Ignore BUSYGROUP errors (group already exists)
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Debug().Str("component", "redisstream").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

// DestroyGroup removes a consumer group and its pending entries list.
func DestroyGroup(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	if err := client.XGroupDestroy(ctx, stream, group).Err(); err != nil {
		return errors.Wrapf(err, "destroy consumer group %s on %s", group, stream)
	}
	return nil
}
