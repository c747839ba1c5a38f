// Package redisstream builds Watermill publishers and subscribers on Redis
// Streams, used to relay live chart messages between processes.
package redisstream

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// DefaultMaxLen caps every relay stream. The relay forwards, it does not keep
// history.
const DefaultMaxLen = 1000

func NewClient(s Settings) redis.UniversalClient {
	return redis.NewClient(&redis.Options{Addr: s.Addr})
}

func BuildPublisher(client redis.UniversalClient, logger watermill.LoggerAdapter) (message.Publisher, error) {
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:        client,
		Marshaller:    rstream.DefaultMarshallerUnmarshaller{},
		DefaultMaxlen: DefaultMaxLen,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	return pub, nil
}

func BuildSubscriber(client redis.UniversalClient, s Settings, logger watermill.LoggerAdapter) (message.Subscriber, error) {
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  rstream.DefaultMarshallerUnmarshaller{},
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	return sub, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if
// it is missing, so a new consumer never replays old frames.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("stream", stream).Str("group", group).Msg("created redis consumer group at tail")
	return nil
}
