// Package relay fans live socket messages out to chart topics over Watermill.
package relay

import (
	"context"
	"strconv"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/go-go-golems/livechart/pkg/livesocket"
	"github.com/go-go-golems/livechart/pkg/redisstream"
)

const (
	MetaGeneration = "generation"
	MetaSessionID  = "session_id"
)

var ErrClosed = errors.New("relay: bus is closed")

// Topic is the relay topic that feeds chart id.
func Topic(chartID string) string {
	return "livechart." + chartID
}

// Bus carries socket messages to chart consumers.
type Bus struct {
	pub    message.Publisher
	sub    message.Subscriber
	logger zerolog.Logger

	// ensure prepares a topic before its first subscription; nil for in-memory.
	ensure func(ctx context.Context, topic string) error
	client redis.UniversalClient

	mu     sync.Mutex
	closed bool
}

// NewInMemory builds a bus on a Watermill gochannel. Publishing blocks until
// every subscriber acked, which keeps frames of one stream in order.
func NewInMemory(logger zerolog.Logger) *Bus {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            16,
		BlockPublishUntilSubscriberAck: true,
	}, NewWatermillLogger(logger))
	return &Bus{
		pub:    ch,
		sub:    ch,
		logger: logger.With().Str("component", "relay").Logger(),
	}
}

// NewRedis builds a bus on Redis Streams.
func NewRedis(s redisstream.Settings, logger zerolog.Logger) (*Bus, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	client := redisstream.NewClient(s)
	wl := NewWatermillLogger(logger)
	pub, err := redisstream.BuildPublisher(client, wl)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	sub, err := redisstream.BuildSubscriber(client, s, wl)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, err
	}
	return &Bus{
		pub:    pub,
		sub:    sub,
		client: client,
		logger: logger.With().Str("component", "relay").Str("transport", "redis").Logger(),
		ensure: func(ctx context.Context, topic string) error {
			return redisstream.EnsureGroupAtTail(ctx, client, topic, s.Group)
		},
	}, nil
}

// New picks Redis Streams when enabled and the in-memory channel otherwise.
func New(s redisstream.Settings, logger zerolog.Logger) (*Bus, error) {
	if s.Enabled {
		return NewRedis(s, logger)
	}
	return NewInMemory(logger), nil
}

func (b *Bus) isClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

func (b *Bus) Publish(topic string, m livesocket.Message) error {
	if b.isClosed() {
		return ErrClosed
	}
	msg := message.NewMessage(uuid.NewString(), message.Payload(m.Data))
	msg.Metadata.Set(MetaGeneration, strconv.FormatUint(m.Generation, 10))
	msg.Metadata.Set(MetaSessionID, m.SessionID)
	if err := b.pub.Publish(topic, msg); err != nil {
		return errors.Wrapf(err, "publish to %s", topic)
	}
	return nil
}

// Forward returns a socket handler that publishes every message on each of
// topics. Publish failures are logged; the socket keeps running.
func (b *Bus) Forward(uri string, topics ...string) livesocket.Handler {
	logger := b.logger.With().Str("uri", uri).Logger()
	return func(m livesocket.Message) {
		for _, topic := range topics {
			if err := b.Publish(topic, m); err != nil {
				if errors.Is(err, ErrClosed) {
					return
				}
				logger.Warn().Err(err).Str("topic", topic).Msg("relay publish failed")
			}
		}
	}
}

// Consumer drains one topic into a sink.
type Consumer struct {
	topic string
	done  chan struct{}
}

func (c *Consumer) Topic() string {
	return c.topic
}

// Wait blocks until the consumer stopped.
func (c *Consumer) Wait() {
	<-c.done
}

// Consume subscribes to topic before returning, then feeds every message into
// sink until ctx is done or the bus is closed. Messages are acked after sink
// returns; a sink error is logged and the message is still acked, redelivering
// a bad frame would not fix it.
func (b *Bus) Consume(ctx context.Context, topic string, sink func([]byte) error) (*Consumer, error) {
	if b.isClosed() {
		return nil, ErrClosed
	}
	if b.ensure != nil {
		if err := b.ensure(ctx, topic); err != nil {
			return nil, err
		}
	}
	msgs, err := b.sub.Subscribe(ctx, topic)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe to %s", topic)
	}

	c := &Consumer{topic: topic, done: make(chan struct{})}
	logger := b.logger.With().Str("topic", topic).Logger()
	go func() {
		defer close(c.done)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				if err := sink(msg.Payload); err != nil {
					logger.Debug().Err(err).
						Str(MetaGeneration, msg.Metadata.Get(MetaGeneration)).
						Msg("sink rejected relayed frame")
				}
				msg.Ack()
			}
		}
	}()
	return c, nil
}

// Close releases the transport. It is safe to call more than once.
func (b *Bus) Close() error {
	if b == nil {
		return nil
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	var result *multierror.Error
	if err := b.pub.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, "close publisher"))
	}
	if any(b.sub) != any(b.pub) {
		if err := b.sub.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close subscriber"))
		}
	}
	if b.client != nil {
		if err := b.client.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, "close redis client"))
		}
	}
	b.logger.Debug().Msg("relay bus closed")
	return result.ErrorOrNil()
}
