package framebus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

type backend struct {
	pub    message.Publisher
	sub    message.Subscriber
	client *redis.Client
	shared bool
}

// newMemoryBackend publishes through a go channel. Publishing blocks until the
// subscriber acked the previous message so frames keep their wire order.
func newMemoryBackend(s Settings, logger watermill.LoggerAdapter) *backend {
	ch := gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer:            s.Buffer,
		BlockPublishUntilSubscriberAck: true,
	}, logger)
	return &backend{pub: ch, sub: ch, shared: true}
}

func newRedisBackend(ctx context.Context, s Settings, logger watermill.LoggerAdapter) (*backend, error) {
	client := redis.NewClient(&redis.Options{Addr: s.Addr})
	if err := EnsureGroupAtTail(ctx, client, s.Topic, s.Group); err != nil {
		_ = client.Close()
		return nil, err
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}

	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream publisher")
	}

	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.Group,
		Consumer:      s.Consumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "redis stream subscriber")
	}
	return &backend{pub: pub, sub: sub, client: client}, nil
}

// EnsureGroupAtTail creates the consumer group for stream at the tail ($) if it
// does not exist yet, so a new engine never replays frames of earlier sessions.
func EnsureGroupAtTail(ctx context.Context, client redis.UniversalClient, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return errors.Wrapf(err, "create consumer group %s on %s", group, stream)
	}
	log.Info().Str("component", "framebus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}

func (b *backend) close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(b.pub.Close())
	if !b.shared {
		keep(b.sub.Close())
	}
	if b.client != nil {
		keep(b.client.Close())
	}
	return firstErr
}
