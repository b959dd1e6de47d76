// Package framebus carries decoded push channel frames from the socket read
// loop to the goroutine that routes them, over a watermill topic.
package framebus

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsync/pkg/channel"
)

const (
	metadataKind   = "kind"
	kindFrames     = "frames"
	kindDecodeFail = "decode_error"
)

type Bus struct {
	settings Settings
	backend  *backend
	logger   zerolog.Logger
}

var _ channel.Sink = (*Bus)(nil)

// New builds the bus for s. The redis backend connects and prepares its
// consumer group before returning.
func New(ctx context.Context, s Settings) (*Bus, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s = s.withDefaults()
	logger := log.Logger.With().Str("component", "framebus").Str("backend", s.Backend).Logger()
	wmLogger := NewLogger(logger)

	var (
		b   *backend
		err error
	)
	switch s.Backend {
	case BackendRedis:
		b, err = newRedisBackend(ctx, s, wmLogger)
		if err != nil {
			return nil, err
		}
	default:
		b = newMemoryBackend(s, wmLogger)
	}
	logger.Debug().Str("topic", s.Topic).Msg("frame bus ready")
	return &Bus{settings: s, backend: b, logger: logger}, nil
}

func (b *Bus) Topic() string {
	if b == nil {
		return ""
	}
	return b.settings.Topic
}

// PublishFrames publishes the frames of one channel message as one bus message.
func (b *Bus) PublishFrames(_ context.Context, frames []channel.Frame) error {
	if b == nil {
		return errors.New("frame bus is nil")
	}
	if len(frames) == 0 {
		return nil
	}
	payload, err := json.Marshal(frames)
	if err != nil {
		return errors.Wrap(err, "encode frames")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(metadataKind, kindFrames)
	return b.publish(msg)
}

// PublishError publishes a channel decode failure on the error path.
func (b *Bus) PublishError(_ context.Context, cause error) error {
	if b == nil {
		return errors.New("frame bus is nil")
	}
	if cause == nil {
		return nil
	}
	msg := message.NewMessage(watermill.NewUUID(), []byte(cause.Error()))
	msg.Metadata.Set(metadataKind, kindDecodeFail)
	return b.publish(msg)
}

func (b *Bus) publish(msg *message.Message) error {
	if err := b.backend.pub.Publish(b.settings.Topic, msg); err != nil {
		return errors.Wrap(err, "publish to frame bus")
	}
	return nil
}

func (b *Bus) subscribe(ctx context.Context) (<-chan *message.Message, error) {
	ch, err := b.backend.sub.Subscribe(ctx, b.settings.Topic)
	if err != nil {
		return nil, errors.Wrap(err, "subscribe to frame bus")
	}
	return ch, nil
}

func (b *Bus) Close() error {
	if b == nil || b.backend == nil {
		return nil
	}
	return b.backend.close()
}
