package framebus

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnsync/pkg/channel"
)

// ErrDecode is the error handed to the error callback when the channel could
// not decode a message.
var ErrDecode = errors.New("channel decode failure")

// Pump consumes the bus and dispatches frames and errors in order on a single
// goroutine.
type Pump struct {
	bus      *Bus
	onFrames func([]channel.Frame)
	onError  func(error)

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running bool
}

func NewPump(bus *Bus, onFrames func([]channel.Frame), onError func(error)) *Pump {
	return &Pump{bus: bus, onFrames: onFrames, onError: onError}
}

// Start subscribes before returning, so anything published afterwards is seen.
func (p *Pump) Start(ctx context.Context) error {
	if p == nil || p.bus == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}
	runCtx, cancel := context.WithCancel(ctx)
	ch, err := p.bus.subscribe(runCtx)
	if err != nil {
		cancel()
		return err
	}
	p.cancel = cancel
	p.done = make(chan struct{})
	p.running = true
	go p.consume(ch, p.done)
	return nil
}

// Stop cancels the subscription and waits for the consume loop to return.
func (p *Pump) Stop() {
	if p == nil {
		return
	}
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.cancel = nil
	p.running = false
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (p *Pump) IsRunning() bool {
	if p == nil {
		return false
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

func (p *Pump) consume(ch <-chan *message.Message, done chan struct{}) {
	defer close(done)
	logger := p.bus.logger
	logger.Debug().Msg("frame pump started")
	for msg := range ch {
		p.dispatch(msg)
		msg.Ack()
	}
	logger.Debug().Msg("frame pump stopped")
}

func (p *Pump) dispatch(msg *message.Message) {
	switch msg.Metadata.Get(metadataKind) {
	case kindDecodeFail:
		if p.onError != nil {
			p.onError(errors.Wrap(ErrDecode, string(msg.Payload)))
		}
	default:
		var frames []channel.Frame
		if err := json.Unmarshal(msg.Payload, &frames); err != nil {
			p.bus.logger.Warn().Err(err).Str("uuid", msg.UUID).Msg("frame pump: failed to decode bus message")
			return
		}
		if p.onFrames != nil && len(frames) > 0 {
			p.onFrames(frames)
		}
	}
}
