// Package channel owns the persistent push connection to the backend.
//
// The Manager connects, probes liveness and disconnects one websocket session
// at a time. It never reconnects on its own: a dead session only flips the
// state, and whoever drives the turns decides when to re-bootstrap. Decoded
// frames leave the manager through a Sink so nothing downstream is mutated from
// inside the socket read loop.
package channel

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultKeepaliveTimeout = 5 * time.Second
	DefaultCloseTimeout     = 2 * time.Second
)

type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Sink receives what the read loop decodes.
type Sink interface {
	PublishFrames(ctx context.Context, frames []Frame) error
	PublishError(ctx context.Context, err error) error
}

type Options struct {
	HandshakeTimeout time.Duration
	KeepaliveTimeout time.Duration
	CloseTimeout     time.Duration
	Header           http.Header
	Logger           *zerolog.Logger
}

type session struct {
	conn  *websocket.Conn
	pongs chan struct{}
	done  chan struct{}
}

type Manager struct {
	opts   Options
	sink   Sink
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu    sync.Mutex
	state State
	sess  *session
}

func NewManager(sink Sink, opts Options) (*Manager, error) {
	if sink == nil {
		return nil, errors.New("channel manager: sink is nil")
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if opts.KeepaliveTimeout <= 0 {
		opts.KeepaliveTimeout = DefaultKeepaliveTimeout
	}
	if opts.CloseTimeout <= 0 {
		opts.CloseTimeout = DefaultCloseTimeout
	}
	logger := log.Logger
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	return &Manager{
		opts:   opts,
		sink:   sink,
		dialer: &websocket.Dialer{HandshakeTimeout: opts.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger.With().Str("component", "channel").Logger(),
		state:  StateDisconnected,
	}, nil
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Connect opens a new session for d. Any previous session is torn down first so
// two sessions are never open at once. It returns once the socket is open.
func (m *Manager) Connect(ctx context.Context, d Descriptor) error {
	if err := m.Disconnect(ctx); err != nil {
		return err
	}
	target, err := d.URL()
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.state = StateConnecting
	m.mu.Unlock()

	conn, resp, err := m.dialer.DialContext(ctx, target, m.opts.Header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		m.mu.Lock()
		m.state = StateDisconnected
		m.mu.Unlock()
		return errors.Wrap(err, "dial push channel")
	}

	s := &session{
		conn:  conn,
		pongs: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	conn.SetPongHandler(func(string) error {
		select {
		case s.pongs <- struct{}{}:
		default:
		}
		return nil
	})

	m.mu.Lock()
	m.sess = s
	m.state = StateConnected
	m.mu.Unlock()

	go m.readLoop(s)
	m.logger.Info().Str("endpoint", d.Endpoint).Msg("push channel connected")
	return nil
}

// Keepalive sends a ping and waits for the pong. On timeout the session is
// marked dead; it is not reconnected here.
func (m *Manager) Keepalive(ctx context.Context) bool {
	m.mu.Lock()
	s := m.sess
	state := m.state
	m.mu.Unlock()
	if s == nil || state != StateConnected {
		return false
	}

	select {
	case <-s.pongs:
	default:
	}

	deadline := time.Now().Add(m.opts.KeepaliveTimeout)
	if err := s.conn.WriteControl(websocket.PingMessage, []byte("keepalive"), deadline); err != nil {
		m.logger.Warn().Err(err).Msg("keepalive ping failed")
		m.markDead(s)
		return false
	}

	timer := time.NewTimer(m.opts.KeepaliveTimeout)
	defer timer.Stop()
	select {
	case <-s.pongs:
		return true
	case <-s.done:
		return false
	case <-ctx.Done():
		return false
	case <-timer.C:
		m.logger.Warn().Dur("timeout", m.opts.KeepaliveTimeout).Msg("keepalive timed out")
		m.markDead(s)
		return false
	}
}

// Disconnect closes the current session and waits until the read loop has
// observed it. Calling it without a session is a no-op.
func (m *Manager) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	s := m.sess
	if s == nil {
		m.state = StateDisconnected
		m.mu.Unlock()
		return nil
	}
	m.state = StateClosing
	m.mu.Unlock()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(m.opts.CloseTimeout))

	timer := time.NewTimer(m.opts.CloseTimeout)
	defer timer.Stop()
	select {
	case <-s.done:
	case <-timer.C:
	case <-ctx.Done():
	}
	_ = s.conn.Close()
	<-s.done

	m.mu.Lock()
	if m.sess == s {
		m.sess = nil
	}
	m.state = StateDisconnected
	m.mu.Unlock()
	m.logger.Debug().Msg("push channel disconnected")
	return nil
}

func (m *Manager) markDead(s *session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sess == s && m.state == StateConnected {
		m.state = StateError
	}
}

func (m *Manager) readLoop(s *session) {
	defer func() {
		_ = s.conn.Close()
		close(s.done)
		m.mu.Lock()
		if m.sess == s && m.state != StateClosing {
			m.sess = nil
			m.state = StateDisconnected
		}
		m.mu.Unlock()
	}()

	ctx := context.Background()
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				m.logger.Debug().Msg("push channel closed")
			} else {
				m.logger.Warn().Err(err).Msg("push channel read failed")
			}
			return
		}

		frames, err := Decode(raw)
		if err != nil {
			m.logger.Warn().Err(err).Int("bytes", len(raw)).Msg("dropping undecodable frame")
			if perr := m.sink.PublishError(ctx, err); perr != nil {
				m.logger.Warn().Err(perr).Msg("publish decode error failed")
			}
			m.markDead(s)
			return
		}
		if len(frames) == 0 {
			continue
		}
		if err := m.sink.PublishFrames(ctx, frames); err != nil {
			m.logger.Warn().Err(err).Int("frames", len(frames)).Msg("publish frames failed")
		}
	}
}
