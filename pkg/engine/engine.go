// Package engine is the caller-facing turn synchronization engine. It owns the
// push channel, the frame bus and pump, the correlation table and the turn
// queue, and runs every turn through them one at a time.
package engine

import (
	"context"
	"net/http"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/go-go-golems/turnsync/pkg/channel"
	"github.com/go-go-golems/turnsync/pkg/config"
	"github.com/go-go-golems/turnsync/pkg/correlation"
	"github.com/go-go-golems/turnsync/pkg/errkind"
	"github.com/go-go-golems/turnsync/pkg/framebus"
	"github.com/go-go-golems/turnsync/pkg/gql"
	"github.com/go-go-golems/turnsync/pkg/persistence/turnstore"
	"github.com/go-go-golems/turnsync/pkg/prompt"
	"github.com/go-go-golems/turnsync/pkg/retry"
	"github.com/go-go-golems/turnsync/pkg/session"
	"github.com/go-go-golems/turnsync/pkg/turnqueue"
)

// ErrNotInitialized is returned by operations that need a live session.
var ErrNotInitialized = errors.New("engine is not initialized")

var errDestroyed = errors.New("engine destroyed")

// headerSource is implemented by sources that carry identity headers, such as
// session.HTTPSource.
type headerSource interface {
	Header() http.Header
}

type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithHTTPClient sets the client used for query requests.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Engine) { e.httpClient = c }
}

// WithTurnStore journals every finished turn to s. The engine does not close s.
func WithTurnStore(s turnstore.TurnStore) Option {
	return func(e *Engine) { e.store = s }
}

func WithRenderer(r prompt.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithCounter overrides the prompt token counter built from the settings.
func WithCounter(c prompt.Counter) Option {
	return func(e *Engine) { e.counter = c }
}

type Engine struct {
	cfg        config.Settings
	source     session.Source
	base       zerolog.Logger
	logger     zerolog.Logger
	httpClient *http.Client
	store      turnstore.TurnStore
	renderer   prompt.Renderer
	counter    prompt.Counter
	deviceID   string

	client      *gql.Client
	table       *correlation.Table
	suggestions *correlation.SuggestionCache

	// bootMu serializes session bootstraps.
	bootMu sync.Mutex

	mu          sync.Mutex
	initialized bool
	credErr     error
	chat        session.ChatTarget
	bus         *framebus.Bus
	pump        *framebus.Pump
	manager     *channel.Manager
	queue       *turnqueue.Queue

	// runCtx bounds every turn of the current queue; release cancels it.
	runCtx   context.Context
	stopRuns context.CancelFunc
}

// New builds an engine for cfg that bootstraps sessions from source. Nothing
// is connected until Initialize.
func New(cfg config.Settings, source session.Source, opts ...Option) (*Engine, error) {
	if source == nil {
		return nil, errors.New("engine: session source is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "engine: invalid settings")
	}

	e := &Engine{
		cfg:      cfg,
		source:   source,
		logger:   log.Logger,
		deviceID: uuid.NewString(),
	}
	for _, o := range opts {
		o(e)
	}
	e.base = e.logger
	e.logger = e.base.With().Str("component", "engine").Logger()

	if e.renderer == nil {
		e.renderer = prompt.DefaultRenderer{DisplayName: cfg.Backend.DisplayName}
	}
	if e.counter == nil && cfg.Prompt.CountTokens {
		c, err := prompt.NewCounter(cfg.Prompt.Counter, cfg.Prompt.Encoding)
		if err != nil {
			return nil, errors.Wrap(err, "engine: token counter")
		}
		e.counter = c
	}
	if e.httpClient == nil {
		e.httpClient = &http.Client{Timeout: cfg.Request.Timeout}
	}

	policy := retry.NewPolicy(cfg.Request.MaxRetries, cfg.Request.RetryDelay)
	policy.Logger = &e.base

	var header http.Header
	if hs, ok := source.(headerSource); ok {
		header = hs.Header()
	}
	client, err := gql.NewClient(gql.Options{
		Endpoint: strings.TrimRight(cfg.Backend.BaseURL, "/") + cfg.Backend.QueryPath,
		Header:   header,
		Salt:     cfg.Backend.Salt,
		Client:   e.httpClient,
		Retry:    policy,
		Logger:   &e.base,
	})
	if err != nil {
		return nil, err
	}
	e.client = client
	e.table = correlation.New(correlation.WithLogger(e.base))
	e.suggestions = correlation.NewSuggestionCache(cfg.Turn.SuggestionMaxAge)
	return e, nil
}

// Initialize starts the frame bus and pump, bootstraps the session and
// connects the push channel. Calling it again re-bootstraps, which also clears
// a previous InvalidCredential failure.
func (e *Engine) Initialize(ctx context.Context) error {
	if err := e.start(ctx); err != nil {
		return err
	}
	if err := e.bootstrap(ctx); err != nil {
		if errkind.Of(err) == errkind.TransportFailure {
			err = errkind.New(errkind.ProtocolViolation, err)
		}
		e.logger.Error().Err(err).Msg("initialize failed")
		_ = e.release(ctx)
		return err
	}

	e.mu.Lock()
	e.initialized = true
	e.credErr = nil
	chat := e.chat
	e.mu.Unlock()
	e.logger.Info().Int64("chat_id", chat.ChatID).Str("bot", chat.Bot).Msg("engine initialized")
	return nil
}

func (e *Engine) start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.bus != nil {
		return nil
	}

	bus, err := framebus.New(ctx, e.cfg.FrameBus)
	if err != nil {
		return errors.Wrap(err, "start frame bus")
	}
	pump := framebus.NewPump(bus, e.routeFrames, e.channelFailed)
	if err := pump.Start(context.Background()); err != nil {
		_ = bus.Close()
		return errors.Wrap(err, "start frame pump")
	}

	var header http.Header
	if hs, ok := e.source.(headerSource); ok {
		header = hs.Header()
	}
	manager, err := channel.NewManager(bus, channel.Options{
		HandshakeTimeout: e.cfg.Channel.HandshakeTimeout,
		KeepaliveTimeout: e.cfg.Channel.KeepaliveTimeout,
		CloseTimeout:     e.cfg.Channel.CloseTimeout,
		Header:           header,
		Logger:           &e.base,
	})
	if err != nil {
		pump.Stop()
		_ = bus.Close()
		return err
	}

	e.bus = bus
	e.pump = pump
	e.manager = manager
	if e.queue == nil {
		e.queue = turnqueue.New(turnqueue.WithLogger(e.base))
		e.runCtx, e.stopRuns = context.WithCancel(context.Background())
	}
	return nil
}

// bootstrap tears the channel down and rebuilds the session from scratch:
// descriptor and signing seed are fetched concurrently, then the chat target,
// credentials, subscriptions and finally a new channel connection.
func (e *Engine) bootstrap(ctx context.Context) error {
	e.bootMu.Lock()
	defer e.bootMu.Unlock()

	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager == nil {
		return ErrNotInitialized
	}
	if err := manager.Disconnect(ctx); err != nil {
		return errkind.New(errkind.TransportFailure, err)
	}

	var (
		desc channel.Descriptor
		seed string
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		d, err := e.source.ChannelDescriptor(gctx)
		if err != nil {
			return errors.Wrap(err, "channel descriptor")
		}
		desc = d
		return nil
	})
	g.Go(func() error {
		s, err := e.source.SigningSeed(gctx)
		if err != nil {
			return errors.Wrap(err, "signing seed")
		}
		seed = s
		return nil
	})
	if err := g.Wait(); err != nil {
		return classify(ctx, err)
	}
	chat, err := e.source.Chat(ctx)
	if err != nil {
		return classify(ctx, errors.Wrap(err, "chat target"))
	}
	if err := desc.Validate(); err != nil {
		return errkind.New(errkind.ProtocolViolation, err)
	}

	e.client.SetCredentials(seed, desc.Secret)
	if err := e.client.Subscribe(ctx); err != nil {
		return classify(ctx, errors.Wrap(err, "subscribe"))
	}
	if err := manager.Connect(ctx, desc); err != nil {
		return classify(ctx, errkind.New(errkind.TransportFailure, err))
	}

	e.mu.Lock()
	e.chat = chat
	e.mu.Unlock()
	e.logger.Debug().Int64("chat_id", chat.ChatID).Str("endpoint", desc.Endpoint).Msg("session bootstrapped")
	return nil
}

// classify gives unclassified bootstrap failures the ProtocolViolation kind.
// Context errors pass through untouched.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errkind.Of(err) != "" {
		return err
	}
	return errkind.New(errkind.ProtocolViolation, err)
}

// routeFrames runs on the pump goroutine.
func (e *Engine) routeFrames(frames []channel.Frame) {
	for _, f := range frames {
		e.suggestions.Observe(f)
		if !e.table.Route(f) {
			e.logger.Trace().Int64("message_id", int64(f.MessageID)).Str("author", f.Author).Msg("frame dropped")
		}
	}
}

// channelFailed runs on the pump goroutine when the channel could not decode a
// frame. The manager has already marked its session dead, so the next turn
// reconnects; the live turns are failed here.
func (e *Engine) channelFailed(err error) {
	e.logger.Warn().Err(err).Msg("push channel failure")
	e.table.Fail(errkind.New(errkind.TransportFailure, err))
}

// PendingCount is the number of turns submitted and not yet finished.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	q := e.queue
	e.mu.Unlock()
	return q.Pending()
}

// ChatTarget returns the chat the current session sends turns to.
func (e *Engine) ChatTarget() (session.ChatTarget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.initialized {
		return session.ChatTarget{}, ErrNotInitialized
	}
	return e.chat, nil
}

// ChannelState reports the push channel state, Disconnected before Initialize.
func (e *Engine) ChannelState() channel.State {
	e.mu.Lock()
	m := e.manager
	e.mu.Unlock()
	if m == nil {
		return channel.StateDisconnected
	}
	return m.State()
}

// Destroy fails the running turn, rejects queued ones, closes the channel and
// stops the bus. The engine needs Initialize before it accepts turns again.
func (e *Engine) Destroy(ctx context.Context) error {
	e.logger.Info().Msg("destroying engine")
	return e.release(ctx)
}

func (e *Engine) release(ctx context.Context) error {
	e.mu.Lock()
	e.initialized = false
	queue, manager, pump, bus := e.queue, e.manager, e.pump, e.bus
	e.queue, e.manager, e.pump, e.bus = nil, nil, nil, nil
	stopRuns := e.stopRuns
	e.runCtx, e.stopRuns = nil, nil
	e.mu.Unlock()

	if stopRuns != nil {
		stopRuns()
	}
	e.table.Fail(errDestroyed)
	queue.Close()

	var errs []error
	if manager != nil {
		if err := manager.Disconnect(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	pump.Stop()
	if bus != nil {
		if err := bus.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "destroy engine")
	}
	return nil
}

func (e *Engine) ready() (session.ChatTarget, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.credErr != nil {
		return session.ChatTarget{}, e.credErr
	}
	if !e.initialized {
		return session.ChatTarget{}, ErrNotInitialized
	}
	return e.chat, nil
}
