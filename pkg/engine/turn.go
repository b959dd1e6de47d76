package engine

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnsync/pkg/channel"
	"github.com/go-go-golems/turnsync/pkg/correlation"
	"github.com/go-go-golems/turnsync/pkg/errkind"
	"github.com/go-go-golems/turnsync/pkg/gql"
	"github.com/go-go-golems/turnsync/pkg/persistence/turnstore"
	"github.com/go-go-golems/turnsync/pkg/prompt"
	"github.com/go-go-golems/turnsync/pkg/turnqueue"
)

const journalTimeout = 5 * time.Second

// Turn is one human message waiting for exactly one reply.
type Turn struct {
	ID        string
	Nonce     string
	Prompt    string
	WithReset bool
	Attempt   int
}

// Message is a reply as seen by the caller. During streaming TextNew holds the
// delta of the frame; on the final message it holds what was not streamed yet.
type Message struct {
	ID                      string            `json:"id,omitempty"`
	MessageID               channel.MessageID `json:"messageId"`
	State                   string            `json:"state"`
	Author                  string            `json:"author"`
	Text                    string            `json:"text"`
	TextNew                 string            `json:"text_new"`
	LinkifiedText           string            `json:"linkifiedText,omitempty"`
	ContentType             string            `json:"contentType,omitempty"`
	CreationTime            int64             `json:"creationTime,omitempty"`
	ClientNonce             string            `json:"clientNonce,omitempty"`
	SuggestedReplies        []string          `json:"suggestedReplies,omitempty"`
	SuggestedRepliesUpdated time.Time         `json:"suggestedRepliesUpdated,omitempty"`
}

func messageFromFrame(f channel.Frame, textNew string) Message {
	return Message{
		ID:            f.ID,
		MessageID:     f.MessageID,
		State:         f.State,
		Author:        f.Author,
		Text:          f.Text,
		TextNew:       textNew,
		LinkifiedText: f.LinkifiedText,
		ContentType:   f.ContentType,
		CreationTime:  f.CreationTime,
		ClientNonce:   f.ClientNonce,
	}
}

type TurnOptions struct {
	// OnRunning is called when the turn starts executing, once per attempt.
	OnRunning func()
	// OnTyping receives every streamed frame that grew the reply text.
	OnTyping func(Message)
	// Timeout is the number of empty polls tolerated before the turn fails
	// with ChannelTimeout. Zero uses turn.timeout-ticks.
	Timeout int
	// WithReset clears the backend's conversation context before the message.
	WithReset bool
}

// newNonce returns the 16 character client nonce sent with a message.
func newNonce() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

// SendTurn renders p and runs it as a turn once every earlier turn finished.
// The returned message is the complete reply.
func (e *Engine) SendTurn(ctx context.Context, p prompt.Prompt, opts TurnOptions) (*Message, error) {
	text, err := p.Render(e.renderer)
	if err != nil {
		return nil, errors.Wrap(err, "render prompt")
	}
	if _, err := e.ready(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	q, runCtx := e.queue, e.runCtx
	e.mu.Unlock()
	if runCtx == nil {
		return nil, ErrNotInitialized
	}

	turn := &Turn{
		ID:        uuid.NewString(),
		Nonce:     newNonce(),
		Prompt:    text,
		WithReset: opts.WithReset,
	}
	msg, err := turnqueue.Submit(ctx, q, func(ctx context.Context) (*Message, error) {
		ctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		stop := context.AfterFunc(runCtx, func() { cancel(errDestroyed) })
		defer stop()
		return e.runTurn(ctx, turn, opts)
	})
	if errors.Is(err, turnqueue.ErrClosed) {
		return nil, ErrNotInitialized
	}
	return msg, err
}

// retryable reports whether a failed attempt is worth running again.
func retryable(err error) bool {
	switch errkind.Of(err) {
	case errkind.ChannelTimeout, errkind.TransportFailure:
		return !errors.Is(err, errDestroyed)
	default:
		return false
	}
}

func (e *Engine) runTurn(ctx context.Context, turn *Turn, opts TurnOptions) (*Message, error) {
	logger := e.logger.With().Str("turn_id", turn.ID).Str("nonce", turn.Nonce).Logger()
	started := time.Now()

	tokens := 0
	if e.counter != nil {
		n, err := e.counter.Count(turn.Prompt)
		if err != nil {
			logger.Warn().Err(err).Msg("prompt token count failed")
		} else {
			tokens = n
			logger.Debug().Int("prompt_tokens", n).Msg("prompt tokens")
		}
	}

	var (
		msg *Message
		err error
	)
	maxAttempts := e.cfg.Turn.MaxAttempts
	for turn.Attempt = 1; turn.Attempt <= maxAttempts; turn.Attempt++ {
		if opts.OnRunning != nil {
			opts.OnRunning()
		}
		msg, err = e.attempt(ctx, turn, opts)
		if err == nil || !retryable(err) || ctx.Err() != nil {
			break
		}
		logger.Warn().Err(err).Int("attempt", turn.Attempt).Int("max_attempts", maxAttempts).Msg("turn failed, retrying")
	}
	if turn.Attempt > maxAttempts {
		turn.Attempt = maxAttempts
	}
	if err != nil && errors.Is(context.Cause(ctx), errDestroyed) {
		err = errDestroyed
	}

	if errkind.Is(err, errkind.InvalidCredential) {
		e.mu.Lock()
		e.credErr = err
		e.mu.Unlock()
	}
	e.journal(ctx, turn, tokens, started, msg, err)

	if err != nil {
		logger.Warn().Err(err).Str("kind", string(errkind.Of(err))).Int("attempts", turn.Attempt).Msg("turn failed")
		if errors.Is(err, errDestroyed) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	logger.Info().
		Int64("message_id", int64(msg.MessageID)).
		Int("chars", len(msg.Text)).
		Dur("elapsed", time.Since(started)).
		Msg("turn completed")
	return msg, nil
}

// attempt runs the turn once: repair the channel if needed, register the
// entry, send the message and drain the reply.
func (e *Engine) attempt(ctx context.Context, turn *Turn, opts TurnOptions) (*Message, error) {
	if _, err := e.ready(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	manager := e.manager
	e.mu.Unlock()
	if manager == nil {
		return nil, ErrNotInitialized
	}
	if !manager.Keepalive(ctx) {
		e.logger.Info().Str("state", manager.State().String()).Msg("push channel not alive, re-bootstrapping")
		if err := e.bootstrap(ctx); err != nil {
			return nil, err
		}
	}
	chat, err := e.ready()
	if err != nil {
		return nil, err
	}

	entry, err := e.table.Begin(ctx, turn.Nonce)
	if err != nil {
		return nil, err
	}
	defer e.table.Retire(entry)

	humanID, err := e.client.SendMessage(ctx, gql.SendMessageInput{
		ChatID:        chat.ChatID,
		Bot:           chat.Bot,
		Query:         turn.Prompt,
		ClientNonce:   turn.Nonce,
		DeviceID:      e.deviceID,
		WithChatBreak: turn.WithReset,
	})
	if err != nil {
		return nil, err
	}
	e.logger.Debug().Str("turn_id", turn.ID).Int64("human_message_id", int64(humanID)).Msg("message sent")

	return e.drain(ctx, entry, opts)
}

// drain pops frames for entry until the reply completes or the countdown runs out.
func (e *Engine) drain(ctx context.Context, entry *correlation.Entry, opts TurnOptions) (*Message, error) {
	ticks := opts.Timeout
	if ticks <= 0 {
		ticks = e.cfg.Turn.TimeoutTicks
	}

	seen := 0
	streamed := ""
	for {
		f, ok, err := e.table.Next(ctx, entry, e.cfg.Turn.TickInterval)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errkind.Of(err) == "" {
				err = errkind.New(errkind.TransportFailure, err)
			}
			return nil, err
		}
		if !ok {
			ticks--
			if ticks <= 0 {
				return nil, errkind.Newf(errkind.ChannelTimeout, "no complete reply after %d polls", seen)
			}
			continue
		}
		seen++

		if f.IsComplete() {
			// a reply that is already complete on its first frame carries no stream
			if seen == 1 {
				continue
			}
			msg := messageFromFrame(f, textDelta(streamed, f.Text))
			if s, ok := e.suggestions.Get(f.MessageID); ok {
				msg.SuggestedReplies = s.Replies
				msg.SuggestedRepliesUpdated = s.Updated
			}
			return &msg, nil
		}

		if strings.HasPrefix(streamed, f.Text) {
			continue
		}
		delta := textDelta(streamed, f.Text)
		streamed = f.Text
		if opts.OnTyping != nil {
			opts.OnTyping(messageFromFrame(f, delta))
		}
	}
}

// textDelta is what text adds to streamed. A rewrite of earlier text yields
// the whole of text.
func textDelta(streamed, text string) string {
	if strings.HasPrefix(text, streamed) {
		return text[len(streamed):]
	}
	return text
}

func (e *Engine) journal(ctx context.Context, turn *Turn, tokens int, started time.Time, msg *Message, turnErr error) {
	if e.store == nil {
		return
	}
	chat, _ := e.ChatTarget()
	rec := turnstore.TurnRecord{
		TurnID:       turn.ID,
		Nonce:        turn.Nonce,
		ChatID:       chat.ChatID,
		Status:       turnstore.StatusCompleted,
		Prompt:       turn.Prompt,
		PromptTokens: tokens,
		Attempts:     turn.Attempt,
		StartedAtMs:  started.UnixMilli(),
		FinishedAtMs: time.Now().UnixMilli(),
	}
	if turnErr != nil {
		rec.Status = turnstore.StatusFailed
		rec.ErrorKind = string(errkind.Of(turnErr))
		rec.Error = turnErr.Error()
	}
	if msg != nil {
		rec.MessageID = int64(msg.MessageID)
		rec.Text = msg.Text
		rec.SuggestedReplies = msg.SuggestedReplies
	}

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), journalTimeout)
	defer cancel()
	if err := e.store.Save(saveCtx, rec); err != nil {
		e.logger.Warn().Err(err).Str("turn_id", turn.ID).Msg("journal turn failed")
	}
}
