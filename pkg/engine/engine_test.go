package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-go-golems/turnsync/pkg/channel"
	"github.com/go-go-golems/turnsync/pkg/channel/channeltest"
	"github.com/go-go-golems/turnsync/pkg/config"
	"github.com/go-go-golems/turnsync/pkg/errkind"
	"github.com/go-go-golems/turnsync/pkg/gql"
	"github.com/go-go-golems/turnsync/pkg/persistence/turnstore"
	"github.com/go-go-golems/turnsync/pkg/prompt"
	"github.com/go-go-golems/turnsync/pkg/session"
)

type fakeSource struct {
	push  *channeltest.Server
	boots atomic.Int32
	err   error
}

func (s *fakeSource) ChannelDescriptor(context.Context) (channel.Descriptor, error) {
	s.boots.Add(1)
	if s.err != nil {
		return channel.Descriptor{}, s.err
	}
	return s.push.Descriptor(), nil
}

func (s *fakeSource) SigningSeed(context.Context) (string, error) { return "formkey", nil }

func (s *fakeSource) Chat(context.Context) (session.ChatTarget, error) {
	return session.ChatTarget{ChatID: 7, NodeID: "Q2hhdDo3", Bot: "capybara"}, nil
}

type call struct {
	kind string
	vars map[string]any
}

// backend fakes the query endpoint. onSend runs inside the send request, before
// the answer, and may push frames or return a reply body of its own.
type backend struct {
	t    *testing.T
	push *channeltest.Server

	mu     sync.Mutex
	calls  []call
	sends  int
	onSend func(n int, vars map[string]any) string
	pages  [][]gql.Edge

	// sendStatus, when set, answers send requests with that HTTP status.
	sendStatus int
}

func (b *backend) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	var req struct {
		Query     string         `json:"query"`
		Variables map[string]any `json:"variables"`
		QueryName string         `json:"queryName"`
	}
	if err := json.Unmarshal(raw, &req); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	kind := "unknown"
	switch {
	case req.QueryName == "subscriptionsMutation":
		kind = "subscribe"
	case strings.Contains(req.Query, "messageEdgeCreate"):
		kind = "send"
	case strings.Contains(req.Query, "messagesConnection"):
		kind = "history"
	case strings.Contains(req.Query, "messagesDelete"):
		kind = "delete"
	case strings.Contains(req.Query, "messageBreakCreate"):
		kind = "break"
	case strings.Contains(req.Query, "deleteUserMessages"):
		kind = "delete_all"
	}

	b.mu.Lock()
	b.calls = append(b.calls, call{kind: kind, vars: req.Variables})
	var (
		n          int
		onSend     func(int, map[string]any) string
		page       []gql.Edge
		sendStatus int
	)
	switch kind {
	case "send":
		b.sends++
		n = b.sends
		onSend = b.onSend
		sendStatus = b.sendStatus
	case "history":
		if len(b.pages) > 0 {
			page = b.pages[0]
			b.pages = b.pages[1:]
		}
	}
	b.mu.Unlock()

	switch kind {
	case "send":
		if sendStatus != 0 {
			w.WriteHeader(sendStatus)
			return
		}
		reply := ""
		if onSend != nil {
			reply = onSend(n, req.Variables)
		}
		if reply == "" {
			reply = fmt.Sprintf(`{"data":{"messageEdgeCreate":{"message":{"node":{"messageId":%d}}}}}`, 1000+n)
		}
		_, _ = io.WriteString(w, reply)
	case "history":
		if page == nil {
			page = []gql.Edge{}
		}
		out, _ := json.Marshal(map[string]any{
			"data": map[string]any{"node": map[string]any{"messagesConnection": map[string]any{"edges": page}}},
		})
		_, _ = w.Write(out)
	default:
		_, _ = io.WriteString(w, `{"data":{}}`)
	}
}

func (b *backend) callsOf(kind string) []call {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []call
	for _, c := range b.calls {
		if c.kind == kind {
			out = append(out, c)
		}
	}
	return out
}

func (b *backend) setOnSend(fn func(n int, vars map[string]any) string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = fn
}

func (b *backend) setSendStatus(code int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sendStatus = code
}

func (b *backend) setPages(pages ...[]gql.Edge) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pages = pages
}

func (b *backend) sendCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.sends
}

// sendOn writes frames once the push server has seen at least conns
// connections and holds a live one.
func (b *backend) sendOn(conns int, frames ...channel.Frame) {
	deadline := time.Now().Add(2 * time.Second)
	for (b.push.Connects() < conns || !b.push.HasConn()) && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	assert.NoError(b.t, b.push.Send(frames...))
}

// pushes returns an onSend that writes frames to the push channel.
func (b *backend) pushes(frames ...channel.Frame) func(int, map[string]any) string {
	return func(int, map[string]any) string {
		b.sendOn(0, frames...)
		return ""
	}
}

type harness struct {
	engine  *Engine
	source  *fakeSource
	backend *backend
	push    *channeltest.Server
}

func testSettings(baseURL string) config.Settings {
	s := config.Default()
	s.Backend.BaseURL = baseURL
	s.Request.MaxRetries = 1
	s.Request.RetryDelay = time.Millisecond
	s.Request.Timeout = 5 * time.Second
	s.Channel.HandshakeTimeout = 2 * time.Second
	s.Channel.KeepaliveTimeout = 300 * time.Millisecond
	s.Channel.CloseTimeout = 200 * time.Millisecond
	s.Turn.TimeoutTicks = 300
	s.Turn.TickInterval = 10 * time.Millisecond
	s.Turn.MaxAttempts = 1
	return s
}

func newHarness(t *testing.T, mutate func(*config.Settings), opts ...Option) *harness {
	t.Helper()
	push := channeltest.NewServer(t)
	be := &backend{t: t, push: push}
	srv := httptest.NewServer(be)
	t.Cleanup(srv.Close)

	cfg := testSettings(srv.URL)
	if mutate != nil {
		mutate(&cfg)
	}
	src := &fakeSource{push: push}
	e, err := New(cfg, src, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Destroy(context.Background()) })
	return &harness{engine: e, source: src, backend: be, push: push}
}

func (h *harness) init(t *testing.T) {
	t.Helper()
	require.NoError(t, h.engine.Initialize(context.Background()))
	require.Equal(t, channel.StateConnected, h.engine.ChannelState())
}

func streaming(id channel.MessageID, text string) channel.Frame {
	return channel.Frame{MessageID: id, State: channel.StateIncomplete, Author: "capybara", Text: text}
}

func complete(id channel.MessageID, text string) channel.Frame {
	return channel.Frame{MessageID: id, State: channel.StateComplete, Author: "capybara", Text: text}
}

func TestEngine_NormalTurn(t *testing.T) {
	store, err := turnstore.NewSQLiteTurnStore(mustDSN(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	h := newHarness(t, nil, WithTurnStore(store))
	h.init(t)
	require.Len(t, h.backend.callsOf("subscribe"), 1)

	done := complete(1, "Hi there")
	done.SuggestedReplies = []string{"Tell me more"}
	h.backend.setOnSend(h.backend.pushes(
		channel.Frame{MessageID: 999, State: channel.StateComplete, Author: channel.AuthorHuman, Text: "Hello"},
		streaming(1, "Hi"),
		done,
	))

	var typed []string
	running := 0
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("Hello"), TurnOptions{
		OnRunning: func() { running++ },
		OnTyping:  func(m Message) { typed = append(typed, m.TextNew) },
	})
	require.NoError(t, err)
	require.Equal(t, 1, running)
	require.Equal(t, []string{"Hi"}, typed)
	require.Equal(t, "Hi there", msg.Text)
	require.Equal(t, " there", msg.TextNew)
	require.Equal(t, channel.MessageID(1), msg.MessageID)
	require.Equal(t, []string{"Tell me more"}, msg.SuggestedReplies)
	require.False(t, msg.SuggestedRepliesUpdated.IsZero())
	require.Equal(t, 0, h.engine.table.Len())
	require.Equal(t, 0, h.engine.PendingCount())

	sends := h.backend.callsOf("send")
	require.Len(t, sends, 1)
	require.Equal(t, "Hello", sends[0].vars["query"])
	require.Equal(t, "capybara", sends[0].vars["bot"])
	require.Equal(t, float64(7), sends[0].vars["chatId"])
	require.Equal(t, false, sends[0].vars["withChatBreak"])
	require.Len(t, sends[0].vars["clientNonce"], 16)

	recs, err := store.List(context.Background(), turnstore.TurnQuery{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	require.Equal(t, turnstore.StatusCompleted, recs[0].Status)
	require.Equal(t, "Hi there", recs[0].Text)
	require.Equal(t, int64(1), recs[0].MessageID)
	require.Equal(t, int64(7), recs[0].ChatID)
	require.Equal(t, 1, recs[0].Attempts)
}

func mustDSN(t *testing.T) string {
	dsn, err := turnstore.SQLiteTurnDSNForFile(filepath.Join(t.TempDir(), "turns.db"))
	require.NoError(t, err)
	return dsn
}

func TestEngine_DeltasConcatenateToFinalText(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	h.backend.setOnSend(h.backend.pushes(
		streaming(3, "H"),
		streaming(3, "Hel"),
		streaming(3, "Hel"),
		streaming(3, "Hello"),
		complete(3, "Hello"),
	))

	var b strings.Builder
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("greet me"), TurnOptions{
		OnTyping: func(m Message) { b.WriteString(m.TextNew) },
	})
	require.NoError(t, err)
	require.Equal(t, "Hello", b.String())
	require.Equal(t, msg.Text, b.String()+msg.TextNew)
	require.Empty(t, msg.TextNew)
}

func TestEngine_RewrittenTextIsStreamedWhole(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	h.backend.setOnSend(h.backend.pushes(
		streaming(6, "héllo"),
		streaming(6, "hé wörld"),
		streaming(6, "hé"),
		complete(6, "hé wörld!"),
	))

	var deltas []string
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("rewrite"), TurnOptions{
		OnTyping: func(m Message) { deltas = append(deltas, m.TextNew) },
	})
	require.NoError(t, err)
	require.Equal(t, []string{"héllo", "hé wörld"}, deltas)
	require.Equal(t, "!", msg.TextNew)
}

func TestTextDelta(t *testing.T) {
	cases := []struct {
		streamed, text, want string
	}{
		{"", "abc", "abc"},
		{"ab", "abc", "c"},
		{"abc", "abc", ""},
		{"héllo", "hé wörld", "hé wörld"},
		{"日本", "日本語", "語"},
	}
	for _, c := range cases {
		require.Equal(t, c.want, textDelta(c.streamed, c.text), "%q -> %q", c.streamed, c.text)
	}
}

func TestEngine_TimeoutRemovesEntry(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Turn.MaxAttempts = 2 })
	h.init(t)

	_, err := h.engine.SendTurn(context.Background(), prompt.Text("anyone?"), TurnOptions{Timeout: 5})
	require.Error(t, err)
	require.True(t, errkind.Is(err, errkind.ChannelTimeout))
	require.Equal(t, 2, h.backend.sendCount())
	require.Equal(t, 0, h.engine.table.Len())
	require.Equal(t, 0, h.engine.table.UnassignedCount())
}

func TestEngine_LateFramesOfTimedOutTurnAreIgnored(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	h.backend.setOnSend(h.backend.pushes(streaming(11, "slow")))

	_, err := h.engine.SendTurn(context.Background(), prompt.Text("first"), TurnOptions{Timeout: 5})
	require.True(t, errkind.Is(err, errkind.ChannelTimeout))

	h.backend.setOnSend(func(int, map[string]any) string {
		h.backend.sendOn(0, streaming(11, "slow reply"), streaming(12, "fresh"), complete(12, "fresh!"))
		return ""
	})
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("second"), TurnOptions{})
	require.NoError(t, err)
	require.Equal(t, channel.MessageID(12), msg.MessageID)
	require.Equal(t, "fresh!", msg.Text)
}

func TestEngine_RateLimitIsNotRetried(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Turn.MaxAttempts = 3 })
	h.init(t)
	h.backend.setOnSend(func(int, map[string]any) string {
		return `{"data":{"messageEdgeCreate":{"message":null}}}`
	})

	_, err := h.engine.SendTurn(context.Background(), prompt.Text("one more"), TurnOptions{})
	require.True(t, errkind.Is(err, errkind.RateLimited))
	require.Equal(t, 1, h.backend.sendCount())
	require.Equal(t, 0, h.engine.table.Len())
}

func TestEngine_RejectedSendIsProtocolViolation(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Turn.MaxAttempts = 3 })
	h.init(t)
	h.backend.setSendStatus(http.StatusBadRequest)

	_, err := h.engine.SendTurn(context.Background(), prompt.Text("hi"), TurnOptions{})
	require.Equal(t, errkind.ProtocolViolation, errkind.Of(err), "%v", err)
	require.Equal(t, 1, h.backend.sendCount())
	require.Equal(t, 0, h.engine.table.Len())
}

func TestEngine_UnauthorizedSendBlocksUntilReinitialized(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	h.backend.setSendStatus(http.StatusUnauthorized)

	_, err := h.engine.SendTurn(context.Background(), prompt.Text("hi"), TurnOptions{})
	require.Equal(t, errkind.InvalidCredential, errkind.Of(err), "%v", err)

	_, err = h.engine.SendTurn(context.Background(), prompt.Text("again"), TurnOptions{})
	require.Equal(t, errkind.InvalidCredential, errkind.Of(err), "%v", err)
	require.Equal(t, 1, h.backend.sendCount())

	h.backend.setSendStatus(0)
	h.init(t)
	h.backend.setOnSend(h.backend.pushes(streaming(3, "fine"), complete(3, "fine now")))
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("again"), TurnOptions{})
	require.NoError(t, err)
	require.Equal(t, "fine now", msg.Text)
}

func TestEngine_ReconnectsStaleChannelBeforeSending(t *testing.T) {
	h := newHarness(t, nil)
	h.push.IgnorePings = func(n int) bool { return n == 1 }
	h.init(t)
	require.Equal(t, 1, h.push.Connects())
	require.Equal(t, int32(1), h.source.boots.Load())

	h.backend.setOnSend(h.backend.pushes(streaming(5, "back"), complete(5, "back again")))
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("still there?"), TurnOptions{})
	require.NoError(t, err)
	require.Equal(t, "back again", msg.Text)
	require.Equal(t, 2, h.push.Connects())
	require.Equal(t, int32(2), h.source.boots.Load())
	require.Len(t, h.backend.callsOf("subscribe"), 2)
}

func TestEngine_DecodeFailureRetriesOnFreshSession(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) { s.Turn.MaxAttempts = 2 })
	h.init(t)

	h.backend.setOnSend(func(n int, _ map[string]any) string {
		if n == 1 {
			assert.NoError(t, h.push.SendRaw([]byte("{not json")))
			return ""
		}
		h.backend.sendOn(2, streaming(8, "ok"), complete(8, "ok!"))
		return ""
	})
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("hi"), TurnOptions{})
	require.NoError(t, err)
	require.Equal(t, "ok!", msg.Text)
	require.Equal(t, 2, h.backend.sendCount())
	require.Equal(t, 2, h.push.Connects())
}

func TestEngine_TurnsRunInSubmissionOrder(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	h.backend.setOnSend(func(n int, _ map[string]any) string {
		id := channel.MessageID(100 + n)
		if n == 1 {
			h.backend.sendOn(0, streaming(id, "one"))
			return ""
		}
		h.backend.sendOn(0, streaming(id, "two"), complete(id, "two!"))
		return ""
	})

	var maxUnassigned atomic.Int32
	stop := make(chan struct{})
	var sampler sync.WaitGroup
	sampler.Add(1)
	go func() {
		defer sampler.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			if n := int32(h.engine.table.UnassignedCount()); n > maxUnassigned.Load() {
				maxUnassigned.Store(n)
			}
			time.Sleep(time.Millisecond)
		}
	}()

	type result struct {
		msg *Message
		err error
	}
	first := make(chan result, 1)
	second := make(chan result, 1)
	go func() {
		m, err := h.engine.SendTurn(context.Background(), prompt.Text("first"), TurnOptions{})
		first <- result{m, err}
	}()
	require.Eventually(t, func() bool { return h.backend.sendCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	go func() {
		m, err := h.engine.SendTurn(context.Background(), prompt.Text("second"), TurnOptions{})
		second <- result{m, err}
	}()
	require.Eventually(t, func() bool { return h.engine.PendingCount() == 2 }, 2*time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, 1, h.backend.sendCount(), "second turn must not send before the first resolves")

	require.NoError(t, h.push.Send(complete(101, "one!")))
	r1 := <-first
	require.NoError(t, r1.err)
	require.Equal(t, "one!", r1.msg.Text)
	r2 := <-second
	require.NoError(t, r2.err)
	require.Equal(t, "two!", r2.msg.Text)

	close(stop)
	sampler.Wait()
	require.LessOrEqual(t, maxUnassigned.Load(), int32(1))

	sends := h.backend.callsOf("send")
	require.Equal(t, "first", sends[0].vars["query"])
	require.Equal(t, "second", sends[1].vars["query"])
}

func edges(from, n int) []gql.Edge {
	out := make([]gql.Edge, 0, n)
	for i := 0; i < n; i++ {
		id := channel.MessageID(from + i)
		out = append(out, gql.Edge{Node: gql.HistoryNode{MessageID: id, Text: "m"}, Cursor: fmt.Sprint(id)})
	}
	return out
}

func deletedIDs(c call) []float64 {
	raw, _ := c.vars["messageIds"].([]any)
	out := make([]float64, 0, len(raw))
	for _, v := range raw {
		out = append(out, v.(float64))
	}
	return out
}

func TestEngine_PurgeDeletesPageByPage(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	h.backend.setPages(edges(1, 50), edges(51, 10))

	n, err := h.engine.Purge(context.Background(), -1)
	require.NoError(t, err)
	require.Equal(t, 60, n)

	deletes := h.backend.callsOf("delete")
	require.Len(t, deletes, 2)
	require.Len(t, deletedIDs(deletes[0]), 50)
	require.Len(t, deletedIDs(deletes[1]), 10)
	require.Equal(t, float64(50), deletedIDs(deletes[0])[0], "newest message goes first")
	require.Len(t, h.backend.callsOf("history"), 3)
	require.Equal(t, float64(50), h.backend.callsOf("history")[0].vars["count"])
}

func TestEngine_PurgeStopsAtCount(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	h.backend.setPages(edges(1, 50))

	n, err := h.engine.Purge(context.Background(), 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	deletes := h.backend.callsOf("delete")
	require.Len(t, deletes, 1)
	require.Equal(t, []float64{50, 49, 48, 47, 46}, deletedIDs(deletes[0]))

	n, err = h.engine.Purge(context.Background(), 0)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Len(t, h.backend.callsOf("history"), 1)
}

func TestEngine_PurgeOfEmptyHistory(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	n, err := h.engine.Purge(context.Background(), -1)
	require.NoError(t, err)
	require.Zero(t, n)
	require.Empty(t, h.backend.callsOf("delete"))
}

func TestEngine_ContextOperations(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)

	require.NoError(t, h.engine.BreakContext(context.Background()))
	require.Equal(t, float64(7), h.backend.callsOf("break")[0].vars["chatId"])
	require.NoError(t, h.engine.PurgeAll(context.Background()))
	require.Len(t, h.backend.callsOf("delete_all"), 1)
	require.NoError(t, h.engine.DeleteMessages(context.Background(), 4, 5))
	require.Equal(t, []float64{4, 5}, deletedIDs(h.backend.callsOf("delete")[0]))

	h.backend.setOnSend(h.backend.pushes(streaming(2, "a"), complete(2, "ab")))
	_, err := h.engine.SendTurn(context.Background(), prompt.Text("reset"), TurnOptions{WithReset: true})
	require.NoError(t, err)
	require.Equal(t, true, h.backend.callsOf("send")[0].vars["withChatBreak"])

	chat, err := h.engine.ChatTarget()
	require.NoError(t, err)
	require.Equal(t, "Q2hhdDo3", chat.NodeID)
	_, err = h.engine.History(context.Background(), 10, "")
	require.NoError(t, err)
	require.Equal(t, "Q2hhdDo3", h.backend.callsOf("history")[0].vars["id"])
}

func TestEngine_DestroyStopsTurns(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.engine.SendTurn(context.Background(), prompt.Text("never answered"), TurnOptions{})
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.backend.sendCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.engine.Destroy(context.Background()))
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrNotInitialized)
	case <-time.After(2 * time.Second):
		t.Fatal("running turn was not stopped by Destroy")
	}
	require.Equal(t, channel.StateDisconnected, h.engine.ChannelState())
	require.Eventually(t, func() bool { return h.push.Closed() == 1 }, 2*time.Second, 5*time.Millisecond)

	_, err := h.engine.SendTurn(context.Background(), prompt.Text("again"), TurnOptions{})
	require.ErrorIs(t, err, ErrNotInitialized)
	_, err = h.engine.Purge(context.Background(), -1)
	require.ErrorIs(t, err, ErrNotInitialized)
	require.NoError(t, h.engine.Destroy(context.Background()))

	h.init(t)
	h.backend.setOnSend(h.backend.pushes(streaming(9, "x"), complete(9, "xy")))
	msg, err := h.engine.SendTurn(context.Background(), prompt.Text("after restart"), TurnOptions{})
	require.NoError(t, err)
	require.Equal(t, "xy", msg.Text)
}

func TestEngine_DestroyInterruptsSendRetries(t *testing.T) {
	h := newHarness(t, func(s *config.Settings) {
		s.Request.MaxRetries = 100
		s.Request.RetryDelay = 100 * time.Millisecond
	})
	h.init(t)
	h.backend.setSendStatus(http.StatusServiceUnavailable)

	errc := make(chan error, 1)
	go func() {
		_, err := h.engine.SendTurn(context.Background(), prompt.Text("busy backend"), TurnOptions{})
		errc <- err
	}()
	require.Eventually(t, func() bool { return h.backend.sendCount() >= 2 }, 2*time.Second, 5*time.Millisecond)

	started := time.Now()
	require.NoError(t, h.engine.Destroy(context.Background()))
	require.Less(t, time.Since(started), time.Second)
	select {
	case err := <-errc:
		require.ErrorIs(t, err, ErrNotInitialized)
	case <-time.After(2 * time.Second):
		t.Fatal("send retries outlived Destroy")
	}
}

func TestEngine_InitializeFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.source.err = errors.New("settings page changed")
	err := h.engine.Initialize(context.Background())
	require.True(t, errkind.Is(err, errkind.ProtocolViolation))

	h.source.err = errkind.Newf(errkind.InvalidCredential, "invalid token")
	err = h.engine.Initialize(context.Background())
	require.True(t, errkind.Is(err, errkind.InvalidCredential))

	_, err = h.engine.SendTurn(context.Background(), prompt.Text("hi"), TurnOptions{})
	require.ErrorIs(t, err, ErrNotInitialized)

	h.source.err = nil
	h.init(t)
}

func TestEngine_RenderFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.init(t)
	_, err := h.engine.SendTurn(context.Background(), prompt.Conversation(), TurnOptions{})
	require.Error(t, err)
	require.Zero(t, h.backend.sendCount())
}

func TestNew_Validation(t *testing.T) {
	_, err := New(config.Default(), nil)
	require.Error(t, err)

	bad := config.Default()
	bad.Turn.TimeoutTicks = 0
	_, err = New(bad, &fakeSource{})
	require.Error(t, err)
}
