// Package channeltest provides an in-process push channel server for tests.
package channeltest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"

	"github.com/go-go-golems/turnsync/pkg/channel"
)

const Path = "/up/box/updates"

// Server accepts push channel connections and lets a test write frames to the
// most recent one.
type Server struct {
	*httptest.Server

	// IgnorePings, when set, is asked for every new connection (1-based) whether
	// that connection should swallow pings instead of answering them.
	IgnorePings func(n int) bool

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conn     *websocket.Conn
	connects int
	queries  []url.Values
	closed   int
}

func NewServer(t testing.TB) *Server {
	s := &Server{
		upgrader: websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
	}
	mux := http.NewServeMux()
	mux.HandleFunc(Path, s.handle)
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	s.mu.Lock()
	s.connects++
	n := s.connects
	s.conn = conn
	s.queries = append(s.queries, r.URL.Query())
	ignore := s.IgnorePings
	s.mu.Unlock()

	if ignore != nil && ignore(n) {
		conn.SetPingHandler(func(string) error { return nil })
	}

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
	}
	s.closed++
	s.mu.Unlock()
	_ = conn.Close()
}

// Descriptor points at this server with a fixed secret and hash.
func (s *Server) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Endpoint: "ws" + strings.TrimPrefix(s.URL, "http") + Path,
		Secret:   "secret",
		Hash:     "hash",
		Cursor:   "1",
	}
}

func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// Closed counts connections whose server side has finished.
func (s *Server) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Server) Query(n int) url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 || n > len(s.queries) {
		return nil
	}
	return s.queries[n-1]
}

func (s *Server) HasConn() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Send writes frames, wrapped the way the backend wraps them, to the current
// connection.
func (s *Server) Send(frames ...channel.Frame) error {
	raw, err := Encode(frames...)
	if err != nil {
		return err
	}
	return s.SendRaw(raw)
}

func (s *Server) SendRaw(raw []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("channeltest: no connection")
	}
	return s.conn.WriteMessage(websocket.TextMessage, raw)
}

// Encode builds the raw channel message carrying frames as messageAdded updates.
func Encode(frames ...channel.Frame) ([]byte, error) {
	messages := make([]string, 0, len(frames))
	for _, f := range frames {
		env := map[string]any{
			"message_type": "subscriptionUpdate",
			"payload": map[string]any{
				"subscription_name": "messageAdded",
				"data": map[string]any{
					"messageAdded": f,
				},
			},
		}
		b, err := json.Marshal(env)
		if err != nil {
			return nil, errors.Wrap(err, "channeltest: encode envelope")
		}
		messages = append(messages, string(b))
	}
	return json.Marshal(map[string]any{"messages": messages})
}
