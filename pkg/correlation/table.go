// Package correlation matches frames from the shared push channel to the turn
// that caused them.
//
// A turn registers an entry before its request goes out. The entry starts
// unassigned and takes the id of the first streaming, non-human frame that
// arrives while it waits; later frames are matched on that id. Only one entry
// may be unassigned at a time, otherwise the first frame of a reply could
// belong to either turn.
package correlation

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/go-go-golems/turnsync/pkg/channel"
)

const defaultRetiredMemory = 128

// Entry is one turn's slot in the table. Its fields are guarded by the table.
type Entry struct {
	key        string
	assigned   bool
	responseID channel.MessageID
	buf        []channel.Frame
	notify     chan struct{}
	err        error
	retired    bool
}

func (e *Entry) Key() string { return e.key }

func (e *Entry) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

type Option func(*Table)

// WithRetiredMemory sets how many retired response ids are remembered so their
// late frames are dropped instead of captured by the next turn.
func WithRetiredMemory(n int) Option {
	return func(t *Table) {
		if n >= 0 {
			t.retiredCap = n
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(t *Table) { t.logger = l }
}

type Table struct {
	logger zerolog.Logger

	mu         sync.Mutex
	unassigned *Entry
	assigned   map[channel.MessageID]*Entry
	released   chan struct{}

	retiredCap  int
	retired     map[channel.MessageID]struct{}
	retiredRing []channel.MessageID
}

func New(opts ...Option) *Table {
	t := &Table{
		logger:     log.Logger,
		assigned:   map[channel.MessageID]*Entry{},
		released:   make(chan struct{}),
		retiredCap: defaultRetiredMemory,
		retired:    map[channel.MessageID]struct{}{},
	}
	for _, o := range opts {
		o(t)
	}
	t.logger = t.logger.With().Str("component", "correlation").Logger()
	return t
}

// Begin registers an unassigned entry for key. It waits while another entry
// holds the unassigned slot.
func (t *Table) Begin(ctx context.Context, key string) (*Entry, error) {
	for {
		t.mu.Lock()
		if t.unassigned == nil {
			e := &Entry{key: key, notify: make(chan struct{}, 1)}
			t.unassigned = e
			t.mu.Unlock()
			return e, nil
		}
		wait := t.released
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// releaseLocked wakes Begin callers waiting for the unassigned slot.
func (t *Table) releaseLocked() {
	close(t.released)
	t.released = make(chan struct{})
}

// Route classifies one frame and appends it to the entry it belongs to. It
// reports whether the frame was kept.
func (t *Table) Route(f channel.Frame) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.assigned[f.MessageID]; ok {
		e.buf = append(e.buf, f)
		e.signal()
		return true
	}
	if _, ok := t.retired[f.MessageID]; ok {
		return false
	}

	e := t.unassigned
	if e == nil || f.IsHuman() || f.IsComplete() {
		return false
	}
	e.assigned = true
	e.responseID = f.MessageID
	t.assigned[f.MessageID] = e
	t.unassigned = nil
	t.releaseLocked()

	e.buf = append(e.buf, f)
	e.signal()
	t.logger.Debug().Str("key", e.key).Int64("message_id", int64(f.MessageID)).Msg("entry assigned")
	return true
}

// Next pops the oldest buffered frame of e, waiting up to wait for one. ok is
// false when nothing arrived in time. A non-nil error is terminal for e.
func (t *Table) Next(ctx context.Context, e *Entry, wait time.Duration) (channel.Frame, bool, error) {
	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		t.mu.Lock()
		if len(e.buf) > 0 {
			f := e.buf[0]
			e.buf[0] = channel.Frame{}
			e.buf = e.buf[1:]
			t.mu.Unlock()
			return f, true, nil
		}
		if e.err != nil {
			err := e.err
			t.mu.Unlock()
			return channel.Frame{}, false, err
		}
		t.mu.Unlock()

		select {
		case <-ctx.Done():
			return channel.Frame{}, false, ctx.Err()
		case <-timer.C:
			return channel.Frame{}, false, nil
		case <-e.notify:
		}
	}
}

// ResponseID returns the id e was assigned, if any.
func (t *Table) ResponseID(e *Entry) (channel.MessageID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return e.responseID, e.assigned
}

// Retire removes e from the table. It is safe to call more than once.
func (t *Table) Retire(e *Entry) {
	if e == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.retired {
		return
	}
	e.retired = true
	e.buf = nil
	if t.unassigned == e {
		t.unassigned = nil
		t.releaseLocked()
	}
	if e.assigned {
		if t.assigned[e.responseID] == e {
			delete(t.assigned, e.responseID)
		}
		t.rememberLocked(e.responseID)
	}
}

func (t *Table) rememberLocked(id channel.MessageID) {
	if t.retiredCap == 0 {
		return
	}
	if _, ok := t.retired[id]; ok {
		return
	}
	if len(t.retiredRing) >= t.retiredCap {
		oldest := t.retiredRing[0]
		t.retiredRing = t.retiredRing[1:]
		delete(t.retired, oldest)
	}
	t.retiredRing = append(t.retiredRing, id)
	t.retired[id] = struct{}{}
}

// Fail wakes every live entry with err. Entries stay registered until retired.
func (t *Table) Fail(err error) {
	if err == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	if e := t.unassigned; e != nil && e.err == nil {
		e.err = err
		e.signal()
		n++
	}
	for _, e := range t.assigned {
		if e.err == nil {
			e.err = err
			e.signal()
			n++
		}
	}
	if n > 0 {
		t.logger.Warn().Err(err).Int("entries", n).Msg("failing live entries")
	}
}

// Len is the number of live entries.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.assigned)
	if t.unassigned != nil {
		n++
	}
	return n
}

func (t *Table) UnassignedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.unassigned != nil {
		return 1
	}
	return 0
}
