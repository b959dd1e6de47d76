package correlation

import (
	"sync"
	"time"

	"github.com/go-go-golems/turnsync/pkg/channel"
)

const DefaultSuggestionMaxAge = 30 * time.Minute

type Suggestions struct {
	Replies []string
	Updated time.Time
}

// SuggestionCache keeps the suggested replies seen per message, independent of
// the turn that produced the message. Replies arrive spread over several frames
// and are merged in first-seen order without duplicates.
type SuggestionCache struct {
	maxAge time.Duration
	now    func() time.Time

	mu        sync.Mutex
	items     map[channel.MessageID]*Suggestions
	lastPrune time.Time
}

// NewSuggestionCache creates a cache dropping entries older than maxAge. A
// zero maxAge keeps entries forever.
func NewSuggestionCache(maxAge time.Duration) *SuggestionCache {
	return &SuggestionCache{
		maxAge: maxAge,
		now:    time.Now,
		items:  map[channel.MessageID]*Suggestions{},
	}
}

// Observe merges the suggested replies carried by f.
func (c *SuggestionCache) Observe(f channel.Frame) {
	if c == nil || len(f.SuggestedReplies) == 0 {
		return
	}
	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[f.MessageID]
	if !ok {
		s = &Suggestions{}
		c.items[f.MessageID] = s
	}
	for _, r := range f.SuggestedReplies {
		if !contains(s.Replies, r) {
			s.Replies = append(s.Replies, r)
		}
	}
	s.Updated = now

	if c.maxAge > 0 && now.Sub(c.lastPrune) > c.maxAge/2 {
		c.pruneLocked(now)
	}
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Get returns a copy of the replies for id.
func (c *SuggestionCache) Get(id channel.MessageID) (Suggestions, bool) {
	if c == nil {
		return Suggestions{}, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.items[id]
	if !ok {
		return Suggestions{}, false
	}
	return Suggestions{Replies: append([]string(nil), s.Replies...), Updated: s.Updated}, true
}

// Prune drops entries not updated within maxAge and returns how many it dropped.
func (c *SuggestionCache) Prune() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pruneLocked(c.now())
}

func (c *SuggestionCache) pruneLocked(now time.Time) int {
	c.lastPrune = now
	if c.maxAge <= 0 {
		return 0
	}
	n := 0
	for id, s := range c.items {
		if now.Sub(s.Updated) > c.maxAge {
			delete(c.items, id)
			n++
		}
	}
	return n
}

func (c *SuggestionCache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}
