package feed

import (
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	DefaultMaxEntries = 20
	DefaultTTL        = 15 * time.Second
)

// Message is a single chat entry. Entries are never mutated after Append.
type Message struct {
	ID        string    `json:"id"`
	From      string    `json:"from"`
	Text      string    `json:"text"`
	IsAdmin   bool      `json:"is_admin"`
	ArrivedAt time.Time `json:"arrived_at"`
}

// Config holds the feed limits
type Config struct {
	MaxEntries int
	TTL        time.Duration
}

// DefaultConfig returns the limits used on the live display
func DefaultConfig() Config {
	return Config{
		MaxEntries: DefaultMaxEntries,
		TTL:        DefaultTTL,
	}
}

// Feed is a bounded chat feed whose entries expire individually.
//
// Feed does no locking of its own. The owner serializes calls and routes
// expiry back in through the callback passed to New, which receives the id of
// the message whose TTL elapsed.
type Feed struct {
	clock    clockwork.Clock
	config   Config
	onExpire func(id string)

	entries []Message
	pending map[string]clockwork.Timer
	closed  bool
}

// New creates a feed. onExpire is invoked from a timer goroutine and is
// expected to take the owner's lock and call Expire.
func New(clock clockwork.Clock, config Config, onExpire func(id string)) *Feed {
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultMaxEntries
	}
	if config.TTL <= 0 {
		config.TTL = DefaultTTL
	}
	return &Feed{
		clock:    clock,
		config:   config,
		onExpire: onExpire,
		pending:  make(map[string]clockwork.Timer),
	}
}

// Append adds a message at the end of the feed, trims the oldest entries down
// to the size bound and schedules this message's own removal.
func (f *Feed) Append(from, text string, isAdmin bool) Message {
	msg := Message{
		ID:        uuid.NewString(),
		From:      from,
		Text:      text,
		IsAdmin:   isAdmin,
		ArrivedAt: f.clock.Now(),
	}
	if f.closed {
		return msg
	}

	f.entries = append(f.entries, msg)
	for len(f.entries) > f.config.MaxEntries {
		evicted := f.entries[0]
		f.entries = f.entries[1:]
		f.cancel(evicted.ID)
		log.Debug().Str("message_id", evicted.ID).Msg("chat message evicted by size bound")
	}

	id := msg.ID
	f.pending[id] = f.clock.AfterFunc(f.config.TTL, func() {
		if f.onExpire != nil {
			f.onExpire(id)
		}
	})

	return msg
}

// Remove drops the message with the given id. It reports whether a message was
// removed; removing an already evicted id is a no-op.
func (f *Feed) Remove(id string) bool {
	f.cancel(id)
	return f.drop(id)
}

func (f *Feed) drop(id string) bool {
	for i, m := range f.entries {
		if m.ID == id {
			f.entries = append(f.entries[:i:i], f.entries[i+1:]...)
			return true
		}
	}
	return false
}

// Expire is Remove for a message whose own timer fired. The timer is already
// spent, so it is only forgotten, not stopped.
func (f *Feed) Expire(id string) bool {
	delete(f.pending, id)
	return f.drop(id)
}

// Entries returns a copy of the feed, oldest first
func (f *Feed) Entries() []Message {
	out := make([]Message, len(f.entries))
	copy(out, f.entries)
	return out
}

// Len returns the number of retained messages
func (f *Feed) Len() int {
	return len(f.entries)
}

// Pending returns the number of scheduled removals
func (f *Feed) Pending() int {
	return len(f.pending)
}

// Close cancels every scheduled removal. Appends after Close are not retained.
func (f *Feed) Close() {
	for id := range f.pending {
		f.cancel(id)
	}
	f.entries = nil
	f.closed = true
}

func (f *Feed) cancel(id string) {
	if t, ok := f.pending[id]; ok {
		t.Stop()
		delete(f.pending, id)
	}
}
