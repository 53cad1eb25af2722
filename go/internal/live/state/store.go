package state

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/eshlive/go/internal/live/countdown"
	"github.com/mcdev12/eshlive/go/internal/live/events"
	"github.com/mcdev12/eshlive/go/internal/live/feed"
	"github.com/rs/zerolog/log"
)

// Config holds the store's time-based limits
type Config struct {
	Feed         feed.Config
	TickInterval time.Duration
}

// DefaultConfig returns the limits used by the live display
func DefaultConfig() Config {
	return Config{
		Feed:         feed.DefaultConfig(),
		TickInterval: countdown.DefaultInterval,
	}
}

// Store owns every derived projection. All mutation goes through Apply (or the
// timers the store itself armed) under one lock, so a reader never sees an
// event half applied.
type Store struct {
	mu        sync.Mutex
	state     State
	feed      *feed.Feed
	countdown *countdown.Reconciler
	connected bool
	version   uint64
	closed    bool

	subsMu sync.Mutex
	subs   map[int]func(Snapshot)
	nextID int

	dirty chan struct{}
	done  chan struct{}
}

// NewStore creates an empty store and starts its change notifier
func NewStore(clock clockwork.Clock, config Config) *Store {
	s := &Store{
		state: State{Roster: make(map[string]User)},
		subs:  make(map[int]func(Snapshot)),
		dirty: make(chan struct{}, 1),
		done:  make(chan struct{}),
	}
	s.feed = feed.New(clock, config.Feed, s.expireMessage)
	s.countdown = countdown.NewReconciler(clock, config.TickInterval, func(countdown.Display) {
		s.markDirty()
	})

	go s.notifyLoop()
	return s
}

// Apply runs one event through its reducer and hands it to the feed or
// countdown where the kind requires it. It reports whether the event was applied.
func (s *Store) Apply(ev events.Event) bool {
	ev = valueOf(ev)
	if ev == nil {
		log.Debug().Msg("nil event, ignoring")
		return false
	}
	h, ok := handlers[ev.Kind()]
	if !ok {
		log.Debug().Str("event_type", string(ev.Kind())).Msg("no reducer for event, ignoring")
		return false
	}

	version, applied := s.apply(h, ev)
	if !applied {
		return false
	}

	log.Debug().
		Str("event_type", string(ev.Kind())).
		Uint64("version", version).
		Msg("event applied")

	s.markDirty()
	return true
}

func (s *Store) apply(h handler, ev events.Event) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, false
	}
	if h.reduce != nil {
		s.state = h.reduce(s.state, ev)
	}
	if h.effect != nil {
		h.effect(s, ev)
	}
	s.version++
	return s.version, true
}

// SetConnected records the push channel status shown to consumers
func (s *Store) SetConnected(connected bool) {
	s.mu.Lock()
	changed := s.connected != connected
	s.connected = connected
	s.mu.Unlock()

	if changed {
		s.markDirty()
	}
}

// Snapshot returns a deep copy of the current projections
func (s *Store) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := s.state.clone()
	return Snapshot{
		Roster:      st.Roster,
		Leaderboard: st.Leaderboard,
		ChatFeed:    s.feed.Entries(),
		Pinned:      st.Pinned,
		Timer:       st.Timer,
		Countdown:   s.countdown.Display(),
		Connected:   s.connected,
		Version:     s.version,
	}
}

// Subscribe registers fn to receive a snapshot after changes. Bursts of changes
// are coalesced. The returned func removes the subscription.
func (s *Store) Subscribe(fn func(Snapshot)) func() {
	s.subsMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subsMu.Unlock()

	return func() {
		s.subsMu.Lock()
		delete(s.subs, id)
		s.subsMu.Unlock()
	}
}

// Close cancels every pending chat expiry and the countdown tick. Events
// applied after Close are ignored.
func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.feed.Close()
	s.countdown.Close()
	s.mu.Unlock()

	close(s.done)
}

func (s *Store) expireMessage(id string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	removed := s.feed.Expire(id)
	if removed {
		s.version++
	}
	s.mu.Unlock()

	if removed {
		log.Debug().Str("message_id", id).Msg("chat message expired")
		s.markDirty()
	}
}

func (s *Store) markDirty() {
	select {
	case s.dirty <- struct{}{}:
	default:
	}
}

func (s *Store) notifyLoop() {
	for {
		select {
		case <-s.done:
			return
		case <-s.dirty:
		}

		s.subsMu.Lock()
		fns := make([]func(Snapshot), 0, len(s.subs))
		for _, fn := range s.subs {
			fns = append(fns, fn)
		}
		s.subsMu.Unlock()
		if len(fns) == 0 {
			continue
		}

		for _, fn := range fns {
			fn(s.Snapshot())
		}
	}
}
