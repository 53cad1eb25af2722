package session

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/eshlive/go/internal/live/channel"
	"github.com/mcdev12/eshlive/go/internal/live/events"
	"github.com/mcdev12/eshlive/go/internal/live/state"
	"github.com/rs/zerolog/log"
)

// CredentialSource supplies the credential the session should be connected
// with. An empty string means signed out.
type CredentialSource interface {
	Credential() string
}

// StaticCredential is a CredentialSource that never changes
type StaticCredential string

func (c StaticCredential) Credential() string { return string(c) }

// Sink receives every event after it has been applied to the store
type Sink interface {
	Forward(ev events.Event)
}

// Config holds configuration for a session
type Config struct {
	Channel channel.Config
	Store   state.Config
	Redial  RedialConfig
}

// DefaultConfig returns default session configuration. Redialing is off.
func DefaultConfig() Config {
	return Config{
		Channel: channel.DefaultConfig(),
		Store:   state.DefaultConfig(),
		Redial:  DefaultRedialConfig(),
	}
}

// Session ties one push connection to one derived state store
type Session struct {
	creds    CredentialSource
	store    *state.Store
	channel  *channel.Manager
	redialer *Redialer
	sinks    []Sink

	mu     sync.Mutex
	closed bool
}

// New creates a session. Nothing is dialed until Sync is called.
func New(config Config, clock clockwork.Clock, creds CredentialSource, sinks ...Sink) *Session {
	s := &Session{
		creds: creds,
		store: state.NewStore(clock, config.Store),
		sinks: sinks,
	}
	s.channel = channel.NewManager(config.Channel, clock, s.handleFrame, s.handleStatus)
	if config.Redial.Enabled {
		s.redialer = NewRedialer(clock, config.Redial, s.Sync)
	}
	return s
}

// Sync brings the connection in line with the current credential: connects if
// there is one, tears down if it was cleared, and does nothing if the
// connection already matches.
func (s *Session) Sync(ctx context.Context) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return s.channel.Open(ctx, s.creds.Credential())
}

// Snapshot returns the current derived state
func (s *Session) Snapshot() state.Snapshot {
	return s.store.Snapshot()
}

// Connected reports whether the push connection is open
func (s *Session) Connected() bool {
	return s.channel.Connected()
}

// Subscribe registers a change listener on the store
func (s *Session) Subscribe(fn func(state.Snapshot)) func() {
	return s.store.Subscribe(fn)
}

// Close stops redialing, tears down the connection and the store timers
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	if s.redialer != nil {
		s.redialer.Stop()
	}
	s.channel.Close()
	s.store.Close()
}

func (s *Session) handleFrame(frame []byte) {
	ev, err := events.Decode(frame)
	if err != nil {
		if errors.Is(err, events.ErrUnknownKind) {
			log.Debug().Err(err).Msg("ignoring unknown event kind")
		} else {
			log.Debug().Err(err).Int("frame_len", len(frame)).Msg("dropping malformed frame")
		}
		return
	}
	if !s.store.Apply(ev) {
		return
	}
	for _, sink := range s.sinks {
		sink.Forward(ev)
	}
}

func (s *Session) handleStatus(st channel.State) {
	s.store.SetConnected(st == channel.Open)
	if s.redialer == nil {
		return
	}
	switch st {
	case channel.Open:
		s.redialer.Reset()
	case channel.Disconnected:
		s.redialer.Trigger()
	}
}
