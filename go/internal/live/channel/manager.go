package channel

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// State is the lifecycle of the push connection
type State int

const (
	Disconnected State = iota
	Connecting
	Open
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Open:
		return "open"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrUnsupportedScheme is returned for server URLs that are not http(s) or ws(s)
var ErrUnsupportedScheme = errors.New("unsupported scheme")

// FrameHandler receives raw text frames in transport order from a single goroutine
type FrameHandler func(frame []byte)

// StatusListener is told about every state transition
type StatusListener func(State)

// Config holds configuration for the push connection
type Config struct {
	URL              string // e.g. ws://localhost:8000/ws
	CredentialParam  string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 0 disables the read deadline
	PingInterval     time.Duration // 0 disables client pings
	WriteTimeout     time.Duration
	MaxMessageSize   int64
}

// DefaultConfig returns default push connection configuration
func DefaultConfig() Config {
	return Config{
		URL:              "ws://localhost:8000/ws",
		CredentialParam:  "key",
		HandshakeTimeout: 10 * time.Second,
		ReadTimeout:      60 * time.Second,
		PingInterval:     25 * time.Second,
		WriteTimeout:     10 * time.Second,
		MaxMessageSize:   1 << 20,
	}
}

// Manager owns at most one push connection, tied to one credential.
// It never reconnects on its own.
type Manager struct {
	config   Config
	dialer   *websocket.Dialer
	clock    clockwork.Clock
	handler  FrameHandler
	onStatus StatusListener

	mu         sync.Mutex
	gen        uint64
	state      State
	credential string
	conn       *websocket.Conn
	done       chan struct{}
	cancelDial context.CancelFunc

	// handlerMu is held across the generation check and the handler call
	handlerMu sync.Mutex
}

// NewManager creates a connection manager. onStatus may be nil.
func NewManager(config Config, clock clockwork.Clock, handler FrameHandler, onStatus StatusListener) *Manager {
	if config.CredentialParam == "" {
		config.CredentialParam = "key"
	}
	return &Manager{
		config: config,
		dialer: &websocket.Dialer{
			HandshakeTimeout: config.HandshakeTimeout,
		},
		clock:    clock,
		handler:  handler,
		onStatus: onStatus,
		state:    Disconnected,
	}
}

// Open connects with the given credential. An empty credential tears down any
// existing connection and attempts nothing. Opening again for the credential
// that is already open or connecting is a no-op; a different credential
// replaces the current connection.
func (m *Manager) Open(ctx context.Context, credential string) error {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		m.Close()
		return nil
	}

	m.mu.Lock()
	if m.credential == credential && (m.state == Open || m.state == Connecting) {
		m.mu.Unlock()
		return nil
	}
	replacing := m.state == Open || m.state == Connecting
	m.mu.Unlock()

	if replacing {
		log.Info().Msg("credential changed, replacing push connection")
		m.Close()
	}

	wsURL, err := BuildURL(m.config.URL, m.config.CredentialParam, credential)
	if err != nil {
		return fmt.Errorf("failed to build channel url: %w", err)
	}

	m.mu.Lock()
	if m.credential == credential && (m.state == Open || m.state == Connecting) {
		// another Open won the race
		m.mu.Unlock()
		return nil
	}
	m.gen++
	gen := m.gen
	dialCtx, cancel := context.WithCancel(ctx)
	m.cancelDial = cancel
	m.credential = credential
	m.state = Connecting
	m.mu.Unlock()
	m.notify(Connecting)

	conn, _, err := m.dialer.DialContext(dialCtx, wsURL, nil)
	cancel()
	if err != nil {
		m.mu.Lock()
		stale := m.gen != gen
		if !stale {
			m.state = Disconnected
			m.cancelDial = nil
		}
		m.mu.Unlock()
		if stale {
			return nil
		}
		log.Error().Err(err).Str("url", m.config.URL).Msg("failed to open push connection")
		m.notify(Disconnected)
		return fmt.Errorf("failed to dial push channel: %w", err)
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	done := make(chan struct{})
	m.conn = conn
	m.done = done
	m.state = Open
	m.cancelDial = nil
	m.mu.Unlock()

	log.Info().Str("url", m.config.URL).Msg("push connection open")
	m.notify(Open)

	stopPing := make(chan struct{})
	go m.readLoop(gen, conn, done, stopPing)
	if m.config.PingInterval > 0 {
		go m.pingLoop(conn, stopPing)
	}
	return nil
}

// Close tears down the connection. Once Close returns no further frame reaches
// the handler. It must not be called from inside the FrameHandler.
func (m *Manager) Close() {
	m.mu.Lock()
	m.gen++
	conn := m.conn
	done := m.done
	cancelDial := m.cancelDial
	wasActive := m.state == Open || m.state == Connecting
	m.conn = nil
	m.done = nil
	m.cancelDial = nil
	m.credential = ""
	if wasActive {
		m.state = Closed
	}
	m.mu.Unlock()

	// wait out a handler call already in flight; later frames see the new gen
	m.handlerMu.Lock()
	m.handlerMu.Unlock()

	if cancelDial != nil {
		cancelDial()
	}
	if conn != nil {
		deadline := time.Now().Add(m.config.WriteTimeout)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = conn.Close()
	}
	if done != nil {
		<-done
	}
	if wasActive {
		log.Info().Msg("push connection closed")
		m.notify(Closed)
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connected reports whether the connection is open
func (m *Manager) Connected() bool {
	return m.State() == Open
}

// Credential returns the credential of the current or last attempted connection
func (m *Manager) Credential() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential
}

func (m *Manager) readLoop(gen uint64, conn *websocket.Conn, done chan struct{}, stopPing chan struct{}) {
	defer close(done)
	defer close(stopPing)

	if m.config.MaxMessageSize > 0 {
		conn.SetReadLimit(m.config.MaxMessageSize)
	}
	m.extendReadDeadline(conn)
	conn.SetPongHandler(func(string) error {
		m.extendReadDeadline(conn)
		return nil
	})
	conn.SetPingHandler(func(data string) error {
		m.extendReadDeadline(conn)
		err := conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(m.config.WriteTimeout))
		if errors.Is(err, websocket.ErrCloseSent) {
			return nil
		}
		return err
	})

	var readErr error
	for {
		msgType, frame, err := conn.ReadMessage()
		if err != nil {
			readErr = err
			break
		}
		m.extendReadDeadline(conn)

		if msgType != websocket.TextMessage {
			log.Debug().Int("message_type", msgType).Msg("ignoring non-text frame")
			continue
		}
		if !m.deliver(gen, frame) {
			return
		}
	}

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return
	}
	m.conn = nil
	m.done = nil
	m.state = Disconnected
	m.mu.Unlock()
	_ = conn.Close()

	var closeErr *websocket.CloseError
	if errors.As(readErr, &closeErr) {
		log.Warn().Int("code", closeErr.Code).Str("reason", closeErr.Text).Msg("push connection closed by server")
	} else {
		log.Error().Err(readErr).Msg("push connection dropped")
	}
	m.notify(Disconnected)
}

// deliver hands frame to the handler unless gen has been superseded
func (m *Manager) deliver(gen uint64, frame []byte) bool {
	m.handlerMu.Lock()
	defer m.handlerMu.Unlock()

	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		return false
	}
	if m.handler != nil {
		m.handler(frame)
	}
	return true
}

func (m *Manager) pingLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := m.clock.NewTicker(m.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
			deadline := time.Now().Add(m.config.WriteTimeout)
			if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				log.Debug().Err(err).Msg("failed to send ping")
				return
			}
		}
	}
}

func (m *Manager) extendReadDeadline(conn *websocket.Conn) {
	if m.config.ReadTimeout <= 0 {
		return
	}
	_ = conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout))
}

func (m *Manager) notify(s State) {
	if m.onStatus != nil {
		m.onStatus(s)
	}
}

// BuildURL turns a base server URL into the push channel URL carrying the
// credential as a query parameter.
func BuildURL(base, param, credential string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(base))
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	q := u.Query()
	q.Set(param, credential)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
