package mirror

import (
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mcdev12/eshlive/go/internal/live/events"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const DefaultSubjectPrefix = "esh.live"

// Publisher is the part of *nats.Conn the mirror needs
type Publisher interface {
	Publish(subject string, data []byte) error
}

// Config holds configuration for the NATS connection
type Config struct {
	URL           string // empty disables the mirror
	Name          string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns default mirror configuration. The URL is left empty.
func DefaultConfig() Config {
	return Config{
		Name:          "eshlive",
		SubjectPrefix: DefaultSubjectPrefix,
		MaxReconnects: -1, // Infinite
		ReconnectWait: 2 * time.Second,
	}
}

// Connect opens the NATS connection used by the mirror
func Connect(config Config) (*nats.Conn, error) {
	if config.URL == "" {
		return nil, errors.New("nats url is empty")
	}
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.MaxReconnects(config.MaxReconnects),
		nats.ReconnectWait(config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return nc, nil
}

// Mirror republishes applied events so secondary displays can follow along
// without a push connection of their own.
type Mirror struct {
	pub    Publisher
	prefix string

	published atomic.Uint64
	failed    atomic.Uint64
}

// New creates a mirror publishing under prefix
func New(pub Publisher, prefix string) *Mirror {
	prefix = strings.TrimSuffix(strings.TrimSpace(prefix), ".")
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return &Mirror{pub: pub, prefix: prefix}
}

// Subject returns the subject an event kind is published on
func (m *Mirror) Subject(kind events.Kind) string {
	return m.prefix + "." + string(kind)
}

// Forward publishes ev. Failures are logged and counted, never returned.
func (m *Mirror) Forward(ev events.Event) {
	data, err := events.Encode(ev)
	if err != nil {
		m.failed.Add(1)
		log.Error().Err(err).Str("kind", string(ev.Kind())).Msg("failed to encode event for mirror")
		return
	}

	subject := m.Subject(ev.Kind())
	if err := m.pub.Publish(subject, data); err != nil {
		m.failed.Add(1)
		log.Error().Err(err).Str("subject", subject).Msg("failed to publish event")
		return
	}
	m.published.Add(1)
	log.Debug().Str("subject", subject).Msg("mirrored event")
}

// Stats returns publish counters
func (m *Mirror) Stats() map[string]uint64 {
	return map[string]uint64{
		"published": m.published.Load(),
		"failed":    m.failed.Load(),
	}
}
