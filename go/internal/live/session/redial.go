package session

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// RedialConfig holds the reconnect policy. It is layered on top of the
// channel, which never retries by itself.
type RedialConfig struct {
	Enabled    bool
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Jitter     float64 // fraction, 0.2 means +/-20%
}

// DefaultRedialConfig returns the reconnect policy, disabled
func DefaultRedialConfig() RedialConfig {
	return RedialConfig{
		Enabled:    false,
		MinBackoff: time.Second,
		MaxBackoff: 30 * time.Second,
		Jitter:     0.2,
	}
}

// Redialer schedules reconnect attempts with exponential backoff. At most one
// attempt is pending at a time.
type Redialer struct {
	clock  clockwork.Clock
	config RedialConfig
	dial   func(ctx context.Context) error
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	gen      uint64
	backoff  time.Duration
	pending  bool
	stopped  bool
	attempts int
	rng      *rand.Rand
}

// NewRedialer creates a redialer that calls dial after each backoff
func NewRedialer(clock clockwork.Clock, config RedialConfig, dial func(ctx context.Context) error) *Redialer {
	if config.MinBackoff <= 0 {
		config.MinBackoff = time.Second
	}
	if config.MaxBackoff < config.MinBackoff {
		config.MaxBackoff = config.MinBackoff
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Redialer{
		clock:   clock,
		config:  config,
		dial:    dial,
		ctx:     ctx,
		cancel:  cancel,
		backoff: config.MinBackoff,
		rng:     rand.New(rand.NewSource(clock.Now().UnixNano())),
	}
}

// Trigger schedules a reconnect attempt unless one is already pending
func (r *Redialer) Trigger() {
	r.mu.Lock()
	if r.stopped || r.pending {
		r.mu.Unlock()
		return
	}
	r.pending = true
	r.gen++
	gen := r.gen
	delay := r.jitterLocked(r.backoff)
	r.backoff = nextBackoff(r.backoff, r.config.MaxBackoff)
	r.attempts++
	attempt := r.attempts
	r.mu.Unlock()

	log.Info().Dur("delay", delay).Int("attempt", attempt).Msg("scheduling push reconnect")
	go r.wait(gen, delay)
}

// Reset restores the initial backoff after a successful connection
func (r *Redialer) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.backoff = r.config.MinBackoff
	r.attempts = 0
}

// Stop cancels any pending attempt. Later triggers are ignored.
func (r *Redialer) Stop() {
	r.mu.Lock()
	r.stopped = true
	r.gen++
	r.pending = false
	r.mu.Unlock()
	r.cancel()
}

// Pending reports whether an attempt is scheduled
func (r *Redialer) Pending() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pending
}

func (r *Redialer) wait(gen uint64, delay time.Duration) {
	select {
	case <-r.ctx.Done():
		return
	case <-r.clock.After(delay):
	}

	r.mu.Lock()
	if r.gen != gen || r.stopped {
		r.mu.Unlock()
		return
	}
	r.pending = false
	r.mu.Unlock()

	if err := r.dial(r.ctx); err != nil {
		log.Warn().Err(err).Msg("push reconnect attempt failed")
	}
}

func (r *Redialer) jitterLocked(d time.Duration) time.Duration {
	if r.config.Jitter <= 0 {
		return d
	}
	f := 1 + (r.rng.Float64()*2-1)*r.config.Jitter
	out := time.Duration(float64(d) * f)
	if out < 0 {
		return 0
	}
	return out
}

func nextBackoff(cur, max time.Duration) time.Duration {
	n := cur * 2
	if n > max {
		n = max
	}
	return n
}
