package countdown

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/mcdev12/eshlive/go/internal/live/events"
	"github.com/rs/zerolog/log"
)

// DefaultInterval is how often a running countdown is recomputed
const DefaultInterval = 500 * time.Millisecond

// maxRemaining is the longest countdown a time.Duration can hold, in seconds
const maxRemaining = float64(math.MaxInt64 / int64(time.Second))

// Display is the rendered countdown. Visible is false when no timer is running.
type Display struct {
	Text    string  `json:"text,omitempty"`
	Visible bool    `json:"visible"`
	Paused  bool    `json:"paused"`
	Seconds float64 `json:"remaining_sec"`
}

// Reconciler turns a server-declared end time into a locally ticking display.
// The server owns progression; the reconciler only derives what to show.
type Reconciler struct {
	clock    clockwork.Clock
	interval time.Duration
	onChange func(Display)

	mu      sync.Mutex
	gen     uint64
	display Display
	ticker  clockwork.Ticker
	stop    chan struct{}
	closed  bool
}

// NewReconciler creates a reconciler. onChange may be nil; it is called
// without the reconciler lock held.
func NewReconciler(clock clockwork.Clock, interval time.Duration, onChange func(Display)) *Reconciler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Reconciler{
		clock:    clock,
		interval: interval,
		onChange: onChange,
	}
}

// Format renders seconds as MM:SS, clamped at zero
func Format(seconds float64) string {
	seconds = clampRemaining(seconds)
	total := int64(math.Floor(seconds))
	return fmt.Sprintf("%02d:%02d", total/60, total%60)
}

// Remaining computes the seconds left for a state at the given unix time.
// ok is false when the timer is hidden.
func Remaining(st events.TimerState, now float64) (remaining float64, ok bool) {
	if !st.IsRunning || st.EndTime == nil {
		return 0, false
	}
	if st.PausedAt != nil {
		remaining = *st.EndTime - *st.PausedAt
	} else {
		remaining = *st.EndTime - now
	}
	remaining = clampRemaining(remaining)
	// unix seconds as float64 only carry about a microsecond of precision
	remaining = math.Round(remaining*1000) / 1000
	return remaining, true
}

// Reset installs a new server state, cancelling any tick armed for the
// previous one first.
func (r *Reconciler) Reset(st events.TimerState) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.stopLocked()
	r.gen++
	gen := r.gen

	now := r.clock.Now()
	wallNow := unixSeconds(now)
	if st.ServerTime != nil && st.PausedAt == nil {
		wallNow = *st.ServerTime
	}

	remaining, ok := Remaining(st, wallNow)
	switch {
	case !ok:
		r.display = Display{}
	case st.PausedAt != nil:
		r.display = Display{Text: Format(remaining), Visible: true, Paused: true, Seconds: remaining}
	default:
		r.display = Display{Text: Format(remaining), Visible: true, Seconds: remaining}
		if remaining > 0 {
			// Elapsed time from here on is measured on the clock, not against
			// the wall clock, so later local clock changes do not move the display.
			deadline := now.Add(time.Duration(remaining * float64(time.Second)))
			r.ticker = r.clock.NewTicker(r.interval)
			r.stop = make(chan struct{})
			go r.run(gen, deadline, r.ticker, r.stop)
		}
	}
	d := r.display
	r.mu.Unlock()

	log.Debug().
		Bool("visible", d.Visible).
		Bool("paused", d.Paused).
		Str("display", d.Text).
		Msg("countdown reset")
	r.notify(d)
}

func (r *Reconciler) run(gen uint64, deadline time.Time, ticker clockwork.Ticker, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case <-ticker.Chan():
		}

		remaining := deadline.Sub(r.clock.Now()).Seconds()
		if remaining < 0 {
			remaining = 0
		}

		r.mu.Lock()
		if r.gen != gen {
			r.mu.Unlock()
			return
		}
		r.display = Display{Text: Format(remaining), Visible: true, Seconds: remaining}
		done := remaining <= 0
		if done {
			r.stopLocked()
		}
		d := r.display
		r.mu.Unlock()

		r.notify(d)
		if done {
			log.Debug().Msg("countdown reached zero")
			return
		}
	}
}

// Display returns the current rendered value
func (r *Reconciler) Display() Display {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.display
}

// Ticking reports whether a tick is currently armed
func (r *Reconciler) Ticking() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ticker != nil
}

// Close cancels any armed tick. Later Resets are ignored.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopLocked()
	r.gen++
	r.closed = true
}

func (r *Reconciler) stopLocked() {
	if r.ticker != nil {
		r.ticker.Stop()
		r.ticker = nil
	}
	if r.stop != nil {
		close(r.stop)
		r.stop = nil
	}
}

func (r *Reconciler) notify(d Display) {
	if r.onChange != nil {
		r.onChange(d)
	}
}

func clampRemaining(seconds float64) float64 {
	switch {
	case seconds < 0 || math.IsNaN(seconds):
		return 0
	case seconds > maxRemaining:
		return maxRemaining
	}
	return seconds
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}
