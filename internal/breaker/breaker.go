// Package breaker implements a time-boxed circuit breaker for calls to a
// repeatedly failing downstream operation.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/steveyegge/beadsboard/internal/errs"
)

// ErrOpen is returned without calling the operation while the circuit is
// open, or while the single half-open trial is in flight.
var ErrOpen = errors.New("temporarily unavailable, retry scheduled")

// State is the circuit state.
type State int

const (
	// Closed is normal operation.
	Closed State = iota
	// Open rejects every call until the cool-down elapses.
	Open
	// HalfOpen admits exactly one trial call.
	HalfOpen
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config configures the breaker.
type Config struct {
	// Threshold is the number of consecutive failures that opens the
	// circuit (default: 5).
	Threshold int

	// Cooldown is how long the circuit stays open (default: 30s).
	Cooldown time.Duration

	// OnStateChange is called after every transition, without the lock held.
	OnStateChange func(from, to State)
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  30 * time.Second,
	}
}

// Stats is a point-in-time view of the breaker.
type Stats struct {
	State               string    `json:"state"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
	OpenedAt            time.Time `json:"opened_at,omitempty"`
	TotalCalls          int64     `json:"total_calls"`
	TotalFailures       int64     `json:"total_failures"`
	TotalRejections     int64     `json:"total_rejections"`
}

// Breaker is safe for concurrent use.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu            sync.Mutex
	state         State
	failures      int
	openedAt      time.Time
	trialInFlight bool
	timer         *time.Timer
	generation    uint64

	totalCalls      int64
	totalFailures   int64
	totalRejections int64
}

// New creates a closed breaker. Zero fields in cfg take defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	return &Breaker{cfg: cfg, now: time.Now, state: Closed}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkCooldownLocked()
	return b.state
}

// Execute runs fn unless the circuit rejects it. A failure of fn counts
// against the breaker unless ctx itself was cancelled.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	trial, err := b.allow()
	if err != nil {
		return err
	}

	err = fn(ctx)
	switch {
	case err == nil:
		b.recordSuccess(trial)
	case ctx.Err() != nil:
		b.release(trial)
	default:
		b.recordFailure(trial)
	}
	return err
}

func (b *Breaker) allow() (trial bool, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	b.checkCooldownLocked()

	switch b.state {
	case Closed:
		return false, nil
	case HalfOpen:
		if b.trialInFlight {
			b.totalRejections++
			return false, errs.E(errs.KindTransient, "breaker", ErrOpen)
		}
		b.trialInFlight = true
		return true, nil
	default:
		b.totalRejections++
		return false, errs.E(errs.KindTransient, "breaker", ErrOpen)
	}
}

func (b *Breaker) release(trial bool) {
	if !trial {
		return
	}
	b.mu.Lock()
	b.trialInFlight = false
	b.mu.Unlock()
}

// recordSuccess and recordFailure settle HALF_OPEN only for the trial call;
// a call admitted before the circuit opened reports against the old state.
func (b *Breaker) recordSuccess(trial bool) {
	b.mu.Lock()
	from := b.state
	if trial {
		b.trialInFlight = false
	}
	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		if trial {
			b.transitionLocked(Closed)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

func (b *Breaker) recordFailure(trial bool) {
	b.mu.Lock()
	from := b.state
	b.totalFailures++
	if trial {
		b.trialInFlight = false
	}
	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.Threshold {
			b.transitionLocked(Open)
		}
	case HalfOpen:
		if trial {
			b.transitionLocked(Open)
		}
	}
	to := b.state
	b.mu.Unlock()
	b.notify(from, to)
}

// transitionLocked changes state. Opening starts the cool-down timer.
func (b *Breaker) transitionLocked(to State) {
	b.state = to
	b.generation++
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	switch to {
	case Open:
		b.openedAt = b.now()
		gen := b.generation
		b.timer = time.AfterFunc(b.cfg.Cooldown, func() { b.cooldownElapsed(gen) })
	case Closed:
		b.failures = 0
		b.openedAt = time.Time{}
	}
}

func (b *Breaker) cooldownElapsed(gen uint64) {
	b.mu.Lock()
	if b.generation != gen || b.state != Open {
		b.mu.Unlock()
		return
	}
	b.timer = nil
	b.transitionLocked(HalfOpen)
	b.mu.Unlock()
	b.notify(Open, HalfOpen)
}

// checkCooldownLocked covers a late timer, for example after a suspend.
func (b *Breaker) checkCooldownLocked() {
	if b.state == Open && b.now().Sub(b.openedAt) >= b.cfg.Cooldown {
		b.transitionLocked(HalfOpen)
		go b.notify(Open, HalfOpen)
	}
}

func (b *Breaker) notify(from, to State) {
	if from != to && b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(from, to)
	}
}

// Stats returns a snapshot of the counters.
func (b *Breaker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkCooldownLocked()
	return Stats{
		State:               b.state.String(),
		ConsecutiveFailures: b.failures,
		OpenedAt:            b.openedAt,
		TotalCalls:          b.totalCalls,
		TotalFailures:       b.totalFailures,
		TotalRejections:     b.totalRejections,
	}
}

// Reset closes the circuit and stops any cool-down.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.trialInFlight = false
	b.transitionLocked(Closed)
	b.mu.Unlock()
	b.notify(from, Closed)
}
