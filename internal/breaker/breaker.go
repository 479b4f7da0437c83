// Package breaker implements the per-vendor circuit breaker shared by live
// and backfill cycles.
package breaker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jpillora/backoff"

	"collectorflow/internal/models"
)

// State is the breaker position.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Config controls when the breaker opens and how long it stays open.
type Config struct {
	// FailureThreshold is the failure count at which the breaker opens.
	FailureThreshold int
	// Window is the number of trailing outcomes considered while closed.
	Window int
	// Cooldown is the first open period; each failed trial doubles it up to
	// MaxCooldown.
	Cooldown    time.Duration
	MaxCooldown time.Duration
}

func (c Config) validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be greater than 0")
	}
	if c.Window < c.FailureThreshold {
		return fmt.Errorf("window must be at least the failure threshold")
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("cooldown must be greater than 0")
	}
	if c.MaxCooldown < c.Cooldown {
		return fmt.Errorf("max cooldown must be at least cooldown")
	}
	return nil
}

// Transition describes a state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// Snapshot is a read-only view of the breaker.
type Snapshot struct {
	State       State     `json:"state"`
	Consecutive int       `json:"consecutive_failures"`
	Failures    int       `json:"failures"`
	Outcomes    int       `json:"outcomes"`
	OpenedAt    time.Time `json:"opened_at,omitempty"`
	RetryAt     time.Time `json:"retry_at,omitempty"`
	// RetryDue is set while OPEN once the cooldown has elapsed; the next
	// Allow admits the trial call.
	RetryDue bool  `json:"retry_due"`
	Opens    int64 `json:"opens"`
}

// Breaker tracks the trailing Window outcomes while closed. It opens when
// FailureThreshold consecutive failures are recorded, or when the window is
// full and holds at least FailureThreshold failures, so interleaved
// successes cannot keep a failing vendor admitted.
//
// OPEN moves to HALF_OPEN lazily on the first Allow after the cooldown. Only
// one trial is admitted in HALF_OPEN.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	state    State
	outcomes []bool
	openedAt time.Time
	retryAt  time.Time
	trial    bool
	opens    int64
	cooldown *backoff.Backoff

	listeners []func(Transition)
}

// New returns a closed breaker.
func New(cfg Config) (*Breaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Breaker{
		cfg:      cfg,
		now:      time.Now,
		state:    Closed,
		outcomes: make([]bool, 0, cfg.Window),
		cooldown: &backoff.Backoff{
			Min:    cfg.Cooldown,
			Max:    cfg.MaxCooldown,
			Factor: 2,
		},
	}, nil
}

// OnTransition registers fn to be called after every state change. Callbacks
// run outside the breaker lock.
func (b *Breaker) OnTransition(fn func(Transition)) {
	b.mu.Lock()
	b.listeners = append(b.listeners, fn)
	b.mu.Unlock()
}

// Allow reports whether a vendor call may proceed. It returns a
// *models.CircuitOpenError when the call must be skipped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	var changed *Transition
	defer func() {
		listeners := b.listeners
		b.mu.Unlock()
		if changed != nil {
			notify(listeners, *changed)
		}
	}()

	switch b.state {
	case Closed:
		return nil
	case Open:
		now := b.now()
		if now.Before(b.retryAt) {
			return &models.CircuitOpenError{OpenedAt: b.openedAt, RetryAt: b.retryAt}
		}
		changed = b.transition(HalfOpen, now)
		b.trial = true
		return nil
	default:
		if b.trial {
			return &models.CircuitOpenError{OpenedAt: b.openedAt}
		}
		b.trial = true
		return nil
	}
}

// RecordResult feeds the outcome of a call admitted by Allow. Results that
// arrive while the breaker is OPEN are ignored.
func (b *Breaker) RecordResult(success bool) {
	b.mu.Lock()
	var changed *Transition
	defer func() {
		listeners := b.listeners
		b.mu.Unlock()
		if changed != nil {
			notify(listeners, *changed)
		}
	}()

	now := b.now()
	switch b.state {
	case Closed:
		if len(b.outcomes) == b.cfg.Window {
			copy(b.outcomes, b.outcomes[1:])
			b.outcomes = b.outcomes[:len(b.outcomes)-1]
		}
		b.outcomes = append(b.outcomes, success)
		if !success && b.shouldTrip() {
			changed = b.trip(now)
		}
	case HalfOpen:
		b.trial = false
		if success {
			b.outcomes = b.outcomes[:0]
			b.cooldown.Reset()
			changed = b.transition(Closed, now)
		} else {
			changed = b.trip(now)
		}
	}
}

// Abandon releases a call admitted by Allow that never reached the vendor,
// such as one cancelled while waiting for rate-limit tokens. It records no
// result.
func (b *Breaker) Abandon() {
	b.mu.Lock()
	if b.state == HalfOpen {
		b.trial = false
	}
	b.mu.Unlock()
}

// Execute runs fn when the breaker allows it and records its result.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}
	err := fn(ctx)
	b.RecordResult(err == nil)
	return err
}

// State returns the current state without advancing it.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Snapshot{
		State:       b.state,
		Consecutive: b.consecutiveFailures(),
		Failures:    b.failures(),
		Outcomes:    len(b.outcomes),
		OpenedAt:    b.openedAt,
		RetryAt:     b.retryAt,
		RetryDue:    b.state == Open && !b.now().Before(b.retryAt),
		Opens:       b.opens,
	}
}

// RetryDue reports whether the breaker is OPEN with its cooldown elapsed.
func (b *Breaker) RetryDue() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == Open && !b.now().Before(b.retryAt)
}

func (b *Breaker) shouldTrip() bool {
	if b.consecutiveFailures() >= b.cfg.FailureThreshold {
		return true
	}
	return len(b.outcomes) == b.cfg.Window && b.failures() >= b.cfg.FailureThreshold
}

func (b *Breaker) failures() int {
	n := 0
	for _, ok := range b.outcomes {
		if !ok {
			n++
		}
	}
	return n
}

func (b *Breaker) consecutiveFailures() int {
	n := 0
	for i := len(b.outcomes) - 1; i >= 0 && !b.outcomes[i]; i-- {
		n++
	}
	return n
}

func (b *Breaker) trip(now time.Time) *Transition {
	b.openedAt = now
	b.retryAt = now.Add(b.cooldown.Duration())
	b.outcomes = b.outcomes[:0]
	b.opens++
	return b.transition(Open, now)
}

func (b *Breaker) transition(to State, now time.Time) *Transition {
	t := &Transition{From: b.state, To: to, At: now}
	b.state = to
	return t
}

func notify(listeners []func(Transition), t Transition) {
	for _, fn := range listeners {
		fn(t)
	}
}
