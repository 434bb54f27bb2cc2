package faults

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/CavellTopDev/pitchey-app-sub004/internal/clock"
)

// Dependency names used for breakers.
const (
	DepDatastore = "datastore"
	DepCache     = "cache"
	DepAnalytics = "analytics"
)

// ErrCircuitOpen matches, via errors.Is, the error returned without calling
// the dependency while its breaker is open or while a half-open trial is
// already running.
var ErrCircuitOpen = New(CodeCircuitOpen, "")

// BreakerState is the position of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateOpen
	StateHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

func (s BreakerState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// BreakerConfig tunes a breaker. Zero fields take the defaults: 5 failures
// within 60s open the circuit, which stays open for 60s.
type BreakerConfig struct {
	FailureThreshold int
	Window           time.Duration
	Cooldown         time.Duration
	Clock            clock.Clock

	// Ignore marks errors that do not count as dependency failures, such
	// as a not-found result.
	Ignore func(error) bool

	// OnStateChange is called outside the breaker lock.
	OnStateChange func(name string, from, to BreakerState)
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Window <= 0 {
		c.Window = 60 * time.Second
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	c.Clock = clock.Or(c.Clock)
	return c
}

// Breaker is a closed/open/half-open circuit breaker around one
// dependency.
//
// Every state change starts a new generation. Outcomes are only counted
// against the generation that admitted the call, so a slow call admitted
// while closed cannot decide a later half-open trial.
type Breaker struct {
	name string
	cfg  BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	generation    uint64
	failures      int
	firstFailure  time.Time
	openedAt      time.Time
	trialInFlight bool
	rejected      int64
}

func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	return &Breaker{name: name, cfg: cfg.withDefaults()}
}

func (b *Breaker) Name() string { return b.name }

// Permit is one call admitted by Allow.
type Permit struct {
	b          *Breaker
	generation uint64
}

// Done reports the outcome of the admitted call. Calling it more than once
// has no further effect on a half-open trial.
func (p Permit) Done(err error) {
	if p.b != nil {
		p.b.record(p.generation, err)
	}
}

// Allow asks permission for one call. A nil error obliges the caller to
// report the outcome with Permit.Done.
func (b *Breaker) Allow() (Permit, error) {
	b.mu.Lock()
	var from BreakerState
	changed := false

	switch b.state {
	case StateOpen:
		if b.cfg.Clock.Now().Sub(b.openedAt) < b.cfg.Cooldown {
			b.rejected++
			b.mu.Unlock()
			return Permit{}, b.openError()
		}
		from, changed = b.state, true
		b.setState(StateHalfOpen)
		b.trialInFlight = true
	case StateHalfOpen:
		if b.trialInFlight {
			b.rejected++
			b.mu.Unlock()
			return Permit{}, b.openError()
		}
		b.trialInFlight = true
	}
	p := Permit{b: b, generation: b.generation}
	b.mu.Unlock()

	if changed {
		b.notify(from, StateHalfOpen)
	}
	return p, nil
}

func (b *Breaker) record(generation uint64, err error) {
	failed := err != nil && !errors.Is(err, context.Canceled)
	if failed && b.cfg.Ignore != nil && b.cfg.Ignore(err) {
		failed = false
	}

	now := b.cfg.Clock.Now()

	b.mu.Lock()
	if generation != b.generation {
		b.mu.Unlock()
		return
	}
	from := b.state
	switch b.state {
	case StateHalfOpen:
		if !b.trialInFlight {
			break
		}
		b.trialInFlight = false
		if failed {
			b.openedAt = now
			b.setState(StateOpen)
		} else {
			b.failures = 0
			b.setState(StateClosed)
		}
	case StateClosed:
		if !failed {
			b.failures = 0
			break
		}
		if b.failures == 0 || now.Sub(b.firstFailure) > b.cfg.Window {
			b.failures = 1
			b.firstFailure = now
		} else {
			b.failures++
		}
		if b.failures >= b.cfg.FailureThreshold {
			b.openedAt = now
			b.setState(StateOpen)
		}
	}
	to := b.state
	b.mu.Unlock()

	if from != to {
		b.notify(from, to)
	}
}

// setState moves to state and starts a new generation. Caller holds mu.
func (b *Breaker) setState(state BreakerState) {
	if b.state != state {
		b.state = state
		b.generation++
	}
}

// Do runs fn through the breaker.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	p, err := b.Allow()
	if err != nil {
		return err
	}
	err = fn(ctx)
	p.Done(err)
	return err
}

// Call runs fn through b and returns its value.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	p, err := b.Allow()
	if err != nil {
		return zero, err
	}
	v, err := fn(ctx)
	p.Done(err)
	if err != nil {
		return zero, err
	}
	return v, nil
}

// Trip opens the breaker immediately, regardless of the failure count.
func (b *Breaker) Trip() {
	b.mu.Lock()
	from := b.state
	b.openedAt = b.cfg.Clock.Now()
	b.trialInFlight = false
	b.setState(StateOpen)
	b.mu.Unlock()

	if from != StateOpen {
		b.notify(from, StateOpen)
	}
}

// Reset closes the breaker and clears its counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	from := b.state
	b.failures = 0
	b.trialInFlight = false
	b.setState(StateClosed)
	b.mu.Unlock()

	if from != StateClosed {
		b.notify(from, StateClosed)
	}
}

// State returns the current state. An open breaker whose cooldown has
// elapsed still reports open until the next Allow moves it to half-open.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	Name     string       `json:"name"`
	State    BreakerState `json:"state"`
	Failures int          `json:"failures"`
	Rejected int64        `json:"rejected"`
	OpenedAt *time.Time   `json:"openedAt,omitempty"`
}

func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := BreakerStats{Name: b.name, State: b.state, Failures: b.failures, Rejected: b.rejected}
	if b.state != StateClosed {
		t := b.openedAt
		s.OpenedAt = &t
	}
	return s
}

func (b *Breaker) openError() *Error {
	return New(CodeCircuitOpen, "").WithDependency(b.name)
}

func (b *Breaker) notify(from, to BreakerState) {
	if b.cfg.OnStateChange != nil {
		b.cfg.OnStateChange(b.name, from, to)
	}
}
