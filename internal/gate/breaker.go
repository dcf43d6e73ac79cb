package gate

import (
	"fmt"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State string

const (
	StateClosed   State = "CLOSED"
	StateOpen     State = "OPEN"
	StateHalfOpen State = "HALF_OPEN"
)

// BreakerConfig configures one circuit breaker.
type BreakerConfig struct {
	// WindowSize is the number of most recent outcomes considered.
	WindowSize int `mapstructure:"window_size"`
	// FailureThreshold is the failure ratio (0..1] that opens the breaker.
	FailureThreshold float64 `mapstructure:"failure_threshold"`
	// MinimumCalls is the number of recorded outcomes after which the ratio is
	// taken over the recorded outcomes only. Zero takes it over the whole
	// window from the first call, counting unrecorded slots as successes.
	MinimumCalls int `mapstructure:"minimum_calls"`
	// Cooldown is how long the breaker stays OPEN before a trial call.
	Cooldown time.Duration `mapstructure:"cooldown"`
}

// DefaultBreakerConfig opens after six failures in a fresh window of ten.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		WindowSize:       10,
		FailureThreshold: 0.5,
		MinimumCalls:     6,
		Cooldown:         30 * time.Second,
	}
}

// Validate checks the configuration ranges.
func (c BreakerConfig) Validate() error {
	if c.WindowSize <= 0 {
		return fmt.Errorf("breaker window_size must be positive, got %d", c.WindowSize)
	}
	if c.FailureThreshold <= 0 || c.FailureThreshold > 1 {
		return fmt.Errorf("breaker failure_threshold must be in (0,1], got %v", c.FailureThreshold)
	}
	if c.MinimumCalls < 0 || c.MinimumCalls > c.WindowSize {
		return fmt.Errorf("breaker minimum_calls must be in [0,%d], got %d", c.WindowSize, c.MinimumCalls)
	}
	if c.Cooldown <= 0 {
		return fmt.Errorf("breaker cooldown must be positive, got %s", c.Cooldown)
	}
	return nil
}

// tripped reports whether failures out of recorded outcomes reach the threshold.
func (c BreakerConfig) tripped(failures, recorded int) bool {
	if c.MinimumCalls <= 0 {
		return float64(failures)/float64(c.WindowSize) >= c.FailureThreshold
	}
	return recorded >= c.MinimumCalls && float64(failures)/float64(recorded) >= c.FailureThreshold
}

// Outcome is what a caller reports back after an allowed call.
type Outcome int

const (
	// OutcomeSuccess covers successful calls and business rejections.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure covers timeouts and unavailability.
	OutcomeFailure
	// OutcomeAbandoned is reported when the caller gave up before an answer.
	// It is not recorded in the window, but an abandoned trial reopens the breaker.
	OutcomeAbandoned
)

// CircuitBreakerState is a point-in-time view of a breaker.
type CircuitBreakerState struct {
	CollaboratorName string    `json:"collaborator_name"`
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	RecordedCount    int       `json:"recorded_count"`
	WindowStart      time.Time `json:"window_start"`
	LastTransitionAt time.Time `json:"last_transition_at"`
}

// Transition describes a state change, delivered to hooks after the breaker lock is released.
type Transition struct {
	Collaborator string
	From         State
	To           State
	At           time.Time
}

// CircuitBreaker tracks a count-based sliding window of call outcomes for one collaborator.
// All reads and updates of the window and state happen under mu, so each
// check-and-transition is a single atomic compare-and-update.
type CircuitBreaker struct {
	name   string
	cfg    BreakerConfig
	now    func() time.Time
	notify func(Transition)

	mu             sync.Mutex
	state          State
	failed         []bool
	at             []time.Time
	next           int
	recorded       int
	failures       int
	lastTransition time.Time
	openedAt       time.Time
	trialInFlight  bool
}

func newCircuitBreaker(name string, cfg BreakerConfig, now func() time.Time, notify func(Transition)) *CircuitBreaker {
	return &CircuitBreaker{
		name:           name,
		cfg:            cfg,
		now:            now,
		notify:         notify,
		state:          StateClosed,
		failed:         make([]bool, cfg.WindowSize),
		at:             make([]time.Time, cfg.WindowSize),
		lastTransition: now(),
	}
}

// Name returns the collaborator name.
func (b *CircuitBreaker) Name() string { return b.name }

// Allow asks permission for one call. trial is true when the caller holds the
// single HALF_OPEN trial slot. Every allowed call must be followed by Report.
func (b *CircuitBreaker) Allow() (trial bool, err error) {
	b.mu.Lock()
	var tr *Transition
	defer func() {
		b.mu.Unlock()
		b.fire(tr)
	}()

	switch b.state {
	case StateClosed:
		return false, nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cfg.Cooldown {
			return false, b.openError()
		}
		tr = b.transitionLocked(StateHalfOpen)
		b.trialInFlight = true
		return true, nil
	default: // StateHalfOpen
		if b.trialInFlight {
			return false, b.openError()
		}
		b.trialInFlight = true
		return true, nil
	}
}

// Report records the outcome of a call previously admitted by Allow.
func (b *CircuitBreaker) Report(trial bool, outcome Outcome) {
	b.mu.Lock()
	var tr *Transition
	defer func() {
		b.mu.Unlock()
		b.fire(tr)
	}()

	if trial {
		if b.state != StateHalfOpen {
			return
		}
		b.trialInFlight = false
		if outcome == OutcomeSuccess {
			b.resetWindowLocked()
			tr = b.transitionLocked(StateClosed)
			return
		}
		b.openedAt = b.now()
		tr = b.transitionLocked(StateOpen)
		return
	}

	// Late results from calls admitted before the breaker opened do not count.
	if b.state != StateClosed || outcome == OutcomeAbandoned {
		return
	}
	b.recordLocked(outcome == OutcomeFailure)
	if b.cfg.tripped(b.failures, b.recorded) {
		b.openedAt = b.now()
		tr = b.transitionLocked(StateOpen)
	}
}

// Snapshot returns the current state.
func (b *CircuitBreaker) Snapshot() CircuitBreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := CircuitBreakerState{
		CollaboratorName: b.name,
		State:            b.state,
		FailureCount:     b.failures,
		RecordedCount:    b.recorded,
		LastTransitionAt: b.lastTransition,
	}
	if b.recorded > 0 {
		oldest := b.next
		if b.recorded < len(b.at) {
			oldest = 0
		}
		s.WindowStart = b.at[oldest]
	}
	return s
}

func (b *CircuitBreaker) recordLocked(failed bool) {
	if b.recorded == len(b.failed) {
		if b.failed[b.next] {
			b.failures--
		}
	} else {
		b.recorded++
	}
	b.failed[b.next] = failed
	b.at[b.next] = b.now()
	if failed {
		b.failures++
	}
	b.next = (b.next + 1) % len(b.failed)
}

func (b *CircuitBreaker) resetWindowLocked() {
	for i := range b.failed {
		b.failed[i] = false
		b.at[i] = time.Time{}
	}
	b.next, b.recorded, b.failures = 0, 0, 0
}

func (b *CircuitBreaker) transitionLocked(to State) *Transition {
	from := b.state
	b.state = to
	b.lastTransition = b.now()
	return &Transition{Collaborator: b.name, From: from, To: to, At: b.lastTransition}
}

func (b *CircuitBreaker) openError() error {
	return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
}

func (b *CircuitBreaker) fire(tr *Transition) {
	if tr != nil && b.notify != nil {
		b.notify(*tr)
	}
}
