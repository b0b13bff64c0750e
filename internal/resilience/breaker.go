// Package resilience provides the circuit breaker used to gate reconnection
// and poll attempts against failing links, plus a per-source registry for the
// polling path.
package resilience

import (
	"sync"
	"time"
)

// State is the circuit breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// FailureReason distinguishes timeouts from other failures for observability.
// Both count identically toward the failure threshold.
type FailureReason string

const (
	ReasonError   FailureReason = "error"
	ReasonTimeout FailureReason = "timeout"
)

// Config holds breaker tuning parameters.
type Config struct {
	// FailureThreshold is the number of failures within the window that
	// opens the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before the next
	// attempt transitions it to half-open.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// Window is the sliding window over which failures are counted.
	Window time.Duration
}

// DefaultConfig mirrors the production defaults for stream links.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  60 * time.Second,
		SuccessThreshold: 2,
		Window:           5 * time.Minute,
	}
}

type failure struct {
	at     time.Time
	reason FailureReason
}

// Snapshot is a point-in-time view of breaker state for health reporting.
type Snapshot struct {
	State           State
	FailureCount    int
	SuccessCount    int
	OpenedAt        time.Time
	TimeoutFailures int
	Rejected        int64
	Transitions     int64
}

// Breaker is a circuit breaker. Callers must check CanAttempt before acting
// and report the outcome with RecordSuccess or RecordFailure; the breaker
// itself never performs the guarded operation. All methods are safe for
// concurrent use and none of them block.
type Breaker struct {
	cfg Config
	now func() time.Time

	mu               sync.Mutex
	state            State
	failures         []failure
	halfOpenSuccess  int
	halfOpenInFlight int
	openedAt         time.Time
	timeoutFailures  int
	rejected         int64
	transitions      int64
}

// New creates a Breaker in the Closed state. Zero-valued config fields fall
// back to the defaults.
func New(cfg Config) *Breaker {
	def := DefaultConfig()
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = def.FailureThreshold
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = def.RecoveryTimeout
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = def.SuccessThreshold
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	return &Breaker{
		cfg:   cfg,
		now:   time.Now,
		state: StateClosed,
	}
}

// CanAttempt reports whether the guarded operation may be attempted. On an
// open circuit whose recovery timeout has elapsed, the call transitions the
// breaker to half-open and returns true. A half-open circuit admits at most
// SuccessThreshold trials at a time, so a burst of callers cannot stampede a
// link that is still recovering.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.halfOpenSuccess+b.halfOpenInFlight >= b.cfg.SuccessThreshold {
			b.rejected++
			return false
		}
		b.halfOpenInFlight++
		return true
	case StateOpen:
		if b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
			b.transitionLocked(StateHalfOpen)
			b.halfOpenSuccess = 0
			b.halfOpenInFlight = 1
			return true
		}
		b.rejected++
		return false
	}
	return false
}

// RecordSuccess reports a successful guarded operation.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateHalfOpen {
		return
	}
	if b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
	b.halfOpenSuccess++
	if b.halfOpenSuccess >= b.cfg.SuccessThreshold {
		b.transitionLocked(StateClosed)
		b.failures = nil
		b.timeoutFailures = 0
		b.halfOpenInFlight = 0
	}
}

// RecordFailure reports a failed guarded operation. A half-open failure
// immediately reopens the circuit; a closed circuit opens once the failure
// count within the window reaches the threshold.
func (b *Breaker) RecordFailure(reason FailureReason) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, failure{at: now, reason: reason})
	if reason == ReasonTimeout {
		b.timeoutFailures++
	}
	b.pruneLocked(now)

	switch b.state {
	case StateClosed:
		if len(b.failures) >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		b.transitionLocked(StateOpen)
		b.halfOpenInFlight = 0
	}
}

// Reset forces the breaker back to Closed and clears failure history. Used
// for manual recovery and tests.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
	b.failures = nil
	b.halfOpenSuccess = 0
	b.halfOpenInFlight = 0
	b.timeoutFailures = 0
}

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// GetSnapshot returns a point-in-time view for the health surface.
func (b *Breaker) GetSnapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pruneLocked(b.now())
	return Snapshot{
		State:           b.state,
		FailureCount:    len(b.failures),
		SuccessCount:    b.halfOpenSuccess,
		OpenedAt:        b.openedAt,
		TimeoutFailures: b.timeoutFailures,
		Rejected:        b.rejected,
		Transitions:     b.transitions,
	}
}

func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, f := range b.failures {
		if f.at.After(cutoff) {
			kept = append(kept, f)
		}
	}
	b.failures = kept
}

func (b *Breaker) transitionLocked(next State) {
	if b.state == next {
		return
	}
	b.state = next
	b.transitions++
	if next == StateOpen {
		b.openedAt = b.now()
	}
}
