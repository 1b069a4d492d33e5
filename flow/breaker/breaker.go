// Package breaker implements per-service circuit breakers with the
// closed/open/half-open state machine and a process-wide registry.
//
// A breaker protects one external service: repeated failures trip it
// open, calls are rejected until an open timeout elapses, then a probe
// window (half-open) decides whether the service has recovered.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrCircuitOpen is returned by Call when the breaker rejects the call
// without invoking the protected function.
var ErrCircuitOpen = errors.New("circuit_open")

// State is the breaker's position in the state machine.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Config tunes one breaker.
type Config struct {
	// FailureThreshold is the consecutive-failure count in closed state
	// that trips the breaker open.
	FailureThreshold int
	// SuccessThreshold is the success count in half-open state that
	// closes the breaker.
	SuccessThreshold int
	// OpenTimeout is how long the breaker stays open before allowing a
	// probe. A timer fires the transition; a call arriving after the
	// timeout but before the timer also performs it inline.
	OpenTimeout time.Duration
	// ResetTimeout clears counters after this much inactivity without
	// changing state.
	ResetTimeout time.Duration
	// OnStateChange, if set, is invoked after every transition.
	OnStateChange func(name string, from, to State)
}

// DefaultConfig is used for breakers without a well-known or explicit
// configuration.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	OpenTimeout:      30 * time.Second,
	ResetTimeout:     60 * time.Second,
}

// Status is a point-in-time snapshot of a breaker. State changes are
// observable after the fact; the snapshot is not synchronized with
// in-flight calls.
type Status struct {
	Name        string     `json:"name"`
	State       State      `json:"state"`
	Failures    int        `json:"failures"`
	Successes   int        `json:"successes"`
	LastFailure *time.Time `json:"last_failure,omitempty"`
	LastSuccess *time.Time `json:"last_success,omitempty"`
	OpenedAt    *time.Time `json:"opened_at,omitempty"`
}

// Breaker is one named circuit breaker. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config
	log  *zap.Logger

	mu          sync.Mutex
	state       State
	failures    int
	successes   int
	lastFailure *time.Time
	lastSuccess *time.Time
	openedAt    *time.Time
	openTimer   *time.Timer
	resetTimer  *time.Timer
	stopped     bool
}

// New creates a breaker in the closed state. Zero config fields fall
// back to DefaultConfig values. logger may be nil.
func New(name string, cfg Config, logger *zap.Logger) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = DefaultConfig.OpenTimeout
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = DefaultConfig.ResetTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Breaker{
		name:  name,
		cfg:   cfg,
		log:   logger.With(zap.String("breaker", name)),
		state: Closed,
	}
}

// Call runs fn inside the breaker. If the breaker rejects the call, fn
// is never invoked and ErrCircuitOpen is returned. A panic inside fn is
// trapped and accounted as a failure before re-panicking would lose the
// accounting, so it is converted to an error instead.
func (b *Breaker) Call(ctx context.Context, fn func(ctx context.Context) error) error {
	if !b.Allow() {
		return fmt.Errorf("breaker %s: %w", b.name, ErrCircuitOpen)
	}

	err := b.run(ctx, fn)
	if err != nil {
		b.ReportFailure()
		return err
	}
	b.ReportSuccess()
	return nil
}

func (b *Breaker) run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("breaker %s: panic in protected call: %v", b.name, r)
		}
	}()
	return fn(ctx)
}

// Allow reports whether a call may proceed. An open breaker whose
// timeout has elapsed transitions to half-open here, pre-empting the
// timer.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed, HalfOpen:
		return true
	case Open:
		if b.openedAt != nil && time.Since(*b.openedAt) >= b.cfg.OpenTimeout {
			b.toHalfOpenLocked()
			return true
		}
		return false
	default:
		return false
	}
}

// ReportSuccess accounts one successful outcome. Used by Call and
// available for manual accounting when the caller runs the protected
// operation itself.
func (b *Breaker) ReportSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	b.lastSuccess = &now
	b.armResetLocked()

	switch b.state {
	case Closed:
		b.failures = 0
	case HalfOpen:
		b.successes++
		if b.successes >= b.cfg.SuccessThreshold {
			b.transitionLocked(Closed)
			b.failures = 0
			b.successes = 0
		}
	case Open:
		// Success reported while open: stale in-flight call from
		// before the trip. Counters stay put.
	}
}

// ReportFailure accounts one failed outcome.
func (b *Breaker) ReportFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now().UTC()
	b.lastFailure = &now
	b.armResetLocked()

	switch b.state {
	case Closed:
		b.failures++
		if b.failures >= b.cfg.FailureThreshold {
			b.tripLocked()
		}
	case HalfOpen:
		b.tripLocked()
	case Open:
	}
}

// tripLocked moves to open, stamps openedAt, and schedules the
// half-open transition.
func (b *Breaker) tripLocked() {
	now := time.Now().UTC()
	b.openedAt = &now
	b.successes = 0
	b.transitionLocked(Open)

	if b.openTimer != nil {
		b.openTimer.Stop()
	}
	if b.stopped {
		return
	}
	b.openTimer = time.AfterFunc(b.cfg.OpenTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.state == Open {
			b.toHalfOpenLocked()
		}
	})
}

func (b *Breaker) toHalfOpenLocked() {
	b.successes = 0
	b.transitionLocked(HalfOpen)
}

// armResetLocked restarts the inactivity timer that clears counters
// without changing state.
func (b *Breaker) armResetLocked() {
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
	if b.stopped {
		return
	}
	b.resetTimer = time.AfterFunc(b.cfg.ResetTimeout, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.failures = 0
		b.successes = 0
	})
}

func (b *Breaker) transitionLocked(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	b.log.Info("circuit breaker state change",
		zap.String("from", string(from)), zap.String("to", string(to)))
	if b.cfg.OnStateChange != nil {
		// Callback runs outside the lock to keep re-entrant breaker
		// calls from deadlocking.
		go b.cfg.OnStateChange(b.name, from, to)
	}
}

// Status returns a snapshot of the breaker.
func (b *Breaker) Status() Status {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Status{
		Name:        b.name,
		State:       b.state,
		Failures:    b.failures,
		Successes:   b.successes,
		LastFailure: b.lastFailure,
		LastSuccess: b.lastSuccess,
		OpenedAt:    b.openedAt,
	}
}

// ForceState moves the breaker to a state directly, for operational
// intervention. Counters are cleared.
func (b *Breaker) ForceState(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	if s == Open {
		now := time.Now().UTC()
		b.openedAt = &now
	}
	b.transitionLocked(s)
}

// Reset returns the breaker to closed with cleared counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.successes = 0
	b.openedAt = nil
	b.transitionLocked(Closed)
}

// Stop cancels the breaker's timers. The breaker remains queryable but
// no longer self-transitions.
func (b *Breaker) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	if b.openTimer != nil {
		b.openTimer.Stop()
	}
	if b.resetTimer != nil {
		b.resetTimer.Stop()
	}
}
