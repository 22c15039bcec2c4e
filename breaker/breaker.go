package breaker

import (
	"log/slog"
	"sync"
	"time"
)

// State enumerates the circuit breaker lifecycle.
type State int

const (
	// StateClosed allows all attempts; the downstream is considered healthy.
	StateClosed State = iota
	// StateOpen rejects attempts until the reset timeout has elapsed.
	StateOpen
	// StateHalfOpen admits a trial attempt; the next recorded outcome resolves it.
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

const (
	// DefaultFailureThreshold is the consecutive-failure count that opens the breaker.
	DefaultFailureThreshold = 5
	// DefaultTimeout is the cooldown before an open breaker admits a trial attempt.
	DefaultTimeout = 60 * time.Second
)

// Breaker tracks consecutive failures against a downstream target and gates
// further attempts. It is safe for concurrent use, though in this service it
// is only mutated by the chain selector's probe loop.
type Breaker struct {
	mu          sync.Mutex
	state       State
	failures    int
	lastFailure time.Time

	threshold int
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the time source. Tests use it to drive the cooldown.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithLogger overrides the logger used for state-transition events.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Breaker) { b.logger = logger }
}

// New constructs a closed breaker. Non-positive threshold or timeout values
// fall back to the documented defaults.
func New(threshold int, timeout time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		state:     StateClosed,
		threshold: threshold,
		timeout:   timeout,
		now:       time.Now,
		logger:    slog.Default(),
	}
	if b.threshold <= 0 {
		b.threshold = DefaultFailureThreshold
	}
	if b.timeout <= 0 {
		b.timeout = DefaultTimeout
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateClosed {
		b.logger.Info("breaker closed", "from", b.state.String())
	}
	b.state = StateClosed
	b.failures = 0
}

// RecordFailure increments the failure count and opens the breaker once the
// threshold is reached. Opening is a warning, not an error: the probe loop is
// expected to recover on its own.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	b.lastFailure = b.now()
	if b.failures >= b.threshold {
		if b.state != StateOpen {
			b.logger.Warn("breaker opened", "failures", b.failures, "threshold", b.threshold)
		}
		b.state = StateOpen
	}
}

// CanAttempt reports whether an attempt may proceed. When the breaker is open
// and the cooldown has elapsed it transitions to half-open and admits a single
// trial; the caller resolves the trial via RecordSuccess or RecordFailure.
func (b *Breaker) CanAttempt() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if !b.lastFailure.IsZero() && b.now().Sub(b.lastFailure) >= b.timeout {
			b.state = StateHalfOpen
			b.logger.Info("breaker half-open", "cooldown", b.timeout.String())
			return true
		}
		return false
	default:
		return true
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures returns the consecutive failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}
