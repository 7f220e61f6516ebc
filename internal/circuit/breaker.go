// Package circuit provides per-service circuit breakers for external calls.
// A breaker fails fast while a dependency is unhealthy and probes for
// recovery after a fixed timeout.
package circuit

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/contextgate/contextgate/internal/metrics"
)

// State represents the circuit breaker state.
type State int

const (
	// StateClosed means the circuit is operating normally.
	StateClosed State = iota
	// StateOpen means the circuit is tripped and calls are rejected.
	StateOpen
	// StateHalfOpen means the circuit is testing whether the service recovered.
	StateHalfOpen
)

// String returns the state as a string.
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

// Config configures breaker behavior.
type Config struct {
	// FailureThreshold is the number of consecutive counted failures before opening.
	FailureThreshold int
	// RecoveryTimeout is how long an open circuit waits before half-open probing.
	RecoveryTimeout time.Duration
	// SuccessThreshold is the number of half-open successes needed to close.
	SuccessThreshold int
	// IsFailure decides whether an error counts against the breaker. Errors
	// outside this set propagate to the caller without affecting state.
	// Nil counts every error.
	IsFailure func(error) bool
}

// DefaultConfig returns the gateway defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Stats is a snapshot of breaker counters.
type Stats struct {
	TotalCalls           int64      `json:"total_calls"`
	SuccessfulCalls      int64      `json:"successful_calls"`
	FailedCalls          int64      `json:"failed_calls"`
	RejectedCalls        int64      `json:"rejected_calls"`
	ConsecutiveFailures  int        `json:"consecutive_failures"`
	ConsecutiveSuccesses int        `json:"consecutive_successes"`
	LastSuccessTime      *time.Time `json:"last_success_time,omitempty"`
	LastFailureTime      *time.Time `json:"last_failure_time,omitempty"`
}

// Status is a read-only view of one breaker for health endpoints.
type Status struct {
	Service        string        `json:"service"`
	State          string        `json:"state"`
	Stats          Stats         `json:"stats"`
	TimeUntilRetry time.Duration `json:"time_until_retry_ms,omitempty"`
}

// Breaker implements the closed/open/half-open state machine for one service.
// All transitions are serialized under a single mutex.
type Breaker struct {
	mu sync.Mutex

	cfg     Config
	service string

	state    State
	openedAt time.Time

	stats Stats

	now func() time.Time
}

// NewBreaker creates a breaker, clamping nonsensical configuration.
func NewBreaker(service string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &Breaker{
		cfg:     cfg,
		service: service,
		state:   StateClosed,
		now:     time.Now,
	}
}

// Service returns the service name this breaker guards.
func (b *Breaker) Service() string { return b.service }

// State returns the current state. An open circuit whose recovery timeout has
// elapsed reports half_open; the transition is committed on the next Allow.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.effectiveStateLocked()
}

func (b *Breaker) effectiveStateLocked() State {
	if b.state == StateOpen && b.now().Sub(b.openedAt) >= b.cfg.RecoveryTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Allow reports whether a call may proceed, committing the open to half-open
// transition when the recovery timeout has elapsed. A denied call is counted
// as rejected.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.effectiveStateLocked() {
	case StateClosed:
		return true
	case StateHalfOpen:
		if b.state == StateOpen {
			b.state = StateHalfOpen
			metrics.BreakerState.WithLabelValues(b.service).Set(2)
			log.Info().
				Str("service", b.service).
				Msg("Circuit breaker half-open, probing for recovery")
		}
		return true
	default:
		b.stats.RejectedCalls++
		metrics.BreakerRejectionsTotal.WithLabelValues(b.service).Inc()
		return false
	}
}

// RetryAfter returns how long until an open circuit will probe again.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateOpen {
		return 0
	}
	remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// RecordSuccess records a successful call. Success resets the consecutive
// failure count; enough half-open successes close the circuit.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.stats.TotalCalls++
	b.stats.SuccessfulCalls++
	b.stats.ConsecutiveFailures = 0
	b.stats.ConsecutiveSuccesses++
	b.stats.LastSuccessTime = &now

	if b.state == StateHalfOpen && b.stats.ConsecutiveSuccesses >= b.cfg.SuccessThreshold {
		b.state = StateClosed
		metrics.BreakerState.WithLabelValues(b.service).Set(0)
		log.Info().
			Str("service", b.service).
			Msg("Circuit breaker recovered and closed")
	}
}

// RecordFailure records a failed call. Errors outside the configured failure
// set do not affect state. A closed circuit opens at the failure threshold;
// any half-open failure reopens immediately.
func (b *Breaker) RecordFailure(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.cfg.IsFailure != nil && !b.cfg.IsFailure(err) {
		return
	}

	now := b.now()
	b.stats.TotalCalls++
	b.stats.FailedCalls++
	b.stats.ConsecutiveSuccesses = 0
	b.stats.ConsecutiveFailures++
	b.stats.LastFailureTime = &now

	switch b.state {
	case StateClosed:
		if b.stats.ConsecutiveFailures >= b.cfg.FailureThreshold {
			b.tripLocked(err)
		}
	case StateHalfOpen:
		b.tripLocked(err)
	}
}

func (b *Breaker) tripLocked(err error) {
	b.state = StateOpen
	b.openedAt = b.now()
	metrics.BreakerState.WithLabelValues(b.service).Set(1)
	log.Warn().
		Str("service", b.service).
		Int("consecutive_failures", b.stats.ConsecutiveFailures).
		Dur("recovery_timeout", b.cfg.RecoveryTimeout).
		Err(err).
		Msg("Circuit breaker tripped")
}

// Execute wraps an operation. An open circuit rejects with *OpenError without
// invoking the operation.
func (b *Breaker) Execute(op func() error) error {
	if !b.Allow() {
		return &OpenError{Service: b.service, RetryAfter: b.RetryAfter()}
	}
	if err := op(); err != nil {
		b.RecordFailure(err)
		return err
	}
	b.RecordSuccess()
	return nil
}

// GetStatus returns a consistent snapshot of the breaker.
func (b *Breaker) GetStatus() Status {
	b.mu.Lock()
	defer b.mu.Unlock()

	st := Status{
		Service: b.service,
		State:   b.effectiveStateLocked().String(),
		Stats:   b.stats,
	}
	if b.state == StateOpen {
		if remaining := b.cfg.RecoveryTimeout - b.now().Sub(b.openedAt); remaining > 0 {
			st.TimeUntilRetry = remaining
		}
	}
	return st
}

// Reset returns the breaker to closed with zeroed consecutive counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.state = StateClosed
	b.stats.ConsecutiveFailures = 0
	b.stats.ConsecutiveSuccesses = 0
	log.Info().Str("service", b.service).Msg("Circuit breaker reset")
}

// OpenError is returned when a call is rejected by an open circuit.
type OpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for %s (retry in %s)", e.Service, e.RetryAfter.Round(time.Millisecond))
}

// IsCircuitOpen checks whether an error is a circuit-open rejection.
func IsCircuitOpen(err error) bool {
	_, ok := err.(*OpenError)
	return ok
}
