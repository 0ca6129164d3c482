// Package breaker guards each provider connector with a circuit breaker so a
// failing upstream sheds load instead of dragging every query down with it.
package breaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/haasonsaas/crossquery/pkg/models"
)

// Breaker states.
const (
	StateClosed   = "closed"
	StateOpen     = "open"
	StateHalfOpen = "half_open"
)

// Config configures a breaker.
type Config struct {
	// Name identifies the breaker, normally a provider id.
	Name string

	// FailureThreshold is the number of consecutive failures before opening.
	FailureThreshold int

	// SuccessThreshold is the number of successes in half-open to close.
	SuccessThreshold int

	// OpenTimeout is how long the breaker stays open before a call is
	// allowed through again.
	OpenTimeout time.Duration

	// ExcludedCodes lists error codes that do not count as failures, such
	// as VALIDATION_ERROR. The caller was wrong, not the provider.
	ExcludedCodes []models.Code

	// OnStateChange is called when the breaker state changes.
	OnStateChange func(name, from, to string)
}

// Breaker tracks the health of one provider and rejects calls while open.
type Breaker struct {
	config   Config
	excluded map[models.Code]struct{}

	mu              sync.RWMutex
	state           string
	failures        int
	successes       int
	lastFailure     time.Time
	lastStateChange time.Time

	totalFailures  int64
	totalSuccesses int64
	totalRejected  int64
}

// New creates a breaker with the given config.
func New(config Config) *Breaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 3
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 2
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 60 * time.Second
	}

	excluded := make(map[models.Code]struct{}, len(config.ExcludedCodes))
	for _, code := range config.ExcludedCodes {
		excluded[code] = struct{}{}
	}

	return &Breaker{
		config:          config,
		excluded:        excluded,
		state:           StateClosed,
		lastStateChange: time.Now(),
	}
}

// Execute runs fn with breaker protection.
func (b *Breaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := b.Allow(); err != nil {
		return err
	}

	err := fn(ctx)
	b.recordResult(err)
	return err
}

// ExecuteWithResult runs a function that returns a value with breaker
// protection.
func ExecuteWithResult[T any](b *Breaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if err := b.Allow(); err != nil {
		return zero, err
	}

	result, err := fn(ctx)
	b.recordResult(err)
	return result, err
}

// Allow checks whether a call may proceed, transitioning open breakers to
// half-open once the open timeout has elapsed. Rejections return CIRCUIT_OPEN
// and count toward total_rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return nil

	case StateOpen:
		if time.Since(b.lastStateChange) >= b.config.OpenTimeout {
			b.transitionTo(StateHalfOpen)
			return nil
		}
		b.totalRejected++
		return b.openError()

	default:
		return nil
	}
}

// openError builds the rejection error while b.mu is held.
func (b *Breaker) openError() error {
	retryAfter := b.config.OpenTimeout - time.Since(b.lastStateChange)
	if retryAfter < 0 {
		retryAfter = 0
	}
	return models.NewError(models.CodeCircuitOpen, "circuit breaker open for "+b.config.Name).
		WithDetail("provider", b.config.Name).
		WithDetail("retry_after_seconds", int(retryAfter.Seconds())+1)
}

// recordResult records the outcome of a call. Context cancellation by the
// caller and excluded error codes leave the breaker untouched.
func (b *Breaker) recordResult(err error) {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		if _, skip := b.excluded[models.CodeOf(err)]; skip {
			return
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.recordFailure()
	} else {
		b.recordSuccess()
	}
}

func (b *Breaker) recordFailure() {
	b.failures++
	b.successes = 0
	b.lastFailure = time.Now()
	b.totalFailures++

	switch b.state {
	case StateClosed:
		if b.failures >= b.config.FailureThreshold {
			b.transitionTo(StateOpen)
		}

	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) recordSuccess() {
	b.totalSuccesses++

	switch b.state {
	case StateClosed:
		b.failures = 0

	case StateHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

// transitionTo changes state while b.mu is held.
func (b *Breaker) transitionTo(newState string) {
	oldState := b.state
	b.state = newState
	b.lastStateChange = time.Now()
	b.failures = 0
	b.successes = 0

	if b.config.OnStateChange != nil {
		// Call asynchronously to avoid blocking under the lock.
		go b.config.OnStateChange(b.config.Name, oldState, newState)
	}
}

// State returns the breaker state as a caller would observe it: an open
// breaker whose timeout has elapsed reads as half_open even before the next
// call performs the transition.
func (b *Breaker) State() string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.state == StateOpen && time.Since(b.lastStateChange) >= b.config.OpenTimeout {
		return StateHalfOpen
	}
	return b.state
}

// Stats returns a snapshot of the breaker counters. State follows the same
// observable view as State().
func (b *Breaker) Stats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	state := b.state
	if state == StateOpen && time.Since(b.lastStateChange) >= b.config.OpenTimeout {
		state = StateHalfOpen
	}

	s := Stats{
		Name:            b.config.Name,
		State:           state,
		Failures:        b.failures,
		Successes:       b.successes,
		TotalFailures:   b.totalFailures,
		TotalSuccesses:  b.totalSuccesses,
		TotalRejected:   b.totalRejected,
		LastFailure:     b.lastFailure,
		LastStateChange: b.lastStateChange,
	}
	if state == StateOpen {
		s.RetryAt = b.lastStateChange.Add(b.config.OpenTimeout)
	}
	return s
}

// Reset manually closes the breaker and clears its window counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state != StateClosed && b.config.OnStateChange != nil {
		go b.config.OnStateChange(b.config.Name, b.state, StateClosed)
	}
	b.state = StateClosed
	b.failures = 0
	b.successes = 0
	b.lastStateChange = time.Now()
}

// Stats is a point-in-time snapshot of one breaker.
type Stats struct {
	Name            string    `json:"name"`
	State           string    `json:"state"`
	Failures        int       `json:"failures"`
	Successes       int       `json:"successes"`
	TotalFailures   int64     `json:"total_failures"`
	TotalSuccesses  int64     `json:"total_successes"`
	TotalRejected   int64     `json:"total_rejected"`
	LastFailure     time.Time `json:"last_failure,omitempty"`
	LastStateChange time.Time `json:"last_state_change"`
	RetryAt         time.Time `json:"retry_at,omitempty"`
}
