// Package resilience wraps outbound calls in per-service circuit breakers and
// exponential backoff retries.
//
// Breaker state is process-local. Each instance of the service keeps its own
// breakers, so in a multi-instance deployment every instance opens its circuit
// independently after observing failures itself.
package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	apperrors "github.com/trendpipe/backend/internal/errors"
	"github.com/trendpipe/backend/internal/logger"
	"github.com/trendpipe/backend/internal/metrics"
)

// State is the circuit state of a single service
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

func fromGobreaker(s gobreaker.State) State {
	switch s {
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	case gobreaker.StateOpen:
		return StateOpen
	default:
		return StateClosed
	}
}

// BreakerSettings configures every breaker created by a Registry
type BreakerSettings struct {
	// FailureThreshold failures inside MonitorWindow open the circuit
	FailureThreshold int
	MonitorWindow    time.Duration
	// ResetTimeout is how long an open circuit rejects calls before admitting a probe
	ResetTimeout time.Duration
}

// Transition describes a circuit state change
type Transition struct {
	Service string
	From    State
	To      State
	At      time.Time
}

// Observer receives every state transition
type Observer func(Transition)

// CircuitOpenError is returned when a call is rejected without being attempted
type CircuitOpenError struct {
	Service string
	State   State
}

func (e *CircuitOpenError) Error() string {
	if e.State == StateHalfOpen {
		return fmt.Sprintf("circuit %s is half-open and already probing", e.Service)
	}
	return fmt.Sprintf("circuit %s is open", e.Service)
}

// IsCircuitOpen reports whether err is a circuit rejection
func IsCircuitOpen(err error) bool {
	var open *CircuitOpenError
	return errors.As(err, &open)
}

// Breaker guards calls to one service. Failures are tracked as timestamps in a
// sliding window; when the window holds FailureThreshold entries the circuit opens.
// After ResetTimeout exactly one probe is admitted, other callers are rejected
// until it finishes.
type Breaker struct {
	name      string
	cb        *gobreaker.CircuitBreaker[struct{}]
	threshold int
	window    time.Duration
	observer  Observer
	now       func() time.Time

	mu       sync.Mutex
	failures []time.Time
}

func newBreaker(name string, settings BreakerSettings, observer Observer) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: settings.FailureThreshold,
		window:    settings.MonitorWindow,
		observer:  observer,
		now:       time.Now,
	}
	if b.threshold <= 0 {
		b.threshold = 1
	}

	b.cb = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:          name,
		MaxRequests:   1,
		Timeout:       settings.ResetTimeout,
		ReadyToTrip:   func(gobreaker.Counts) bool { return b.recordFailure() },
		OnStateChange: b.onStateChange,
		IsExcluded:    isExcluded,
	})

	metrics.CircuitBreakerState.WithLabelValues(name).Set(0)
	return b
}

// Name returns the service name the breaker guards
func (b *Breaker) Name() string {
	return b.name
}

// State returns the current state. An open circuit whose reset timeout has
// elapsed reports half-open.
func (b *Breaker) State() State {
	return fromGobreaker(b.cb.State())
}

// Execute runs fn unless the circuit rejects the call with a *CircuitOpenError
func (b *Breaker) Execute(fn func() error) error {
	_, err := b.cb.Execute(func() (struct{}, error) {
		return struct{}{}, fn()
	})
	if err == nil {
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "success").Inc()
		return nil
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "rejected").Inc()
		return &CircuitOpenError{Service: b.name, State: b.State()}
	}

	if isExcluded(err) {
		metrics.CircuitBreakerRequests.WithLabelValues(b.name, "excluded").Inc()
		return err
	}
	metrics.CircuitBreakerRequests.WithLabelValues(b.name, "failure").Inc()
	return err
}

// recordFailure runs under gobreaker's lock for failures in the closed state
func (b *Breaker) recordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.failures = append(b.failures, now)

	cutoff := now.Add(-b.window)
	kept := b.failures[:0]
	for _, ts := range b.failures {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	b.failures = kept

	return len(b.failures) >= b.threshold
}

// recentFailures returns the number of failures currently inside the window
func (b *Breaker) recentFailures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.failures)
}

func (b *Breaker) onStateChange(name string, from, to gobreaker.State) {
	if to == gobreaker.StateClosed {
		b.mu.Lock()
		b.failures = nil
		b.mu.Unlock()
	}

	t := Transition{Service: name, From: fromGobreaker(from), To: fromGobreaker(to), At: time.Now()}

	metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(t.To))
	metrics.CircuitBreakerTransitions.WithLabelValues(name, t.From.String(), t.To.String()).Inc()

	log := logger.Component("resilience")
	event := log.Info()
	if t.To == StateOpen {
		event = log.Warn()
	}
	event.Str("service", name).Str("from", t.From.String()).Str("to", t.To.String()).Msg("circuit state changed")

	if b.observer != nil {
		b.observer(t)
	}
}

// isExcluded keeps caller cancellations and client-kind errors (a video that no
// longer exists, bad input) out of the breaker's accounting. They count as
// neither success nor failure, so a half-open probe that ends this way frees
// the probe slot and the circuit stays half-open.
func isExcluded(err error) bool {
	return errors.Is(err, context.Canceled) || apperrors.IsClientError(err)
}

// Registry lazily creates one breaker per service name
type Registry struct {
	settings BreakerSettings
	observer Observer

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry creates a registry whose breakers share settings and observer
func NewRegistry(settings BreakerSettings, observer Observer) *Registry {
	return &Registry{
		settings: settings,
		observer: observer,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for service, creating it on first use
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[service]
	if !ok {
		b = newBreaker(service, r.settings, r.observer)
		r.breakers[service] = b
	}
	return b
}

// States snapshots the state of every known breaker
func (r *Registry) States() map[string]State {
	r.mu.Lock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	states := make(map[string]State, len(breakers))
	for _, b := range breakers {
		states[b.name] = b.State()
	}
	return states
}
