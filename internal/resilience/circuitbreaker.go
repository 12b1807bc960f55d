// Package resilience provides the failure-isolation primitives used by the
// Hearth core: circuit breakers, bulkheads (bounded concurrency), and retry
// with backoff.
//
// The central type is [CircuitBreaker], a classic three-state breaker
// (closed → open → half-open) that protects callers from cascading failures.
// [Bulkhead] caps the concurrency of one class of operation so that it cannot
// starve the rest. [RetryPolicy] re-attempts transient failures with
// exponential backoff and jitter.
//
// All types are safe for concurrent use.
package resilience

import (
	"log/slog"
	"sync"
	"time"

	"github.com/emberworks/hearth/internal/fault"
)

// ErrCircuitOpen is returned by [CircuitBreaker.Execute] when the breaker is in
// the open state and the cooldown has not yet elapsed.
var ErrCircuitOpen = fault.New(fault.KindCircuitOpen, "service is temporarily unavailable").
	WithHint("retry in a minute")

// State represents the current operating mode of a [CircuitBreaker].
type State int

const (
	// StateClosed is the normal operating state — all calls are forwarded.
	StateClosed State = iota

	// StateOpen indicates the breaker has tripped due to consecutive failures.
	// Calls are rejected immediately with [ErrCircuitOpen] until the cooldown
	// elapses.
	StateOpen

	// StateHalfOpen is the probe state entered after the cooldown. A single
	// call is allowed through; if it succeeds the breaker closes, otherwise it
	// re-opens.
	StateHalfOpen
)

// String returns the human-readable name of the state.
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

// CircuitBreakerConfig holds tuning knobs for a [CircuitBreaker].
type CircuitBreakerConfig struct {
	// Name labels the breaker in log messages and the state store.
	Name string

	// Threshold is the number of consecutive failures in the closed state
	// before the breaker opens. Default: 5.
	Threshold int

	// Cooldown is how long the breaker stays open before allowing a probe
	// call. Default: 60s.
	Cooldown time.Duration

	// OnStateChange, when non-nil, is invoked after every state transition
	// with the breaker name and the new state. Used to mirror breaker state to
	// the external store. Must not block.
	OnStateChange func(name string, state State)
}

// CircuitBreaker implements the three-state circuit breaker pattern.
// It is safe for concurrent use from multiple goroutines.
type CircuitBreaker struct {
	name          string
	threshold     int
	cooldown      time.Duration
	onStateChange func(string, State)

	mu              sync.Mutex
	state           State
	consecutiveFail int
	lastFailure     time.Time
	probing         bool
}

// NewCircuitBreaker creates a [CircuitBreaker] with the supplied configuration.
// Zero-value config fields are replaced with the documented defaults.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 60 * time.Second
	}
	return &CircuitBreaker{
		name:          cfg.Name,
		threshold:     cfg.Threshold,
		cooldown:      cfg.Cooldown,
		onStateChange: cfg.OnStateChange,
		state:         StateClosed,
	}
}

// Execute runs fn if the breaker allows it. In the open state it returns
// [ErrCircuitOpen] without calling fn — the breaker performs zero external I/O
// for the duration of the cooldown. After the cooldown a single probe call is
// permitted: success closes the breaker, failure re-opens it.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	cb.mu.Lock()
	switch cb.state {
	case StateOpen:
		if time.Since(cb.lastFailure) < cb.cooldown {
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.transition(StateHalfOpen)
		cb.probing = true

	case StateHalfOpen:
		if cb.probing {
			// A probe is already in flight; reject until it resolves.
			cb.mu.Unlock()
			return ErrCircuitOpen
		}
		cb.probing = true
	}
	inHalfOpen := cb.state == StateHalfOpen
	cb.mu.Unlock()

	err := fn()

	cb.mu.Lock()
	defer cb.mu.Unlock()

	if inHalfOpen {
		cb.probing = false
	}
	if err != nil {
		cb.recordFailure(inHalfOpen)
	} else {
		cb.recordSuccess(inHalfOpen)
	}
	return err
}

// recordFailure handles failure accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordFailure(inHalfOpen bool) {
	cb.lastFailure = time.Now()

	if inHalfOpen {
		// Any probe failure immediately re-opens.
		cb.transition(StateOpen)
		cb.consecutiveFail = cb.threshold
		slog.Warn("circuit breaker re-opened from half-open", "name", cb.name)
		return
	}

	cb.consecutiveFail++
	if cb.consecutiveFail >= cb.threshold && cb.state == StateClosed {
		cb.transition(StateOpen)
		slog.Warn("circuit breaker opened",
			"name", cb.name,
			"consecutive_failures", cb.consecutiveFail)
	}
}

// recordSuccess handles success accounting. Must be called with cb.mu held.
func (cb *CircuitBreaker) recordSuccess(inHalfOpen bool) {
	if inHalfOpen {
		cb.transition(StateClosed)
		cb.consecutiveFail = 0
		slog.Info("circuit breaker closed after successful probe", "name", cb.name)
		return
	}
	cb.consecutiveFail = 0
}

// transition updates the state and fires the state-change hook.
// Must be called with cb.mu held.
func (cb *CircuitBreaker) transition(next State) {
	if cb.state == next {
		return
	}
	cb.state = next
	if cb.onStateChange != nil {
		cb.onStateChange(cb.name, next)
	}
}

// State returns the current [State] of the breaker. If the breaker is open and
// the cooldown has elapsed, the returned state is [StateHalfOpen] (the actual
// transition happens on the next [Execute] call).
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && time.Since(cb.lastFailure) >= cb.cooldown {
		return StateHalfOpen
	}
	return cb.state
}

// Name returns the breaker's label.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Reset manually forces the breaker back to [StateClosed], clearing all
// failure counters.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transition(StateClosed)
	cb.consecutiveFail = 0
	cb.probing = false
	slog.Info("circuit breaker manually reset", "name", cb.name)
}

// Named breakers guarding the core's external dependencies.
const (
	BreakerModelInference  = "model_inference"
	BreakerSessionCreation = "session_creation"
	BreakerToolExecution   = "tool_execution"
	BreakerMemoryRead      = "memory_read"
	BreakerMemoryWrite     = "memory_write"
	BreakerVoiceSTT        = "voice_stt"
	BreakerVoiceTTS        = "voice_tts"
)

// BreakerSet holds the named circuit breakers shared across the process.
// Lookup of an unregistered name lazily creates a breaker with the set's
// defaults, so callers never receive nil.
type BreakerSet struct {
	cfg CircuitBreakerConfig

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// NewBreakerSet creates a [BreakerSet] whose breakers share cfg's threshold,
// cooldown, and state-change hook. The standard named breakers are created
// eagerly.
func NewBreakerSet(cfg CircuitBreakerConfig) *BreakerSet {
	s := &BreakerSet{
		cfg:      cfg,
		breakers: make(map[string]*CircuitBreaker),
	}
	for _, name := range []string{
		BreakerModelInference, BreakerSessionCreation, BreakerToolExecution,
		BreakerMemoryRead, BreakerMemoryWrite, BreakerVoiceSTT, BreakerVoiceTTS,
	} {
		s.breakers[name] = s.newBreaker(name)
	}
	return s
}

// Get returns the breaker registered under name, creating one on first use.
func (s *BreakerSet) Get(name string) *CircuitBreaker {
	s.mu.Lock()
	defer s.mu.Unlock()

	cb, ok := s.breakers[name]
	if !ok {
		cb = s.newBreaker(name)
		s.breakers[name] = cb
	}
	return cb
}

// States returns a snapshot of every breaker's current state.
func (s *BreakerSet) States() map[string]State {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]State, len(s.breakers))
	for name, cb := range s.breakers {
		out[name] = cb.State()
	}
	return out
}

func (s *BreakerSet) newBreaker(name string) *CircuitBreaker {
	cfg := s.cfg
	cfg.Name = name
	return NewCircuitBreaker(cfg)
}
