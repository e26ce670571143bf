package governance

import (
	"context"
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is in the open state.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// CircuitBreakerState represents the state of a circuit breaker.
type CircuitBreakerState string

const (
	// StateClosed indicates the circuit is closed and calls are allowed.
	StateClosed CircuitBreakerState = "closed"
	// StateOpen indicates the circuit is open and calls are rejected.
	StateOpen CircuitBreakerState = "open"
	// StateHalfOpen indicates a single trial call is allowed through.
	StateHalfOpen CircuitBreakerState = "half-open"
)

// CircuitBreakerConfig defines thresholds for circuit breaking.
type CircuitBreakerConfig struct {
	// MaxFailures is the consecutive failure count that opens the circuit.
	// Zero disables the breaker.
	MaxFailures int
	// Timeout is how long the circuit stays open before a trial call is allowed.
	Timeout time.Duration
}

// DefaultCircuitBreakerConfig returns sensible defaults for outbound
// connection attempts.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		MaxFailures: 5,
		Timeout:     30 * time.Second,
	}
}

// CircuitBreaker fails fast after repeated consecutive failures.
type CircuitBreaker struct {
	mu                  sync.Mutex
	state               CircuitBreakerState
	config              CircuitBreakerConfig
	consecutiveFailures int
	trialInFlight       bool
	openUntil           time.Time
	lastStateChange     time.Time
	totalFailures       int
	totalSuccesses      int
	now                 func() time.Time
}

// NewCircuitBreaker creates a circuit breaker with the provided configuration.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.MaxFailures < 0 {
		config.MaxFailures = 0
	}
	if config.Timeout <= 0 {
		config.Timeout = 30 * time.Second
	}
	return &CircuitBreaker{
		state:           StateClosed,
		config:          config,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// ExecuteContext wraps a function call with circuit breaker and context support.
// Context cancellation is not counted as a failure.
func (cb *CircuitBreaker) ExecuteContext(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.beforeCall(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.afterCall(ctx, err)
	return err
}

func (cb *CircuitBreaker) beforeCall() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if cb.now().Before(cb.openUntil) {
			return ErrCircuitOpen
		}
		cb.transitionToLocked(StateHalfOpen)
		cb.trialInFlight = true
		return nil
	case StateHalfOpen:
		if cb.trialInFlight {
			return ErrCircuitOpen
		}
		cb.trialInFlight = true
		return nil
	default:
		return nil
	}
}

func (cb *CircuitBreaker) afterCall(ctx context.Context, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateHalfOpen {
		cb.trialInFlight = false
	}
	if err != nil && ctx.Err() != nil {
		return
	}

	if err == nil {
		cb.totalSuccesses++
		cb.consecutiveFailures = 0
		if cb.state != StateClosed {
			cb.transitionToLocked(StateClosed)
		}
		return
	}

	cb.totalFailures++
	cb.consecutiveFailures++
	switch {
	case cb.state == StateHalfOpen:
		cb.transitionToLocked(StateOpen)
	case cb.config.MaxFailures > 0 && cb.consecutiveFailures >= cb.config.MaxFailures:
		cb.transitionToLocked(StateOpen)
	}
}

func (cb *CircuitBreaker) transitionToLocked(newState CircuitBreakerState) {
	now := cb.now()
	cb.state = newState
	cb.lastStateChange = now
	switch newState {
	case StateOpen:
		cb.openUntil = now.Add(cb.config.Timeout)
		cb.consecutiveFailures = 0
	case StateClosed:
		cb.openUntil = time.Time{}
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Stats returns current circuit breaker statistics.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	stats := CircuitBreakerStats{
		State:           string(cb.state),
		Failures:        cb.totalFailures,
		Successes:       cb.totalSuccesses,
		LastStateChange: cb.lastStateChange.Format(time.RFC3339),
	}
	if cb.state == StateOpen {
		stats.OpenUntil = cb.openUntil.Format(time.RFC3339)
	}
	return stats
}

// CircuitBreakerStats exposes circuit breaker status information.
type CircuitBreakerStats struct {
	State           string `json:"state"`
	Failures        int    `json:"failures"`
	Successes       int    `json:"successes"`
	LastStateChange string `json:"lastStateChange"`
	OpenUntil       string `json:"openUntil,omitempty"`
}

// Reset manually resets the circuit breaker to closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.transitionToLocked(StateClosed)
	cb.consecutiveFailures = 0
	cb.trialInFlight = false
	cb.totalFailures = 0
	cb.totalSuccesses = 0
}

// CircuitBreakerManager keeps one breaker per key, typically host:port.
type CircuitBreakerManager struct {
	mu       sync.RWMutex
	config   CircuitBreakerConfig
	breakers map[string]*CircuitBreaker
}

// NewCircuitBreakerManager creates a manager whose breakers share config.
func NewCircuitBreakerManager(config CircuitBreakerConfig) *CircuitBreakerManager {
	return &CircuitBreakerManager{
		config:   config,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get retrieves the circuit breaker for key, creating one if needed.
func (m *CircuitBreakerManager) Get(key string) *CircuitBreaker {
	m.mu.RLock()
	cb, exists := m.breakers[key]
	m.mu.RUnlock()

	if exists {
		return cb
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cb, exists := m.breakers[key]; exists {
		return cb
	}

	cb = NewCircuitBreaker(m.config)
	m.breakers[key] = cb
	return cb
}

// Stats returns statistics for all circuit breakers.
func (m *CircuitBreakerManager) Stats() map[string]CircuitBreakerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := make(map[string]CircuitBreakerStats, len(m.breakers))
	for key, cb := range m.breakers {
		stats[key] = cb.Stats()
	}
	return stats
}

// ResetAll resets all circuit breakers to closed state.
func (m *CircuitBreakerManager) ResetAll() {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, cb := range m.breakers {
		cb.Reset()
	}
}
