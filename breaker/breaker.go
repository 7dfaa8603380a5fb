// Package breaker implements the circuit breaker protecting a single
// outbound call path to one logical dependency.
//
// The breaker tracks consecutive failures and cycles between three states:
// closed (calls pass through), open (calls fail fast without touching the
// dependency), and half-open (exactly one probe call is allowed through to
// test recovery). The cycle has no terminal state; a breaker lives for the
// lifetime of its (caller, target) pair.
//
// The breaker performs admission control only. It never retries on the
// caller's behalf; retries, if desired, are layered above it (see Retry).
package breaker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshwork-io/meshwork/core"
)

// State represents the state of the circuit breaker
type State int

const (
	// StateClosed allows all requests through
	StateClosed State = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows a single probe request
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Config holds configuration for the circuit breaker
type Config struct {
	// Name identifies the circuit breaker (for logging/metrics)
	Name string

	// FailureThreshold is the number of consecutive failures before opening
	FailureThreshold int

	// Timeout is the cooldown before a recovery probe is allowed
	Timeout time.Duration

	// Logger for circuit breaker events
	Logger core.Logger

	// Metrics collector for monitoring
	Metrics MetricsCollector
}

// DefaultConfig returns a production-ready default configuration
func DefaultConfig(name string) *Config {
	return &Config{
		Name:             name,
		FailureThreshold: 5,
		Timeout:          30 * time.Second,
		Logger:           &core.NoOpLogger{},
		Metrics:          &noopMetrics{},
	}
}

// Validate validates the circuit breaker configuration
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("configuration cannot be nil: %w", core.ErrInvalidArgument)
	}
	if c.Name == "" {
		return fmt.Errorf("circuit breaker name is required: %w", core.ErrInvalidArgument)
	}
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure threshold must be positive, got %d: %w", c.FailureThreshold, core.ErrInvalidArgument)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive, got %v: %w", c.Timeout, core.ErrInvalidArgument)
	}
	return nil
}

// CircuitBreaker protects one outbound call path with admission control.
// All state transitions happen under a single lock scoped to the instance,
// including the OPEN -> HALF_OPEN handoff, so exactly one concurrent caller
// wins the probe slot while the rest keep failing fast.
type CircuitBreaker struct {
	config *Config

	mu                  sync.Mutex
	state               State
	consecutiveFailures int
	openSince           time.Time
	probeInFlight       bool

	totalExecutions    atomic.Uint64
	rejectedExecutions atomic.Uint64
}

// New creates a circuit breaker from the given configuration
func New(config *Config) (*CircuitBreaker, error) {
	if config == nil {
		config = DefaultConfig("default")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid circuit breaker config: %w", err)
	}
	if config.Logger == nil {
		config.Logger = &core.NoOpLogger{}
	}
	if config.Metrics == nil {
		config.Metrics = &noopMetrics{}
	}

	cb := &CircuitBreaker{
		config: config,
		state:  StateClosed,
	}

	config.Logger.Debug("Circuit breaker created", map[string]interface{}{
		"operation":         "breaker_created",
		"name":              config.Name,
		"failure_threshold": config.FailureThreshold,
		"timeout_ms":        config.Timeout.Milliseconds(),
	})
	return cb, nil
}

// Execute runs the given function with circuit breaker protection.
// It returns core.ErrCircuitOpen (wrapped) without invoking the function
// when the breaker is open and the cooldown has not elapsed. The function's
// own error is propagated upward after the breaker state is updated.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	// A caller that already gave up is not evidence about the dependency
	if err := ctx.Err(); err != nil {
		return err
	}

	probe, err := cb.acquire()
	if err != nil {
		cb.rejectedExecutions.Add(1)
		cb.config.Metrics.RecordRejection(cb.config.Name)
		cb.config.Logger.Debug("Circuit breaker rejected execution", map[string]interface{}{
			"operation": "breaker_reject",
			"name":      cb.config.Name,
			"state":     cb.State(),
		})
		return err
	}

	cb.totalExecutions.Add(1)
	err = cb.run(fn)
	cb.record(probe, err)
	return err
}

// run invokes fn, converting a panic into an error so an in-flight probe
// can never be leaked
func (cb *CircuitBreaker) run(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			stack := debug.Stack()
			cb.config.Logger.Error("Circuit breaker caught panic", map[string]interface{}{
				"operation": "breaker_panic",
				"name":      cb.config.Name,
				"panic":     fmt.Sprintf("%v", r),
			})
			err = fmt.Errorf("panic in protected call: %v\n%s", r, stack)
		}
	}()
	return fn()
}

// acquire decides whether a call may proceed and reserves the half-open
// probe slot when applicable. Returns whether the admitted call is a probe.
func (cb *CircuitBreaker) acquire() (bool, error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return false, nil

	case StateOpen:
		if time.Since(cb.openSince) >= cb.config.Timeout {
			cb.transitionLocked(StateHalfOpen)
			cb.probeInFlight = true
			return true, nil
		}
		return false, cb.rejection()

	case StateHalfOpen:
		if cb.probeInFlight {
			// A probe is already in flight; everyone else keeps failing fast
			return false, cb.rejection()
		}
		cb.probeInFlight = true
		return true, nil

	default:
		return false, cb.rejection()
	}
}

// record updates breaker state with the outcome of an admitted call
func (cb *CircuitBreaker) record(probe bool, err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if probe {
		cb.probeInFlight = false
	}

	if err == nil {
		cb.consecutiveFailures = 0
		cb.config.Metrics.RecordSuccess(cb.config.Name)
		if probe {
			cb.transitionLocked(StateClosed)
		}
		return
	}

	cb.consecutiveFailures++
	cb.config.Metrics.RecordFailure(cb.config.Name, errorType(err))

	if probe {
		// Failed probe restarts the cooldown
		cb.openSince = time.Now()
		cb.transitionLocked(StateOpen)
		return
	}

	if cb.state == StateClosed && cb.consecutiveFailures >= cb.config.FailureThreshold {
		cb.openSince = time.Now()
		cb.transitionLocked(StateOpen)
	}
}

// transitionLocked changes state (must be called with the lock held)
func (cb *CircuitBreaker) transitionLocked(newState State) {
	oldState := cb.state
	if oldState == newState {
		return
	}
	cb.state = newState

	cb.config.Logger.Info("Circuit breaker state changed", map[string]interface{}{
		"operation":            "breaker_transition",
		"name":                 cb.config.Name,
		"from":                 oldState.String(),
		"to":                   newState.String(),
		"consecutive_failures": cb.consecutiveFailures,
	})
	cb.config.Metrics.RecordStateChange(cb.config.Name, oldState.String(), newState.String())
}

func (cb *CircuitBreaker) rejection() error {
	return &core.MeshError{
		Op:   "breaker.Execute",
		Kind: "breaker",
		ID:   cb.config.Name,
		Err:  core.ErrCircuitOpen,
	}
}

// State returns the current state name ("closed", "open", "half-open")
func (cb *CircuitBreaker) State() string {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state.String()
}

// CanExecute reports whether the breaker would currently admit a call,
// without reserving the probe slot or mutating state
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return true
	case StateOpen:
		return time.Since(cb.openSince) >= cb.config.Timeout
	case StateHalfOpen:
		return !cb.probeInFlight
	default:
		return false
	}
}

// Metrics returns current metrics about the circuit breaker
func (cb *CircuitBreaker) Metrics() map[string]interface{} {
	cb.mu.Lock()
	state := cb.state
	failures := cb.consecutiveFailures
	probing := cb.probeInFlight
	cb.mu.Unlock()

	return map[string]interface{}{
		"name":                 cb.config.Name,
		"state":                state.String(),
		"consecutive_failures": failures,
		"probe_in_flight":      probing,
		"total_executions":     cb.totalExecutions.Load(),
		"rejected_executions":  cb.rejectedExecutions.Load(),
	}
}

// Reset manually resets the circuit breaker to closed state, clearing the
// failure count and any reserved probe slot
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	oldState := cb.state
	cb.state = StateClosed
	cb.consecutiveFailures = 0
	cb.probeInFlight = false

	cb.config.Logger.Info("Circuit breaker reset", map[string]interface{}{
		"operation":      "breaker_reset",
		"name":           cb.config.Name,
		"previous_state": oldState.String(),
	})
}
