package resilience

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/dimensigon/aishell/core"
)

// ErrCircuitOpen is returned when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed allows all requests through
	StateClosed CircuitState = iota
	// StateOpen blocks all requests
	StateOpen
	// StateHalfOpen allows limited requests for testing
	StateHalfOpen
)

// String returns the string representation of the state
func (s CircuitState) String() string {
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

// ErrorClassifier determines which errors count toward breaker
// thresholds. User and contract errors must not trip the breaker.
type ErrorClassifier func(error) bool

// DefaultErrorClassifier counts only infrastructure failures.
func DefaultErrorClassifier(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	switch core.KindOf(err) {
	case core.KindTransient, core.KindTimeout, core.KindInternal:
		return true
	}
	return false
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name identifies the circuit breaker in logs
	Name string

	// FailureThreshold is the number of consecutive counted failures
	// before opening
	FailureThreshold int

	// SleepWindow is how long to wait before entering half-open state
	SleepWindow time.Duration

	// HalfOpenRequests is the number of test requests allowed in
	// half-open state
	HalfOpenRequests int

	// Classifier decides which errors count. Defaults to
	// DefaultErrorClassifier.
	Classifier ErrorClassifier

	// Logger is optional
	Logger core.Logger
}

// CircuitBreaker protects a downstream dependency from sustained
// failure. Closed passes everything, open rejects everything until the
// sleep window elapses, half-open probes with a bounded number of
// requests and closes again on success.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger core.Logger

	mu           sync.Mutex
	state        CircuitState
	failures     int
	halfOpenLeft int
	openedAt     time.Time
	nowFunc      func() time.Time
}

// NewCircuitBreaker creates a breaker with defaults applied.
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.SleepWindow <= 0 {
		config.SleepWindow = 30 * time.Second
	}
	if config.HalfOpenRequests <= 0 {
		config.HalfOpenRequests = 1
	}
	if config.Classifier == nil {
		config.Classifier = DefaultErrorClassifier
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &CircuitBreaker{
		config:  config,
		logger:  logger,
		state:   StateClosed,
		nowFunc: time.Now,
	}
}

// State returns the current state, transitioning open → half-open when
// the sleep window has elapsed.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()
	return cb.state
}

func (cb *CircuitBreaker) refreshLocked() {
	if cb.state == StateOpen && cb.nowFunc().Sub(cb.openedAt) >= cb.config.SleepWindow {
		cb.transitionLocked(StateHalfOpen)
		cb.halfOpenLeft = cb.config.HalfOpenRequests
	}
}

func (cb *CircuitBreaker) transitionLocked(to CircuitState) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.logger.Info("Circuit breaker state change", map[string]interface{}{
		"breaker": cb.config.Name,
		"from":    from.String(),
		"to":      to.String(),
	})
}

// CanExecute reports whether a request may proceed, consuming a
// half-open probe slot when applicable.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.refreshLocked()

	switch cb.state {
	case StateClosed:
		return true
	case StateHalfOpen:
		if cb.halfOpenLeft > 0 {
			cb.halfOpenLeft--
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess notes a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures = 0
	if cb.state == StateHalfOpen {
		cb.transitionLocked(StateClosed)
	}
}

// RecordFailure notes a failed call that counted per the classifier.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	if cb.state == StateHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.transitionLocked(StateOpen)
		cb.openedAt = cb.nowFunc()
	}
}

// Execute runs fn under the breaker.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func() error) error {
	if !cb.CanExecute() {
		return core.NewError("breaker.Execute", core.KindTransient, ErrCircuitOpen)
	}

	err := fn()
	if err != nil {
		if cb.config.Classifier(err) {
			cb.RecordFailure()
		}
		return err
	}

	cb.RecordSuccess()
	return nil
}
