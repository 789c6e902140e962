package rtrelay

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// RetryConfig configures retries of the initial dial.
type RetryConfig struct {
	// MaxRetries is the number of attempts after the first. 0 disables retries.
	MaxRetries int

	// BaseDelay is the delay before the first retry.
	BaseDelay time.Duration

	// MaxDelay caps the delay between attempts.
	MaxDelay time.Duration

	// Multiplier grows the delay after every attempt.
	Multiplier float64

	// Jitter randomizes each delay by up to this fraction in either direction.
	Jitter float64

	// RetryableErrors decides whether err is worth another attempt. Nil
	// retries everything.
	RetryableErrors func(error) bool
}

// DefaultRetryConfig retries connection and send failures three times with
// exponential backoff. Configuration errors are never retried.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		BaseDelay:  1 * time.Second,
		MaxDelay:   30 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
		RetryableErrors: func(err error) bool {
			if errors.Is(err, ErrInvalidConfig) {
				return false
			}
			var sendErr *SendError
			return errors.Is(err, ErrConnectionFailed) || errors.As(err, &sendErr)
		},
	}
}

// WithRetry runs op until it succeeds, a non-retryable error occurs, the
// attempts are exhausted, or ctx is done.
func WithRetry(ctx context.Context, config RetryConfig, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= config.MaxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err

		if config.RetryableErrors != nil && !config.RetryableErrors(err) {
			return fmt.Errorf("non-retryable error: %w", err)
		}
		if attempt == config.MaxRetries {
			break
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("retry cancelled: %w", ctx.Err())
		case <-time.After(calculateDelay(attempt, config)):
		}
	}
	return fmt.Errorf("operation failed after %d attempts: %w", config.MaxRetries+1, lastErr)
}

func calculateDelay(attempt int, config RetryConfig) time.Duration {
	delay := float64(config.BaseDelay) * math.Pow(config.Multiplier, float64(attempt))
	if delay > float64(config.MaxDelay) {
		delay = float64(config.MaxDelay)
	}
	if config.Jitter > 0 {
		delay += delay * config.Jitter * (2*rand.Float64() - 1)
	}
	return time.Duration(delay)
}

// DialWithRetry is Dial wrapped in WithRetry.
func DialWithRetry(ctx context.Context, cfg Config, retryConfig RetryConfig) (*Client, error) {
	var client *Client
	err := WithRetry(ctx, retryConfig, func() error {
		var err error
		client, err = Dial(ctx, cfg)
		if err != nil {
			cfg.Logger.Warn("dial_retry", map[string]any{"err": err})
		}
		return err
	})
	return client, err
}

// CircuitBreakerConfig configures circuit breaker behavior.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit.
	FailureThreshold int

	// RecoveryTimeout is how long the circuit stays open before a trial call.
	RecoveryTimeout time.Duration

	// SuccessThreshold is the number of half-open successes that close it again.
	SuccessThreshold int
}

// CircuitBreakerState represents the current state of the circuit breaker.
type CircuitBreakerState int

const (
	CircuitClosed CircuitBreakerState = iota
	CircuitOpen
	CircuitHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreaker fails fast after repeated failures. It is safe for
// concurrent use.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          CircuitBreakerConfig
	state           CircuitBreakerState
	failures        int
	successes       int
	lastFailureTime time.Time
}

func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	return &CircuitBreaker{config: config, state: CircuitClosed}
}

// Execute runs op unless the circuit is open, in which case it returns
// ErrCircuitOpen without calling op.
func (cb *CircuitBreaker) Execute(op func() error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}
	if err := op(); err != nil {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return nil
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) >= cb.config.RecoveryTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
	}
	return false
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.failures++
	cb.successes = 0
	cb.lastFailureTime = time.Now()
	if cb.state == CircuitHalfOpen || cb.failures >= cb.config.FailureThreshold {
		cb.state = CircuitOpen
	}
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.successes++
	cb.failures = 0
	if cb.state == CircuitHalfOpen && cb.successes >= cb.config.SuccessThreshold {
		cb.state = CircuitClosed
	}
}

func (cb *CircuitBreaker) State() CircuitBreakerState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}
