// Package retry provides bounded retry with exponential backoff for cache operations
package retry

import (
	"context"
	stderr "errors"
	"math"
	"math/rand"
	"time"

	"github.com/objectfs/imagecache/pkg/errors"
)

// Config defines retry behavior configuration
type Config struct {
	// MaxAttempts is the maximum number of attempts (including the initial attempt)
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelay is the delay before the first retry
	InitialDelay time.Duration `yaml:"initial_delay" json:"initial_delay"`

	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration `yaml:"max_delay" json:"max_delay"`

	// Multiplier is the factor by which delay increases after each retry
	Multiplier float64 `yaml:"multiplier" json:"multiplier"`

	Jitter bool `yaml:"jitter" json:"jitter"`

	// RetryableErrors lists codes retried even when the error is not flagged retryable
	RetryableErrors []errors.ErrorCode `yaml:"retryable_errors" json:"retryable_errors"`

	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration) `yaml:"-" json:"-"`
}

// DefaultConfig returns the default retry configuration
func DefaultConfig() Config {
	return Config{
		MaxAttempts:  5,
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2.0,
		Jitter:       true,
		RetryableErrors: []errors.ErrorCode{
			errors.ErrCodeOutOfMemory,
			errors.ErrCodeOperationTimeout,
		},
	}
}

// Retryer handles retry logic with exponential backoff
type Retryer struct {
	config Config
}

// New creates a new Retryer with the given configuration
func New(config Config) *Retryer {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 10 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Retryer{config: config}
}

// MaxAttempts returns the configured attempt bound.
func (r *Retryer) MaxAttempts() int {
	return r.config.MaxAttempts
}

// Do executes the given function with retry logic
func (r *Retryer) Do(fn func() error) error {
	return r.DoWithContext(context.Background(), func(ctx context.Context) error {
		return fn()
	})
}

// DoWithContext executes fn until it succeeds, returns a non-retryable error,
// the context ends or MaxAttempts is reached. Exhaustion yields a
// RETRY_EXHAUSTED error wrapping the last failure.
func (r *Retryer) DoWithContext(ctx context.Context, fn func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return canceled(attempt-1, ctx.Err())
		default:
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !r.isRetryable(err) {
			return err
		}
		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)
		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return canceled(attempt, ctx.Err())
		case <-timer.C:
		}
	}

	return errors.Newf(errors.ErrCodeRetryExhausted, "max retry attempts (%d) exceeded", r.config.MaxAttempts).
		WithCause(lastErr)
}

func canceled(attempts int, cause error) error {
	return errors.Newf(errors.ErrCodeOperationCanceled, "operation canceled after %d attempts", attempts).
		WithCause(cause)
}

// isRetryable determines if an error is retryable
func (r *Retryer) isRetryable(err error) bool {
	var cacheErr *errors.CacheError
	if !stderr.As(err, &cacheErr) {
		return false
	}
	if cacheErr.Retryable {
		return true
	}
	for _, code := range r.config.RetryableErrors {
		if cacheErr.Code == code {
			return true
		}
	}
	return false
}

// calculateDelay calculates the delay for the next retry attempt
func (r *Retryer) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.Multiplier, float64(attempt-1))
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	// ±20%
	if r.config.Jitter {
		delay += delay * 0.2 * (rand.Float64()*2 - 1)
	}

	return time.Duration(delay)
}

// WithMaxAttempts returns a new Retryer with modified max attempts
func (r *Retryer) WithMaxAttempts(attempts int) *Retryer {
	newConfig := r.config
	newConfig.MaxAttempts = attempts
	return New(newConfig)
}

// WithOnRetry returns a new Retryer with a retry callback
func (r *Retryer) WithOnRetry(callback func(attempt int, err error, delay time.Duration)) *Retryer {
	newConfig := r.config
	newConfig.OnRetry = callback
	return New(newConfig)
}
