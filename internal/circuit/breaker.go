// Package circuit stops calls to an image source that keeps failing and
// tests it again after a cooldown.
package circuit

import (
	"sync"
	"time"

	"github.com/objectfs/imagecache/pkg/errors"
)

// State represents the breaker state
type State int

const (
	// StateClosed passes every call through
	StateClosed State = iota
	// StateOpen rejects calls until the cooldown expires
	StateOpen
	// StateHalfOpen lets MaxRequests calls through to test the source
	StateHalfOpen
)

// String returns string representation of state
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

// Config contains breaker configuration
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens the breaker
	FailureThreshold uint32 `yaml:"failure_threshold"`

	// MaxRequests is the number of calls allowed while half-open
	MaxRequests uint32 `yaml:"max_requests"`

	// Interval clears the closed-state counts periodically
	Interval time.Duration `yaml:"interval"`

	// Cooldown is how long the breaker stays open
	Cooldown time.Duration `yaml:"cooldown"`

	// IsFailure decides whether an error counts against the source.
	// Defaults to err != nil.
	IsFailure func(err error) bool `yaml:"-"`

	OnStateChange func(name string, from State, to State) `yaml:"-"`
}

// DefaultConfig returns breaker defaults
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		MaxRequests:      1,
		Interval:         60 * time.Second,
		Cooldown:         30 * time.Second,
	}
}

// Counts holds the numbers of calls and their outcomes
type Counts struct {
	Requests             uint32    `json:"requests"`
	TotalSuccesses       uint32    `json:"total_successes"`
	TotalFailures        uint32    `json:"total_failures"`
	ConsecutiveSuccesses uint32    `json:"consecutive_successes"`
	ConsecutiveFailures  uint32    `json:"consecutive_failures"`
	LastActivity         time.Time `json:"last_activity"`
}

// Breaker guards calls to a single source
type Breaker struct {
	name   string
	config Config

	mu     sync.Mutex
	state  State
	counts Counts
	expiry time.Time
}

// New creates a closed breaker. Zero config fields take their defaults.
func New(name string, config Config) *Breaker {
	defaults := DefaultConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.MaxRequests == 0 {
		config.MaxRequests = defaults.MaxRequests
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.Cooldown <= 0 {
		config.Cooldown = defaults.Cooldown
	}
	if config.IsFailure == nil {
		config.IsFailure = func(err error) bool { return err != nil }
	}

	return &Breaker{
		name:   name,
		config: config,
		state:  StateClosed,
		expiry: time.Now().Add(config.Interval),
	}
}

// Execute runs fn unless the breaker is open. A rejected call returns an
// ErrCodeSourceUnavailable error and fn is not run.
func (b *Breaker) Execute(fn func() error) error {
	if err := b.beforeCall(); err != nil {
		return err
	}

	err := fn()
	b.afterCall(err)
	return err
}

func (b *Breaker) beforeCall() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if state == StateOpen {
		return b.rejected("source is failing, calls suspended", now)
	}
	if state == StateHalfOpen && b.counts.Requests >= b.config.MaxRequests {
		return b.rejected("source is being tested", now)
	}

	b.counts.onRequest(now)
	return nil
}

func (b *Breaker) afterCall(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := time.Now()
	state := b.currentState(now)

	if !b.config.IsFailure(err) {
		b.counts.onSuccess()
		if state == StateHalfOpen {
			b.setState(StateClosed, now)
		}
		return
	}

	b.counts.onFailure()
	switch state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.config.FailureThreshold {
			b.setState(StateOpen, now)
		}
	case StateHalfOpen:
		b.setState(StateOpen, now)
	}
}

func (b *Breaker) rejected(message string, now time.Time) error {
	err := errors.NewError(errors.ErrCodeSourceUnavailable, message).
		WithComponent("circuit").
		WithDetail("breaker", b.name).
		WithDetail("state", b.state.String())
	if b.state == StateOpen {
		err = err.WithDetail("retry_after", b.expiry.Sub(now).Round(time.Millisecond).String())
	}
	return err
}

func (b *Breaker) currentState(now time.Time) State {
	switch b.state {
	case StateClosed:
		if b.expiry.Before(now) {
			b.counts.clear()
			b.expiry = now.Add(b.config.Interval)
		}
	case StateOpen:
		if b.expiry.Before(now) {
			b.setState(StateHalfOpen, now)
		}
	}
	return b.state
}

func (b *Breaker) setState(state State, now time.Time) {
	prev := b.state
	if prev == state {
		return
	}

	b.state = state
	b.counts.clear()

	switch state {
	case StateClosed:
		b.expiry = now.Add(b.config.Interval)
	case StateOpen:
		b.expiry = now.Add(b.config.Cooldown)
	case StateHalfOpen:
		b.expiry = time.Time{}
	}

	if b.config.OnStateChange != nil {
		b.config.OnStateChange(b.name, prev, state)
	}
}

// State returns the current state
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.currentState(time.Now())
}

// Counts returns a copy of the current counts
func (b *Breaker) Counts() Counts {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts
}

// Reset closes the breaker and clears its counts
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.counts.clear()
	b.setState(StateClosed, time.Now())
}

// Name returns the breaker name
func (b *Breaker) Name() string {
	return b.name
}

func (c *Counts) onRequest(now time.Time) {
	c.Requests++
	c.LastActivity = now
}

func (c *Counts) onSuccess() {
	c.TotalSuccesses++
	c.ConsecutiveSuccesses++
	c.ConsecutiveFailures = 0
}

func (c *Counts) onFailure() {
	c.TotalFailures++
	c.ConsecutiveFailures++
	c.ConsecutiveSuccesses = 0
}

func (c *Counts) clear() {
	*c = Counts{}
}
