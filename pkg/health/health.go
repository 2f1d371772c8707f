// Package health tracks per-component health of the cache tiers
package health

import (
	stderr "errors"
	"fmt"
	"sync"
	"time"

	"github.com/objectfs/imagecache/pkg/errors"
)

// HealthState represents the health state of a component
type HealthState int

const (
	// StateHealthy indicates the component is fully operational
	StateHealthy HealthState = iota

	// StateDegraded indicates recent failures; the component still serves requests
	StateDegraded

	// StateUnavailable indicates the component is not serving requests
	StateUnavailable
)

// String returns the string representation of a health state
func (s HealthState) String() string {
	switch s {
	case StateHealthy:
		return "healthy"
	case StateDegraded:
		return "degraded"
	case StateUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON output.
func (s HealthState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// ComponentHealth tracks the health of a specific component
type ComponentHealth struct {
	Name              string      `json:"name"`
	State             HealthState `json:"state"`
	LastStateChange   time.Time   `json:"last_state_change"`
	LastHealthCheck   time.Time   `json:"last_health_check"`
	ConsecutiveErrors int         `json:"consecutive_errors"`
	LastErrorMessage  string      `json:"last_error_message,omitempty"`

	// Pinned components stay unavailable regardless of later successes.
	Pinned bool `json:"pinned,omitempty"`
}

// TrackerConfig configures health tracking behavior
type TrackerConfig struct {
	// ErrorThreshold is the number of consecutive errors before marking a component degraded
	ErrorThreshold int `yaml:"error_threshold" json:"error_threshold"`

	// UnavailableThreshold is the number of consecutive errors before marking unavailable
	UnavailableThreshold int `yaml:"unavailable_threshold" json:"unavailable_threshold"`
}

// StateChangeCallback is called when a component's health state changes
type StateChangeCallback func(component string, oldState, newState HealthState, err error)

// DefaultConfig returns a default tracker configuration
func DefaultConfig() TrackerConfig {
	return TrackerConfig{
		ErrorThreshold:       3,
		UnavailableThreshold: 10,
	}
}

// Tracker tracks the health of multiple components and determines overall health
type Tracker struct {
	mu         sync.RWMutex
	components map[string]*ComponentHealth
	config     TrackerConfig
	callbacks  []StateChangeCallback
}

// NewTracker creates a new health tracker
func NewTracker(config TrackerConfig) *Tracker {
	if config.ErrorThreshold <= 0 {
		config.ErrorThreshold = 3
	}
	if config.UnavailableThreshold < config.ErrorThreshold {
		config.UnavailableThreshold = config.ErrorThreshold
	}
	return &Tracker{
		components: make(map[string]*ComponentHealth),
		config:     config,
	}
}

// RegisterComponent registers a new component for health tracking
func (t *Tracker) RegisterComponent(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.components[name]; !exists {
		now := time.Now()
		t.components[name] = &ComponentHealth{
			Name:            name,
			State:           StateHealthy,
			LastStateChange: now,
			LastHealthCheck: now,
		}
	}
}

// RecordSuccess records a successful operation for a component
func (t *Tracker) RecordSuccess(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists || health.Pinned {
		return
	}

	health.LastHealthCheck = time.Now()
	if health.ConsecutiveErrors > 0 {
		health.ConsecutiveErrors--
		if health.ConsecutiveErrors == 0 && health.State != StateHealthy {
			t.transition(health, StateHealthy, nil)
		}
	}
}

// RecordError records an error for a component. Invalid arguments are the
// caller's fault and do not count against the component.
func (t *Tracker) RecordError(component string, err error) {
	if errors.HasCode(err, errors.ErrCodeInvalidArgument) {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists || health.Pinned {
		return
	}

	health.LastHealthCheck = time.Now()
	health.ConsecutiveErrors++
	if err != nil {
		health.LastErrorMessage = err.Error()
	}

	newState := health.State
	switch {
	case health.ConsecutiveErrors >= t.config.UnavailableThreshold:
		newState = StateUnavailable
	case health.ConsecutiveErrors >= t.config.ErrorThreshold:
		newState = StateDegraded
	}

	if newState != health.State {
		t.transition(health, newState, err)
	}
}

// MarkUnavailable pins a component as unavailable. Used for terminal
// failures such as a disk tier that could not be opened.
func (t *Tracker) MarkUnavailable(component string, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}

	health.Pinned = true
	health.LastHealthCheck = time.Now()
	if err != nil {
		health.LastErrorMessage = err.Error()
	}
	if health.State != StateUnavailable {
		t.transition(health, StateUnavailable, err)
	}
}

// Reset clears a component's error history and pin.
func (t *Tracker) Reset(component string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	health, exists := t.components[component]
	if !exists {
		return
	}
	health.Pinned = false
	if health.State != StateHealthy {
		t.transition(health, StateHealthy, nil)
	}
	health.ConsecutiveErrors = 0
	health.LastErrorMessage = ""
}

// GetState returns the current health state of a component
func (t *Tracker) GetState(component string) HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if health, exists := t.components[component]; exists {
		return health.State
	}
	return StateUnavailable
}

// GetComponentHealth returns a copy of the health information for a component
func (t *Tracker) GetComponentHealth(component string) (ComponentHealth, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	health, exists := t.components[component]
	if !exists {
		return ComponentHealth{}, fmt.Errorf("component %s not registered", component)
	}
	return *health, nil
}

// GetAllComponents returns health information for all registered components
func (t *Tracker) GetAllComponents() map[string]ComponentHealth {
	t.mu.RLock()
	defer t.mu.RUnlock()

	result := make(map[string]ComponentHealth, len(t.components))
	for name, health := range t.components {
		result[name] = *health
	}
	return result
}

// GetOverallHealth returns the worst state across all components
func (t *Tracker) GetOverallHealth() HealthState {
	t.mu.RLock()
	defer t.mu.RUnlock()

	overall := StateHealthy
	for _, health := range t.components {
		if health.State > overall {
			overall = health.State
		}
	}
	return overall
}

// IsHealthy returns true if the component is in a healthy state
func (t *Tracker) IsHealthy(component string) bool {
	return t.GetState(component) == StateHealthy
}

// AddStateChangeCallback registers a callback for state changes. Callbacks
// run on their own goroutine.
func (t *Tracker) AddStateChangeCallback(callback StateChangeCallback) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.callbacks = append(t.callbacks, callback)
}

// transition must be called with the lock held.
func (t *Tracker) transition(health *ComponentHealth, newState HealthState, err error) {
	oldState := health.State
	health.State = newState
	health.LastStateChange = time.Now()

	if newState == StateHealthy {
		health.ConsecutiveErrors = 0
		health.LastErrorMessage = ""
	}

	for _, callback := range t.callbacks {
		go callback(health.Name, oldState, newState, err)
	}
}

// IsTerminal reports whether err means the component should stop being used.
func IsTerminal(err error) bool {
	var cacheErr *errors.CacheError
	if !stderr.As(err, &cacheErr) {
		return false
	}
	return cacheErr.Code == errors.ErrCodeInitFailed || cacheErr.Code == errors.ErrCodeComponentStopped
}
