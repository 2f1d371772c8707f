package metrics

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// initStates are the values RecordInitState accepts; exactly one of them is
// set to 1 at a time.
var initStates = []string{"uninitialized", "initializing", "ready", "failed"}

// Collector records cache metrics into its own Prometheus registry.
type Collector struct {
	mu       sync.RWMutex
	config   *Config
	registry *prometheus.Registry

	// Prometheus metrics
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	operationSize     *prometheus.HistogramVec
	cacheRequests     *prometheus.CounterVec
	evictions         *prometheus.CounterVec
	tierSizeGauge     *prometheus.GaugeVec
	tierEntriesGauge  *prometheus.GaugeVec
	initStateGauge    *prometheus.GaugeVec

	// Internal tracking
	operations map[string]*OperationMetrics
	lastReset  time.Time
}

// Config represents metrics configuration
type Config struct {
	Enabled   bool              `yaml:"enabled"`
	Namespace string            `yaml:"namespace"`
	Subsystem string            `yaml:"subsystem"`
	Labels    map[string]string `yaml:"labels"`
}

// OperationMetrics tracks metrics for a specific operation type
type OperationMetrics struct {
	Count         int64         `json:"count"`
	TotalDuration time.Duration `json:"total_duration"`
	TotalSize     int64         `json:"total_size"`
	Errors        int64         `json:"errors"`
	LastOperation time.Time     `json:"last_operation"`
	AvgDuration   time.Duration `json:"avg_duration"`
	AvgSize       float64       `json:"avg_size"`
}

// NewCollector creates a new metrics collector. A disabled collector accepts
// every call and records nothing.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled:   true,
			Namespace: "imagecache",
			Labels:    make(map[string]string),
		}
	}

	if !config.Enabled {
		return &Collector{config: config}, nil
	}

	collector := &Collector{
		config:     config,
		registry:   prometheus.NewRegistry(),
		operations: make(map[string]*OperationMetrics),
		lastReset:  time.Now(),
	}

	collector.initMetrics()

	if err := collector.registerMetrics(); err != nil {
		return nil, fmt.Errorf("failed to register metrics: %w", err)
	}

	return collector, nil
}

// Registry returns the collector's registry, nil when disabled
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if !c.config.Enabled {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// RecordOperation records an operation with its metrics
func (c *Collector) RecordOperation(operation string, duration time.Duration, size int64, success bool) {
	if !c.config.Enabled {
		return
	}

	c.mu.Lock()
	metrics, exists := c.operations[operation]
	if !exists {
		metrics = &OperationMetrics{}
		c.operations[operation] = metrics
	}
	metrics.Count++
	metrics.TotalDuration += duration
	metrics.TotalSize += size
	if !success {
		metrics.Errors++
	}
	metrics.LastOperation = time.Now()
	metrics.AvgDuration = time.Duration(int64(metrics.TotalDuration) / metrics.Count)
	metrics.AvgSize = float64(metrics.TotalSize) / float64(metrics.Count)
	c.mu.Unlock()

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.WithLabelValues(operation, status).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(duration.Seconds())
	if size > 0 {
		c.operationSize.WithLabelValues(operation).Observe(float64(size))
	}
}

// RecordCacheHit records a hit served by tier
func (c *Collector) RecordCacheHit(tier string) {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("hit", tier).Inc()
}

// RecordCacheMiss records a lookup that no tier could serve
func (c *Collector) RecordCacheMiss() {
	if !c.config.Enabled {
		return
	}
	c.cacheRequests.WithLabelValues("miss", "none").Inc()
}

// RecordEviction records an entry evicted from tier
func (c *Collector) RecordEviction(tier string) {
	if !c.config.Enabled {
		return
	}
	c.evictions.WithLabelValues(tier).Inc()
}

// UpdateTierSize updates size and entry count gauges for tier
func (c *Collector) UpdateTierSize(tier string, bytes int64, entries int) {
	if !c.config.Enabled {
		return
	}
	c.tierSizeGauge.WithLabelValues(tier).Set(float64(bytes))
	c.tierEntriesGauge.WithLabelValues(tier).Set(float64(entries))
}

// RecordInitState marks state as the current disk readiness state
func (c *Collector) RecordInitState(state string) {
	if !c.config.Enabled {
		return
	}
	for _, s := range initStates {
		value := 0.0
		if s == state {
			value = 1
		}
		c.initStateGauge.WithLabelValues(s).Set(value)
	}
}

// GetMetrics returns a snapshot of the per-operation counters
func (c *Collector) GetMetrics() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	operations := make(map[string]OperationMetrics, len(c.operations))
	for k, v := range c.operations {
		operations[k] = *v
	}

	return map[string]interface{}{
		"operations": operations,
		"last_reset": c.lastReset,
		"uptime":     time.Since(c.lastReset).String(),
	}
}

// ResetMetrics resets the per-operation counters. Prometheus series are
// cumulative and are not reset.
func (c *Collector) ResetMetrics() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.operations = make(map[string]*OperationMetrics)
	c.lastReset = time.Now()
}

// Helper methods

func (c *Collector) initMetrics() {
	ns, sub, labels := c.config.Namespace, c.config.Subsystem, prometheus.Labels(c.config.Labels)

	// Operation metrics
	c.operationCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operations_total",
			Help:        "Total number of cache operations",
			ConstLabels: labels,
		},
		[]string{"operation", "status"},
	)

	c.operationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operation_duration_seconds",
			Help:        "Duration of cache operations in seconds",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 2, 16), // 100µs to ~3s
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	c.operationSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "operation_size_bytes",
			Help:        "Decoded size of images written",
			Buckets:     prometheus.ExponentialBuckets(1024, 4, 10), // 1KB to ~256MB
			ConstLabels: labels,
		},
		[]string{"operation"},
	)

	// Cache metrics
	c.cacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "cache_requests_total",
			Help:        "Total number of cache lookups by result and serving tier",
			ConstLabels: labels,
		},
		[]string{"type", "tier"},
	)

	c.evictions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "evictions_total",
			Help:        "Total number of entries evicted to stay within capacity",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.tierSizeGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tier_size_bytes",
			Help:        "Current size of each cache tier in bytes",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.tierEntriesGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "tier_entries",
			Help:        "Current number of entries in each cache tier",
			ConstLabels: labels,
		},
		[]string{"tier"},
	)

	c.initStateGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace:   ns,
			Subsystem:   sub,
			Name:        "disk_init_state",
			Help:        "Disk tier readiness state; the current state is 1",
			ConstLabels: labels,
		},
		[]string{"state"},
	)
}

func (c *Collector) registerMetrics() error {
	metrics := []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.operationSize,
		c.cacheRequests,
		c.evictions,
		c.tierSizeGauge,
		c.tierEntriesGauge,
		c.initStateGauge,
	}

	for _, metric := range metrics {
		if err := c.registry.Register(metric); err != nil {
			return err
		}
	}

	return nil
}
