/*
Package metrics exports image cache metrics to Prometheus.

Collector implements types.MetricsCollector on a private registry, so several
caches in one process do not collide:

	collector, err := metrics.NewCollector(&metrics.Config{
		Enabled:   true,
		Namespace: "imagecache",
	})
	if err != nil {
		return err
	}

	c := cache.NewImageCache(&cache.ImageCacheConfig{Metrics: collector})
	http.Handle("/metrics", collector.Handler())

# Exported Series

	imagecache_operations_total{operation,status}
	imagecache_operation_duration_seconds{operation}
	imagecache_operation_size_bytes{operation}
	imagecache_cache_requests_total{type="hit|miss",tier}
	imagecache_evictions_total{tier}
	imagecache_tier_size_bytes{tier}
	imagecache_tier_entries{tier}
	imagecache_disk_init_state{state}

The tier label is "memory" or "disk"; misses use "none". disk_init_state
has one series per readiness state and only the current one is 1.

Besides the Prometheus series, GetMetrics returns running per-operation
counts, error counts and averages since the last ResetMetrics.
*/
package metrics
