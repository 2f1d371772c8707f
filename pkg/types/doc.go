/*
Package types holds the statistics structure and the small interfaces that
connect the cache tiers to metrics and health reporting.

Both MemoryCache and DiskCache satisfy ImageStore. The metrics collector and
the health tracker satisfy MetricsCollector and HealthRecorder, which lets the
cache package report events without importing either of them.
*/
package types
