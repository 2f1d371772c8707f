package types

import (
	"image"
	"time"
)

// ImageStore is the read/write surface shared by both cache tiers.
type ImageStore interface {
	Get(key string) (image.Image, bool)
	Remove(key string) error
	Size() int64
	Len() int
	Stats() CacheStats
}

// MetricsCollector receives cache events. Implementations must be safe for
// concurrent use.
type MetricsCollector interface {
	RecordOperation(operation string, duration time.Duration, size int64, success bool)
	RecordCacheHit(tier string)
	RecordCacheMiss()
	RecordEviction(tier string)
	UpdateTierSize(tier string, bytes int64, entries int)
	RecordInitState(state string)
}

// HealthRecorder receives per-component success and failure signals.
type HealthRecorder interface {
	RecordSuccess(component string)
	RecordError(component string, err error)
	MarkUnavailable(component string, err error)
}
