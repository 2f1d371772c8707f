package types

// CacheStats represents per-tier cache statistics
type CacheStats struct {
	Hits        uint64  `json:"hits"`
	Misses      uint64  `json:"misses"`
	Evictions   uint64  `json:"evictions"`
	Entries     int     `json:"entries"`
	Size        int64   `json:"size"`
	Capacity    int64   `json:"capacity"`
	HitRate     float64 `json:"hit_rate"`
	Utilization float64 `json:"utilization"`
}

// HitRateOf returns hits / (hits + misses), or 0 when there were no lookups.
func HitRateOf(hits, misses uint64) float64 {
	if total := hits + misses; total > 0 {
		return float64(hits) / float64(total)
	}
	return 0
}

// Utilization returns size / capacity, or 0 for an unbounded tier.
func Utilization(size, capacity int64) float64 {
	if capacity <= 0 {
		return 0
	}
	return float64(size) / float64(capacity)
}

// Tier names used in stats, metrics labels and health components.
const (
	TierMemory = "memory"
	TierDisk   = "disk"
)
