package types

import (
	"image"
	"testing"
	"time"
)

// TestInterfaces verifies that the interfaces can be implemented
func TestInterfaces(t *testing.T) {
	var (
		_ ImageStore       = (*mockStore)(nil)
		_ MetricsCollector = (*mockMetricsCollector)(nil)
		_ HealthRecorder   = (*mockHealthRecorder)(nil)
	)
}

func TestHitRateOf(t *testing.T) {
	if got := HitRateOf(0, 0); got != 0 {
		t.Errorf("HitRateOf(0, 0) = %v, want 0", got)
	}
	if got := HitRateOf(3, 1); got != 0.75 {
		t.Errorf("HitRateOf(3, 1) = %v, want 0.75", got)
	}
}

func TestUtilization(t *testing.T) {
	if got := Utilization(5, 0); got != 0 {
		t.Errorf("Utilization(5, 0) = %v, want 0", got)
	}
	if got := Utilization(5, 10); got != 0.5 {
		t.Errorf("Utilization(5, 10) = %v, want 0.5", got)
	}
}

type mockStore struct{}

func (m *mockStore) Get(key string) (image.Image, bool) { return nil, false }
func (m *mockStore) Remove(key string) error            { return nil }
func (m *mockStore) Size() int64                        { return 0 }
func (m *mockStore) Len() int                           { return 0 }
func (m *mockStore) Stats() CacheStats                  { return CacheStats{} }

type mockMetricsCollector struct{}

func (m *mockMetricsCollector) RecordOperation(string, time.Duration, int64, bool) {}
func (m *mockMetricsCollector) RecordCacheHit(string)                             {}
func (m *mockMetricsCollector) RecordCacheMiss()                                  {}
func (m *mockMetricsCollector) RecordEviction(string)                             {}
func (m *mockMetricsCollector) UpdateTierSize(string, int64, int)                 {}
func (m *mockMetricsCollector) RecordInitState(string)                            {}

type mockHealthRecorder struct{}

func (m *mockHealthRecorder) RecordSuccess(string)            {}
func (m *mockHealthRecorder) RecordError(string, error)       {}
func (m *mockHealthRecorder) MarkUnavailable(string, error)   {}
