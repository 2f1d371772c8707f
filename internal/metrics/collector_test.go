package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecache/pkg/types"
)

var _ types.MetricsCollector = (*Collector)(nil)

func newTestCollector(t *testing.T) *Collector {
	t.Helper()
	c, err := NewCollector(&Config{Enabled: true, Namespace: "test"})
	require.NoError(t, err)
	return c
}

func TestNewCollector(t *testing.T) {
	t.Parallel()

	t.Run("nil config uses defaults", func(t *testing.T) {
		c, err := NewCollector(nil)
		require.NoError(t, err)
		assert.Equal(t, "imagecache", c.config.Namespace)
		assert.NotNil(t, c.Registry())
	})

	t.Run("disabled collector is a no-op", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: false})
		require.NoError(t, err)
		assert.Nil(t, c.Registry())

		c.RecordOperation("get", time.Millisecond, 0, true)
		c.RecordCacheHit(types.TierMemory)
		c.RecordCacheMiss()
		c.RecordEviction(types.TierDisk)
		c.UpdateTierSize(types.TierDisk, 1, 1)
		c.RecordInitState("ready")

		rec := httptest.NewRecorder()
		c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})

	t.Run("custom labels", func(t *testing.T) {
		c, err := NewCollector(&Config{Enabled: true, Namespace: "x", Labels: map[string]string{"service": "thumbs"}})
		require.NoError(t, err)
		c.RecordCacheMiss()

		expected := `
# HELP x_cache_requests_total Total number of cache lookups by result and serving tier
# TYPE x_cache_requests_total counter
x_cache_requests_total{service="thumbs",tier="none",type="miss"} 1
`
		assert.NoError(t, testutil.CollectAndCompare(c.cacheRequests, strings.NewReader(expected)))
	})
}

func TestCollector_RecordOperation(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordOperation("put", 2*time.Millisecond, 4096, true)
	c.RecordOperation("put", 4*time.Millisecond, 0, false)
	c.RecordOperation("remove", time.Millisecond, 0, true)

	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("put", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("put", "error")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("remove", "success")))
	assert.Equal(t, 2, testutil.CollectAndCount(c.operationDuration))
	assert.Equal(t, 1, testutil.CollectAndCount(c.operationSize))

	ops := c.GetMetrics()["operations"].(map[string]OperationMetrics)
	put := ops["put"]
	assert.Equal(t, int64(2), put.Count)
	assert.Equal(t, int64(1), put.Errors)
	assert.Equal(t, 3*time.Millisecond, put.AvgDuration)
	assert.InDelta(t, 2048.0, put.AvgSize, 1e-9)

	c.ResetMetrics()
	assert.Empty(t, c.GetMetrics()["operations"])
}

func TestCollector_CacheEvents(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordCacheHit(types.TierMemory)
	c.RecordCacheHit(types.TierMemory)
	c.RecordCacheHit(types.TierDisk)
	c.RecordCacheMiss()
	c.RecordEviction(types.TierDisk)
	c.UpdateTierSize(types.TierMemory, 8192, 2)

	assert.Equal(t, 2.0, testutil.ToFloat64(c.cacheRequests.WithLabelValues("hit", types.TierMemory)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheRequests.WithLabelValues("hit", types.TierDisk)))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.cacheRequests.WithLabelValues("miss", "none")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.evictions.WithLabelValues(types.TierDisk)))
	assert.Equal(t, 8192.0, testutil.ToFloat64(c.tierSizeGauge.WithLabelValues(types.TierMemory)))
	assert.Equal(t, 2.0, testutil.ToFloat64(c.tierEntriesGauge.WithLabelValues(types.TierMemory)))
}

func TestCollector_RecordInitState(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	c.RecordInitState("initializing")
	c.RecordInitState("ready")

	assert.Equal(t, 1.0, testutil.ToFloat64(c.initStateGauge.WithLabelValues("ready")))
	assert.Equal(t, 0.0, testutil.ToFloat64(c.initStateGauge.WithLabelValues("initializing")))
	assert.Equal(t, len(initStates), testutil.CollectAndCount(c.initStateGauge))
}

func TestCollector_Handler(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)
	c.RecordCacheHit(types.TierDisk)

	srv := httptest.NewServer(c.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `test_cache_requests_total{tier="disk",type="hit"} 1`)
}

func TestCollector_Concurrent(t *testing.T) {
	t.Parallel()
	c := newTestCollector(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.RecordOperation("get", time.Microsecond, 0, true)
				c.RecordCacheMiss()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1000.0, testutil.ToFloat64(c.operationCounter.WithLabelValues("get", "success")))
	assert.Equal(t, int64(1000), c.GetMetrics()["operations"].(map[string]OperationMetrics)["get"].Count)
}
