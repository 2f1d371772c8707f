package cache

import (
	"context"
	stderr "errors"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/objectfs/imagecache/pkg/errors"
	"github.com/objectfs/imagecache/pkg/types"
	"github.com/objectfs/imagecache/pkg/utils"
)

// ImageCacheConfig represents two-tier cache configuration
type ImageCacheConfig struct {
	Memory MemoryCacheConfig `yaml:"memory"`
	Disk   DiskCacheConfig   `yaml:"disk"`

	// InitTimeout bounds how long a lookup waits for disk initialization.
	// Zero waits until initialization settles.
	InitTimeout time.Duration `yaml:"init_timeout"`

	// PromoteDiskHits copies disk hits into the memory tier.
	PromoteDiskHits bool `yaml:"promote_disk_hits"`

	Logger  *slog.Logger           `yaml:"-"`
	Metrics types.MetricsCollector `yaml:"-"`
	Health  types.HealthRecorder   `yaml:"-"`
}

// ImageCacheStats reports both tiers and the disk readiness state
type ImageCacheStats struct {
	State     ReadinessState    `json:"state"`
	InitError string            `json:"init_error,omitempty"`
	Memory    types.CacheStats  `json:"memory"`
	Disk      *types.CacheStats `json:"disk,omitempty"`
}

// ImageCache coordinates a memory tier and a lazily opened disk tier.
// Lookups try memory first. Writes go to both tiers. The disk tier is opened
// on a background goroutine by Initialize; until it settles, disk-bound
// lookups and writes wait for it.
type ImageCache struct {
	config  ImageCacheConfig
	memory  *MemoryCache
	logger  *slog.Logger
	metrics types.MetricsCollector
	health  types.HealthRecorder

	state atomic.Int32
	ready chan struct{} // closed once state leaves StateInitializing

	// diskMu guards disk, initErr and closed. It is read-held around every
	// disk operation and write-held to publish, replace or close the tier.
	diskMu  sync.RWMutex
	disk    *DiskCache
	initErr error
	closed  bool

	lookups singleflight.Group
}

// NewImageCache creates a coordinator with an empty memory tier. The disk
// tier stays uninitialized until Initialize is called.
func NewImageCache(config *ImageCacheConfig) *ImageCache {
	if config == nil {
		config = &ImageCacheConfig{}
	}
	cfg := *config

	logger := cfg.Logger
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	if cfg.Memory.Metrics == nil {
		cfg.Memory.Metrics = cfg.Metrics
	}

	c := &ImageCache{
		config:  cfg,
		memory:  NewMemoryCache(&cfg.Memory),
		logger:  logger.With("component", "image_cache"),
		metrics: cfg.Metrics,
		health:  cfg.Health,
		ready:   make(chan struct{}),
	}
	c.recordState(StateUninitialized)
	return c
}

// Initialize starts opening the disk tier in directory (or the configured
// directory when empty) on a background goroutine. Only the first call has
// any effect.
func (c *ImageCache) Initialize(directory string) {
	if !c.state.CompareAndSwap(int32(StateUninitialized), int32(StateInitializing)) {
		return
	}
	c.recordState(StateInitializing)

	diskConfig := c.diskConfig(directory)
	go c.initDisk(diskConfig)
}

func (c *ImageCache) diskConfig(directory string) DiskCacheConfig {
	cfg := c.config.Disk
	if directory != "" {
		cfg.Directory = directory
	}
	cfg.Logger = c.logger
	if cfg.Metrics == nil {
		cfg.Metrics = c.metrics
	}
	return cfg
}

func (c *ImageCache) initDisk(config DiskCacheConfig) {
	start := time.Now()
	disk, err := OpenDiskCache(&config)

	c.diskMu.Lock()
	if err != nil {
		c.initErr = err
		c.state.Store(int32(StateFailed))
	} else {
		c.disk = disk
		c.state.Store(int32(StateReady))
	}
	c.diskMu.Unlock()
	close(c.ready)

	if err != nil {
		c.logger.Error("disk tier unavailable, continuing memory-only",
			"directory", config.Directory, "error", err)
		c.recordState(StateFailed)
		if c.health != nil {
			c.health.MarkUnavailable(types.TierDisk, err)
		}
		return
	}

	c.logger.Info("disk tier ready", "directory", config.Directory, "duration", time.Since(start))
	c.recordState(StateReady)
	if c.health != nil {
		c.health.RecordSuccess(types.TierDisk)
	}
	if c.metrics != nil {
		c.metrics.UpdateTierSize(types.TierDisk, disk.Size(), disk.Len())
	}
}

// State returns the current readiness state
func (c *ImageCache) State() ReadinessState {
	return ReadinessState(c.state.Load())
}

// Ready returns a channel closed once initialization has settled
func (c *ImageCache) Ready() <-chan struct{} {
	return c.ready
}

// InitError returns the initialization failure, if any
func (c *ImageCache) InitError() error {
	c.diskMu.RLock()
	defer c.diskMu.RUnlock()
	return c.initErr
}

// WaitReady blocks until initialization settles, ctx ends or InitTimeout
// elapses. It returns the initialization error when the disk tier failed.
func (c *ImageCache) WaitReady(ctx context.Context) error {
	if c.State() == StateUninitialized {
		return errors.NewError(errors.ErrCodeNotInitialized, "disk tier initialization has not been started").
			WithComponent("disk")
	}

	if c.config.InitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.InitTimeout)
		defer cancel()
	}

	select {
	case <-c.ready:
		return c.InitError()
	case <-ctx.Done():
		code := errors.ErrCodeOperationCanceled
		if stderr.Is(ctx.Err(), context.DeadlineExceeded) {
			code = errors.ErrCodeOperationTimeout
		}
		return errors.NewError(code, "gave up waiting for disk tier").
			WithComponent("disk").
			WithCause(ctx.Err())
	}
}

// awaitReady waits only while initialization is in flight and reports
// whether the disk tier can be used.
func (c *ImageCache) awaitReady(ctx context.Context) (bool, error) {
	switch c.State() {
	case StateReady:
		return true, nil
	case StateInitializing:
		if err := c.WaitReady(ctx); err != nil {
			if errors.HasCode(err, errors.ErrCodeInitFailed) {
				return false, nil
			}
			return false, err
		}
		return c.State() == StateReady, nil
	default:
		return false, nil
	}
}

// withDisk runs fn with the disk tier read-locked.
func (c *ImageCache) withDisk(fn func(*DiskCache) error) error {
	c.diskMu.RLock()
	defer c.diskMu.RUnlock()

	if c.disk == nil || c.closed {
		return stoppedError("access")
	}
	return fn(c.disk)
}

// withOpenDisk is withDisk for operations that have nothing to do once the
// disk tier has failed. A closed coordinator still reports
// ErrCodeComponentStopped.
func (c *ImageCache) withOpenDisk(fn func(*DiskCache) error) error {
	c.diskMu.RLock()
	defer c.diskMu.RUnlock()

	if c.closed {
		return stoppedError("access")
	}
	if c.disk == nil {
		return nil
	}
	return fn(c.disk)
}

// Get looks up key in memory, then on disk.
func (c *ImageCache) Get(key string) (image.Image, bool) {
	return c.GetContext(context.Background(), key)
}

// GetContext is Get with a context bounding the wait for disk
// initialization. Concurrent disk lookups of the same key share one read.
func (c *ImageCache) GetContext(ctx context.Context, key string) (image.Image, bool) {
	start := time.Now()

	if img, ok := c.memory.Get(key); ok {
		c.recordLookup(types.TierMemory, start)
		return img, true
	}

	usable, err := c.awaitReady(ctx)
	if err != nil {
		c.logger.Debug("disk lookup skipped", "key", key, "error", err)
	}
	if !usable {
		c.recordLookup("", start)
		return nil, false
	}

	v, _, _ := c.lookups.Do(key, func() (interface{}, error) {
		var img image.Image
		err := c.withDisk(func(disk *DiskCache) error {
			if found, ok := disk.Get(key); ok {
				img = found
			}
			return nil
		})
		return img, err
	})

	img, _ := v.(image.Image)
	if img == nil {
		c.recordLookup("", start)
		return nil, false
	}

	if c.config.PromoteDiskHits {
		c.memory.Put(key, img)
	}
	c.recordLookup(types.TierDisk, start)
	return img, true
}

// Put stores img in memory and, once the disk tier is ready, on disk encoded
// with format at quality (0-100). A disk failure is returned without undoing
// the memory write. When the disk tier is uninitialized or failed, only
// memory is written and Put returns nil.
func (c *ImageCache) Put(key string, img image.Image, format CompressFormat, quality int) error {
	return c.PutContext(context.Background(), key, img, format, quality)
}

// PutContext is Put with a context bounding the wait for disk initialization.
func (c *ImageCache) PutContext(ctx context.Context, key string, img image.Image, format CompressFormat, quality int) error {
	start := time.Now()

	if err := validatePut(key, img, quality); err != nil {
		return err
	}

	c.memory.Put(key, img)
	if c.metrics != nil {
		c.metrics.UpdateTierSize(types.TierMemory, c.memory.Size()*1024, c.memory.Len())
	}

	usable, err := c.awaitReady(ctx)
	if err != nil {
		c.recordOperation("put", start, 0, err)
		return err
	}
	if !usable {
		c.recordOperation("put", start, 0, nil)
		return nil
	}

	err = c.withDisk(func(disk *DiskCache) error {
		return disk.Put(key, img, format, quality)
	})
	c.recordDiskResult(err)
	c.recordOperation("put", start, ImageCost(img)*1024, err)
	if err != nil {
		c.logger.Warn("disk write failed", "key", key, "error", err)
	}
	return err
}

// PutWithMimeType is Put with the format derived from an image/* media type.
func (c *ImageCache) PutWithMimeType(key string, img image.Image, mimeType string, quality int) error {
	format, err := ParseMimeType(mimeType)
	if err != nil {
		return err
	}
	return c.Put(key, img, format, quality)
}

// PutDefault is Put as JPEG at DefaultQuality.
func (c *ImageCache) PutDefault(key string, img image.Image) error {
	return c.Put(key, img, FormatJPEG, DefaultQuality)
}

func validatePut(key string, img image.Image, quality int) error {
	if key == "" {
		return errors.NewError(errors.ErrCodeInvalidArgument, "key is empty")
	}
	if img == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "image is nil")
	}
	return validateQuality(quality)
}

// Remove drops key from memory and, when the disk tier is ready, from disk.
// It never waits for initialization.
func (c *ImageCache) Remove(key string) error {
	start := time.Now()
	_ = c.memory.Remove(key)

	if c.State() != StateReady {
		c.recordOperation("remove", start, 0, nil)
		return nil
	}

	// A Clear that failed to reopen the tier may have run since the check.
	err := c.withOpenDisk(func(disk *DiskCache) error {
		return disk.Remove(key)
	})
	c.recordDiskResult(err)
	c.recordOperation("remove", start, 0, err)
	return err
}

// Clear empties the memory tier and, when the disk tier is ready, deletes its
// directory and reopens an empty disk tier in its place. If reopening fails
// the coordinator continues memory-only.
func (c *ImageCache) Clear() error {
	start := time.Now()
	c.memory.EvictAll()

	if c.State() != StateReady {
		c.recordOperation("clear", start, 0, nil)
		return nil
	}

	c.diskMu.Lock()
	defer c.diskMu.Unlock()

	if c.closed {
		return stoppedError("clear")
	}
	if c.disk == nil {
		c.recordOperation("clear", start, 0, nil)
		return nil
	}

	deleteErr := c.disk.Delete()
	config := c.disk.config

	fresh, openErr := OpenDiskCache(&config)
	if openErr != nil {
		c.disk = nil
		c.initErr = openErr
		c.state.Store(int32(StateFailed))
		c.recordState(StateFailed)
		c.logger.Error("failed to reopen disk tier after clear, continuing memory-only", "error", openErr)
		if c.health != nil {
			c.health.MarkUnavailable(types.TierDisk, openErr)
		}
		c.recordOperation("clear", start, 0, openErr)
		return openErr
	}

	c.disk = fresh
	c.recordDiskResult(deleteErr)
	c.recordOperation("clear", start, 0, deleteErr)
	if c.metrics != nil {
		c.metrics.UpdateTierSize(types.TierMemory, 0, 0)
		c.metrics.UpdateTierSize(types.TierDisk, 0, 0)
	}
	return deleteErr
}

// Close waits for in-flight initialization and closes the disk tier. The
// memory tier keeps serving.
func (c *ImageCache) Close() error {
	if c.State() == StateInitializing {
		<-c.ready
	}

	c.diskMu.Lock()
	defer c.diskMu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	if c.disk == nil {
		return nil
	}
	return c.disk.Close()
}

// Memory returns the memory tier
func (c *ImageCache) Memory() *MemoryCache {
	return c.memory
}

// Stats returns statistics for both tiers
func (c *ImageCache) Stats() ImageCacheStats {
	stats := ImageCacheStats{
		State:  c.State(),
		Memory: c.memory.Stats(),
	}

	c.diskMu.RLock()
	defer c.diskMu.RUnlock()

	if c.initErr != nil {
		stats.InitError = c.initErr.Error()
	}
	if c.disk != nil && !c.closed {
		diskStats := c.disk.Stats()
		stats.Disk = &diskStats
	}
	return stats
}

func (c *ImageCache) recordLookup(tier string, start time.Time) {
	if c.metrics == nil {
		return
	}
	if tier == "" {
		c.metrics.RecordCacheMiss()
	} else {
		c.metrics.RecordCacheHit(tier)
	}
	c.metrics.RecordOperation("get", time.Since(start), 0, tier != "")
}

func (c *ImageCache) recordOperation(operation string, start time.Time, size int64, err error) {
	if c.metrics != nil {
		c.metrics.RecordOperation(operation, time.Since(start), size, err == nil)
	}
}

func (c *ImageCache) recordDiskResult(err error) {
	if c.health == nil {
		return
	}
	if err != nil {
		c.health.RecordError(types.TierDisk, err)
	} else {
		c.health.RecordSuccess(types.TierDisk)
	}
}

func (c *ImageCache) recordState(state ReadinessState) {
	if c.metrics != nil {
		c.metrics.RecordInitState(state.String())
	}
}
