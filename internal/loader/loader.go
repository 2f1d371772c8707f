// Package loader decodes source images at a size suited to the caller and
// keeps the results in an ImageCache.
package loader

import (
	"context"
	stderr "errors"
	"image"
	_ "image/gif" // register GIF sources
	"io"
	"log/slog"
	"math/bits"
	"sync/atomic"
	"time"

	_ "golang.org/x/image/bmp" // register BMP sources
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp" // register WebP sources
	"golang.org/x/sync/errgroup"

	"github.com/objectfs/imagecache/internal/cache"
	"github.com/objectfs/imagecache/internal/circuit"
	"github.com/objectfs/imagecache/pkg/errors"
	"github.com/objectfs/imagecache/pkg/retry"
	"github.com/objectfs/imagecache/pkg/utils"
)

const (
	// DefaultMaxSampleSize stops the downsampling retry loop.
	DefaultMaxSampleSize = 20

	// DefaultMaxDecodeBytes bounds the RGBA size of a decoded image.
	DefaultMaxDecodeBytes = 64 << 20

	// DefaultConcurrency is the Warm worker count.
	DefaultConcurrency = 4

	// storeQuality is the quality decoded images are cached at.
	storeQuality = 100
)

// Config represents loader configuration
type Config struct {
	// MaxDecodeBytes is the largest decoded image, at 4 bytes per pixel,
	// the loader will produce. Larger results fail with ErrCodeOutOfMemory
	// and are retried at twice the sample size.
	MaxDecodeBytes int64 `yaml:"max_decode_bytes"`

	// MaxSampleSize ends the retry loop once the sample size reaches it.
	MaxSampleSize int `yaml:"max_sample_size"`

	Concurrency int          `yaml:"concurrency"`
	Retry       retry.Config `yaml:"retry"`

	// Breaker suspends source reads after repeated IO failures. Missing
	// sources and invalid ids do not count as failures.
	Breaker circuit.Config `yaml:"breaker"`

	Logger *slog.Logger `yaml:"-"`
}

// DefaultConfig returns loader defaults
func DefaultConfig() Config {
	rc := retry.DefaultConfig()
	rc.InitialDelay = time.Millisecond
	rc.MaxDelay = 50 * time.Millisecond
	return Config{
		MaxDecodeBytes: DefaultMaxDecodeBytes,
		MaxSampleSize:  DefaultMaxSampleSize,
		Concurrency:    DefaultConcurrency,
		Retry:          rc,
		Breaker:        circuit.DefaultConfig(),
	}
}

// Loader decodes images from a Source through an ImageCache.
type Loader struct {
	cache   *cache.ImageCache
	source  Source
	config  Config
	logger  *slog.Logger
	retryer *retry.Retryer
	breaker *circuit.Breaker
}

// WarmResult summarizes a Warm run
type WarmResult struct {
	Loaded int64 `json:"loaded"`
	Failed int64 `json:"failed"`
}

// New creates a loader. Zero config fields take their defaults.
func New(c *cache.ImageCache, source Source, config Config) *Loader {
	defaults := DefaultConfig()
	if config.MaxDecodeBytes <= 0 {
		config.MaxDecodeBytes = defaults.MaxDecodeBytes
	}
	if config.MaxSampleSize <= 0 {
		config.MaxSampleSize = defaults.MaxSampleSize
	}
	if config.Concurrency <= 0 {
		config.Concurrency = defaults.Concurrency
	}
	if config.Retry.MaxAttempts <= 0 {
		config.Retry = defaults.Retry
	}

	logger := config.Logger
	if logger == nil {
		logger = utils.DiscardLogger()
	}
	logger = logger.With("component", "loader")

	// Only errors flagged retryable are retried; the sample size loop clears
	// the flag once it gives up.
	rc := config.Retry
	rc.RetryableErrors = nil
	rc.OnRetry = func(attempt int, err error, delay time.Duration) {
		logger.Debug("retrying decode", "attempt", attempt, "delay", delay, "error", err)
	}

	bc := config.Breaker
	bc.IsFailure = isSourceFailure
	bc.OnStateChange = func(name string, from, to circuit.State) {
		logger.Warn("source breaker changed state", "breaker", name, "from", from.String(), "to", to.String())
	}

	return &Loader{
		cache:   c,
		source:  source,
		config:  config,
		logger:  logger,
		retryer: retry.New(rc),
		breaker: circuit.New("source", bc),
	}
}

// CalculateSampleSize returns the largest power of two that keeps both
// halved dimensions larger than the requested ones. It is 1 when nothing is
// requested or the image already fits.
func CalculateSampleSize(width, height, reqWidth, reqHeight int) int {
	sample := 1
	if (reqWidth > 0 || reqHeight > 0) && (height > reqHeight || width > reqWidth) {
		halfWidth, halfHeight := width/2, height/2
		for halfHeight/sample > reqHeight && halfWidth/sample > reqWidth {
			sample *= 2
		}
	}
	return sample
}

// Load returns the image for id, from the cache when present. Otherwise the
// source is decoded at a sample size fitting reqWidth x reqHeight (zero for
// no bound) and stored in the cache. When the decoded image would exceed
// MaxDecodeBytes, decoding is retried with the sample size doubled.
func (l *Loader) Load(ctx context.Context, id string, reqWidth, reqHeight int) (image.Image, error) {
	if img, ok := l.cache.GetContext(ctx, id); ok {
		return img, nil
	}

	width, height, err := l.dimensions(id)
	if err != nil {
		return nil, err
	}

	sample := CalculateSampleSize(width, height, reqWidth, reqHeight)

	retryer := l.retryer
	if n := sampleAttempts(sample, l.config.MaxSampleSize); n > retryer.MaxAttempts() {
		retryer = retryer.WithMaxAttempts(n)
	}

	var (
		img    image.Image
		format string
	)
	err = retryer.DoWithContext(ctx, func(ctx context.Context) error {
		var decodeErr error
		img, format, decodeErr = l.decode(id, width, height, sample)
		if !errors.HasCode(decodeErr, errors.ErrCodeOutOfMemory) {
			return decodeErr
		}
		sample *= 2
		if sample >= l.config.MaxSampleSize {
			var cacheErr *errors.CacheError
			if stderr.As(decodeErr, &cacheErr) {
				cacheErr.Retryable = false
			}
		}
		return decodeErr
	})
	if err != nil {
		return nil, err
	}

	l.store(id, img, format)
	return img, nil
}

// sampleAttempts is the number of decodes the doubling loop makes from
// sample before reaching maxSample.
func sampleAttempts(sample, maxSample int) int {
	if sample >= maxSample {
		return 1
	}
	return bits.Len(uint((maxSample - 1) / sample))
}

// LoadWithSampleSize returns the image for id decoded at exactly sampleSize,
// without the out-of-memory retry.
func (l *Loader) LoadWithSampleSize(ctx context.Context, id string, sampleSize int) (image.Image, error) {
	if sampleSize < 1 {
		return nil, errors.Newf(errors.ErrCodeInvalidArgument, "sample size must be at least 1, got %d", sampleSize).
			WithComponent("loader")
	}
	if img, ok := l.cache.GetContext(ctx, id); ok {
		return img, nil
	}

	width, height, err := l.dimensions(id)
	if err != nil {
		return nil, err
	}

	img, format, err := l.decode(id, width, height, sampleSize)
	if err != nil {
		return nil, err
	}
	l.store(id, img, format)
	return img, nil
}

// LoadAsync runs Load on its own goroutine and calls exactly one of onLoaded
// or onFailed. Either callback may be nil.
func (l *Loader) LoadAsync(ctx context.Context, id string, reqWidth, reqHeight int,
	onLoaded func(image.Image), onFailed func(error)) {
	go func() {
		img, err := l.Load(ctx, id, reqWidth, reqHeight)
		if err != nil {
			if onFailed != nil {
				onFailed(err)
			}
			return
		}
		if onLoaded != nil {
			onLoaded(img)
		}
	}()
}

// Warm loads every id at full size with up to concurrency workers (the
// configured Concurrency when zero). Individual failures are logged and
// counted; only cancellation of ctx is returned as an error.
func (l *Loader) Warm(ctx context.Context, ids []string, concurrency int) (WarmResult, error) {
	if concurrency <= 0 {
		concurrency = l.config.Concurrency
	}

	var loaded, failed atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)

	for _, id := range ids {
		if gctx.Err() != nil {
			break
		}
		id := id
		g.Go(func() error {
			if _, err := l.Load(gctx, id, 0, 0); err != nil {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				failed.Add(1)
				l.logger.Warn("failed to warm image", "id", id, "error", err)
				return nil
			}
			loaded.Add(1)
			return nil
		})
	}

	err := g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	result := WarmResult{Loaded: loaded.Load(), Failed: failed.Load()}
	if err != nil {
		return result, errors.NewError(errors.ErrCodeOperationCanceled, "warm-up interrupted").
			WithComponent("loader").
			WithCause(err)
	}

	l.logger.Info("warm-up finished", "loaded", result.Loaded, "failed", result.Failed)
	return result, nil
}

// dimensions reads only the image header.
func (l *Loader) dimensions(id string) (int, int, error) {
	rc, err := l.open(id)
	if err != nil {
		return 0, 0, err
	}
	defer func() { _ = rc.Close() }()

	cfg, _, err := image.DecodeConfig(rc)
	if err != nil {
		return 0, 0, decodeError(id, err)
	}
	return cfg.Width, cfg.Height, nil
}

// decode decodes id and downsamples it by sample in both dimensions.
func (l *Loader) decode(id string, width, height, sample int) (image.Image, string, error) {
	outWidth, outHeight := max(width/sample, 1), max(height/sample, 1)
	if need := int64(outWidth) * int64(outHeight) * 4; need > l.config.MaxDecodeBytes {
		return nil, "", errors.Newf(errors.ErrCodeOutOfMemory,
			"decoding %dx%d at sample size %d needs %s, budget is %s",
			width, height, sample, utils.FormatBytes(need), utils.FormatBytes(l.config.MaxDecodeBytes)).
			WithComponent("loader").
			WithOperation("decode").
			WithDetail("sample_size", sample)
	}

	rc, err := l.open(id)
	if err != nil {
		return nil, "", err
	}
	defer func() { _ = rc.Close() }()

	src, format, err := image.Decode(rc)
	if err != nil {
		return nil, "", decodeError(id, err)
	}
	if sample == 1 {
		return src, format, nil
	}

	dst := image.NewRGBA(image.Rect(0, 0, outWidth, outHeight))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	l.logger.Debug("downsampled image", "id", id, "sample_size", sample,
		"width", outWidth, "height", outHeight)
	return dst, format, nil
}

// SourceState reports the source breaker state
func (l *Loader) SourceState() circuit.State {
	return l.breaker.State()
}

func (l *Loader) open(id string) (io.ReadCloser, error) {
	var rc io.ReadCloser
	err := l.breaker.Execute(func() error {
		var err error
		rc, err = l.source.Open(id)
		return err
	})
	return rc, err
}

func isSourceFailure(err error) bool {
	return err != nil &&
		!errors.HasCode(err, errors.ErrCodeSourceNotFound) &&
		!errors.HasCode(err, errors.ErrCodePathInvalid)
}

func (l *Loader) store(id string, img image.Image, format string) {
	if err := l.cache.PutWithMimeType(id, img, "image/"+format, storeQuality); err != nil {
		l.logger.Warn("failed to cache decoded image", "id", id, "error", err)
	}
}

func decodeError(id string, cause error) error {
	return errors.NewError(errors.ErrCodeDecodeFailed, "failed to decode source image").
		WithComponent("loader").
		WithDetail("id", id).
		WithCause(cause)
}
