package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/objectfs/imagecache/internal/cache"
	"github.com/objectfs/imagecache/internal/config"
	"github.com/objectfs/imagecache/internal/loader"
	"github.com/objectfs/imagecache/internal/metrics"
	"github.com/objectfs/imagecache/pkg/api"
	"github.com/objectfs/imagecache/pkg/health"
	"github.com/objectfs/imagecache/pkg/types"
	"github.com/objectfs/imagecache/pkg/utils"
)

const usage = `Usage: imagecache <command> [options]

Commands:
  serve   run the HTTP API over a memory and disk image cache
  warm    decode every image of a source directory into the disk cache
  stats   print entry count and size of an on-disk cache

Configuration is merged in this order: defaults, -config file,
IMAGECACHE_* environment variables, command line flags.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(os.Args[2:])
	case "warm":
		err = runWarm(os.Args[2:])
	case "stats":
		err = runStats(os.Args[2:], os.Stdout)
	case "-h", "--help", "help":
		fmt.Fprint(os.Stdout, usage)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", os.Args[1], usage)
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "imagecache %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	dir        string
	logLevel   string
}

func (f *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "path to a YAML configuration file")
	fs.StringVar(&f.dir, "dir", "", "disk cache directory (overrides cache.disk.directory)")
	fs.StringVar(&f.logLevel, "log-level", "", "log level: DEBUG, INFO, WARN or ERROR")
}

// load merges defaults, the config file, the environment and flags.
func (f *commonFlags) load() (*config.Configuration, error) {
	cfg := config.NewDefault()
	if f.configPath != "" {
		if err := cfg.LoadFromFile(f.configPath); err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}
	if f.dir != "" {
		cfg.Cache.Disk.Directory = f.dir
	}
	if f.logLevel != "" {
		cfg.Global.LogLevel = f.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// app holds the components shared by serve and warm.
type app struct {
	cfg       *config.Configuration
	logger    *slog.Logger
	logCloser io.Closer
	collector *metrics.Collector
	tracker   *health.Tracker
	cache     *cache.ImageCache
}

func newApp(cfg *config.Configuration) (*app, error) {
	logger, closer, err := utils.NewLogger(cfg.LoggingConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	collector, err := metrics.NewCollector(cfg.MetricsConfig())
	if err != nil {
		_ = closer.Close()
		return nil, err
	}

	tracker := health.NewTracker(cfg.HealthConfig())
	tracker.RegisterComponent(types.TierMemory)
	tracker.RegisterComponent(types.TierDisk)
	tracker.AddStateChangeCallback(func(component string, oldState, newState health.HealthState, err error) {
		logger.Warn("component health changed",
			"component", component,
			"from", oldState.String(),
			"to", newState.String(),
			"error", err)
	})

	cacheConfig := cfg.ImageCacheConfig()
	cacheConfig.Logger = logger
	cacheConfig.Metrics = collector
	cacheConfig.Health = tracker

	return &app{
		cfg:       cfg,
		logger:    logger,
		logCloser: closer,
		collector: collector,
		tracker:   tracker,
		cache:     cache.NewImageCache(&cacheConfig),
	}, nil
}

func (a *app) close() {
	if err := a.cache.Close(); err != nil {
		a.logger.Error("failed to close cache", "error", err)
	}
	_ = a.logCloser.Close()
}

func (a *app) newLoader() (*loader.Loader, error) {
	if a.cfg.Loader.SourceDir == "" {
		return nil, nil
	}
	source, err := loader.NewDirSource(a.cfg.Loader.SourceDir)
	if err != nil {
		return nil, err
	}
	lc := a.cfg.LoaderConfig()
	lc.Logger = a.logger
	return loader.New(a.cache, source, lc), nil
}

func runServe(args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	common.register(fs)
	address := fs.String("address", "", "listen address (overrides server.address)")
	warm := fs.Bool("warm", false, "warm the cache from loader.source_dir before serving")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *address != "" {
		cfg.Server.Address = *address
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// The API serves from memory while the disk tier opens.
	a.cache.Initialize("")

	if *warm {
		l, err := a.newLoader()
		if err != nil {
			return err
		}
		if l != nil {
			go func() {
				if _, err := warmAll(ctx, l, a.cfg.Loader.SourceDir, a.cfg.Loader.Concurrency); err != nil {
					a.logger.Warn("cache warm-up stopped", "error", err)
				}
			}()
		}
	}

	var metricsHandler = a.collector.Handler()
	if !cfg.Monitoring.Metrics.Enabled {
		metricsHandler = nil
	}
	server := api.NewServer(cfg.ServerConfig(), a.cache, a.tracker, metricsHandler, a.logger)
	server.StartBackground()

	<-ctx.Done()
	a.logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

func runWarm(args []string) error {
	var common commonFlags
	fs := flag.NewFlagSet("warm", flag.ExitOnError)
	common.register(fs)
	source := fs.String("source", "", "source image directory (overrides loader.source_dir)")
	concurrency := fs.Int("concurrency", 0, "decode concurrency (overrides loader.concurrency)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}
	if *source != "" {
		cfg.Loader.SourceDir = *source
	}
	if *concurrency > 0 {
		cfg.Loader.Concurrency = *concurrency
	}
	if cfg.Loader.SourceDir == "" {
		return fmt.Errorf("a source directory is required (-source or loader.source_dir)")
	}

	a, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.cache.Initialize("")
	if err := a.cache.WaitReady(ctx); err != nil {
		return fmt.Errorf("disk cache unavailable: %w", err)
	}

	l, err := a.newLoader()
	if err != nil {
		return err
	}

	start := time.Now()
	result, err := warmAll(ctx, l, cfg.Loader.SourceDir, cfg.Loader.Concurrency)
	if err != nil {
		return err
	}

	stats := a.cache.Stats()
	a.logger.Info("cache warm-up complete",
		"loaded", result.Loaded,
		"failed", result.Failed,
		"duration", time.Since(start),
		"disk_entries", stats.Disk.Entries,
		"disk_size", utils.FormatBytes(stats.Disk.Size))
	return nil
}

func warmAll(ctx context.Context, l *loader.Loader, sourceDir string, concurrency int) (loader.WarmResult, error) {
	source, err := loader.NewDirSource(sourceDir)
	if err != nil {
		return loader.WarmResult{}, err
	}
	ids, err := source.List()
	if err != nil {
		return loader.WarmResult{}, err
	}
	return l.Warm(ctx, ids, concurrency)
}

func runStats(args []string, out io.Writer) error {
	var common commonFlags
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	common.register(fs)
	asJSON := fs.Bool("json", false, "print statistics as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load()
	if err != nil {
		return err
	}

	diskConfig := cfg.ImageCacheConfig().Disk
	disk, err := cache.OpenDiskCache(&diskConfig)
	if err != nil {
		return err
	}
	defer func() { _ = disk.Close() }()

	stats := disk.Stats()
	if *asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	fmt.Fprintf(out, "directory: %s\n", disk.Directory())
	fmt.Fprintf(out, "entries:   %d\n", stats.Entries)
	fmt.Fprintf(out, "size:      %s of %s (%.1f%%)\n",
		utils.FormatBytes(stats.Size), utils.FormatBytes(stats.Capacity), stats.Utilization*100)
	return nil
}
