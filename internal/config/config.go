package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/objectfs/imagecache/internal/cache"
	"github.com/objectfs/imagecache/internal/circuit"
	"github.com/objectfs/imagecache/internal/loader"
	"github.com/objectfs/imagecache/internal/metrics"
	"github.com/objectfs/imagecache/pkg/api"
	"github.com/objectfs/imagecache/pkg/health"
	"github.com/objectfs/imagecache/pkg/retry"
	"github.com/objectfs/imagecache/pkg/utils"
)

// Configuration represents the complete application configuration
type Configuration struct {
	Global     GlobalConfig     `yaml:"global"`
	Cache      CacheConfig      `yaml:"cache"`
	Loader     LoaderConfig     `yaml:"loader"`
	Server     ServerConfig     `yaml:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring"`
}

// GlobalConfig represents global application settings
type GlobalConfig struct {
	LogLevel      string `yaml:"log_level"`
	LogFormat     string `yaml:"log_format"`
	LogFile       string `yaml:"log_file"`
	LogMaxSizeMB  int64  `yaml:"log_max_size_mb"`
	LogMaxBackups int    `yaml:"log_max_backups"`
	LogCompress   bool   `yaml:"log_compress"`
}

// CacheConfig represents both cache tiers
type CacheConfig struct {
	Memory          MemoryConfig  `yaml:"memory"`
	Disk            DiskConfig    `yaml:"disk"`
	InitTimeout     time.Duration `yaml:"init_timeout"`
	PromoteDiskHits bool          `yaml:"promote_disk_hits"`
}

// MemoryConfig represents memory tier settings. An empty capacity derives
// the bound from available memory.
type MemoryConfig struct {
	Capacity string `yaml:"capacity"`
}

// DiskConfig represents disk tier settings
type DiskConfig struct {
	Directory     string `yaml:"directory"`
	MaxSize       string `yaml:"max_size"`
	Compression   bool   `yaml:"compression"`
	SyncWrites    bool   `yaml:"sync_writes"`
	RepairCorrupt bool   `yaml:"repair_corrupt"`
}

// LoaderConfig represents source decoding settings
type LoaderConfig struct {
	SourceDir     string        `yaml:"source_dir"`
	MaxDecodeSize string        `yaml:"max_decode_size"`
	MaxSampleSize int           `yaml:"max_sample_size"`
	Concurrency   int           `yaml:"concurrency"`
	Retry         RetryConfig   `yaml:"retry"`
	Breaker       BreakerConfig `yaml:"breaker"`
}

// RetryConfig represents retry settings
type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

// BreakerConfig represents the source circuit breaker settings
type BreakerConfig struct {
	FailureThreshold uint32        `yaml:"failure_threshold"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ServerConfig represents HTTP API settings
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodySize     string        `yaml:"max_body_size"`
}

// MonitoringConfig represents monitoring settings
type MonitoringConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Health  HealthConfig  `yaml:"health"`
}

// MetricsConfig represents metrics settings
type MetricsConfig struct {
	Enabled      bool              `yaml:"enabled"`
	Namespace    string            `yaml:"namespace"`
	CustomLabels map[string]string `yaml:"custom_labels"`
}

// HealthConfig represents health tracking thresholds
type HealthConfig struct {
	ErrorThreshold       int `yaml:"error_threshold"`
	UnavailableThreshold int `yaml:"unavailable_threshold"`
}

// NewDefault returns a configuration with sensible defaults
func NewDefault() *Configuration {
	return &Configuration{
		Global: GlobalConfig{
			LogLevel:      "INFO",
			LogFormat:     "text",
			LogMaxSizeMB:  100,
			LogMaxBackups: 5,
			LogCompress:   true,
		},
		Cache: CacheConfig{
			Disk: DiskConfig{
				Directory:     filepath.Join(os.TempDir(), "imagecache"),
				MaxSize:       "10MB",
				RepairCorrupt: true,
			},
			InitTimeout: 30 * time.Second,
		},
		Loader: LoaderConfig{
			MaxDecodeSize: "64MB",
			MaxSampleSize: loader.DefaultMaxSampleSize,
			Concurrency:   loader.DefaultConcurrency,
			Retry: RetryConfig{
				MaxAttempts: 5,
				BaseDelay:   time.Millisecond,
				MaxDelay:    50 * time.Millisecond,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
			},
		},
		Server: ServerConfig{
			Address:         ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxBodySize:     "32MB",
		},
		Monitoring: MonitoringConfig{
			Metrics: MetricsConfig{
				Enabled:   true,
				Namespace: "imagecache",
				CustomLabels: map[string]string{
					"service": "imagecache",
				},
			},
			Health: HealthConfig{
				ErrorThreshold:       3,
				UnavailableThreshold: 10,
			},
		},
	}
}

// LoadFromFile loads configuration from a YAML file
func (c *Configuration) LoadFromFile(filename string) error {
	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// LoadFromEnv loads configuration from environment variables
func (c *Configuration) LoadFromEnv() error {
	// Global settings
	if val := os.Getenv("IMAGECACHE_LOG_LEVEL"); val != "" {
		c.Global.LogLevel = val
	}
	if val := os.Getenv("IMAGECACHE_LOG_FORMAT"); val != "" {
		c.Global.LogFormat = val
	}
	if val := os.Getenv("IMAGECACHE_LOG_FILE"); val != "" {
		c.Global.LogFile = val
	}

	// Cache settings
	if val := os.Getenv("IMAGECACHE_MEMORY_CAPACITY"); val != "" {
		c.Cache.Memory.Capacity = val
	}
	if val := os.Getenv("IMAGECACHE_DISK_DIR"); val != "" {
		c.Cache.Disk.Directory = val
	}
	if val := os.Getenv("IMAGECACHE_DISK_MAX_SIZE"); val != "" {
		c.Cache.Disk.MaxSize = val
	}
	if val := os.Getenv("IMAGECACHE_DISK_COMPRESSION"); val != "" {
		c.Cache.Disk.Compression = strings.ToLower(val) == "true"
	}
	if val := os.Getenv("IMAGECACHE_INIT_TIMEOUT"); val != "" {
		duration, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("invalid IMAGECACHE_INIT_TIMEOUT: %w", err)
		}
		c.Cache.InitTimeout = duration
	}
	if val := os.Getenv("IMAGECACHE_PROMOTE_DISK_HITS"); val != "" {
		c.Cache.PromoteDiskHits = strings.ToLower(val) == "true"
	}

	// Loader settings
	if val := os.Getenv("IMAGECACHE_SOURCE_DIR"); val != "" {
		c.Loader.SourceDir = val
	}
	if val := os.Getenv("IMAGECACHE_CONCURRENCY"); val != "" {
		if concurrency, err := strconv.Atoi(val); err == nil {
			c.Loader.Concurrency = concurrency
		}
	}

	// Server settings
	if val := os.Getenv("IMAGECACHE_ADDRESS"); val != "" {
		c.Server.Address = val
	}

	return nil
}

// SaveToFile saves the configuration to a YAML file
func (c *Configuration) SaveToFile(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(filename), 0750); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(filename, data, 0600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate validates the configuration
func (c *Configuration) Validate() error {
	if _, err := utils.ParseLogLevel(c.Global.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %s (must be one of: DEBUG, INFO, WARN, ERROR)", c.Global.LogLevel)
	}
	if f := strings.ToLower(c.Global.LogFormat); f != "" && f != "text" && f != "json" {
		return fmt.Errorf("invalid log_format: %s (must be text or json)", c.Global.LogFormat)
	}

	if c.Cache.Memory.Capacity != "" {
		if size, err := utils.ParseBytes(c.Cache.Memory.Capacity); err != nil || size < 1024 {
			return fmt.Errorf("cache.memory.capacity must be at least 1KB: %q", c.Cache.Memory.Capacity)
		}
	}
	if c.Cache.Disk.Directory == "" {
		return fmt.Errorf("cache.disk.directory is required")
	}
	if size, err := utils.ParseBytes(c.Cache.Disk.MaxSize); err != nil || size <= 0 {
		return fmt.Errorf("cache.disk.max_size must be a positive size: %q", c.Cache.Disk.MaxSize)
	}
	if c.Cache.InitTimeout < 0 {
		return fmt.Errorf("cache.init_timeout cannot be negative")
	}

	if size, err := utils.ParseBytes(c.Loader.MaxDecodeSize); err != nil || size <= 0 {
		return fmt.Errorf("loader.max_decode_size must be a positive size: %q", c.Loader.MaxDecodeSize)
	}
	if c.Loader.MaxSampleSize < 1 {
		return fmt.Errorf("loader.max_sample_size must be at least 1")
	}
	if c.Loader.Concurrency <= 0 {
		return fmt.Errorf("loader.concurrency must be greater than 0")
	}
	if c.Loader.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("loader.retry.max_attempts must be greater than 0")
	}
	if c.Loader.Breaker.Cooldown < 0 {
		return fmt.Errorf("loader.breaker.cooldown cannot be negative")
	}

	if c.Server.Address == "" {
		return fmt.Errorf("server.address is required")
	}
	if size, err := utils.ParseBytes(c.Server.MaxBodySize); err != nil || size <= 0 {
		return fmt.Errorf("server.max_body_size must be a positive size: %q", c.Server.MaxBodySize)
	}

	if c.Monitoring.Health.ErrorThreshold <= 0 ||
		c.Monitoring.Health.UnavailableThreshold < c.Monitoring.Health.ErrorThreshold {
		return fmt.Errorf("health thresholds must satisfy 0 < error_threshold <= unavailable_threshold")
	}

	return nil
}

// LoggingConfig returns the logger settings
func (c *Configuration) LoggingConfig() utils.LoggingConfig {
	return utils.LoggingConfig{
		Level:      c.Global.LogLevel,
		Format:     c.Global.LogFormat,
		File:       c.Global.LogFile,
		MaxSizeMB:  c.Global.LogMaxSizeMB,
		MaxBackups: c.Global.LogMaxBackups,
		Compress:   c.Global.LogCompress,
	}
}

// ImageCacheConfig converts the cache section. Call Validate first; sizes
// that fail to parse fall back to the cache defaults.
func (c *Configuration) ImageCacheConfig() cache.ImageCacheConfig {
	var memoryKB int64
	if size, err := utils.ParseBytes(c.Cache.Memory.Capacity); err == nil {
		memoryKB = size / 1024
	}
	diskSize, _ := utils.ParseBytes(c.Cache.Disk.MaxSize)

	return cache.ImageCacheConfig{
		Memory: cache.MemoryCacheConfig{CapacityKB: memoryKB},
		Disk: cache.DiskCacheConfig{
			Directory:     c.Cache.Disk.Directory,
			MaxSize:       diskSize,
			Compression:   c.Cache.Disk.Compression,
			SyncWrites:    c.Cache.Disk.SyncWrites,
			FailOnCorrupt: !c.Cache.Disk.RepairCorrupt,
		},
		InitTimeout:     c.Cache.InitTimeout,
		PromoteDiskHits: c.Cache.PromoteDiskHits,
	}
}

// LoaderConfig converts the loader section
func (c *Configuration) LoaderConfig() loader.Config {
	maxDecode, _ := utils.ParseBytes(c.Loader.MaxDecodeSize)

	rc := retry.DefaultConfig()
	rc.MaxAttempts = c.Loader.Retry.MaxAttempts
	rc.InitialDelay = c.Loader.Retry.BaseDelay
	rc.MaxDelay = c.Loader.Retry.MaxDelay

	bc := circuit.DefaultConfig()
	bc.FailureThreshold = c.Loader.Breaker.FailureThreshold
	bc.Cooldown = c.Loader.Breaker.Cooldown

	return loader.Config{
		MaxDecodeBytes: maxDecode,
		MaxSampleSize:  c.Loader.MaxSampleSize,
		Concurrency:    c.Loader.Concurrency,
		Retry:          rc,
		Breaker:        bc,
	}
}

// ServerConfig converts the server section
func (c *Configuration) ServerConfig() api.ServerConfig {
	maxBody, _ := utils.ParseBytes(c.Server.MaxBodySize)

	return api.ServerConfig{
		Address:      c.Server.Address,
		ReadTimeout:  c.Server.ReadTimeout,
		WriteTimeout: c.Server.WriteTimeout,
		IdleTimeout:  2 * c.Server.ReadTimeout,
		MaxBodyBytes: maxBody,
	}
}

// MetricsConfig converts the metrics section
func (c *Configuration) MetricsConfig() *metrics.Config {
	return &metrics.Config{
		Enabled:   c.Monitoring.Metrics.Enabled,
		Namespace: c.Monitoring.Metrics.Namespace,
		Labels:    c.Monitoring.Metrics.CustomLabels,
	}
}

// HealthConfig converts the health thresholds
func (c *Configuration) HealthConfig() health.TrackerConfig {
	return health.TrackerConfig{
		ErrorThreshold:       c.Monitoring.Health.ErrorThreshold,
		UnavailableThreshold: c.Monitoring.Health.UnavailableThreshold,
	}
}
