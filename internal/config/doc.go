/*
Package config loads image cache settings from YAML and the environment.

Sources are applied in order, later ones winning:

	NewDefault()            compiled-in defaults
	LoadFromFile(path)      YAML file
	LoadFromEnv()           IMAGECACHE_* variables

Example file:

	global:
	  log_level: INFO
	  log_format: json
	cache:
	  memory:
	    capacity: 64MB      # empty: one eighth of working memory
	  disk:
	    directory: /var/cache/imagecache
	    max_size: 256MB
	    compression: true
	    repair_corrupt: true
	  init_timeout: 30s
	loader:
	  source_dir: /srv/images
	  max_decode_size: 64MB
	  max_sample_size: 20
	  breaker:
	    failure_threshold: 5
	    cooldown: 30s
	server:
	  address: ":8080"

Sizes accept the suffixes understood by utils.ParseBytes ("512KB", "10MB",
"1GiB"). Validate checks every section; ImageCacheConfig, LoaderConfig and
ServerConfig convert the parsed values into the types the cache, loader and
API packages take.

# Environment Variables

	IMAGECACHE_LOG_LEVEL, IMAGECACHE_LOG_FORMAT, IMAGECACHE_LOG_FILE
	IMAGECACHE_MEMORY_CAPACITY
	IMAGECACHE_DISK_DIR, IMAGECACHE_DISK_MAX_SIZE, IMAGECACHE_DISK_COMPRESSION
	IMAGECACHE_INIT_TIMEOUT, IMAGECACHE_PROMOTE_DISK_HITS
	IMAGECACHE_SOURCE_DIR, IMAGECACHE_CONCURRENCY
	IMAGECACHE_ADDRESS
*/
package config
