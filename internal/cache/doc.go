/*
Package cache provides a two-tier image cache: a memory tier of decoded images
in front of a disk tier of encoded images.

# Architecture

	┌─────────────────────────────────────────────┐
	│               ImageCache                    │
	│  Get / Put / PutWithMimeType / PutDefault   │
	│  Remove / Clear / Initialize                │
	└─────────────────────────────────────────────┘
	          │                        │
	┌─────────────────────┐  ┌──────────────────────────┐
	│    MemoryCache      │  │       DiskCache          │
	│  LRU, cost in KB    │  │  journaled LRU, bytes    │
	│  image.Image values │  │  encoded JPEG/PNG files  │
	└─────────────────────┘  └──────────────────────────┘

Lookups consult memory first and fall back to disk. Writes go to both tiers.
A disk hit is returned without being copied into memory unless
ImageCacheConfig.PromoteDiskHits is set.

# Memory Tier

MemoryCache holds decoded images. The cost of an entry is its row bytes times
its height divided by 1024 (see ImageCost). After every insert the least
recently used entries are evicted until the summed cost fits the capacity,
which defaults to one eighth of the process's working memory.

# Disk Tier

DiskCache stores one file per entry, named by the SHA-256 digest of the key,
and an append-only journal:

	imagecache.journal
	1

	DIRTY 3b1f…
	CLEAN 3b1f… 48213 sha256:9c0e… jpeg raw
	READ 3b1f…
	REMOVE 3b1f…

A write appends DIRTY, writes a temp file, renames it into place and appends
CLEAN. Reopening the directory discards entries whose last record is DIRTY,
deletes stray temp files and rewrites the journal compactly. Reads verify the
stored digest; a corrupt entry is removed and reported as a miss.

# Initialization

The disk tier is opened asynchronously:

	c := cache.NewImageCache(&cache.ImageCacheConfig{})
	c.Initialize("/var/cache/images")

	img, ok := c.Get("thumb:42") // waits while the disk tier is opening

ImageCache moves from StateUninitialized to StateInitializing on the first
Initialize call and settles on StateReady or StateFailed. Lookups and writes
that need the disk wait only while the state is StateInitializing. A failed
disk tier leaves the cache working memory-only; Put then returns nil after
writing memory.
*/
package cache
