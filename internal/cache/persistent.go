package cache

import (
	"container/list"
	stderr "errors"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/opencontainers/go-digest"

	"github.com/objectfs/imagecache/pkg/errors"
	"github.com/objectfs/imagecache/pkg/types"
	"github.com/objectfs/imagecache/pkg/utils"
)

const (
	entrySuffix = ".img"
	tmpPrefix   = "tmp-"

	// DefaultDiskCapacity is the disk tier bound when none is configured.
	DefaultDiskCapacity = 10 * 1024 * 1024
)

// DiskCacheConfig represents disk tier configuration
type DiskCacheConfig struct {
	Directory string `yaml:"directory"`
	MaxSize   int64  `yaml:"max_size"`

	// Compression stores entry files zstd-compressed. Capacity accounting
	// uses the compressed size.
	Compression bool `yaml:"compression"`

	// SyncWrites fsyncs entry files and journal records before a write is acknowledged.
	SyncWrites bool `yaml:"sync_writes"`

	// FailOnCorrupt makes open fail when the journal cannot be replayed.
	// By default the directory is wiped and a fresh cache is created.
	FailOnCorrupt bool `yaml:"fail_on_corrupt"`

	Logger  *slog.Logger           `yaml:"-"`
	Metrics types.MetricsCollector `yaml:"-"`
}

// DiskCache is a journaled LRU cache of encoded images bounded by bytes on disk.
// Published entries survive a restart; a write interrupted by a crash is
// discarded when the directory is reopened.
type DiskCache struct {
	mu          sync.Mutex
	directory   string
	maxSize     int64
	currentSize int64
	entries     map[string]*diskEntry
	lru         *list.List // front is most recently used

	journal      *journalWriter
	redundantOps int

	config  DiskCacheConfig
	logger  *slog.Logger
	metrics types.MetricsCollector
	stats   types.CacheStats

	encoder *zstd.Encoder
	decoder *zstd.Decoder

	closed bool
}

type diskEntry struct {
	name     string
	size     int64
	digest   digest.Digest
	format   CompressFormat
	encoding entryEncoding
	dirty    bool
	element  *list.Element
}

func (e *diskEntry) record() journalRecord {
	return journalRecord{
		op:       opClean,
		name:     e.name,
		size:     e.size,
		digest:   e.digest,
		format:   e.format,
		encoding: e.encoding,
	}
}

// OpenDiskCache opens or creates a disk cache in config.Directory, recovering
// from an unclean shutdown. Failures carry ErrCodeInitFailed.
func OpenDiskCache(config *DiskCacheConfig) (*DiskCache, error) {
	if config == nil || config.Directory == "" {
		return nil, initError("disk cache directory is required", nil)
	}

	cfg := *config
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = DefaultDiskCapacity
	}
	logger := cfg.Logger
	if logger == nil {
		logger = utils.DiscardLogger()
	}

	if err := os.MkdirAll(cfg.Directory, 0750); err != nil {
		return nil, initError("failed to create cache directory", err)
	}

	c := &DiskCache{
		directory: filepath.Clean(cfg.Directory),
		maxSize:   cfg.MaxSize,
		entries:   make(map[string]*diskEntry),
		lru:       list.New(),
		config:    cfg,
		logger:    logger.With("component", "disk_cache", "directory", cfg.Directory),
		metrics:   cfg.Metrics,
		stats:     types.CacheStats{Capacity: cfg.MaxSize},
	}

	var err error
	if c.encoder, err = zstd.NewWriter(nil); err != nil {
		return nil, initError("failed to create zstd encoder", err)
	}
	if c.decoder, err = zstd.NewReader(nil); err != nil {
		_ = c.encoder.Close()
		return nil, initError("failed to create zstd decoder", err)
	}

	start := time.Now()
	if err := c.recover(); err != nil {
		_ = c.encoder.Close()
		c.decoder.Close()
		return nil, err
	}

	c.logger.Info("disk cache opened",
		"entries", len(c.entries),
		"size", utils.FormatBytes(c.currentSize),
		"capacity", utils.FormatBytes(c.maxSize),
		"duration", time.Since(start))
	return c, nil
}

func initError(message string, cause error) error {
	err := errors.NewError(errors.ErrCodeInitFailed, message).
		WithComponent("disk").
		WithOperation("open")
	if cause != nil {
		err = err.WithCause(cause)
	}
	return err
}

func (c *DiskCache) recover() error {
	journalPath := c.path(journalFile)

	_, truncated, err := readJournal(journalPath, c.replay)
	switch {
	case err == nil:
		if truncated {
			c.logger.Warn("ignoring torn final journal record")
		}
	case os.IsNotExist(err):
		// fresh directory
	default:
		var corrupt *errCorruptJournal
		if !stderr.As(err, &corrupt) {
			return initError("failed to read journal", err)
		}
		if c.config.FailOnCorrupt {
			return initError("journal is corrupt", err)
		}
		c.logger.Warn("journal is corrupt, discarding cache contents", "error", err)
		if err := c.wipe(); err != nil {
			return initError("failed to discard corrupt cache", err)
		}
	}

	c.discardIncomplete()
	c.removeStrayFiles()
	c.trimToSize()

	if err := c.rebuildJournal(); err != nil {
		return initError("failed to write journal", err)
	}
	return nil
}

// replay applies one journal record to the index.
func (c *DiskCache) replay(rec journalRecord) {
	e := c.entries[rec.name]

	switch rec.op {
	case opDirty:
		if e == nil {
			e = &diskEntry{name: rec.name}
			e.element = c.lru.PushFront(e)
			c.entries[rec.name] = e
		}
		e.dirty = true
	case opClean:
		if e == nil {
			e = &diskEntry{name: rec.name}
			e.element = c.lru.PushFront(e)
			c.entries[rec.name] = e
		} else {
			c.lru.MoveToFront(e.element)
		}
		e.size, e.digest, e.format, e.encoding = rec.size, rec.digest, rec.format, rec.encoding
		e.dirty = false
	case opRead:
		if e != nil {
			c.lru.MoveToFront(e.element)
		}
	case opRemove:
		if e != nil {
			c.lru.Remove(e.element)
			delete(c.entries, rec.name)
		}
	}
	c.redundantOps++
}

// discardIncomplete drops entries whose last write never completed and
// entries whose file is missing or has the wrong length.
func (c *DiskCache) discardIncomplete() {
	for name, e := range c.entries {
		path := c.entryPath(name)

		drop := e.dirty
		if !drop {
			info, err := os.Stat(path)
			drop = err != nil || info.Size() != e.size
		}
		if !drop {
			c.currentSize += e.size
			continue
		}

		c.logger.Debug("discarding incomplete entry", "name", name, "dirty", e.dirty)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove incomplete entry", "name", name, "error", err)
		}
		c.lru.Remove(e.element)
		delete(c.entries, name)
	}
}

// removeStrayFiles deletes temp files and entry files the journal does not know.
func (c *DiskCache) removeStrayFiles() {
	dirEntries, err := os.ReadDir(c.directory)
	if err != nil {
		c.logger.Warn("failed to list cache directory", "error", err)
		return
	}

	for _, de := range dirEntries {
		name := de.Name()
		stray := strings.HasPrefix(name, tmpPrefix) || name == journalTmpFile
		if strings.HasSuffix(name, entrySuffix) {
			_, known := c.entries[strings.TrimSuffix(name, entrySuffix)]
			stray = !known
		}
		if !stray {
			continue
		}
		if err := os.Remove(c.path(name)); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to remove stray file", "file", name, "error", err)
		}
	}
}

// wipe removes every file in the directory and clears the index.
func (c *DiskCache) wipe() error {
	dirEntries, err := os.ReadDir(c.directory)
	if err != nil {
		return err
	}
	for _, de := range dirEntries {
		if err := os.RemoveAll(c.path(de.Name())); err != nil {
			return err
		}
	}
	c.entries = make(map[string]*diskEntry)
	c.lru.Init()
	c.currentSize = 0
	return nil
}

// rebuildJournal replaces the journal with one CLEAN record per live entry,
// oldest first so replay restores recency order. Must be called with the lock
// held (or before the cache is shared).
func (c *DiskCache) rebuildJournal() error {
	records := make([]journalRecord, 0, len(c.entries))
	for el := c.lru.Back(); el != nil; el = el.Prev() {
		records = append(records, el.Value.(*diskEntry).record())
	}

	if c.journal != nil {
		if err := c.journal.close(); err != nil {
			c.logger.Warn("failed to close journal before rebuild", "error", err)
		}
		c.journal = nil
	}

	writeErr := writeJournal(c.path(journalFile), c.path(journalTmpFile), records)

	// Reopen whichever journal is now in place so appends keep working.
	journal, openErr := openJournalWriter(c.path(journalFile), c.config.SyncWrites)
	if openErr == nil {
		c.journal = journal
	}

	if writeErr != nil {
		return writeErr
	}
	if openErr != nil {
		return openErr
	}
	c.redundantOps = 0
	return nil
}

func (c *DiskCache) maybeRebuildJournal() {
	if c.redundantOps < redundantOpThreshold || c.redundantOps < len(c.entries) {
		return
	}
	if err := c.rebuildJournal(); err != nil {
		c.logger.Warn("failed to compact journal", "error", err)
		return
	}
	c.logger.Debug("journal compacted", "entries", len(c.entries))
}

// Get reads and decodes the image stored for key. Unreadable or corrupt
// entries are removed and reported as a miss.
func (c *DiskCache) Get(key string) (image.Image, bool) {
	data, entry, ok := c.read(key)
	if !ok {
		c.recordLookup(false)
		return nil, false
	}

	img, _, err := Decode(data)
	if err != nil {
		c.logger.Warn("discarding undecodable entry", "name", entry.name, "error", err)
		c.removeIfUnchanged(entry)
		c.recordLookup(false)
		return nil, false
	}

	c.recordLookup(true)
	return img, true
}

// GetBytes returns the encoded image stored for key and its format.
func (c *DiskCache) GetBytes(key string) ([]byte, CompressFormat, bool) {
	data, entry, ok := c.read(key)
	c.recordLookup(ok)
	if !ok {
		return nil, 0, false
	}
	return data, entry.format, true
}

// read returns the decompressed payload and a snapshot of the entry.
func (c *DiskCache) read(key string) ([]byte, diskEntry, bool) {
	name := entryName(key)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, diskEntry{}, false
	}

	e, exists := c.entries[name]
	if !exists {
		c.mu.Unlock()
		return nil, diskEntry{}, false
	}

	stored, err := os.ReadFile(c.entryPath(name))
	if err == nil && (int64(len(stored)) != e.size || digest.FromBytes(stored) != e.digest) {
		err = errors.NewError(errors.ErrCodeCorruptEntry, "entry content does not match its digest")
	}
	if err != nil {
		c.logger.Warn("discarding unreadable entry", "name", name, "error", err)
		c.dropEntry(e)
		c.mu.Unlock()
		return nil, diskEntry{}, false
	}

	c.lru.MoveToFront(e.element)
	c.appendRecord(journalRecord{op: opRead, name: name})
	c.redundantOps++
	c.maybeRebuildJournal()
	snapshot := *e
	c.mu.Unlock()

	if snapshot.encoding != encodingZstd {
		return stored, snapshot, true
	}

	data, err := c.decoder.DecodeAll(stored, nil)
	if err != nil {
		c.logger.Warn("discarding entry that failed to decompress", "name", name, "error", err)
		c.removeIfUnchanged(snapshot)
		return nil, diskEntry{}, false
	}
	return data, snapshot, true
}

// Put encodes img and stores it under key.
func (c *DiskCache) Put(key string, img image.Image, format CompressFormat, quality int) error {
	if img == nil {
		return errors.NewError(errors.ErrCodeInvalidArgument, "image is nil").
			WithComponent("disk").WithOperation("put")
	}

	data, err := EncodeBytes(img, format, quality)
	if err != nil {
		return err
	}
	return c.PutBytes(key, data, format)
}

// PutBytes stores already encoded image data under key. The entry becomes
// visible only after its file has been completely written and renamed into
// place; on failure the previous value for key, if any, is kept.
func (c *DiskCache) PutBytes(key string, data []byte, format CompressFormat) error {
	payload, encoding := data, encodingRaw
	if c.config.Compression {
		payload = c.encoder.EncodeAll(data, make([]byte, 0, len(data)))
		encoding = encodingZstd
	}

	size := int64(len(payload))
	if size > c.maxSize {
		return errors.Newf(errors.ErrCodeEntryTooLarge, "entry of %s exceeds disk capacity of %s",
			utils.FormatBytes(size), utils.FormatBytes(c.maxSize)).
			WithComponent("disk").WithOperation("put")
	}

	name := entryName(key)
	entry := &diskEntry{
		name:     name,
		size:     size,
		digest:   digest.FromBytes(payload),
		format:   format,
		encoding: encoding,
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("put")
	}
	if c.journal == nil {
		return ioError("put", "journal is unavailable", nil)
	}

	if err := c.journal.append(journalRecord{op: opDirty, name: name}); err != nil {
		c.resetJournal()
		return ioError("put", "failed to append to journal", err)
	}

	if err := c.writeEntryFile(name, payload); err != nil {
		c.abortWrite(name)
		return ioError("put", "failed to write entry", err)
	}

	if err := c.journal.append(entry.record()); err != nil {
		// Without a CLEAN record the entry would be discarded on reopen, so
		// it must not be visible now either.
		if prev, exists := c.entries[name]; exists {
			c.lru.Remove(prev.element)
			delete(c.entries, name)
			c.currentSize -= prev.size
		}
		_ = os.Remove(c.entryPath(name))
		c.resetJournal()
		c.updateSizeMetrics()
		return ioError("put", "failed to append to journal", err)
	}

	if prev, exists := c.entries[name]; exists {
		c.lru.Remove(prev.element)
		c.currentSize -= prev.size
	}
	entry.element = c.lru.PushFront(entry)
	c.entries[name] = entry
	c.currentSize += size
	c.redundantOps++

	c.trimToSize()
	c.maybeRebuildJournal()
	c.updateSizeMetrics()
	return nil
}

// abortWrite records that the write of name did not complete. A previous
// value whose file was never touched becomes CLEAN again.
func (c *DiskCache) abortWrite(name string) {
	rec := journalRecord{op: opRemove, name: name}
	if prev, exists := c.entries[name]; exists {
		rec = prev.record()
	}
	c.appendRecord(rec)
	c.redundantOps++
}

func (c *DiskCache) writeEntryFile(name string, payload []byte) error {
	tmp, err := os.CreateTemp(c.directory, tmpPrefix+"*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	_, err = tmp.Write(payload)
	if err == nil && c.config.SyncWrites {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Rename(tmpPath, c.entryPath(name))
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

// Remove deletes the entry for key. Removing an absent key is a no-op.
func (c *DiskCache) Remove(key string) error {
	name := entryName(key)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("remove")
	}

	e, exists := c.entries[name]
	if !exists {
		return nil
	}

	if err := os.Remove(c.entryPath(name)); err != nil && !os.IsNotExist(err) {
		return ioError("remove", "failed to delete entry file", err)
	}

	c.lru.Remove(e.element)
	delete(c.entries, name)
	c.currentSize -= e.size
	c.appendRecord(journalRecord{op: opRemove, name: name})
	c.redundantOps++
	c.maybeRebuildJournal()
	c.updateSizeMetrics()
	return nil
}

// Contains reports whether key has a published entry.
func (c *DiskCache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, exists := c.entries[entryName(key)]
	return exists && !c.closed
}

// Delete closes the cache and removes its directory with all contents.
func (c *DiskCache) Delete() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closeLocked()
	c.entries = make(map[string]*diskEntry)
	c.lru.Init()
	c.currentSize = 0
	c.updateSizeMetrics()

	if err := os.RemoveAll(c.directory); err != nil {
		return ioError("delete", "failed to remove cache directory", err)
	}
	c.logger.Info("disk cache deleted")
	return nil
}

// Flush writes buffered journal records and syncs the journal to disk.
func (c *DiskCache) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return stoppedError("flush")
	}
	if c.journal == nil {
		return ioError("flush", "journal is unavailable", nil)
	}
	if err := c.journal.flush(); err != nil {
		return ioError("flush", "failed to sync journal", err)
	}
	return nil
}

// Close flushes and closes the journal. Further operations fail or miss.
func (c *DiskCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if err := c.closeLocked(); err != nil {
		return ioError("close", "failed to close journal", err)
	}
	return nil
}

func (c *DiskCache) closeLocked() error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.decoder.Close()
	if err := c.encoder.Close(); err != nil {
		c.logger.Debug("failed to close zstd encoder", "error", err)
	}

	if c.journal == nil {
		return nil
	}
	err := c.journal.close()
	c.journal = nil
	return err
}

// Directory returns the cache directory
func (c *DiskCache) Directory() string {
	return c.directory
}

// Size returns the bytes used by live entries
func (c *DiskCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.currentSize
}

// Capacity returns the byte bound
func (c *DiskCache) Capacity() int64 {
	return c.maxSize
}

// Len returns the number of live entries
func (c *DiskCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns cache statistics
func (c *DiskCache) Stats() types.CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Entries = len(c.entries)
	stats.Size = c.currentSize
	stats.HitRate = types.HitRateOf(stats.Hits, stats.Misses)
	stats.Utilization = types.Utilization(c.currentSize, c.maxSize)
	return stats
}

// Helper methods

func entryName(key string) string {
	return digest.FromString(key).Encoded()
}

func (c *DiskCache) path(name string) string {
	return filepath.Join(c.directory, name)
}

func (c *DiskCache) entryPath(name string) string {
	return c.path(name + entrySuffix)
}

func (c *DiskCache) recordLookup(hit bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if hit {
		c.stats.Hits++
	} else {
		c.stats.Misses++
	}
}

// appendRecord logs journal failures instead of returning them; used where
// the in-memory index is already authoritative.
func (c *DiskCache) appendRecord(rec journalRecord) {
	if c.journal == nil {
		return
	}
	if err := c.journal.append(rec); err != nil {
		c.logger.Warn("failed to append to journal", "op", rec.op, "name", rec.name, "error", err)
		c.resetJournal()
	}
}

// resetJournal rewrites the journal from the index after a failed append.
// The buffered writer keeps returning its first error, and the file may end
// in a partial record.
func (c *DiskCache) resetJournal() {
	if err := c.rebuildJournal(); err != nil {
		c.logger.Warn("failed to rewrite journal after append error", "error", err)
	}
}

// dropEntry removes an entry and its file. Must be called with the lock held.
func (c *DiskCache) dropEntry(e *diskEntry) {
	if err := os.Remove(c.entryPath(e.name)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("failed to delete entry file", "name", e.name, "error", err)
	}
	c.lru.Remove(e.element)
	delete(c.entries, e.name)
	c.currentSize -= e.size
	c.appendRecord(journalRecord{op: opRemove, name: e.name})
	c.redundantOps++
	c.updateSizeMetrics()
}

// removeIfUnchanged drops the entry only if it still holds the content that
// was found to be bad; a concurrent Put may have replaced it.
func (c *DiskCache) removeIfUnchanged(snapshot diskEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	if e, exists := c.entries[snapshot.name]; exists && e.digest == snapshot.digest {
		c.dropEntry(e)
	}
}

// trimToSize evicts least recently used entries until the cache fits.
func (c *DiskCache) trimToSize() {
	for c.currentSize > c.maxSize && c.lru.Len() > 0 {
		e := c.lru.Back().Value.(*diskEntry)
		c.logger.Debug("evicting entry", "name", e.name, "size", e.size)
		c.dropEntry(e)
		c.stats.Evictions++
		if c.metrics != nil {
			c.metrics.RecordEviction(types.TierDisk)
		}
	}
}

func (c *DiskCache) updateSizeMetrics() {
	if c.metrics != nil {
		c.metrics.UpdateTierSize(types.TierDisk, c.currentSize, len(c.entries))
	}
}

func ioError(operation, message string, cause error) error {
	return errors.NewError(errors.ErrCodeIOFailure, message).
		WithComponent("disk").
		WithOperation(operation).
		WithCause(cause)
}

func stoppedError(operation string) error {
	return errors.NewError(errors.ErrCodeComponentStopped, "disk cache is closed").
		WithComponent("disk").
		WithOperation(operation)
}
