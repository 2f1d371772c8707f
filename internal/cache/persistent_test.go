package cache

import (
	"bufio"
	"bytes"
	"fmt"
	"image/color"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/objectfs/imagecache/pkg/errors"
)

func openTestDisk(t *testing.T, config *DiskCacheConfig) *DiskCache {
	t.Helper()
	disk, err := OpenDiskCache(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close() })
	return disk
}

func encodedPNG(t *testing.T, size int) []byte {
	t.Helper()
	data, err := EncodeBytes(solidImage(size, size, color.RGBA{G: 128, A: 255}), FormatPNG, 100)
	require.NoError(t, err)
	return data
}

func TestOpenDiskCache(t *testing.T) {
	tmpDir := t.TempDir()
	notADir := filepath.Join(tmpDir, "file")
	require.NoError(t, os.WriteFile(notADir, []byte("x"), 0600))

	tests := []struct {
		name    string
		config  *DiskCacheConfig
		wantErr bool
		verify  func(t *testing.T, disk *DiskCache)
	}{
		{
			name:    "nil config",
			config:  nil,
			wantErr: true,
		},
		{
			name: "zero size uses default",
			config: &DiskCacheConfig{
				Directory: filepath.Join(tmpDir, "default"),
			},
			verify: func(t *testing.T, disk *DiskCache) {
				assert.Equal(t, int64(DefaultDiskCapacity), disk.Capacity())
				assert.FileExists(t, filepath.Join(disk.Directory(), journalFile))
			},
		},
		{
			name: "nested directory is created",
			config: &DiskCacheConfig{
				Directory: filepath.Join(tmpDir, "a", "b", "c"),
				MaxSize:   1024,
			},
			verify: func(t *testing.T, disk *DiskCache) {
				assert.DirExists(t, disk.Directory())
				assert.Equal(t, int64(1024), disk.Capacity())
			},
		},
		{
			name: "path under a regular file",
			config: &DiskCacheConfig{
				Directory: filepath.Join(notADir, "cache"),
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			disk, err := OpenDiskCache(tt.config)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeInitFailed), "got %v", err)
				return
			}
			require.NoError(t, err)
			defer func() { _ = disk.Close() }()
			if tt.verify != nil {
				tt.verify(t, disk)
			}
		})
	}
}

func TestDiskCache_RoundTrip(t *testing.T) {
	for _, compression := range []bool{false, true} {
		t.Run(fmt.Sprintf("compression=%v", compression), func(t *testing.T) {
			disk := openTestDisk(t, &DiskCacheConfig{Directory: t.TempDir(), Compression: compression})

			src := solidImage(24, 16, color.RGBA{R: 255, A: 255})
			require.NoError(t, disk.Put("thumb/1", src, FormatPNG, 100))

			img, ok := disk.Get("thumb/1")
			require.True(t, ok)
			assert.Equal(t, src.Bounds(), img.Bounds())
			r, _, _, _ := img.At(3, 3).RGBA()
			assert.Equal(t, uint32(0xffff), r)

			data, format, ok := disk.GetBytes("thumb/1")
			require.True(t, ok)
			assert.Equal(t, FormatPNG, format)
			assert.True(t, bytes.HasPrefix(data, []byte("\x89PNG")))

			_, ok = disk.Get("missing")
			assert.False(t, ok)

			stats := disk.Stats()
			assert.Equal(t, 1, stats.Entries)
			assert.Equal(t, uint64(2), stats.Hits)
			assert.Equal(t, uint64(1), stats.Misses)
		})
	}
}

func TestDiskCache_SurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	config := &DiskCacheConfig{Directory: dir, MaxSize: 1 << 20}

	disk, err := OpenDiskCache(config)
	require.NoError(t, err)
	require.NoError(t, disk.PutBytes("a", encodedPNG(t, 8), FormatPNG))
	require.NoError(t, disk.PutBytes("b", encodedPNG(t, 16), FormatPNG))
	require.NoError(t, disk.Put("c", solidImage(8, 8, color.White), FormatJPEG, 80))
	require.NoError(t, disk.Remove("b"))
	size := disk.Size()
	require.NoError(t, disk.Close())

	reopened := openTestDisk(t, config)
	assert.Equal(t, 2, reopened.Len())
	assert.Equal(t, size, reopened.Size())
	assert.True(t, reopened.Contains("a"))
	assert.False(t, reopened.Contains("b"))

	_, format, ok := reopened.GetBytes("c")
	require.True(t, ok)
	assert.Equal(t, FormatJPEG, format)
}

func TestDiskCache_EvictsLeastRecentlyUsed(t *testing.T) {
	data := encodedPNG(t, 8)
	entrySize := int64(len(data))

	disk := openTestDisk(t, &DiskCacheConfig{Directory: t.TempDir(), MaxSize: 3 * entrySize})

	require.NoError(t, disk.PutBytes("a", data, FormatPNG))
	require.NoError(t, disk.PutBytes("b", data, FormatPNG))
	require.NoError(t, disk.PutBytes("c", data, FormatPNG))

	_, _, ok := disk.GetBytes("a")
	require.True(t, ok)

	require.NoError(t, disk.PutBytes("d", data, FormatPNG))

	assert.True(t, disk.Contains("a"))
	assert.False(t, disk.Contains("b"))
	assert.True(t, disk.Contains("c"))
	assert.True(t, disk.Contains("d"))
	assert.Equal(t, 3*entrySize, disk.Size())
	assert.Equal(t, uint64(1), disk.Stats().Evictions)
	assert.NoFileExists(t, disk.entryPath(entryName("b")))
}

func TestDiskCache_RecencySurvivesReopen(t *testing.T) {
	data := encodedPNG(t, 8)
	config := &DiskCacheConfig{Directory: t.TempDir(), MaxSize: 2 * int64(len(data))}

	disk, err := OpenDiskCache(config)
	require.NoError(t, err)
	require.NoError(t, disk.PutBytes("a", data, FormatPNG))
	require.NoError(t, disk.PutBytes("b", data, FormatPNG))
	_, _, ok := disk.GetBytes("a")
	require.True(t, ok)
	require.NoError(t, disk.Close())

	reopened := openTestDisk(t, config)
	require.NoError(t, reopened.PutBytes("c", data, FormatPNG))

	assert.True(t, reopened.Contains("a"))
	assert.False(t, reopened.Contains("b"))
}

func TestDiskCache_EntryLargerThanCapacity(t *testing.T) {
	disk := openTestDisk(t, &DiskCacheConfig{Directory: t.TempDir(), MaxSize: 16})

	err := disk.PutBytes("big", encodedPNG(t, 8), FormatPNG)
	assert.True(t, errors.HasCode(err, errors.ErrCodeEntryTooLarge))
	assert.Equal(t, 0, disk.Len())
}

func TestDiskCache_StaysWithinCapacity(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	payloads := [][]byte{encodedPNG(t, 4), encodedPNG(t, 12), encodedPNG(t, 24)}
	config := &DiskCacheConfig{Directory: t.TempDir(), MaxSize: int64(len(payloads[2]) * 3)}

	disk, err := OpenDiskCache(config)
	require.NoError(t, err)

	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("k%d", rng.Intn(20))
		switch rng.Intn(5) {
		case 0:
			require.NoError(t, disk.Remove(key))
		case 1:
			disk.GetBytes(key)
		default:
			require.NoError(t, disk.PutBytes(key, payloads[rng.Intn(len(payloads))], FormatPNG))
		}
		require.LessOrEqual(t, disk.Size(), disk.Capacity(), "after op %d", i)
	}

	size, n := disk.Size(), disk.Len()
	require.NoError(t, disk.Close())

	reopened := openTestDisk(t, config)
	assert.Equal(t, size, reopened.Size())
	assert.Equal(t, n, reopened.Len())
	assert.LessOrEqual(t, reopened.Size(), reopened.Capacity())
}

func TestDiskCache_DiscardsInterruptedWrite(t *testing.T) {
	dir := t.TempDir()
	config := &DiskCacheConfig{Directory: dir}

	disk, err := OpenDiskCache(config)
	require.NoError(t, err)
	require.NoError(t, disk.PutBytes("kept", encodedPNG(t, 8), FormatPNG))
	require.NoError(t, disk.Close())

	// Simulate a crash after DIRTY was journaled and the file was renamed
	// into place, but before CLEAN was written; plus a leftover temp file.
	name := entryName("torn")
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+entrySuffix), encodedPNG(t, 8), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, tmpPrefix+"123"), []byte("partial"), 0600))
	appendJournal(t, dir, "DIRTY "+name+"\n")

	reopened := openTestDisk(t, config)
	assert.False(t, reopened.Contains("torn"))
	assert.True(t, reopened.Contains("kept"))
	assert.NoFileExists(t, filepath.Join(dir, name+entrySuffix))
	assert.NoFileExists(t, filepath.Join(dir, tmpPrefix+"123"))
	assert.Equal(t, 1, reopened.Len())
}

func TestDiskCache_TornJournalTail(t *testing.T) {
	dir := t.TempDir()
	config := &DiskCacheConfig{Directory: dir}

	disk, err := OpenDiskCache(config)
	require.NoError(t, err)
	require.NoError(t, disk.PutBytes("a", encodedPNG(t, 8), FormatPNG))
	require.NoError(t, disk.Close())

	appendJournal(t, dir, "CLEAN "+entryName("b")+" 12")

	reopened := openTestDisk(t, config)
	assert.True(t, reopened.Contains("a"))
	assert.Equal(t, 1, reopened.Len())

	journal, err := os.ReadFile(filepath.Join(dir, journalFile))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(string(journal), "\n"), "journal should be rewritten without the torn record")
}

func TestDiskCache_CorruptJournal(t *testing.T) {
	tests := []struct {
		name string
		fail bool
	}{
		{name: "default wipes contents", fail: false},
		{name: "fail on corrupt refuses to open", fail: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			config := &DiskCacheConfig{Directory: dir, FailOnCorrupt: tt.fail}

			disk, err := OpenDiskCache(config)
			require.NoError(t, err)
			require.NoError(t, disk.PutBytes("a", encodedPNG(t, 8), FormatPNG))
			require.NoError(t, disk.Close())

			appendJournal(t, dir, "GARBAGE line\nREAD "+entryName("a")+"\n")

			reopened, err := OpenDiskCache(config)
			if tt.fail {
				require.Error(t, err)
				assert.True(t, errors.HasCode(err, errors.ErrCodeInitFailed))
				return
			}
			require.NoError(t, err)
			defer func() { _ = reopened.Close() }()
			assert.Equal(t, 0, reopened.Len())
			assert.NoFileExists(t, filepath.Join(dir, entryName("a")+entrySuffix))
		})
	}
}

func TestDiskCache_CorruptEntryIsMissAndRemoved(t *testing.T) {
	dir := t.TempDir()
	disk := openTestDisk(t, &DiskCacheConfig{Directory: dir})

	data := encodedPNG(t, 8)
	require.NoError(t, disk.PutBytes("a", data, FormatPNG))

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)/2] ^= 0xff
	require.NoError(t, os.WriteFile(disk.entryPath(entryName("a")), flipped, 0600))

	_, ok := disk.Get("a")
	assert.False(t, ok)
	assert.False(t, disk.Contains("a"))
	assert.Equal(t, int64(0), disk.Size())

	// Valid digest, undecodable payload.
	require.NoError(t, disk.PutBytes("junk", []byte("not an image"), FormatPNG))
	_, ok = disk.Get("junk")
	assert.False(t, ok)
	assert.False(t, disk.Contains("junk"))
}

func TestDiskCache_Remove(t *testing.T) {
	disk := openTestDisk(t, &DiskCacheConfig{Directory: t.TempDir()})

	require.NoError(t, disk.PutBytes("a", encodedPNG(t, 8), FormatPNG))
	require.NoError(t, disk.Remove("a"))
	require.NoError(t, disk.Remove("a"))
	require.NoError(t, disk.Remove("never"))

	_, ok := disk.Get("a")
	assert.False(t, ok)
	assert.Equal(t, int64(0), disk.Size())
}

func TestDiskCache_OverwriteReplacesAccounting(t *testing.T) {
	disk := openTestDisk(t, &DiskCacheConfig{Directory: t.TempDir()})

	small, large := encodedPNG(t, 4), encodedPNG(t, 32)
	require.NoError(t, disk.PutBytes("a", large, FormatPNG))
	require.NoError(t, disk.PutBytes("a", small, FormatPNG))

	assert.Equal(t, 1, disk.Len())
	assert.Equal(t, int64(len(small)), disk.Size())
}

func TestDiskCache_DeleteAndClose(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "cache")
	disk, err := OpenDiskCache(&DiskCacheConfig{Directory: dir})
	require.NoError(t, err)
	require.NoError(t, disk.PutBytes("a", encodedPNG(t, 8), FormatPNG))

	require.NoError(t, disk.Delete())
	assert.NoDirExists(t, dir)

	err = disk.PutBytes("b", encodedPNG(t, 8), FormatPNG)
	assert.True(t, errors.HasCode(err, errors.ErrCodeComponentStopped))
	_, ok := disk.Get("a")
	assert.False(t, ok)
	assert.NoError(t, disk.Close())

	// A fresh cache can be opened in the same place.
	fresh := openTestDisk(t, &DiskCacheConfig{Directory: dir})
	assert.Equal(t, 0, fresh.Len())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) {
	return 0, fmt.Errorf("no space left on device")
}

func TestDiskCache_RecoversFromJournalWriteError(t *testing.T) {
	dir := t.TempDir()
	config := &DiskCacheConfig{Directory: dir}
	disk, err := OpenDiskCache(config)
	require.NoError(t, err)
	require.NoError(t, disk.PutBytes("a", encodedPNG(t, 8), FormatPNG))

	disk.mu.Lock()
	disk.journal.w = bufio.NewWriter(failingWriter{})
	disk.mu.Unlock()

	err = disk.PutBytes("b", encodedPNG(t, 8), FormatPNG)
	assert.True(t, errors.HasCode(err, errors.ErrCodeIOFailure), "got %v", err)
	assert.False(t, disk.Contains("b"))

	require.NoError(t, disk.PutBytes("c", encodedPNG(t, 8), FormatPNG))
	require.NoError(t, disk.Close())

	reopened := openTestDisk(t, config)
	assert.True(t, reopened.Contains("a"))
	assert.False(t, reopened.Contains("b"))
	assert.True(t, reopened.Contains("c"))
	assert.Equal(t, 2, reopened.Len())
}

func TestDiskCache_CompressedCloseAndReopen(t *testing.T) {
	dir := t.TempDir()
	config := &DiskCacheConfig{Directory: dir, Compression: true}

	disk, err := OpenDiskCache(config)
	require.NoError(t, err)
	require.NoError(t, disk.Put("a", solidImage(16, 16, color.White), FormatPNG, 100))
	require.NoError(t, disk.Close())
	require.NoError(t, disk.Close())

	_, ok := disk.Get("a")
	assert.False(t, ok)

	reopened := openTestDisk(t, config)
	img, ok := reopened.Get("a")
	require.True(t, ok)
	assert.Equal(t, 16, img.Bounds().Dx())
}

func TestDiskCache_JournalCompaction(t *testing.T) {
	dir := t.TempDir()
	disk := openTestDisk(t, &DiskCacheConfig{Directory: dir})

	data := encodedPNG(t, 4)
	require.NoError(t, disk.PutBytes("a", data, FormatPNG))
	for i := 0; i < redundantOpThreshold+10; i++ {
		_, _, ok := disk.GetBytes("a")
		require.True(t, ok)
	}

	journal, err := os.ReadFile(filepath.Join(dir, journalFile))
	require.NoError(t, err)
	lines := strings.Count(string(journal), "\n")
	assert.Less(t, lines, 100, "journal should have been compacted")
	assert.True(t, disk.Contains("a"))
}

func TestDiskCache_ConcurrentAccess(t *testing.T) {
	disk := openTestDisk(t, &DiskCacheConfig{Directory: t.TempDir(), MaxSize: 64 * 1024})
	data := encodedPNG(t, 8)

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				key := fmt.Sprintf("k%d", (g+i)%12)
				assert.NoError(t, disk.PutBytes(key, data, FormatPNG))
				disk.Get(key)
				if i%5 == 0 {
					assert.NoError(t, disk.Remove(key))
				}
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, disk.Size(), disk.Capacity())
	require.NoError(t, disk.Flush())
}

func appendJournal(t *testing.T, dir, text string) {
	t.Helper()
	f, err := os.OpenFile(filepath.Join(dir, journalFile), os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}
