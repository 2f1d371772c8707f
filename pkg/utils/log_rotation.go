package utils

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/klauspost/compress/gzip"
)

// RotationConfig holds configuration for log rotation
type RotationConfig struct {
	Filename string

	// MaxSize is the maximum size in megabytes before rotation (0 = no size limit)
	MaxSize int64

	// MaxBackups is the maximum number of old log files to retain (0 = retain all)
	MaxBackups int

	// Compress gzips rotated files
	Compress bool
}

// LogRotator is an io.Writer that rotates its file by size.
type LogRotator struct {
	mu sync.Mutex

	config *RotationConfig
	file   *os.File
	size   int64
}

// NewLogRotator creates a new log rotator
func NewLogRotator(config *RotationConfig) (*LogRotator, error) {
	if config == nil || config.Filename == "" {
		return nil, fmt.Errorf("filename is required")
	}

	rotator := &LogRotator{config: config}
	if err := rotator.openFile(); err != nil {
		return nil, err
	}
	return rotator, nil
}

// Write implements io.Writer
func (lr *LogRotator) Write(p []byte) (n int, err error) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return 0, os.ErrClosed
	}

	if max := lr.config.MaxSize * 1024 * 1024; max > 0 && lr.size+int64(len(p)) >= max {
		if err := lr.rotate(); err != nil {
			return 0, fmt.Errorf("failed to rotate log: %w", err)
		}
	}

	n, err = lr.file.Write(p)
	lr.size += int64(n)
	return n, err
}

// Close closes the log file
func (lr *LogRotator) Close() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	if lr.file == nil {
		return nil
	}
	err := lr.file.Close()
	lr.file = nil
	return err
}

// Rotate forces an immediate rotation
func (lr *LogRotator) Rotate() error {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	return lr.rotate()
}

func (lr *LogRotator) rotate() error {
	if lr.file != nil {
		if err := lr.file.Close(); err != nil {
			return fmt.Errorf("failed to close current log file: %w", err)
		}
		lr.file = nil
	}

	backup := lr.backupFilename(time.Now().UTC())
	if err := os.Rename(lr.config.Filename, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to rename log file: %w", err)
	}

	if lr.config.Compress {
		if err := compressFile(backup); err != nil {
			fmt.Fprintf(os.Stderr, "failed to compress log file %s: %v\n", backup, err)
		}
	}

	lr.cleanupOldBackups()

	return lr.openFile()
}

func (lr *LogRotator) openFile() error {
	if err := os.MkdirAll(filepath.Dir(lr.config.Filename), 0750); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(lr.config.Filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}

	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to stat log file: %w", err)
	}

	lr.file = file
	lr.size = info.Size()
	return nil
}

func (lr *LogRotator) prefixAndExt() (string, string) {
	name := filepath.Base(lr.config.Filename)
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)], ext
}

func (lr *LogRotator) backupFilename(ts time.Time) string {
	prefix, ext := lr.prefixAndExt()
	// Nanoseconds keep back-to-back rotations distinct.
	stamp := ts.Format("2006-01-02T15-04-05.000000000")
	return filepath.Join(filepath.Dir(lr.config.Filename), fmt.Sprintf("%s-%s%s", prefix, stamp, ext))
}

func compressFile(filename string) error {
	src, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer func() { _ = src.Close() }()

	dst, err := os.OpenFile(filename+".gz", os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}

	zw := gzip.NewWriter(dst)
	if _, err := io.Copy(zw, src); err != nil {
		_ = zw.Close()
		_ = dst.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		_ = dst.Close()
		return err
	}
	if err := dst.Close(); err != nil {
		return err
	}

	return os.Remove(filename)
}

// cleanupOldBackups keeps at most MaxBackups rotated files, newest first.
func (lr *LogRotator) cleanupOldBackups() {
	if lr.config.MaxBackups <= 0 {
		return
	}

	backups := lr.backupFiles()
	if len(backups) <= lr.config.MaxBackups {
		return
	}

	// Names embed the rotation timestamp, so lexical order is age order.
	sort.Strings(backups)
	for _, name := range backups[:len(backups)-lr.config.MaxBackups] {
		if err := os.Remove(name); err != nil {
			fmt.Fprintf(os.Stderr, "failed to remove old backup %s: %v\n", name, err)
		}
	}
}

func (lr *LogRotator) backupFiles() []string {
	dir := filepath.Dir(lr.config.Filename)
	current := filepath.Base(lr.config.Filename)
	prefix, ext := lr.prefixAndExt()

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var backups []string
	for _, entry := range entries {
		name := entry.Name()
		if name == current || !strings.HasPrefix(name, prefix+"-") {
			continue
		}
		if strings.HasSuffix(name, ext) || strings.HasSuffix(name, ext+".gz") {
			backups = append(backups, filepath.Join(dir, name))
		}
	}
	return backups
}
