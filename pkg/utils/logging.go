package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
)

// LoggingConfig describes where and how the process logs.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text or json
	File   string `yaml:"file"`

	// Rotation applies only when File is set; MaxSizeMB of 0 disables it.
	MaxSizeMB  int64 `yaml:"max_size_mb"`
	MaxBackups int   `yaml:"max_backups"`
	Compress   bool  `yaml:"compress"`
}

// ParseLogLevel parses a string log level
func ParseLogLevel(level string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO", "":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a slog logger from config. The returned closer releases
// the log file, if any, and is never nil.
func NewLogger(config LoggingConfig) (*slog.Logger, io.Closer, error) {
	level, err := ParseLogLevel(config.Level)
	if err != nil {
		return nil, nil, err
	}

	var (
		output io.Writer = os.Stderr
		closer io.Closer = io.NopCloser(nil)
	)

	if config.File != "" {
		rotator, err := NewLogRotator(&RotationConfig{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			Compress:   config.Compress,
		})
		if err != nil {
			return nil, nil, err
		}
		output, closer = rotator, rotator
	}

	return NewLoggerWithWriter(output, level, config.Format), closer, nil
}

// NewLoggerWithWriter builds a text or JSON slog logger writing to w.
func NewLoggerWithWriter(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// DiscardLogger returns a logger that drops everything.
func DiscardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// FormatBytes formats bytes as human-readable string
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses a human-readable byte string such as "10MB", "512K" or "1.5GiB".
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	s = strings.TrimSuffix(s, "IB")
	s = strings.TrimSuffix(s, "B")

	multiplier := int64(1)
	if n := len(s); n > 0 {
		if idx := strings.IndexByte("KMGTP", s[n-1]); idx >= 0 {
			for i := 0; i <= idx; i++ {
				multiplier *= 1024
			}
			s = s[:n-1]
		}
	}

	num, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || num < 0 {
		return 0, fmt.Errorf("invalid size: %q", s)
	}

	return int64(num * float64(multiplier)), nil
}
