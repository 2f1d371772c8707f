package utils

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warning", slog.LevelWarn, false},
		{"Error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseLogLevel(tt.input)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLogLevel(%q) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}

func TestNewLoggerWithWriter(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(&buf, slog.LevelInfo, "json")

	logger.Debug("hidden")
	logger.Info("disk tier ready", "entries", 3)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Error("debug message should be filtered at info level")
	}
	if !strings.Contains(out, `"msg":"disk tier ready"`) || !strings.Contains(out, `"entries":3`) {
		t.Errorf("unexpected json output: %s", out)
	}

	buf.Reset()
	NewLoggerWithWriter(&buf, slog.LevelDebug, "text").Debug("visible")
	if !strings.Contains(buf.String(), "msg=visible") {
		t.Errorf("unexpected text output: %s", buf.String())
	}
}

func TestNewLogger_File(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "imagecache.log")

	logger, closer, err := NewLogger(LoggingConfig{Level: "info", File: logFile})
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	logger.Info("started")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "started") {
		t.Errorf("log file missing entry: %s", data)
	}

	if _, _, err := NewLogger(LoggingConfig{Level: "loud"}); err == nil {
		t.Error("expected error for invalid level")
	}
}

func TestFormatBytes(t *testing.T) {
	tests := []struct {
		in   int64
		want string
	}{
		{512, "512 B"},
		{1024, "1.0 KB"},
		{10 * 1024 * 1024, "10.0 MB"},
		{3 * 1024 * 1024 * 1024 / 2, "1.5 GB"},
	}
	for _, tt := range tests {
		if got := FormatBytes(tt.in); got != tt.want {
			t.Errorf("FormatBytes(%d) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"100", 100, false},
		{"512B", 512, false},
		{"64K", 64 * 1024, false},
		{"10MB", 10 * 1024 * 1024, false},
		{"1.5GiB", 3 * 1024 * 1024 * 1024 / 2, false},
		{" 2 gb ", 2 * 1024 * 1024 * 1024, false},
		{"", 0, true},
		{"lots", 0, true},
		{"-5MB", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseBytes(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseBytes(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("ParseBytes(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}
