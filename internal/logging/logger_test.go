package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestPrintfWritesTimestampedLine(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf)
	logger.now = func() time.Time { return time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC) }
	logger.With("server").Printf("listening on %s\n", "127.0.0.1:8765")
	want := "[2026-10-01T12:00:00Z] server: listening on 127.0.0.1:8765\n"
	if buf.String() != want {
		t.Fatalf("got %q, want %q", buf.String(), want)
	}
}

func TestNewAppendsToProjectLog(t *testing.T) {
	projectDir := t.TempDir()
	logger, err := New(projectDir)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	logger.Printf("round finished")
	if err := logger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(projectDir, ".council", "logs", "council.log"))
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "round finished") {
		t.Fatalf("log missing line: %q", data)
	}
}

func TestNilLoggerIsSafe(t *testing.T) {
	var logger *Logger
	logger.Printf("ignored")
	if err := logger.Close(); err != nil {
		t.Fatalf("close nil: %v", err)
	}
}
