package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestNewLoggerDefault(t *testing.T) {
	logger := NewLogger(nil)
	if logger == nil {
		t.Fatal("NewLogger(nil) returned nil")
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelWarn, Output: &buf})

	logger.Debug("should not appear")
	logger.Info("should not appear either")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below configured level, got %q", buf.String())
	}

	logger.Warn("visible", "k", "v")
	if !strings.Contains(buf.String(), "visible") {
		t.Fatalf("expected warn line, got %q", buf.String())
	}
	if !strings.Contains(buf.String(), "k=v") {
		t.Fatalf("expected formatted kv pair, got %q", buf.String())
	}
}

func TestLoggerSubComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	sub := logger.Sub("stream")

	sub.Info("lane matched")
	if !strings.Contains(buf.String(), "[stream]") {
		t.Fatalf("expected component tag, got %q", buf.String())
	}
}

func TestDefaultAndSetDefault(t *testing.T) {
	var buf bytes.Buffer
	custom := NewLogger(&Config{Level: LevelDebug, Output: &buf})
	SetDefault(custom)
	defer SetDefault(NewLogger(nil))

	Info("via package func")
	if !strings.Contains(buf.String(), "via package func") {
		t.Fatalf("expected package-level Info to use default logger, got %q", buf.String())
	}
}
