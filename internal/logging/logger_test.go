package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"info", LevelInfo},
		{"warn", LevelWarn},
		{"error", LevelError},
		{"invalid", LevelInfo},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseLevel(tc.input); got != tc.expected {
				t.Errorf("ParseLevel(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "debug"},
		{LevelInfo, "info"},
		{LevelWarn, "warn"},
		{LevelError, "error"},
		{Level(99), "unknown"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			if got := tc.level.String(); got != tc.expected {
				t.Errorf("Level.String() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		input    string
		expected Format
	}{
		{"json", FormatJSON},
		{"text", FormatText},
		{"invalid", FormatJSON},
	}

	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			if got := ParseFormat(tc.input); got != tc.expected {
				t.Errorf("ParseFormat(%q) = %v, want %v", tc.input, got, tc.expected)
			}
		})
	}
}

func decodeEntry(t *testing.T, buf *bytes.Buffer) Entry {
	t.Helper()
	var entry Entry
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("failed to parse JSON log output %q: %v", buf.String(), err)
	}
	return entry
}

func TestLoggerJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l.Infof("region freed", map[string]any{"size": 4096})

	entry := decodeEntry(t, &buf)
	if entry.Message != "region freed" {
		t.Errorf("message = %q, want %q", entry.Message, "region freed")
	}
	if entry.Level != "info" {
		t.Errorf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Timestamp.IsZero() {
		t.Error("timestamp should not be zero")
	}
	if entry.Fields["size"] != float64(4096) {
		t.Errorf("fields[size] = %v, want 4096", entry.Fields["size"])
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelWarn, Format: FormatJSON, Output: &buf})

	l.Debug("debug msg")
	l.Info("info msg")
	if buf.Len() > 0 {
		t.Error("debug/info should be filtered at warn level")
	}
	if l.Enabled(LevelInfo) {
		t.Error("Enabled(info) should be false at warn level")
	}

	l.Warn("warn msg")
	if buf.Len() == 0 {
		t.Error("warn should be logged at warn level")
	}

	l.SetLevel(LevelDebug)
	if got := l.GetLevel(); got != LevelDebug {
		t.Errorf("GetLevel() = %v, want %v", got, LevelDebug)
	}
}

func TestLoggerComponentAndDevice(t *testing.T) {
	var buf bytes.Buffer
	base := New(Config{Level: LevelInfo, Format: FormatJSON, Output: &buf})

	l := base.WithComponent("scrub").WithDevice("dev-0").With(map[string]any{"k": "v"})
	l.Info("hello")

	entry := decodeEntry(t, &buf)
	if entry.Component != "scrub" {
		t.Errorf("component = %q, want scrub", entry.Component)
	}
	if entry.Device != "dev-0" {
		t.Errorf("device = %q, want dev-0", entry.Device)
	}
	if entry.Fields["k"] != "v" {
		t.Errorf("fields[k] = %v, want v", entry.Fields["k"])
	}

	buf.Reset()
	base.Info("plain")
	entry = decodeEntry(t, &buf)
	if entry.Component != "" || entry.Device != "" || len(entry.Fields) != 0 {
		t.Errorf("derived loggers must not mutate the parent: %+v", entry)
	}
}

func TestLoggerCallerInfo(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelDebug, Format: FormatJSON, Output: &buf, AddCaller: true})

	l.Debug("with caller")

	entry := decodeEntry(t, &buf)
	if !strings.HasSuffix(entry.File, "logger_test.go") {
		t.Errorf("file = %q, want logger_test.go", entry.File)
	}
	if entry.Line == 0 {
		t.Error("line should be set")
	}
}

func TestLoggerTextFormat(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Format: FormatText, Output: &buf})

	l.WithComponent("engine").Warnf("busy", map[string]any{"depth": 8, "path": "async"})

	out := buf.String()
	for _, want := range []string{"[warn] busy", "component=engine", "depth=8", "path=async"} {
		if !strings.Contains(out, want) {
			t.Errorf("text output %q missing %q", out, want)
		}
	}
	if !strings.HasSuffix(out, "\n") {
		t.Error("text output should end with newline")
	}
}

func TestLoggerLimitedWarnf(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{
		Level:      LevelInfo,
		Format:     FormatJSON,
		Output:     &buf,
		RateLimits: map[time.Duration]int{time.Hour: 2},
	})

	allowed := 0
	for i := 0; i < 10; i++ {
		if l.LimitedWarnf("engine-busy", "engine busy", nil) {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed = %d, want 2", allowed)
	}
	if lines := strings.Count(buf.String(), "\n"); lines != 2 {
		t.Errorf("wrote %d lines, want 2", lines)
	}

	// categories are limited independently, and derived loggers share limits
	if !l.WithComponent("x").LimitedWarnf("queue-full", "queue full", nil) {
		t.Error("a fresh category should be allowed")
	}
	if l.WithComponent("x").LimitedWarnf("engine-busy", "engine busy", nil) {
		t.Error("derived logger should share the parent's limiter")
	}
}

func TestLoggerLimitedWarnfUnlimited(t *testing.T) {
	var buf bytes.Buffer
	l := New(Config{Level: LevelInfo, Output: &buf})
	for i := 0; i < 5; i++ {
		if !l.LimitedWarnf("c", "m", nil) {
			t.Fatal("without rate limits every message should pass")
		}
	}
}

func TestDiscard(t *testing.T) {
	l := Discard()
	if l.Enabled(LevelError) {
		t.Error("Discard logger should not enable any level")
	}
	l.Errorf("dropped", nil)
}
