package slogutil

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/hasko/adocheck/internal/config"
)

func TestLineHandler_Format(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Info("relationships fetched", "entity", "e-1", "count", 42)

	out := buf.String()
	for _, want := range []string{"[info]", "relationships fetched", " | ", "entity=e-1", "count=42"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestLineHandler_QuotesAndErrors(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelInfo)

	logger.Warn("fetch failed", "name", "Corporate Cluster", "error", errors.New("boom"))

	out := buf.String()
	if !strings.Contains(out, `name="Corporate Cluster"`) {
		t.Errorf("expected quoted name, got: %s", out)
	}
	if !strings.Contains(out, "error=boom") {
		t.Errorf("expected error text, got: %s", out)
	}
}

func TestLineHandler_Levels(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelWarn)

	logger.Info("hidden")
	logger.Warn("shown")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("info should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, "[warn] shown") {
		t.Errorf("expected warn record, got: %s", out)
	}
}

func TestLineHandler_WithAttrsAndGroup(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, slog.LevelDebug).With("run", "r1").WithGroup("bfs")

	logger.Debug("level done", "depth", 2, slog.Group("frontier", "size", 7))

	out := buf.String()
	for _, want := range []string{"run=r1", "bfs.depth=2", "bfs.frontier.size=7"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in output, got: %s", want, out)
		}
	}
}

func TestLevelFromString(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := LevelFromString(in); got != want {
			t.Errorf("LevelFromString(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestLevelFromVerbosity(t *testing.T) {
	if _, ok := LevelFromVerbosity(0, false); ok {
		t.Error("no flags should report ok=false")
	}
	if lvl, _ := LevelFromVerbosity(1, false); lvl != slog.LevelInfo {
		t.Errorf("-v = %v, want info", lvl)
	}
	if lvl, _ := LevelFromVerbosity(3, false); lvl != slog.LevelDebug {
		t.Errorf("-vvv = %v, want debug", lvl)
	}
	if lvl, _ := LevelFromVerbosity(2, true); lvl != LevelSilent {
		t.Errorf("quiet = %v, want silent", lvl)
	}
}

func TestTeeHandler(t *testing.T) {
	var a, b bytes.Buffer
	logger := slog.New(NewTeeHandler(
		NewLineHandler(&a, &slog.HandlerOptions{Level: slog.LevelWarn}),
		NewLineHandler(&b, &slog.HandlerOptions{Level: slog.LevelDebug}),
	))

	logger.Info("only b")
	logger.Error("both")

	if strings.Contains(a.String(), "only b") {
		t.Error("warn handler should not receive info")
	}
	if !strings.Contains(b.String(), "only b") || !strings.Contains(b.String(), "both") {
		t.Errorf("debug handler missing records: %s", b.String())
	}
	if !strings.Contains(a.String(), "both") {
		t.Errorf("warn handler missing error record: %s", a.String())
	}
}

func TestLoggerFactory(t *testing.T) {
	dir := t.TempDir()
	var console bytes.Buffer

	f := NewLoggerFactory(config.LoggingConfig{
		Level:   "error",
		Format:  "json",
		File:    "logs/adocheck.log",
		MaxSize: "1MB",
	}, dir, &console)
	defer f.Close()

	logger, err := f.Logger(slog.LevelInfo, true)
	if err != nil {
		t.Fatalf("Logger failed: %v", err)
	}
	logger.Info("started", "sources", 3)

	if !strings.Contains(console.String(), `"msg":"started"`) {
		t.Errorf("expected JSON console output, got: %s", console.String())
	}
}

func TestNewDiscardLogger(t *testing.T) {
	logger := NewDiscardLogger()
	logger.Error("nothing")
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Error("discard logger should not be enabled")
	}
}
