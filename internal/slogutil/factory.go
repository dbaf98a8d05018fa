package slogutil

import (
	"io"
	"log/slog"
	"path/filepath"

	"github.com/hasko/adocheck/internal/config"
)

// LoggerFactory builds the process logger from config and CLI flags.
// Console precedence: CLI flag > logging.level > warn.
type LoggerFactory struct {
	cfg     config.LoggingConfig
	baseDir string
	console io.Writer
	closers []io.Closer
}

// NewLoggerFactory creates a factory writing console output to console (usually stderr).
func NewLoggerFactory(cfg config.LoggingConfig, baseDir string, console io.Writer) *LoggerFactory {
	return &LoggerFactory{cfg: cfg, baseDir: baseDir, console: console}
}

// Logger returns a logger for the console, teed to logging.file when configured.
// cliSet reports whether cliLevel came from a flag.
func (f *LoggerFactory) Logger(cliLevel slog.Level, cliSet bool) (*slog.Logger, error) {
	level := slog.LevelWarn
	if f.cfg.Level != "" {
		level = LevelFromString(f.cfg.Level)
	}
	if cliSet {
		level = cliLevel
	}

	console := f.handler(f.console, level)
	if f.cfg.File == "" {
		return slog.New(console), nil
	}

	path := f.cfg.File
	if !filepath.IsAbs(path) {
		path = filepath.Join(f.baseDir, path)
	}
	maxSize, err := ParseSize(f.cfg.MaxSize)
	if err != nil {
		return nil, err
	}
	rf, err := OpenRotatingFile(path, maxSize, f.cfg.MaxBackups)
	if err != nil {
		return nil, err
	}
	f.closers = append(f.closers, rf)

	// the file keeps info even when the console is quiet
	fileLevel := slog.LevelInfo
	if level < fileLevel {
		fileLevel = level
	}
	return slog.New(NewTeeHandler(console, f.handler(rf, fileLevel))), nil
}

func (f *LoggerFactory) handler(w io.Writer, level slog.Level) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	if f.cfg.Format == "json" {
		return slog.NewJSONHandler(w, opts)
	}
	return NewLineHandler(w, opts)
}

// Close closes all open log files.
func (f *LoggerFactory) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}
