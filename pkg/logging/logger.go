// Copyright (C) 2025 CacheSight Authors
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package logging configures structured logging for CacheSight tools.
//
// The default destination is stderr in text form, following CLI
// conventions. An optional log directory adds a JSON file handler so
// long sampling runs keep a machine-readable trail; files are named
// {service}_{date}.log.
//
// # Thread Safety
//
// Logger is safe for concurrent use. Close is idempotent.
package logging

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity to emit. Zero value is Info.
	Level slog.Level

	// LogDir enables file logging when non-empty. A leading ~ expands
	// to the user's home directory.
	LogDir string

	// Service names the log file, e.g. "cachesight". Defaults to
	// "cachesight" when empty.
	Service string
}

// Logger wraps slog with an optional file destination.
type Logger struct {
	*slog.Logger

	mu   sync.Mutex
	file *os.File
}

// New builds a logger from the config and installs it as the slog
// default so library components pick it up.
func New(cfg Config) (*Logger, error) {
	if cfg.Service == "" {
		cfg.Service = "cachesight"
	}

	stderr := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.Level})

	l := &Logger{}
	if cfg.LogDir == "" {
		l.Logger = slog.New(stderr)
		slog.SetDefault(l.Logger)
		return l, nil
	}

	dir, err := expandHome(cfg.LogDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, fmt.Errorf("create log directory %s: %w", dir, err)
	}

	name := fmt.Sprintf("%s_%s.log", cfg.Service, time.Now().Format("2006-01-02"))
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0640)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	l.file = file
	l.Logger = slog.New(&teeHandler{
		handlers: []slog.Handler{
			stderr,
			slog.NewJSONHandler(file, &slog.HandlerOptions{Level: cfg.Level}),
		},
	})
	slog.SetDefault(l.Logger)
	return l, nil
}

// Default returns a stderr-only logger at Info level.
func Default() *Logger {
	l, _ := New(Config{})
	return l
}

// Close flushes and closes the log file, if any.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// ParseLevel maps a CLI flag value onto a slog level. Unknown values
// fall back to Info.
func ParseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// teeHandler fans every record out to all destinations.
type teeHandler struct {
	handlers []slog.Handler
}

func (t *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, h := range t.handlers {
		if h.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (t *teeHandler) Handle(ctx context.Context, record slog.Record) error {
	var firstErr error
	for _, h := range t.handlers {
		if !h.Enabled(ctx, record.Level) {
			continue
		}
		if err := h.Handle(ctx, record.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithAttrs(attrs)
	}
	return &teeHandler{handlers: out}
}

func (t *teeHandler) WithGroup(name string) slog.Handler {
	out := make([]slog.Handler, len(t.handlers))
	for i, h := range t.handlers {
		out[i] = h.WithGroup(name)
	}
	return &teeHandler{handlers: out}
}

func expandHome(path string) (string, error) {
	if len(path) == 0 || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}
