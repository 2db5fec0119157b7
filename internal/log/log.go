// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	SupportedLevels  = "debug, info, warn, error"
	SupportedFormats = "text, json"
)

// syncWriter calls Sync() after each Write to ensure logs appear immediately.
type syncWriter struct{ w io.Writer }

func (s syncWriter) Write(p []byte) (n int, err error) {
	n, err = s.w.Write(p)
	if f, ok := s.w.(*os.File); ok && err == nil {
		f.Sync()
	}
	return n, err
}

// Configure sets the default slog logger level and output format, writing
// to stderr.
func Configure(level, format string) error {
	return ConfigureWriter(syncWriter{w: os.Stderr}, level, format)
}

// ConfigureWriter is Configure with the log output sent to w.
func ConfigureWriter(w io.Writer, level, format string) error {
	h, err := newHandler(w, level, format)
	if err != nil {
		return err
	}
	slog.SetDefault(slog.New(h))
	return nil
}

func newHandler(w io.Writer, level, format string) (slog.Handler, error) {
	l, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: l}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "":
		return slog.NewTextHandler(w, opts), nil
	case "json":
		return slog.NewJSONHandler(w, opts), nil
	default:
		return nil, fmt.Errorf("invalid log format %q: must be one of %s", format, SupportedFormats)
	}
}

func parseLevel(level string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level %q: must be one of %s", level, SupportedLevels)
	}
}
