// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options select where and how much to log.
type Options struct {
	Level string // debug, info, warn or error

	// File receives JSON records, rotated. Empty uses Dir/vaultagent.log;
	// both empty disables the file.
	File string
	Dir  string

	// Console, when set, also receives text records.
	Console io.Writer
}

// ParseLevel maps a level name to a slog level, info when unknown.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

// New returns a logger and a function closing its file. The TUI owns the
// terminal, so interactive runs log to the file only.
func New(opts Options) (*slog.Logger, func() error) {
	level := ParseLevel(opts.Level)
	hopts := &slog.HandlerOptions{Level: level}

	var handlers []slog.Handler
	closeFn := func() error { return nil }

	if path := logFile(opts); path != "" {
		fileLogger := &lumberjack.Logger{
			Filename:   path,
			MaxSize:    50,
			MaxAge:     7,
			MaxBackups: 3,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewJSONHandler(fileLogger, hopts))
		closeFn = fileLogger.Close
	}
	if opts.Console != nil {
		handlers = append(handlers, slog.NewTextHandler(opts.Console, hopts))
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, hopts)), closeFn
	case 1:
		return slog.New(handlers[0]), closeFn
	}
	return slog.New(fanout(handlers)), closeFn
}

func logFile(opts Options) string {
	if opts.File != "" {
		return opts.File
	}
	if opts.Dir != "" {
		return filepath.Join(opts.Dir, "vaultagent.log")
	}
	return ""
}
