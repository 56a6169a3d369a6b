// Package telemetry sets up structured logging for the process: an slog
// backbone for machine-parseable events and short bracketed-prefix loggers
// for operational one-liners, the same dual texture the teacher codebase
// uses ("[EVENTS] ...", "[RATE-LIMIT] ...").
package telemetry

import (
	"log"
	"log/slog"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Init configures the default slog logger. When logFile is non-empty, logs
// are written to a rotating file sink; otherwise they go to stderr.
func Init(logFile string, debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}
	if logFile != "" {
		sink := &lumberjack.Logger{
			Filename:   logFile,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     0,
			Compress:   true,
		}
		handler = slog.NewJSONHandler(sink, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// Component returns a bracketed-prefix *log.Logger for a subsystem, matching
// the teacher's "[EVENTS] "/"[RATE-LIMIT] " texture for terse operational
// lines that don't warrant structured slog fields.
func Component(name string) *log.Logger {
	return log.New(log.Writer(), "["+name+"] ", log.LstdFlags)
}
