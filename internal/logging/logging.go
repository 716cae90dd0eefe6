// Package logging builds the zerolog loggers used across the server.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logger configuration.
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json, pretty
}

// New creates a structured JSON logger. Pretty format switches to the
// console writer for local development.
func New(config Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level, err := zerolog.ParseLevel(config.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "synckit-server").
		Logger()
}

// Init installs the configured logger as the global zerolog logger.
// Call once at startup.
func Init(config Config) zerolog.Logger {
	logger := New(config)
	log.Logger = logger
	return logger
}

// RecoverPanic logs a recovered panic with its stack and keeps the
// process running. Use in goroutine defer blocks.
func RecoverPanic(logger zerolog.Logger, goroutine string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutine).
			Any("panic_value", r).
			Str("stack_trace", string(debug.Stack()))
		for k, v := range fields {
			event = event.Any(k, v)
		}
		event.Msg("goroutine panic recovered")
	}
}
