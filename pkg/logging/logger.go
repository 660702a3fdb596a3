// Package logging configures the zerolog loggers of the harvester.
package logging

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrInvalidLevel is returned by ParseLevel for an unknown level name.
var ErrInvalidLevel = errors.New("invalid log level")

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs page fetches, cache and seen set operations.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs harvest and pool lifecycle events.
	LevelInfo LogLevel = "info"

	// LevelWarn logs restarts, throttling and soft invariant violations.
	LevelWarn LogLevel = "warn"

	// LevelError logs failures that end a harvest.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off.
	LevelDisabled LogLevel = "disabled"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output instead of JSON.
	Pretty bool

	// Output receives the log lines (default: os.Stderr). Harvested records
	// go to stdout, so logs must not.
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	level, err := ParseLevel(string(cfg.Level))
	if err != nil {
		level = LevelInfo
	}
	zerolog.SetGlobalLevel(toZerolog(level))

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.TimeOnly, NoColor: !isTerminal(out)}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// isTerminal reports whether w writes to a terminal. Colors are only
// emitted there.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ParseLevel validates a level name. The empty string means info.
func ParseLevel(name string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	case "disabled", "off", "none":
		return LevelDisabled, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidLevel, name)
	}
}

func toZerolog(level LogLevel) zerolog.Level {
	switch level {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelDisabled:
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a logger derived from the global one with the given
// component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: page-level detail
//   - Page fetches and cursor changes
//   - Count cache hits and conditional requests
//   - Seen set resets
//   - Runner hiring and retirement
//
// Info: harvest lifecycle
//   - Harvest started (partitions, workers, expected total)
//   - Pool closed down (completed partitions, restarts, duplicates)
//   - Metrics server startup/shutdown
//
// Warn: recoverable conditions
//   - Partition restarts and request retries
//   - Rate limit throttling
//   - Total or keep-alive changes during a scroll
//   - Cache errors (the request goes to the service)
//
// Error: conditions ending the harvest
//   - Consistency violations
//   - Exhausted retries
//   - Count mismatches
//   - Critical rate limit blocks
//
// Context Fields:
//   - component: emitting package (harvest, pool, scroll, istex-client)
//   - run_id: harvest identifier
//   - partition: partition index; suffix: its ark suffix
//   - runner: runner name within the pool
//   - query: query text
//   - kind: request kind (count, scroll_start, scroll_next)
//   - status_code, error_class: failed request details
//   - attempt: retry or restart attempt
