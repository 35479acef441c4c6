// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Sink receives a JSON copy of every log line (e.g. log storage). Optional.
	Sink io.Writer

	// RunID is attached to every line as run_id when set.
	RunID string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	level := parseLevel(cfg.Level)
	zerolog.SetGlobalLevel(level)

	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	var output io.Writer = cfg.Output
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: cfg.Output}
	}
	if cfg.Sink != nil {
		// Log storage always gets JSON, whatever the console format.
		output = zerolog.MultiLevelWriter(output, cfg.Sink)
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.RunID != "" {
		ctx = ctx.Str("run_id", cfg.RunID)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Causes flattens err into its chain of messages, outermost first. Joined
// errors contribute every branch.
func Causes(err error) []string {
	var out []string
	var walk func(error)
	walk = func(e error) {
		for e != nil {
			out = append(out, e.Error())
			if joined, ok := e.(interface{ Unwrap() []error }); ok {
				for _, inner := range joined.Unwrap() {
					walk(inner)
				}
				return
			}
			e = errors.Unwrap(e)
		}
	}
	walk(err)
	return out
}

// Log Level Guidelines:
//
// Debug: Detailed information for debugging
//   - Individual page requests and continuation links
//   - Token cache hits, throttle waits
//   - Stage pool waits at the limit
//
// Info: Normal operation events
//   - Run start/finish, mailbox files loaded
//   - Mailbox sweeps completed
//   - Periodic progress snapshots
//
// Warn: Warning conditions that don't prevent operation
//   - Retry attempts
//   - Mailboxes skipped on 401/403/404
//   - Licensing model fallback on 402
//   - Input descriptors without an identifier
//
// Error: Error conditions requiring attention
//   - Retries exhausted
//   - Failed units of work
//   - Fatal run errors (with all nested causes)
//
// Context Fields:
//   - component: emitting package
//   - run_id: identifier of the current run
//   - mailbox: mailbox external directory id
//   - status: HTTP status code
//   - model: licensing model (A or B)
//   - stage: pipeline stage name
//   - attempt / backoff: retry bookkeeping
//   - error_class: error classification (client, server, throttle, network, auth_expired)
