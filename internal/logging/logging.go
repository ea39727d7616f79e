// Package logging configures the replica's structured logger and
// provides the panic-recovery helper every long-lived goroutine wraps
// itself in.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Options configures New.
type Options struct {
	Level  string // debug, info, warn, error, fatal
	Format Format
}

// New builds a zerolog.Logger tagged with the replica's name, ready to
// be further tagged per component via .With().Str("component", ...).
func New(replicaName string, opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer = os.Stdout
	if opts.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("replica", replicaName).
		Logger()
}

// Component returns logger tagged with the owning subsystem, the
// convention every component (mesh, health, gateway, notify, catchup)
// uses for its own logger.
func Component(base zerolog.Logger, name string) zerolog.Logger {
	return base.With().Str("component", name).Logger()
}

// RecoverPanic is deferred at the top of the gateway's per-client
// handler and the notify dispatcher's per-subscriber goroutines so a
// single handler's panic cannot bring down the replica process. The
// mesh's peer reader recovers panics with its own inline handler; the
// health prober does not recover panics.
func RecoverPanic(logger zerolog.Logger, goroutineName string) {
	if r := recover(); r != nil {
		logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack())).
			Msg("goroutine panic recovered")
	}
}
