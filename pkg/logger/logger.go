// Package logger builds the zerolog loggers handed to docflow components.
// There is no package-level logger; processes construct one and pass it down.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	// Env selects the output format. "production" emits JSON, anything else
	// pretty-prints to the console.
	Env string

	// Level is a zerolog level name ("debug", "info", ...). Empty means info.
	Level string

	// Out overrides the destination. Defaults to stdout in production and stderr otherwise.
	Out io.Writer
}

// New returns a logger configured from opts.
func New(opts Options) zerolog.Logger {
	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	if opts.Env == "production" {
		out := opts.Out
		if out == nil {
			out = os.Stdout
		}
		return zerolog.New(out).Level(level).With().Timestamp().Logger()
	}

	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// Component returns a child logger tagged with the component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
