// Package logger builds the zerolog logger shared by the storefront components.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

type Options struct {
	Level  string
	Pretty bool
	Out    io.Writer
}

// New returns a logger tagged with service=storefront. Unknown levels fall back to info.
func New(opts Options) zerolog.Logger {
	out := opts.Out
	if out == nil {
		out = os.Stderr
	}
	if opts.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(opts.Level)
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", "storefront").
		Logger()
}
