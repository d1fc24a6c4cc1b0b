// Package log provides the structured logger used throughout the driver.
// Components never depend on zerolog directly; they take a logr.Logger,
// so the backing implementation can be swapped without touching call
// sites.
package log

import (
	"io"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
)

func init() {
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"
}

// New builds a logr.Logger backed by zerolog, writing human-readable
// output to w. verbosity controls which V(n) calls are enabled; 0 logs
// only Info/Error at the default level.
func New(w io.Writer, verbosity int) logr.Logger {
	zerologr.SetMaxV(verbosity)
	zl := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000"}).
		With().
		Timestamp().
		Logger()
	return zerologr.New(&zl)
}

// Discard returns a logger that drops everything, used as the default
// when a caller does not supply one.
func Discard() logr.Logger {
	return logr.Discard()
}

// Default is a convenience constructor writing to stderr at verbosity 0.
func Default() logr.Logger {
	return New(os.Stderr, 0)
}

// Component returns a named child logger scoped to a driver subsystem,
// e.g. "pool" or "cursor".
func Component(l logr.Logger, name string) logr.Logger {
	return l.WithName(name)
}
