// Package kernlog gives every kernel subsystem the same narrated-progress
// logging habit the teacher's bare-metal code has (page.go, heap.go: a
// running commentary of "...Init: step done" over the UART) but through a
// real structured logger instead of raw byte writes, since this module
// runs hosted rather than bare-metal.
package kernlog

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a zerolog.Logger writing to w (os.Stderr if w is nil),
// tagged with subsystem, matching the teacher's one-log-line-per-component
// convention.
func New(subsystem string, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	return zerolog.New(w).With().Timestamp().Str("subsystem", subsystem).Logger()
}

// Nop returns a logger that discards everything, for callers (tests,
// library embedders) that don't want kernel chatter.
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
