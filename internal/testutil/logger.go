// Package testutil holds helpers shared by package tests.
package testutil

import (
	"bytes"
	"io"
	"testing"

	"github.com/rs/zerolog"
)

// NewTestLogger returns a logger that drops everything. Components under test
// still build their sub-loggers from it.
func NewTestLogger(tb testing.TB) zerolog.Logger {
	return zerolog.New(io.Discard)
}

// NewTestLoggerWithOutput returns a trace-level logger whose lines end up in
// the test log, tagged with the test name. Output is only shown for failing
// tests or with -v.
func NewTestLoggerWithOutput(tb testing.TB) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: tbWriter{tb}, NoColor: true}).
		Level(zerolog.TraceLevel).
		With().
		Timestamp().
		Str("test", tb.Name()).
		Logger()
}

type tbWriter struct {
	tb testing.TB
}

func (w tbWriter) Write(p []byte) (int, error) {
	w.tb.Log(string(bytes.TrimRight(p, "\n")))
	return len(p), nil
}
