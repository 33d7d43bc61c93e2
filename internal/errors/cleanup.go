// Package errors provides cleanup helpers that log instead of dropping errors.
package errors

import (
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
)

// Stopper is implemented by components with a blocking shutdown.
type Stopper interface {
	Stop() error
}

// DeferClose properly closes an io.Closer with logging.
// Use this in defer statements to avoid suppressing close errors.
func DeferClose(logger zerolog.Logger, closer io.Closer, msg string) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// DeferStop stops s and logs a failure.
func DeferStop(logger zerolog.Logger, s Stopper, msg string) {
	if s == nil {
		return
	}
	if err := s.Stop(); err != nil {
		logger.Warn().Err(err).Msg(msg)
	}
}

// CloseAll closes every closer in order and joins the errors.
// Nil closers are skipped.
func CloseAll(closers ...io.Closer) error {
	var errs []error
	for _, c := range closers {
		if c == nil {
			continue
		}
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Must panics if error is not nil.
// Use only for initialization code where failure should halt the program.
func Must(err error, msg string) {
	if err != nil {
		panic(fmt.Sprintf("%s: %v", msg, err))
	}
}
