package util

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

var logOutput io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}

// NewLogger returns the structured logger for one component
func NewLogger(component string) zerolog.Logger {
	return zerolog.New(logOutput).With().Timestamp().Str("component", component).Logger()
}

// SetLogLevel sets the global level from its name (debug, info, warn, error)
func SetLogLevel(level string) error {
	l, err := zerolog.ParseLevel(level)
	if err != nil {
		return errors.Wrapf(err, "bad log level %q", level)
	}
	zerolog.SetGlobalLevel(l)
	return nil
}
