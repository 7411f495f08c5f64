// Package logging configures the worker core's structured logger.
//
// Grounded on streamspace's api/internal/logger/logger.go: zerolog with a
// pretty console writer for development and JSON output for production,
// tagged with a "service" field.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Init configures and returns the process-wide logger. level is parsed
// with zerolog.ParseLevel and falls back to InfoLevel on a bad value.
func Init(service, level string, pretty bool) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var w = os.Stdout
	var logger zerolog.Logger
	if pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}).
			With().Timestamp().Str("service", service).Logger()
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		logger = zerolog.New(w).With().Timestamp().Str("service", service).Logger()
	}

	logger.Info().Str("level", lvl.String()).Bool("pretty", pretty).Msg("logger initialized")
	return logger
}
