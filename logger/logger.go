// Package logger builds the zerolog loggers used across the rival agent.
// Every long-lived component derives its own logger via Component so log
// lines can be filtered per subsystem.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New creates the process root logger. Format is "json" or "console",
// level follows zerolog numeric levels (-1 trace .. 5 panic). When
// sampled is set, non-error logs are sampled 1-in-5 to bound volume on
// chatty poll loops.
func New(level int, format string, sampled bool) zerolog.Logger {
	var writer io.Writer = os.Stdout
	if format != "json" {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	log := zerolog.New(writer).
		Level(zerolog.Level(level)).
		With().
		Timestamp().
		Logger()

	if sampled {
		log = log.Sample(&zerolog.BasicSampler{N: 5})
	}
	return log
}

// Component derives a child logger tagged with a component name.
func Component(log zerolog.Logger, name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
