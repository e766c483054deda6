package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"voicedialer/internal/config"
)

// New builds the base service logger from configuration.
func New(cfg config.LogConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var writer io.Writer = os.Stdout
	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"}
	}

	return zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("service", "voicedialer").
		Logger()
}

// WithComponent returns a child logger annotated with a component name.
func WithComponent(l zerolog.Logger, component string) zerolog.Logger {
	return l.With().Str("component", component).Logger()
}
