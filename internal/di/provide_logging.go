package di

import (
	"context"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// ProvideLogger creates a new zerolog.Logger configured for the runtime environment.
// When stdout is a terminal, it uses console format with pretty printing.
// Otherwise (systemd, cron, container) it uses JSON format.
func ProvideLogger() zerolog.Logger {
	if isatty.IsTerminal(os.Stdout.Fd()) {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).
			Level(zerolog.InfoLevel).
			With().
			Timestamp().
			Logger()
	}

	return zerolog.New(os.Stdout).
		Level(zerolog.InfoLevel).
		With().
		Timestamp().
		Logger()
}

// ProvideContext returns a background context carrying the logger, for
// providers whose collaborators read the logger from the context.
func ProvideContext(logger zerolog.Logger) context.Context {
	return logger.WithContext(context.Background())
}
