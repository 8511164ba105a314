package infrastructure

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger configures the global zerolog logger. format is "json" (default)
// or "text" for a human-readable console writer.
func InitLogger(service, level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339

	var logger zerolog.Logger
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "console":
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen})
	default:
		logger = zerolog.New(os.Stdout)
	}
	logger = logger.With().Timestamp().Str("service", service).Logger()
	log.Logger = logger

	if err != nil {
		logger.Warn().Str("level", level).Msg("unknown log level, defaulting to info")
	}
	return logger
}
