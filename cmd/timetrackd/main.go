package main

import (
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/goodtune/timetrack/internal/config"
	"github.com/goodtune/timetrack/internal/usage"
)

func main() {
	Execute()
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	// Set log level
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "trace":
		level = zerolog.TraceLevel
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	zerolog.SetGlobalLevel(level)

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}

// parseDuration parses a duration string with a fallback
func parseDuration(s string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

// trackerConfig converts the tracking section into tracker settings.
func trackerConfig(cfg config.TrackingConfig) usage.Config {
	return usage.Config{
		InactivityThreshold:   parseDuration(cfg.InactivityThreshold, usage.DefaultInactivityThreshold),
		ActivityFlushInterval: parseDuration(cfg.ActivityFlushInterval, usage.DefaultActivityFlushInterval),
		FlushInterval:         parseDuration(cfg.FlushInterval, usage.DefaultFlushInterval),
		SweepInterval:         parseDuration(cfg.SweepInterval, usage.DefaultSweepInterval),
		CleanupInterval:       parseDuration(cfg.CleanupInterval, usage.DefaultCleanupInterval),
		RetentionDays:         cfg.RetentionDays,
	}
}
