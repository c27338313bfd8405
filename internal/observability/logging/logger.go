// Package logging provides structured logging with zerolog.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	TimeFormat string // RFC3339, Unix, etc.
}

// DefaultConfig returns sensible default logging configuration.
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     "json",
		TimeFormat: time.RFC3339,
	}
}

// Init initializes the global zerolog logger.
func Init(cfg Config) {
	if cfg.TimeFormat == "" {
		cfg.TimeFormat = time.RFC3339
	}
	// Set time format
	zerolog.TimeFieldFormat = cfg.TimeFormat

	// Parse log level
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	// Configure output format
	var output io.Writer = os.Stdout
	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.Kitchen,
		}
	}

	// Set global logger
	log.Logger = zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "kaldi-serve").
		Logger()
}

// Logger returns the global service logger.
func Logger() zerolog.Logger {
	return log.Logger
}

// WithComponent returns a logger with a component tag.
func WithComponent(component string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Logger()
}

// WithJob returns a logger with job context.
func WithJob(component, operationName string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("operationName", operationName).
		Logger()
}

// WithChunk returns a logger with chunk context.
func WithChunk(component, operationName string, chunkIndex int) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("operationName", operationName).
		Int("chunkIndex", chunkIndex).
		Logger()
}

// WithTask returns a logger with queue delivery context.
func WithTask(component, queue, taskType, taskID string) zerolog.Logger {
	return log.With().
		Str("component", component).
		Str("queue", queue).
		Str("taskType", taskType).
		Str("taskId", taskID).
		Logger()
}
