package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger. It discards everything until Init runs.
var Logger = zerolog.Nop()

// Level is a configured log level
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

var zerologLevels = map[Level]zerolog.Level{
	DebugLevel: zerolog.DebugLevel,
	InfoLevel:  zerolog.InfoLevel,
	WarnLevel:  zerolog.WarnLevel,
	ErrorLevel: zerolog.ErrorLevel,
}

// ParseLevel converts a config string into a Level, defaulting to info
func ParseLevel(s string) Level {
	if _, ok := zerologLevels[Level(s)]; ok {
		return Level(s)
	}
	return InfoLevel
}

func (l Level) zerolog() zerolog.Level {
	if level, ok := zerologLevels[l]; ok {
		return level
	}
	return zerolog.InfoLevel
}

// Config holds logging configuration
type Config struct {
	Level      Level
	JSONOutput bool

	// Output defaults to stdout
	Output io.Writer
}

// Init replaces the global logger. Loggers derived before Init keep
// discarding, so components must be built after it.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerolog())

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if !cfg.JSONOutput {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}
	Logger = zerolog.New(output).With().Timestamp().Logger()
}

// WithComponent creates a child logger with component field
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithResource creates a child logger scoped to one resource operation
func WithResource(logger zerolog.Logger, resourceType, resourceID string, seq int64) zerolog.Logger {
	return logger.With().
		Str("resource_type", resourceType).
		Str("resource_id", resourceID).
		Int64("sequence", seq).
		Logger()
}

// WithNode creates a child logger with node_name field
func WithNode(logger zerolog.Logger, nodeName string) zerolog.Logger {
	return logger.With().Str("node_name", nodeName).Logger()
}

// WithCorrelationID creates a child logger with correlation_id field
func WithCorrelationID(logger zerolog.Logger, id string) zerolog.Logger {
	return logger.With().Str("correlation_id", id).Logger()
}

// RestyLogger adapts a zerolog logger to the resty client logger
type RestyLogger struct {
	logger zerolog.Logger
}

// NewRestyLogger creates a resty logger writing through logger
func NewRestyLogger(logger zerolog.Logger) *RestyLogger {
	return &RestyLogger{logger: logger}
}

func (l *RestyLogger) Errorf(format string, v ...any) {
	l.logger.Error().Msgf(format, v...)
}

func (l *RestyLogger) Warnf(format string, v ...any) {
	l.logger.Warn().Msgf(format, v...)
}

func (l *RestyLogger) Debugf(format string, v ...any) {
	l.logger.Debug().Msgf(format, v...)
}
