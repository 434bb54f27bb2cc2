package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// LogLevel represents log verbosity level
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LogFormat represents log output format
type LogFormat string

const (
	LogFormatJSON   LogFormat = "json"
	LogFormatPretty LogFormat = "pretty"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  LogLevel
	Format LogFormat

	// Service is the value of the "service" field, "realtime" when empty.
	Service string
	// Output defaults to os.Stdout.
	Output io.Writer
}

// NewLogger creates the process logger.
//
// JSON output is the default so log shippers can index fields directly.
// The pretty format wraps the output in a zerolog.ConsoleWriter for local
// development. Every entry carries a timestamp, the caller and the service
// name.
//
// Example:
//
//	logger := NewLogger(LoggerConfig{Level: LogLevelInfo, Format: LogFormatJSON})
//	logger.Info().Str("component", "gateway").Int("sessions", 12).Msg("Listening")
func NewLogger(config LoggerConfig) zerolog.Logger {
	output := config.Output
	if output == nil {
		output = os.Stdout
	}

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "realtime"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic is deferred at the top of every goroutine the server starts.
// It logs the panic with its stack and lets the process keep running.
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "writePump", map[string]any{"session_id": id})
//	    ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}
