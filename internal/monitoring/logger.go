package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/adred-codev/odin-broadcast/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LoggerConfig holds logger configuration
type LoggerConfig struct {
	Level  types.LogLevel  // Minimum log level
	Format types.LogFormat // Output format
}

// NewLogger creates a structured logger configured for Loki integration
//
// Features:
//   - Structured JSON output (Loki-compatible)
//   - Contextual fields for filtering
//   - Timestamp in RFC3339 format
//   - Caller information for debugging
//
// Example:
//
//	logger := NewLogger(LoggerConfig{
//	    Level:  types.LogLevelInfo,
//	    Format: types.LogFormatJSON,
//	})
//	logger.Info().
//	    Str("component", "broadcaster").
//	    Int("recipients", 100).
//	    Msg("Batch delivered")
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case types.LogLevelDebug:
		level = zerolog.DebugLevel
	case types.LogLevelInfo:
		level = zerolog.InfoLevel
	case types.LogLevelWarn:
		level = zerolog.WarnLevel
	case types.LogLevelError:
		level = zerolog.ErrorLevel
	case types.LogLevelFatal:
		level = zerolog.FatalLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == types.LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	logger := zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "odin-broadcast").
		Logger()

	return logger
}

// LogError logs an error with additional context fields.
func LogError(logger zerolog.Logger, err error, msg string, fields map[string]any) {
	event := logger.Error().Err(err)
	for k, v := range fields {
		event = event.Interface(k, v)
	}
	event.Msg(msg)
}

// RecoverPanic is a helper for goroutine panic recovery that logs but doesn't exit.
//
// Use in defer blocks of long-lived goroutines (worker pools, timers) so a single
// bad event payload cannot take down the whole broadcaster.
//
// Example:
//
//	go func() {
//	    defer monitoring.RecoverPanic(logger, "deliveryWorker", map[string]any{"worker_id": id})
//	    // ... goroutine work ...
//	}()
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		stack := string(debug.Stack())

		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", stack)

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("Goroutine panic recovered")
	}
}

// InitGlobalLogger initializes the global logger.
// This should be called once at application startup.
func InitGlobalLogger(config LoggerConfig) {
	logger := NewLogger(config)
	log.Logger = logger
}
