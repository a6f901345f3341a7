// Package klog provides structured logging for the storage engine via
// zerolog: a global logger configured once at Init, and component-scoped
// child loggers for the subsystems that need to tag their own output
// (stripe, WAL, SST, compactor).
package klog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance. It discards everything until an
// embedding process opts into output via Init — the engine is a
// library and never configures process-wide logging on its own.
var Logger = zerolog.New(io.Discard)

// Level mirrors zerolog's severity levels under engine-local names.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config configures the global logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger. Calling it more than once replaces
// the prior configuration. The engine never calls it; the embedding
// process does, if it wants log output.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent creates a child logger tagged with the owning subsystem
// ("wal", "stripe", "compactor", "engine", ...).
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithStripe creates a child logger tagged with the stripe ID a log line
// concerns.
func WithStripe(component string, stripeID uint8) zerolog.Logger {
	return Logger.With().Str("component", component).Uint8("stripe_id", stripeID).Logger()
}

// WithSST creates a child logger tagged with the SST path a log line
// concerns.
func WithSST(component string, path string) zerolog.Logger {
	return Logger.With().Str("component", component).Str("sst_path", path).Logger()
}

func Info(msg string) { Logger.Info().Msg(msg) }

func Debug(msg string) { Logger.Debug().Msg(msg) }

func Warn(msg string) { Logger.Warn().Msg(msg) }

func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) { Logger.Error().Err(err).Msg(format) }
