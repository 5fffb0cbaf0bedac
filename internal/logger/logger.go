package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger is the process-wide logger. Configure replaces it; packages that
// need fields should derive from it with With().
var Logger zerolog.Logger

type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

func init() {
	Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// Configure sets up the global logger with the specified level and output.
// In dev mode output goes through a human-readable console writer.
func Configure(level LogLevel, isDev bool) {
	var zeroLevel zerolog.Level
	switch level {
	case LevelDebug:
		zeroLevel = zerolog.DebugLevel
	case LevelInfo:
		zeroLevel = zerolog.InfoLevel
	case LevelWarn:
		zeroLevel = zerolog.WarnLevel
	case LevelError:
		zeroLevel = zerolog.ErrorLevel
	default:
		zeroLevel = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(zeroLevel)

	var writer io.Writer = os.Stderr
	if isDev {
		writer = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	Logger = zerolog.New(writer).With().Timestamp().Logger()
	log.Logger = Logger
}

// GetLogLevelFromEnv determines the log level from the DEBUG environment
// variable. Dev mode defaults to debug unless DEBUG is explicitly false.
func GetLogLevelFromEnv(isDev bool) LogLevel {
	debug := strings.ToLower(os.Getenv("DEBUG"))

	if isDev {
		if debug == "false" || debug == "0" {
			return LevelInfo
		}
		return LevelDebug
	}

	if debug == "true" || debug == "1" {
		return LevelDebug
	}
	return LevelInfo
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Debugf(format string, args ...interface{}) {
	Logger.Debug().Msgf(format, args...)
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Infof(format string, args ...interface{}) {
	Logger.Info().Msgf(format, args...)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Warnf(format string, args ...interface{}) {
	Logger.Warn().Msgf(format, args...)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, args ...interface{}) {
	Logger.Error().Msgf(format, args...)
}

// WithField creates a derived logger carrying a single field.
func WithField(key string, value interface{}) zerolog.Logger {
	return Logger.With().Interface(key, value).Logger()
}
