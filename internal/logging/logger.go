package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger *zerolog.Logger
)

// Init initializes the global structured logger.
// format is "console" (default) or "json".
func Init(level, format string) {
	InitWithWriter(level, format, os.Stderr)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(level, format string, w io.Writer) {
	zerolog.TimeFieldFormat = time.RFC3339

	out := w
	if strings.ToLower(format) != "json" {
		out = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: "2006-01-02T15:04:05.000Z07:00",
			NoColor:    true,
		}
	}

	l := zerolog.New(out).Level(parseLevel(level)).With().Timestamp().Logger()

	mu.Lock()
	logger = &l
	mu.Unlock()
}

func parseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Logger returns the global logger instance.
func Logger() *zerolog.Logger {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l == nil {
		Init("info", "console")
		mu.RLock()
		l = logger
		mu.RUnlock()
	}
	return l
}

// With returns a child logger carrying the given key/value pairs.
func With(args ...any) zerolog.Logger {
	return Logger().With().Fields(args).Logger()
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	Logger().Debug().Fields(args).Msg(msg)
}

// Info logs an info message.
func Info(msg string, args ...any) {
	Logger().Info().Fields(args).Msg(msg)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	Logger().Warn().Fields(args).Msg(msg)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	Logger().Error().Fields(args).Msg(msg)
}
