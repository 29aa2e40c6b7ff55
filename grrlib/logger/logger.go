/*
This package wraps zerolog so that every component of the client logs through the
same configured writers. Components never create their own loggers; they are handed
one and derive sub-loggers from it with GetComponentLogger and friends.
*/
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	// lumberjack rotation settings for the client log file
	maxLogFileSizeMB = 25
	maxLogBackups    = 5
	maxLogAgeDays    = 30
)

type Config struct {
	// If set, logs are also written to this file and rotated
	FilePath string

	// Additional writers, e.g. os.Stdout or a test buffer
	ConsoleWriters []io.Writer

	LogLevel zerolog.Level
}

type Logger struct {
	logger zerolog.Logger

	// shared by a logger and every sub-logger derived from it
	clientId *clientIdHook
}

// clientIdHook stamps log lines with the client id, which only becomes known once the
// client has a key and may be set while other goroutines are logging.
type clientIdHook struct {
	id atomic.Pointer[string]
}

func (h *clientIdHook) Run(e *zerolog.Event, level zerolog.Level, msg string) {
	if id := h.id.Load(); id != nil {
		e.Str("clientId", *id)
	}
}

// Init sets the process-wide zerolog settings. It is called once from the client's
// static initialization before any goroutines are started.
func Init() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.DurationFieldUnit = time.Millisecond
}

func New(config *Config) (*Logger, error) {
	var writers []io.Writer
	writers = append(writers, config.ConsoleWriters...)

	if config.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(config.FilePath), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory for %s: %w", config.FilePath, err)
		}

		writers = append(writers, &lumberjack.Logger{
			Filename:   config.FilePath,
			MaxSize:    maxLogFileSizeMB,
			MaxBackups: maxLogBackups,
			MaxAge:     maxLogAgeDays,
			Compress:   true,
		})
	}

	if len(writers) == 0 {
		return nil, fmt.Errorf("logger needs at least one writer or a file path")
	}

	hook := &clientIdHook{}

	multi := zerolog.MultiLevelWriter(writers...)
	zl := zerolog.New(multi).
		Level(config.LogLevel).
		With().
		Timestamp().
		Logger().
		Hook(hook)

	return &Logger{
		logger:   zl,
		clientId: hook,
	}, nil
}

func ToLogLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled":
		return zerolog.Disabled
	default:
		return zerolog.DebugLevel
	}
}

// AddClientId stamps every subsequent log line with our client id, on this logger and
// on every logger derived from the same root. A later call replaces the id.
func (l *Logger) AddClientId(clientId string) {
	l.clientId.id.Store(&clientId)
}

func (l *Logger) AddVersion(version string) {
	l.logger = l.logger.With().Str("version", version).Logger()
}

func (l *Logger) GetComponentLogger(component string) *Logger {
	return &Logger{
		logger:   l.logger.With().Str("component", component).Logger(),
		clientId: l.clientId,
	}
}

func (l *Logger) GetConnectionLogger(url string) *Logger {
	return &Logger{
		logger:   l.logger.With().Str("connection", url).Logger(),
		clientId: l.clientId,
	}
}

func (l *Logger) Trace(msg string) {
	l.logger.Trace().Msg(msg)
}

func (l *Logger) Tracef(format string, a ...interface{}) {
	l.logger.Trace().Msgf(format, a...)
}

func (l *Logger) Debug(msg string) {
	l.logger.Debug().Msg(msg)
}

func (l *Logger) Debugf(format string, a ...interface{}) {
	l.logger.Debug().Msgf(format, a...)
}

func (l *Logger) Info(msg string) {
	l.logger.Info().Msg(msg)
}

func (l *Logger) Infof(format string, a ...interface{}) {
	l.logger.Info().Msgf(format, a...)
}

func (l *Logger) Warn(msg string) {
	l.logger.Warn().Msg(msg)
}

func (l *Logger) Warnf(format string, a ...interface{}) {
	l.logger.Warn().Msgf(format, a...)
}

func (l *Logger) Error(err error) {
	l.logger.Error().Msg(err.Error())
}

func (l *Logger) Errorf(format string, a ...interface{}) {
	l.logger.Error().Msgf(format, a...)
}
