package logging

import (
	"bytes"
	"log"
	"sync"
)

// StdWriter adapts a Logger to io.Writer so it can back a standard
// library *log.Logger, such as http.Server.ErrorLog
type StdWriter struct {
	logger Logger
	level  Level
}

// NewStdWriter creates a writer that logs each line at level
func NewStdWriter(logger Logger, level Level) *StdWriter {
	return &StdWriter{logger: logger, level: level}
}

// Write logs p as one entry, without its trailing newline
func (w *StdWriter) Write(p []byte) (int, error) {
	msg := string(bytes.TrimRight(p, "\r\n"))

	switch w.level {
	case DebugLevel:
		w.logger.Debug(msg)
	case WarnLevel:
		w.logger.Warn(msg)
	case ErrorLevel, FatalLevel:
		w.logger.Error(msg)
	default:
		w.logger.Info(msg)
	}
	return len(p), nil
}

// NewStdLogger returns a *log.Logger that writes through logger
func NewStdLogger(logger Logger, level Level) *log.Logger {
	return log.New(NewStdWriter(logger, level), "", 0)
}

var (
	globalMu     sync.RWMutex
	globalLogger = New(nil, nil)
)

// SetGlobalLogger sets the logger used when none is configured
func SetGlobalLogger(logger Logger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = logger
}

// GetGlobalLogger returns the global logger instance
func GetGlobalLogger() Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// Debug logs a debug message to the global logger
func Debug(msg string, fields ...Field) {
	GetGlobalLogger().Debug(msg, fields...)
}

// Info logs an info message to the global logger
func Info(msg string, fields ...Field) {
	GetGlobalLogger().Info(msg, fields...)
}

// Warn logs a warning message to the global logger
func Warn(msg string, fields ...Field) {
	GetGlobalLogger().Warn(msg, fields...)
}

// LogError logs an error message to the global logger
func LogError(msg string, fields ...Field) {
	GetGlobalLogger().Error(msg, fields...)
}
