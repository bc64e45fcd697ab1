package logging

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a logrus logger writing to stderr with the given
// level name and format ("json" or "text").
func NewLogger(level, format string) *logrus.Logger {
	return NewLoggerWithOutput(level, format, os.Stderr)
}

// NewLoggerWithOutput is NewLogger with an explicit destination.
func NewLoggerWithOutput(level, format string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(ParseLogrusLevel(level))

	if strings.EqualFold(format, "json") {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: "2006-01-02T15:04:05.000Z07:00"})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return logger
}

// ParseLogrusLevel converts string level to logrus.Level
func ParseLogrusLevel(level string) logrus.Level {
	switch strings.ToLower(level) {
	case "debug":
		return logrus.DebugLevel
	case "warn", "warning":
		return logrus.WarnLevel
	case "error":
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// ValidLevel reports whether level is one of the names accepted on the command line.
func ValidLevel(level string) bool {
	switch strings.ToUpper(level) {
	case "DEBUG", "INFO", "WARNING", "WARN", "ERROR":
		return true
	}
	return false
}

// LogStartup logs process startup in a standardized format
func LogStartup(logger logrus.FieldLogger, serviceName, version, mode string) {
	logger.WithFields(logrus.Fields{
		"service": serviceName,
		"version": version,
		"mode":    mode,
		"event":   "startup",
	}).Info("Application startup")
}

// LogShutdown logs process shutdown in a standardized format
func LogShutdown(logger logrus.FieldLogger, serviceName, reason string) {
	logger.WithFields(logrus.Fields{
		"service": serviceName,
		"reason":  reason,
		"event":   "shutdown",
	}).Info("Application shutdown")
}

// LogResourceStats logs resource statistics in a standardized format
func LogResourceStats(logger logrus.FieldLogger, serviceName string, stats map[string]interface{}) {
	logger.WithFields(logrus.Fields{
		"service": serviceName,
		"stats":   stats,
		"event":   "resource",
	}).Info("Resource statistics")
}
