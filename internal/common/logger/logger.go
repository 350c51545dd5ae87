// Package logger wraps logrus with the field/level API the rest of the
// codebase is written against, so every call site reads the same whether
// the underlying library is logrus, zap, or stdlib log.
package logger

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is a structured, leveled logger scoped to a service name.
type Logger struct {
	entry *logrus.Entry
}

// New builds a Logger for the given service/component name. Output format
// is JSON in production-like environments and text in local development,
// selected by LOG_FORMAT.
func New(service string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)

	if os.Getenv("LOG_FORMAT") == "text" {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{})
	}

	if lvl, err := logrus.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		base.SetLevel(lvl)
	} else {
		base.SetLevel(logrus.InfoLevel)
	}

	return &Logger{entry: base.WithField("service", service)}
}

// With returns a child logger carrying an additional structured field.
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

func (l *Logger) Info(args ...interface{})  { l.entry.Info(args...) }
func (l *Logger) Warn(args ...interface{})  { l.entry.Warn(args...) }
func (l *Logger) Error(args ...interface{}) { l.entry.Error(args...) }
func (l *Logger) Debug(args ...interface{}) { l.entry.Debug(args...) }

func (l *Logger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
func (l *Logger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }
