// Package telemetry provides the ambient logging and metrics surface
// threaded through every h3net subsystem: a Debugf/Errorf/Warnf-shaped
// logger backed by logrus, and an optional set of Prometheus
// instruments.
package telemetry

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the logging capability passed explicitly into every
// subsystem, rather than reached for as a package-level global (DESIGN
// NOTES: "Global singletons... Pass explicitly as capabilities").
type Logger struct {
	entry *logrus.Entry
}

// NewLogger builds a Logger writing JSON lines to w at the given level.
func NewLogger(w io.Writer, level logrus.Level) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(level)
	l.SetFormatter(&logrus.JSONFormatter{})
	return &Logger{entry: logrus.NewEntry(l)}
}

// NewDiscardLogger returns a Logger that drops everything; used as the
// zero-value default so callers never need a nil check.
func NewDiscardLogger() *Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &Logger{entry: logrus.NewEntry(l)}
}

func (l *Logger) base() *logrus.Entry {
	if l == nil || l.entry == nil {
		return logrus.NewEntry(logrus.StandardLogger())
	}
	return l.entry
}

func (l *Logger) Debugf(format string, args ...interface{}) { l.base().Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})  { l.base().Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})  { l.base().Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{}) { l.base().Errorf(format, args...) }

// WithField returns a derived Logger that always includes key=value, e.g.
// for tagging log lines with a connection or stream id.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: l.base().WithField(key, value)}
}
