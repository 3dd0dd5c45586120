// Package logging provides the structured logger every actor, transport task
// and worker pool in this module writes through.
package logging

import (
	"os"

	"github.com/sirupsen/logrus"
)

// Logger is the sink every component in this module depends on. It mirrors
// the shape actors expect: leveled, printf-style, with a debug toggle that
// defaults to off so hot loops (connection reuse, decode feeding) stay quiet
// unless explicitly requested.
type Logger interface {
	Info(v ...interface{})
	Infof(format string, v ...interface{})
	Warn(v ...interface{})
	Warnf(format string, v ...interface{})
	Error(v ...interface{})
	Errorf(format string, v ...interface{})
	Debug(v ...interface{})
	Debugf(format string, v ...interface{})
	ToggleDebug(value bool) bool
	Fatal(v ...interface{})
	Fatalf(format string, v ...interface{})
}

// Entry wraps a logrus.Entry to satisfy Logger. A component name is attached
// as a field so multiplexed actor logs stay attributable.
type Entry struct {
	entry *logrus.Entry
	debug bool
}

// New builds a Logger for the given component, writing structured entries to
// stderr. component is attached to every line as a "component" field.
func New(component string) *Entry {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &Entry{entry: base.WithField("component", component)}
}

func (l *Entry) Info(v ...interface{})  { l.entry.Info(v...) }
func (l *Entry) Infof(format string, v ...interface{}) { l.entry.Infof(format, v...) }
func (l *Entry) Warn(v ...interface{})  { l.entry.Warn(v...) }
func (l *Entry) Warnf(format string, v ...interface{}) { l.entry.Warnf(format, v...) }
func (l *Entry) Error(v ...interface{}) { l.entry.Error(v...) }
func (l *Entry) Errorf(format string, v ...interface{}) { l.entry.Errorf(format, v...) }

func (l *Entry) Debug(v ...interface{}) {
	if l.debug {
		l.entry.Debug(v...)
	}
}

func (l *Entry) Debugf(format string, v ...interface{}) {
	if l.debug {
		l.entry.Debugf(format, v...)
	}
}

// ToggleDebug turns debug logging on or off, as value says, and returns the
// new state.
func (l *Entry) ToggleDebug(value bool) bool {
	l.debug = value
	if value {
		l.entry.Logger.SetLevel(logrus.DebugLevel)
	} else {
		l.entry.Logger.SetLevel(logrus.InfoLevel)
	}
	return l.debug
}

func (l *Entry) Fatal(v ...interface{})                       { l.entry.Fatal(v...) }
func (l *Entry) Fatalf(format string, v ...interface{})       { l.entry.Fatalf(format, v...) }

// Noop is a Logger that discards everything, used in tests that don't care
// about log output but still need to satisfy a collaborator interface.
type Noop struct{}

func (Noop) Info(...interface{})            {}
func (Noop) Infof(string, ...interface{})   {}
func (Noop) Warn(...interface{})            {}
func (Noop) Warnf(string, ...interface{})   {}
func (Noop) Error(...interface{})           {}
func (Noop) Errorf(string, ...interface{})  {}
func (Noop) Debug(...interface{})           {}
func (Noop) Debugf(string, ...interface{})  {}
func (Noop) ToggleDebug(bool) bool          { return false }
func (Noop) Fatal(...interface{})           {}
func (Noop) Fatalf(string, ...interface{})  {}
