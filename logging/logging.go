// Package logging provides component-tagged structured logging for the
// PDP modification core, on top of logrus. Every collaborator (the
// Publisher, the TimerManager, the Dispatcher, the Map, ...) logs
// through a Logger scoped to its own Component so log lines can be
// filtered by subsystem without grepping message text.
package logging

import (
	"os"
	"regexp"
	"sync"

	"github.com/sirupsen/logrus"
)

// Component tags the subsystem a log line came from.
type Component string

const (
	CoreComponent       Component = "pap-modify-core"
	PublisherComponent  Component = "publisher"
	DispatcherComponent Component = "dispatcher"
	TimerComponent      Component = "timer"
	MapComponent        Component = "modify-map"
	RequestComponent    Component = "request"
	HeartbeatComponent  Component = "heartbeat"
	DaoComponent        Component = "dao"
	BusComponent        Component = "bus"
)

// NoColor is not read by this package: the Logger methods always strip
// <color> markup from format strings, whatever its value.
var NoColor = false

var (
	tagRegex        = regexp.MustCompile(`<[a-zA-Z]+>`)
	closingTagRegex = regexp.MustCompile(`</>`)
)

func clearTags(s string) string {
	s = tagRegex.ReplaceAllString(s, "")
	s = closingTagRegex.ReplaceAllString(s, "")
	return s
}

// Logger wraps a logrus.Entry scoped to one Component.
type Logger struct {
	entry *logrus.Entry
}

var (
	base     = logrus.New()
	baseOnce sync.Once
)

func rootLogger() *logrus.Logger {
	baseOnce.Do(func() {
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	})
	return base
}

// SetLevel adjusts the verbosity of every Logger obtained from this
// package.
func SetLevel(level logrus.Level) {
	rootLogger().SetLevel(level)
}

// GetLogger returns a Logger tagged with component.
func GetLogger(component Component) *Logger {
	return &Logger{entry: rootLogger().WithField("component", string(component))}
}

// WithField attaches a structured field, e.g. GetLogger(comp).WithField("pdp", name).
func (self *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{entry: self.entry.WithField(key, value)}
}

func (self *Logger) Info(format string, args ...interface{}) {
	self.entry.Infof(clearTags(format), args...)
}

func (self *Logger) Debug(format string, args ...interface{}) {
	self.entry.Debugf(clearTags(format), args...)
}

func (self *Logger) Warn(format string, args ...interface{}) {
	self.entry.Warnf(clearTags(format), args...)
}

func (self *Logger) Error(format string, args ...interface{}) {
	self.entry.Errorf(clearTags(format), args...)
}
