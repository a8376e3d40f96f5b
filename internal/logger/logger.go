// Package logger wires logrus for the harness and routes pion's internal
// logging through it.
package logger

import (
	"os"
	"sync"

	"github.com/pion/logging"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

// EnvLevel names the environment knob holding the log level hint.
const EnvLevel = "DCLOOP_LOG"

const timeFormat = "2006-01-02 15:04:05.000"

var (
	root = logrus.New()
	once sync.Once
)

// Init configures the root logger from EnvLevel. It is safe to call from
// every test; only the first call has an effect and a bad level is ignored.
func Init() {
	once.Do(func() {
		root.Formatter = &prefixed.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: timeFormat,
			ForceFormatting: true,
		}
		root.Out = os.Stderr
		root.Level = logrus.InfoLevel
		if lvl, err := logrus.ParseLevel(os.Getenv(EnvLevel)); err == nil {
			root.Level = lvl
		}
	})
}

func SetLevel(level string) error {
	Init()
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return err
	}
	root.SetLevel(lvl)
	return nil
}

// New returns an entry tagged with prefix, e.g. "peer1" or "relay".
func New(prefix string) *logrus.Entry {
	Init()
	return root.WithField("prefix", prefix)
}

// PionFactory adapts entry so pion scopes log as "<prefix>/<scope>".
func PionFactory(entry *logrus.Entry) logging.LoggerFactory {
	return pionFactory{entry: entry}
}

type pionFactory struct {
	entry *logrus.Entry
}

func (f pionFactory) NewLogger(scope string) logging.LeveledLogger {
	return pionLogger{entry: f.entry.WithField("scope", scope)}
}

type pionLogger struct {
	entry *logrus.Entry
}

var _ logging.LeveledLogger = pionLogger{}

func (l pionLogger) Trace(msg string)                          { l.entry.Trace(msg) }
func (l pionLogger) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }
func (l pionLogger) Debug(msg string)                          { l.entry.Debug(msg) }
func (l pionLogger) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l pionLogger) Info(msg string)                           { l.entry.Info(msg) }
func (l pionLogger) Infof(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l pionLogger) Warn(msg string)                           { l.entry.Warn(msg) }
func (l pionLogger) Warnf(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l pionLogger) Error(msg string)                          { l.entry.Error(msg) }
func (l pionLogger) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }
