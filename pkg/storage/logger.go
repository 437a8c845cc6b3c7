package storage

import (
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v4"
	"go.uber.org/zap"
)

// badgerLogger adapts a zap logger to BadgerDB's printf-style Logger
// interface so the engine's internal events share the application sink.
type badgerLogger struct {
	log *zap.Logger
}

// NewBadgerLogger wraps log for use as BadgerOptions.Logger. Badger's
// info stream narrates routine compaction and value-log activity, so it
// lands at debug; warnings and errors keep their level.
func NewBadgerLogger(log *zap.Logger) badger.Logger {
	return &badgerLogger{log: log.Named("badger")}
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.log.Error(render(format, args))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.log.Warn(render(format, args))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.log.Debug(render(format, args))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.log.Debug(render(format, args))
}

// render formats the message and strips the trailing newline Badger
// appends, keeping zap output one event per line.
func render(format string, args []interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}
