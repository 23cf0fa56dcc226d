package catalog

import (
	"github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

var _ badger.Logger = badgerLogger{}

// badgerLogger routes badger's own logs to zap. Badger is chatty at info level: it goes to debug.
type badgerLogger struct {
	s *zap.SugaredLogger
}

func newBadgerLogger(l *zap.Logger) badgerLogger {
	return badgerLogger{s: l.Named("badger").WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

func (b badgerLogger) Errorf(format string, args ...interface{}) {
	b.s.Errorf(format, args...)
}

func (b badgerLogger) Warningf(format string, args ...interface{}) {
	b.s.Warnf(format, args...)
}

func (b badgerLogger) Infof(format string, args ...interface{}) {
	b.s.Debugf(format, args...)
}

func (b badgerLogger) Debugf(format string, args ...interface{}) {
	b.s.Debugf(format, args...)
}
