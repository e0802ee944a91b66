package rtnet

import (
	"sync/atomic"

	"go.uber.org/zap"
)

var defaultLogger atomic.Pointer[zap.Logger]

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		l = zap.NewNop()
	}
	defaultLogger.Store(l)
}

// Log returns the process-wide logger. Subsystems derive a named child
// from it (Log().Named("stackmgr")) rather than constructing their
// own, the same way caddy.Log() is threaded through every module.
func Log() *zap.Logger {
	return defaultLogger.Load()
}

// SetLogger replaces the process-wide logger, e.g. to install a
// development logger under test or a custom production config from
// `internal/rtconfig`.
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	defaultLogger.Store(l)
}
