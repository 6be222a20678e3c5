package graphstore

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger returns l, or a no-op logger when l is nil. Unless debug is set,
// debug-level entries are dropped even if l itself would emit them.
func Logger(l *zap.Logger, debug bool) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	if debug || !l.Core().Enabled(zapcore.DebugLevel) {
		return l
	}
	return l.WithOptions(zap.IncreaseLevel(zapcore.InfoLevel))
}
