package monitoring

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// NewObservedStreams installs streams that record every entry at or above
// level and returns the recorder. Tests call the returned restore func when
// done.
func NewObservedStreams(level zapcore.Level) (logs *observer.ObservedLogs, restore func()) {
	core, logs := observer.New(level)
	prev := current()
	l := zap.New(core)
	SetStreams(&Streams{
		ops:   l.Named("ops"),
		diag:  l.Named("diag"),
		trace: l.Named("trace"),
	})
	return logs, func() { active.Store(prev) }
}
