package monitoring

import (
	"go.uber.org/zap/zapcore"
)

// Component is a named view over the active streams. Packages hold one in a
// package-level variable and log through it; the streams are resolved on
// every call so SetStreams takes effect immediately.
type Component struct {
	name string
}

// For returns the Component for a package or subsystem name.
func For(name string) Component {
	return Component{name: name}
}

// Opsf logs to the ops stream at warn level.
func (c Component) Opsf(format string, args ...interface{}) {
	current().ops.Named(c.name).Sugar().Warnf(format, args...)
}

// Opsw logs a structured entry to the ops stream at warn level.
func (c Component) Opsw(msg string, keysAndValues ...interface{}) {
	current().ops.Named(c.name).Sugar().Warnw(msg, keysAndValues...)
}

// Diagf logs to the diag stream at info level.
func (c Component) Diagf(format string, args ...interface{}) {
	current().diag.Named(c.name).Sugar().Infof(format, args...)
}

// Diagw logs a structured entry to the diag stream at info level.
func (c Component) Diagw(msg string, keysAndValues ...interface{}) {
	current().diag.Named(c.name).Sugar().Infow(msg, keysAndValues...)
}

// Tracef logs to the trace stream at debug level. It returns before
// formatting when the stream is disabled.
func (c Component) Tracef(format string, args ...interface{}) {
	l := current().trace
	if !l.Core().Enabled(zapcore.DebugLevel) {
		return
	}
	l.Named(c.name).Sugar().Debugf(format, args...)
}

// TraceEnabled reports whether trace output would be written.
func (c Component) TraceEnabled() bool {
	return current().trace.Core().Enabled(zapcore.DebugLevel)
}
