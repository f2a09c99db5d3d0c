// Package monitoring owns process-wide logging. Output is split into three
// zap streams so that operators can route actionable problems separately
// from routine diagnostics and high-rate telemetry:
//
//   - ops:   actionable warnings and errors (failed map reloads, captured panics)
//   - diag:  per-cycle diagnostics (status, mode transitions, counters)
//   - trace: per-stage timings and backlog telemetry, disabled by default
package monitoring

import (
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logf is the package-level diagnostic logger used by code that only needs
// printf-style output (migrations, CLI helpers). It writes to the diag
// stream by default but may be replaced by SetLogger.
var Logf func(format string, v ...interface{}) = func(format string, v ...interface{}) {
	current().diag.Sugar().Infof(format, v...)
}

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Options selects how NewStreams builds its loggers.
type Options struct {
	// Level is a zap level name: debug, info, warn, error. Empty means info.
	Level string
	// Development switches to the console encoder with caller info.
	Development bool
	// Trace enables the trace stream.
	Trace bool
}

// Streams groups the three loggers.
type Streams struct {
	ops   *zap.Logger
	diag  *zap.Logger
	trace *zap.Logger
}

var active atomic.Pointer[Streams]

func init() {
	s, err := NewStreams(Options{})
	if err != nil {
		s = &Streams{ops: zap.NewNop(), diag: zap.NewNop(), trace: zap.NewNop()}
	}
	active.Store(s)
}

func current() *Streams { return active.Load() }

// NewStreams builds ops, diag and trace loggers sharing one zap configuration.
func NewStreams(opts Options) (*Streams, error) {
	level := zapcore.InfoLevel
	if opts.Level != "" {
		if err := level.UnmarshalText([]byte(opts.Level)); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
		}
	}

	cfg := zap.NewProductionConfig()
	if opts.Development {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.OutputPaths = []string{"stderr"}
	cfg.DisableStacktrace = !opts.Development

	base, err := cfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	s := &Streams{
		ops:   base.Named("ops"),
		diag:  base.Named("diag"),
		trace: zap.NewNop(),
	}
	if opts.Trace {
		// Trace entries are logged at debug; lift the level for this stream only.
		tcfg := cfg
		tcfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		tl, err := tcfg.Build()
		if err != nil {
			return nil, fmt.Errorf("build trace logger: %w", err)
		}
		s.trace = tl.Named("trace")
	}
	return s, nil
}

// SetStreams installs s as the process-wide streams.
func SetStreams(s *Streams) {
	if s == nil {
		s = &Streams{ops: zap.NewNop(), diag: zap.NewNop(), trace: zap.NewNop()}
	}
	active.Store(s)
}

// Sync flushes every stream. Errors from syncing a terminal are ignored by
// callers in practice, so the first error is returned only for inspection.
func Sync() error {
	s := current()
	var first error
	for _, l := range []*zap.Logger{s.ops, s.diag, s.trace} {
		if err := l.Sync(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SetLogWriters routes each stream to a plain writer with a console encoder.
// A nil writer disables that stream.
func SetLogWriters(ops, diag, trace io.Writer) {
	SetStreams(&Streams{
		ops:   writerLogger("ops", ops, zapcore.InfoLevel),
		diag:  writerLogger("diag", diag, zapcore.InfoLevel),
		trace: writerLogger("trace", trace, zapcore.DebugLevel),
	})
}

// SetLegacyLogger routes all three streams to a single writer.
func SetLegacyLogger(w io.Writer) {
	SetLogWriters(w, w, w)
}

func writerLogger(name string, w io.Writer, level zapcore.Level) *zap.Logger {
	if w == nil {
		return zap.NewNop()
	}
	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), level)
	return zap.New(core).Named(name)
}

// StderrIsTerminal reports whether stderr looks like an interactive
// terminal, which the CLI uses to pick the development encoder.
func StderrIsTerminal() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
