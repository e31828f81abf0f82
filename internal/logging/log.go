// Package logging is the keeper's structured-logging facade. It wraps
// go.uber.org/zap behind the go-logr/logr interface: callers never touch
// zap directly, they get a Logger carrying Info/Warning/Error/Debug/Trace
// plus structured key/value pairs, threaded through a context.Context.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the keeper-wide logging handle.
type Logger struct {
	logr.Logger
}

type ctxKey struct{}

var root Logger

func init() {
	zapLog, err := zap.NewProduction()
	if err != nil {
		zapLog = zap.NewNop()
	}
	root = Logger{zapr.NewLogger(zapLog)}
}

// SetLevel reconfigures the process-wide logger verbosity; used by the
// Config Reloader when a reload changes the configured log level.
func SetLevel(debug bool) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	}
	zapLog, err := cfg.Build()
	if err != nil {
		return
	}
	root = Logger{zapr.NewLogger(zapLog)}
}

// SetupLogger attaches the root logger (optionally enriched with the
// caller-supplied keysAndValues) to ctx and returns both; called at the
// top of every loop run and CLI command.
func SetupLogger(ctx context.Context, keysAndValues ...interface{}) (Logger, context.Context) {
	l := Logger{root.Logger.WithValues(keysAndValues...)}
	return l, context.WithValue(ctx, ctxKey{}, l)
}

// FromContext recovers the Logger attached by SetupLogger, or the root
// logger if none was attached.
func FromContext(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return root
}

// WithName returns a derived logger scoped under the given name, like
// zap's/logr's Named loggers.
func (l Logger) WithName(name string) Logger {
	return Logger{l.Logger.WithName(name)}
}

// WithValues returns a derived logger carrying additional structured
// fields for every subsequent call.
func (l Logger) WithValues(keysAndValues ...interface{}) Logger {
	return Logger{l.Logger.WithValues(keysAndValues...)}
}

// Info logs at informational level.
func (l Logger) Info(msg string, keysAndValues ...interface{}) {
	l.Logger.Info(msg, keysAndValues...)
}

// Debug logs at debug verbosity.
func (l Logger) Debug(msg string, keysAndValues ...interface{}) {
	l.Logger.V(1).Info(msg, keysAndValues...)
}

// Trace logs at the most verbose level, for per-iteration chatter that
// should normally be compiled out of view (slot/HBA diff detail).
func (l Logger) Trace(msg string, keysAndValues ...interface{}) {
	l.Logger.V(2).Info(msg, keysAndValues...)
}

// Warning logs a recoverable problem that does not carry a Go error value.
func (l Logger) Warning(msg string, keysAndValues ...interface{}) {
	l.Logger.Info("WARNING: "+msg, keysAndValues...)
}

// Error logs a Go error together with a message and structured context.
func (l Logger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.Logger.Error(err, msg, keysAndValues...)
}

// Get returns the process-wide root logger without a context, for use in
// init-time code paths that run before a context exists.
func Get() Logger {
	return root
}
