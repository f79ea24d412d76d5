// Package logging provides the structured logger used across the service.
// It is a thin key/value interface over ipfs/go-log (zap).
package logging

import (
	"strings"

	golog "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
)

// Logger logs a message with key/value pairs, e.g. Info("signed", "endpoint", ep).
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// With returns a logger that adds key=value to every record.
	With(key string, value any) Logger
	// Named returns a logger for a subsystem.
	Named(name string) Logger
}

// Setup configures process-wide output. Unknown levels fall back to info.
func Setup(level, format string) {
	lvl, err := golog.LevelFromString(strings.TrimSpace(level))
	if err != nil {
		lvl = golog.LevelInfo
	}
	out := golog.JSONOutput
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text", "plain", "plaintext":
		out = golog.PlaintextOutput
	case "color", "colour":
		out = golog.ColorizedOutput
	}
	golog.SetupLogging(golog.Config{
		Format: out,
		Level:  lvl,
		Stderr: true,
	})
}

// New returns a logger for the named subsystem.
func New(name string) Logger {
	return &zapLogger{lg: golog.Logger(name).SugaredLogger.Desugar().WithOptions(zap.AddCallerSkip(1)).Sugar()}
}

// Nop discards everything.
func Nop() Logger {
	return &zapLogger{lg: zap.NewNop().Sugar()}
}

// FromZap wraps an existing zap logger, mostly for tests using zaptest/observer.
func FromZap(l *zap.Logger) Logger {
	return &zapLogger{lg: l.Sugar()}
}

type zapLogger struct {
	lg *zap.SugaredLogger
}

func (l *zapLogger) Debug(msg string, kv ...any) { l.lg.Debugw(msg, kv...) }
func (l *zapLogger) Info(msg string, kv ...any)  { l.lg.Infow(msg, kv...) }
func (l *zapLogger) Warn(msg string, kv ...any)  { l.lg.Warnw(msg, kv...) }
func (l *zapLogger) Error(msg string, kv ...any) { l.lg.Errorw(msg, kv...) }

func (l *zapLogger) With(key string, value any) Logger {
	return &zapLogger{lg: l.lg.With(key, value)}
}

func (l *zapLogger) Named(name string) Logger {
	return &zapLogger{lg: l.lg.Named(name)}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l Logger) Logger {
	if l == nil {
		return Nop()
	}
	return l
}
