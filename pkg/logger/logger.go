// Package logger provides the small leveled logging surface the engine and
// its example client log through. It keeps the shape of a package-global
// convenience logger but backs it with a zap.SugaredLogger instead of the
// standard log package, so callers that want structured fields can still
// drop to the underlying *zap.Logger via Raw().
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zap's level set but keeps the names the rest of the engine
// already uses (Debug/Info/Warn/Error plus the teacher's Success/Fatal).
type Level = zapcore.Level

const (
	LevelDebug = zapcore.DebugLevel
	LevelInfo  = zapcore.InfoLevel
	LevelWarn  = zapcore.WarnLevel
	LevelError = zapcore.ErrorLevel
	LevelFatal = zapcore.FatalLevel
)

// Logger wraps a *zap.SugaredLogger, adding the Success convenience level
// (logged at Info with a "success" field) that the teacher's banner-heavy
// CLI output favors.
type Logger struct {
	s *zap.SugaredLogger
}

var defaultLogger = New(LevelInfo)

// New builds a console-encoded logger at the given minimum level. Console
// encoding (rather than JSON) matches the teacher's human-readable output;
// callers embedding the engine in a service can build their own
// *zap.Logger and wrap it with Wrap instead.
func New(level Level) *Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	z, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap.NewDevelopmentConfig().Build() only fails on a bad output
		// path, which is impossible here; fall back to a no-op logger
		// rather than making every call site handle an error that can't
		// occur in practice.
		z = zap.NewNop()
	}
	return &Logger{s: z.Sugar()}
}

// Wrap adapts an existing *zap.Logger, letting a host embedded in a larger
// service share that service's logging pipeline instead of constructing its
// own console writer.
func Wrap(z *zap.Logger) *Logger {
	return &Logger{s: z.Sugar()}
}

// Named returns a child logger carrying an additional name segment plus
// structured key/value pairs, following zap.Logger.With/Named conventions.
func (l *Logger) Named(name string, kv ...interface{}) *Logger {
	return &Logger{s: l.s.Named(name).With(kv...)}
}

func (l *Logger) Debugf(format string, args ...interface{})   { l.s.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...interface{})    { l.s.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...interface{})    { l.s.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...interface{})   { l.s.Errorf(format, args...) }
func (l *Logger) Successf(format string, args ...interface{}) {
	l.s.With("success", true).Infof(format, args...)
}

func (l *Logger) Fatalf(format string, args ...interface{}) {
	l.s.Fatalf(format, args...)
}

// Raw exposes the underlying zap.Logger for callers that want structured
// fields rather than printf-style formatting.
func (l *Logger) Raw() *zap.Logger { return l.s.Desugar() }

// Package-level convenience wrappers over a process-wide default logger,
// preserved from the teacher's global-logger ergonomics for the CLI client
// and other call sites that don't carry their own *Logger.

func SetLevel(level Level) { defaultLogger = New(level) }

func Debug(format string, args ...interface{})   { defaultLogger.Debugf(format, args...) }
func Info(format string, args ...interface{})    { defaultLogger.Infof(format, args...) }
func Warn(format string, args ...interface{})    { defaultLogger.Warnf(format, args...) }
func Error(format string, args ...interface{})   { defaultLogger.Errorf(format, args...) }
func Success(format string, args ...interface{}) { defaultLogger.Successf(format, args...) }
func Fatal(format string, args ...interface{})   { defaultLogger.Fatalf(format, args...) }

// Section and Banner keep the teacher's plain stdout banner helpers for the
// example client — these are cosmetic and don't belong behind the
// structured logger.
func Section(title string) {
	border := "==============================================================="
	os.Stdout.WriteString("\n" + border + "\n" + title + "\n" + border + "\n\n")
}

func Banner(title, version string) {
	os.Stdout.WriteString(title + " v" + version + "\n")
}
