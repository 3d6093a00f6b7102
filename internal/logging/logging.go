package logging

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the structured key/value logging surface used across the service.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})
	Sync() error
}

type noopLogger struct{}

func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Warnw(string, ...interface{})  {}
func (noopLogger) Errorw(string, ...interface{}) {}
func (noopLogger) Sync() error                   { return nil }

var (
	mu      sync.RWMutex
	current Logger = noopLogger{}
	sugar   *zap.SugaredLogger
	once    sync.Once
)

// Init builds the process logger from LOG_LEVEL (debug|info|warn|error) and
// redirects the standard library logger into it. Safe to call more than once.
func Init() Logger {
	once.Do(func() {
		cfg := zap.Config{
			Encoding:         "json",
			EncoderConfig:    zap.NewProductionEncoderConfig(),
			OutputPaths:      []string{"stdout"},
			ErrorOutputPaths: []string{"stderr"},
		}
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		cfg.Level = zap.NewAtomicLevelAt(levelFromEnv(os.Getenv("LOG_LEVEL")))

		logger, err := cfg.Build(zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zap.ErrorLevel))
		if err != nil {
			logger = zap.NewNop()
		}
		_ = zap.RedirectStdLog(logger)

		mu.Lock()
		sugar = logger.Sugar()
		current = sugar
		mu.Unlock()
	})
	return Get()
}

func levelFromEnv(raw string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetLogger swaps the package logger. nil restores the Init logger, or a
// no-op logger when Init has not run.
func SetLogger(l Logger) {
	mu.Lock()
	defer mu.Unlock()
	switch {
	case l != nil:
		current = l
	case sugar != nil:
		current = sugar
	default:
		current = noopLogger{}
	}
}

// Get returns the active logger.
func Get() Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// Named returns a logger that tags every entry with component=name.
func Named(name string) Logger {
	return componentLogger{component: name}
}

type componentLogger struct {
	component string
}

func (c componentLogger) with(kv []interface{}) []interface{} {
	return append([]interface{}{"component", c.component}, kv...)
}

func (c componentLogger) Debugw(msg string, kv ...interface{}) { Get().Debugw(msg, c.with(kv)...) }
func (c componentLogger) Infow(msg string, kv ...interface{})  { Get().Infow(msg, c.with(kv)...) }
func (c componentLogger) Warnw(msg string, kv ...interface{})  { Get().Warnw(msg, c.with(kv)...) }
func (c componentLogger) Errorw(msg string, kv ...interface{}) { Get().Errorw(msg, c.with(kv)...) }
func (c componentLogger) Sync() error                          { return Get().Sync() }

func Debugw(msg string, kv ...interface{}) { Get().Debugw(msg, kv...) }
func Infow(msg string, kv ...interface{})  { Get().Infow(msg, kv...) }
func Warnw(msg string, kv ...interface{})  { Get().Warnw(msg, kv...) }
func Errorw(msg string, kv ...interface{}) { Get().Errorw(msg, kv...) }

// Sync flushes buffered entries.
func Sync() error { return Get().Sync() }
