package log

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelError Level = "ERROR"
)

var (
	mu         sync.RWMutex
	logger     *zap.Logger
	loggerOnce sync.Once
	minLevel   = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger installs a JSON logger on stderr if Init was never called.
func initLogger() {
	loggerOnce.Do(func() {
		mu.Lock()
		defer mu.Unlock()
		if logger != nil {
			return
		}
		enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
		logger = zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), minLevel))
	})
}

// Init builds the process logger.
//
// format "console" selects zap's development encoder with colored levels,
// anything else the production JSON encoder. level accepts the zap level
// names ("debug", "info", "warn", "error").
func Init(level, format string) error {
	lvl, err := zapcore.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zapCfg zap.Config
	switch format {
	case "console":
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		zapCfg = zap.NewProductionConfig()
	}
	minLevel.SetLevel(lvl)
	zapCfg.Level = minLevel
	zapCfg.DisableStacktrace = true

	l, err := zapCfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}

	loggerOnce.Do(func() {})
	mu.Lock()
	old := logger
	logger = l
	mu.Unlock()
	if old != nil {
		_ = old.Sync()
	}
	return nil
}

// Use replaces the process logger, e.g. with zaptest/observer in tests.
func Use(l *zap.Logger) {
	loggerOnce.Do(func() {})
	mu.Lock()
	logger = l
	mu.Unlock()
}

func SetLevel(l Level) {
	initLogger()
	switch l {
	case LevelDebug:
		minLevel.SetLevel(zapcore.DebugLevel)
	case LevelError:
		minLevel.SetLevel(zapcore.ErrorLevel)
	default:
		minLevel.SetLevel(zapcore.InfoLevel)
	}
}

// Sync flushes buffered entries. Call before exit.
func Sync() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(zapcore.DebugLevel, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(zapcore.InfoLevel, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(zapcore.ErrorLevel, msg, extended...)
}

func logWithLevel(level zapcore.Level, msg string, kv ...any) {
	initLogger()
	if !minLevel.Enabled(level) {
		return
	}

	mu.RLock()
	l := logger
	mu.RUnlock()

	if ce := l.Check(level, msg); ce != nil {
		ce.Write(fields(kv...)...)
	}
}

// fields converts alternating key/value pairs into zap fields.
// Non-string keys are skipped; a trailing key without value is ignored.
func fields(kv ...any) []zap.Field {
	out := make([]zap.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		if err, ok := kv[i+1].(error); ok {
			out = append(out, zap.NamedError(key, err))
			continue
		}
		out = append(out, zap.Any(key, kv[i+1]))
	}
	return out
}
