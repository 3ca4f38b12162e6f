// Package log is the process logger of the zenflow binary.
package log

import (
	"context"
	"os"
	"strings"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/pbinitiative/zenflow/internal/appcontext"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger = zap.NewNop().Sugar()
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init configures the global logger. LOG_LEVEL and LOG_FORMAT (json|console) are read from the environment.
func Init() {
	if l, err := zapcore.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil {
		level.SetLevel(l)
	}
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewConsoleEncoder(encoderConfig)
	if strings.EqualFold(os.Getenv("LOG_FORMAT"), "json") {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}
	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level)
	SetLogger(zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)))
}

// SetLogger replaces the global logger.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	logger = l.Sugar()
}

func get() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Level returns the hclog level matching the configured zap level.
func Level() hclog.Level {
	switch level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return hclog.Error
	default:
		return hclog.Info
	}
}

func Debug(format string, args ...any) {
	get().Debugf(format, args...)
}

func Info(format string, args ...any) {
	get().Infof(format, args...)
}

func Warn(format string, args ...any) {
	get().Warnf(format, args...)
}

func Error(format string, args ...any) {
	get().Errorf(format, args...)
}

// Infof logs with the execution key found in ctx.
func Infof(ctx context.Context, format string, args ...any) {
	withContext(ctx).Infof(format, args...)
}

// Errorf logs with the execution key found in ctx.
func Errorf(ctx context.Context, format string, args ...any) {
	withContext(ctx).Errorf(format, args...)
}

func withContext(ctx context.Context) *zap.SugaredLogger {
	l := get()
	if key, ok := appcontext.GetExecutionKey(ctx); ok {
		l = l.With("executionKey", key)
	}
	return l
}
