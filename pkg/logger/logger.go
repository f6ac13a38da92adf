package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	Sugar *zap.SugaredLogger
)

// Options controls where log output goes.
type Options struct {
	Dir     string // log directory; empty disables the file sink
	Level   string // debug, info, warn, error; falls back to FT_LOG_LEVEL
	Console bool   // also write to stderr
}

func init() {
	// Silent until Init is called so library users and tests get no output.
	Log = zap.NewNop()
	Sugar = Log.Sugar()
}

// Init replaces the global loggers.
func Init(opts Options) error {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.Format("2006/01/02 15:04:05"))
	}
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder

	level := zapcore.InfoLevel
	levelStr := strings.TrimSpace(opts.Level)
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("FT_LOG_LEVEL"))
	}
	if levelStr == "" {
		levelStr = strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	}
	if levelStr != "" {
		parsed, err := zapcore.ParseLevel(strings.ToLower(levelStr))
		if err != nil {
			return fmt.Errorf("log level: %w", err)
		}
		level = parsed
	}

	var cores []zapcore.Core
	if opts.Dir != "" {
		if err := os.MkdirAll(opts.Dir, 0755); err != nil {
			return err
		}
		file, err := os.OpenFile(filepath.Join(opts.Dir, "file-transfer.log"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return err
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(file), level))
	}
	if opts.Console {
		cores = append(cores, zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.Lock(os.Stderr), level))
	}

	// AddCaller ensures the log includes filename and line number
	Log = zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	Sugar = Log.Sugar()
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	_ = Log.Sync()
}
