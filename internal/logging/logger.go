package logging

import (
	"io"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	globalLogger *zap.Logger
	globalMu     sync.RWMutex
)

// consoleOut is the console sink; tests replace it.
var consoleOut io.Writer = os.Stdout

func init() {
	// Default to a production logger until SetGlobal is called
	globalLogger, _ = zap.NewProduction()
}

// ParseLevel maps a level name to a zap level. Unknown names mean info.
func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func encoderConfig() zapcore.EncoderConfig {
	ec := zap.NewProductionEncoderConfig()
	ec.TimeKey = "timestamp"
	ec.EncodeTime = zapcore.ISO8601TimeEncoder
	return ec
}

// Options describes the sinks of a gateway logger.
type Options struct {
	Enabled       bool
	Level         string
	Console       bool
	File          string
	MaxSizeMB     int
	MaxBackups    int
	MaxAgeDays    int
	Compress      bool
	BufferSize    int
	FlushInterval time.Duration
}

// sinks owns the writers behind a logger created by build.
type sinks struct {
	buffered []*zapcore.BufferedWriteSyncer
	files    []*lumberjack.Logger
}

func (s *sinks) close() error {
	var firstErr error
	for _, b := range s.buffered {
		if err := b.Stop(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, f := range s.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// build creates a JSON logger writing to stdout and/or a rotating file.
// Both sinks are buffered, so a slow pipe or disk does not hold up the
// logging goroutine. Write failures are reported to onFailure instead of
// the caller.
func build(opts Options, onFailure func()) (*zap.Logger, *sinks, error) {
	enc := zapcore.NewJSONEncoder(encoderConfig())
	lvl := zap.NewAtomicLevelAt(ParseLevel(opts.Level))
	s := &sinks{}

	var cores []zapcore.Core
	if opts.Console {
		bws := &zapcore.BufferedWriteSyncer{
			WS:            &countingSyncer{ws: zapcore.AddSync(consoleOut), onFailure: onFailure, skipSync: true},
			Size:          opts.BufferSize,
			FlushInterval: opts.FlushInterval,
		}
		s.buffered = append(s.buffered, bws)
		cores = append(cores, zapcore.NewCore(enc, bws, lvl))
	}
	if opts.File != "" {
		lj := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxAgeDays,
			Compress:   opts.Compress,
		}
		s.files = append(s.files, lj)
		bws := &zapcore.BufferedWriteSyncer{
			WS:            &countingSyncer{ws: zapcore.AddSync(lj), onFailure: onFailure},
			Size:          opts.BufferSize,
			FlushInterval: opts.FlushInterval,
		}
		s.buffered = append(s.buffered, bws)
		cores = append(cores, zapcore.NewCore(enc.Clone(), bws, lvl))
	}

	if !opts.Enabled || len(cores) == 0 {
		return zap.NewNop(), s, nil
	}
	logger := zap.New(
		zapcore.NewTee(cores...),
		zap.ErrorOutput(&countingSyncer{ws: zapcore.AddSync(discard{}), onFailure: onFailure, countAll: true}),
	)
	return logger, s, nil
}

// Global returns the global logger.
func Global() *zap.Logger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	return globalLogger
}

// SetGlobal sets the global logger.
func SetGlobal(l *zap.Logger) {
	globalMu.Lock()
	globalLogger = l
	globalMu.Unlock()
}

// Info logs at info level using the global logger.
func Info(msg string, fields ...zap.Field) {
	Global().Info(msg, fields...)
}

// Warn logs at warn level using the global logger.
func Warn(msg string, fields ...zap.Field) {
	Global().Warn(msg, fields...)
}

// Error logs at error level using the global logger.
func Error(msg string, fields ...zap.Field) {
	Global().Error(msg, fields...)
}
