// Package logging builds the pipeline's zap loggers: colored console output
// in development, JSON in production, a rotating JSON log file, and secret
// redaction on every field that passes through.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures NewLogger.
type Options struct {
	// Development switches the console to colored output and the default
	// level to debug.
	Development bool

	// Level overrides the mode's default level when non-empty.
	Level string

	// FilePath is the rotating JSON log file. Empty disables file output.
	FilePath string

	File FileWriterConfig

	// Console defaults to stdout.
	Console zapcore.WriteSyncer
}

// Logger wraps zap.Logger with redaction and a few sugared helpers.
//
// Usage:
//
//	logger, err := logging.NewLogger(logging.Options{Development: cfg.DevMode, Level: cfg.LogLevel, FilePath: cfg.LogFile})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer logger.Sync()
//
//	orch := pipeline.New(cfg, pipeline.WithLogger(logger.Named("pipeline").Zap()))
type Logger struct {
	zap      *zap.Logger
	wrapped  *zap.Logger // skips this file in caller info
	sugar    *zap.SugaredLogger
	level    zapcore.Level
	dev      bool
	filePath string
}

// NewLogger creates the application logger. The log file directory is
// created when missing.
func NewLogger(opts Options) (*Logger, error) {
	def := zapcore.InfoLevel
	if opts.Development {
		def = zapcore.DebugLevel
	}
	level := ParseLevel(opts.Level, def)

	console := opts.Console
	if console == nil {
		console = zapcore.Lock(os.Stdout)
	}

	var file zapcore.WriteSyncer
	if opts.FilePath != "" {
		if dir := filepath.Dir(opts.FilePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("failed to create log directory: %w", err)
			}
		}
		cfg := opts.File
		if cfg == (FileWriterConfig{}) {
			cfg = DefaultFileWriterConfig()
		}
		file = NewFileWriter(opts.FilePath, cfg)
	}

	core := newRedactCore(NewMultiCore(level, console, file, opts.Development))
	z := zap.New(core, zap.AddCaller(), zap.AddStacktrace(zapcore.ErrorLevel))
	l := &Logger{level: level, dev: opts.Development, filePath: opts.FilePath}
	l.set(z)
	return l, nil
}

func (l *Logger) set(z *zap.Logger) {
	l.zap = z
	l.wrapped = z.WithOptions(zap.AddCallerSkip(1))
	l.sugar = l.wrapped.Sugar()
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	l := &Logger{level: zapcore.InfoLevel}
	l.set(zap.NewNop())
	return l
}

// Zap returns the underlying redacting *zap.Logger for handing to
// components.
func (l *Logger) Zap() *zap.Logger { return l.zap }

// Sugar returns a sugared view of the logger.
func (l *Logger) Sugar() *zap.SugaredLogger { return l.sugar }

// Level returns the minimum enabled level.
func (l *Logger) Level() zapcore.Level { return l.level }

// IsDevelopment reports whether the console output is in development mode.
func (l *Logger) IsDevelopment() bool { return l.dev }

// LogFilePath returns the rotated JSON log path, empty when file output is off.
func (l *Logger) LogFilePath() string { return l.filePath }

// Debug, Info, Warn, Error and Fatal log structured fields at their level.
func (l *Logger) Debug(msg string, fields ...zap.Field) { l.wrapped.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...zap.Field)  { l.wrapped.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...zap.Field)  { l.wrapped.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...zap.Field) { l.wrapped.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...zap.Field) { l.wrapped.Fatal(msg, fields...) }

// Infow, Warnw and Errorw log loosely typed key-value pairs.
func (l *Logger) Infow(msg string, keysAndValues ...interface{})  { l.sugar.Infow(msg, keysAndValues...) }
func (l *Logger) Warnw(msg string, keysAndValues ...interface{})  { l.sugar.Warnw(msg, keysAndValues...) }
func (l *Logger) Errorw(msg string, keysAndValues ...interface{}) { l.sugar.Errorw(msg, keysAndValues...) }

// Infof and Warnf log a printf-style message.
func (l *Logger) Infof(template string, args ...interface{}) { l.sugar.Infof(template, args...) }
func (l *Logger) Warnf(template string, args ...interface{}) { l.sugar.Warnf(template, args...) }

// With returns a child logger carrying fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	c := *l
	c.set(l.zap.With(fields...))
	return &c
}

// Named returns a child logger whose entries carry the component name.
func (l *Logger) Named(name string) *Logger {
	c := *l
	c.set(l.zap.Named(name))
	return &c
}

// Sync flushes buffered output.
func (l *Logger) Sync() error { return l.zap.Sync() }
