package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggers     = make(map[string]*Logger)
	loggerMutex sync.RWMutex
)

// LogConfig holds configuration for a logger instance.
type LogConfig struct {
	ComponentName string // e.g. "replication-controller", "peer-client"
	LogLevel      string // "debug", "info", "warn", "error"
	OutputPaths   []string
	Development   bool
}

// Logger wraps zap.Logger with component context.
type Logger struct {
	*zap.Logger
	componentID string
	outputPaths []string
}

// GetLogger returns the logger for a component, creating and registering
// it on first use.
func GetLogger(config LogConfig) (*Logger, error) {
	loggerMutex.RLock()
	logger, exists := loggers[config.ComponentName]
	loggerMutex.RUnlock()
	if exists {
		return logger, nil
	}

	loggerMutex.Lock()
	defer loggerMutex.Unlock()

	if logger, exists = loggers[config.ComponentName]; exists {
		return logger, nil
	}

	for _, path := range config.OutputPaths {
		if filepath.Ext(path) == ".log" {
			dir := filepath.Dir(path)
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
			}
		}
	}

	var level zapcore.Level
	switch config.LogLevel {
	case "debug":
		level = zapcore.DebugLevel
	case "warn":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		level = zapcore.InfoLevel
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.SecondsDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	zapConfig := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      config.Development,
		Encoding:         "json",
		EncoderConfig:    encoderConfig,
		OutputPaths:      config.OutputPaths,
		ErrorOutputPaths: []string{"stderr"},
	}

	zapLogger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger for %s: %w", config.ComponentName, err)
	}

	logger = &Logger{
		Logger:      zapLogger,
		componentID: config.ComponentName,
		outputPaths: config.OutputPaths,
	}
	loggers[config.ComponentName] = logger
	return logger, nil
}

func (l *Logger) Info(msg string, fields ...zapcore.Field) {
	l.Logger.Info(msg, append([]zapcore.Field{zap.String("component", l.componentID)}, fields...)...)
}

func (l *Logger) Error(msg string, fields ...zapcore.Field) {
	l.Logger.Error(msg, append([]zapcore.Field{zap.String("component", l.componentID)}, fields...)...)
}

func (l *Logger) Debug(msg string, fields ...zapcore.Field) {
	l.Logger.Debug(msg, append([]zapcore.Field{zap.String("component", l.componentID)}, fields...)...)
}

func (l *Logger) Warn(msg string, fields ...zapcore.Field) {
	l.Logger.Warn(msg, append([]zapcore.Field{zap.String("component", l.componentID)}, fields...)...)
}

// Close flushes any buffered log entries.
func (l *Logger) Close() error {
	return l.Logger.Sync()
}

func (l *Logger) GetOutputPaths() []string {
	return l.outputPaths
}

// Shutdown flushes every registered logger; the loggers stay registered.
func Shutdown() {
	loggerMutex.Lock()
	defer loggerMutex.Unlock()
	for _, logger := range loggers {
		_ = logger.Close()
	}
}
