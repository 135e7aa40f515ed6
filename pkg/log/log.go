package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// InitLog builds the process logger. format is console or json; anything
// else falls back to console.
func InitLog(lvl zap.AtomicLevel, format string) *zap.Logger {
	if format != FormatJSON {
		format = FormatConsole
	}

	encoder := zapcore.EncoderConfig{
		TimeKey:        "time",
		LevelKey:       "severity",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if format == FormatConsole && lvl.Level() <= zapcore.DebugLevel {
		encoder.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	cfg := zap.Config{
		Level:            lvl,
		Encoding:         format,
		EncoderConfig:    encoder,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
		InitialFields:    map[string]interface{}{"service": "crate-validator"},
	}

	logger, err := cfg.Build(zap.AddStacktrace(zap.DPanicLevel))
	if err != nil {
		panic(err)
	}
	return logger
}

// ParseLevel returns the atomic level for lvl, falling back to info.
// trace is accepted as an alias of debug.
func ParseLevel(lvl string) zap.AtomicLevel {
	if lvl == "trace" {
		lvl = "debug"
	}
	level, err := zap.ParseAtomicLevel(lvl)
	if err != nil {
		return zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}
	return level
}
