// Package logging builds the zap loggers used across mumasp and manages the
// per-scan log file sink.
package logging

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LevelEnv names the environment variable holding the log level.
const LevelEnv = "MUMASP_LOGLEVEL"

// Config controls basic logger behaviour.
type Config struct {
	Level string // debug, info, warn, error, or a numeric level (10, 20, ...)
}

// New constructs a console logger writing to stderr.
func New(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	core := zapcore.NewCore(encoder(), zapcore.Lock(os.Stderr), level)
	return zap.New(core, zap.AddCaller()).Named("mumasp"), nil
}

// FromEnv constructs a logger using the level in MUMASP_LOGLEVEL, defaulting
// to info.
func FromEnv() (*zap.Logger, error) {
	return New(Config{Level: os.Getenv(LevelEnv)})
}

// Nop returns a logger that drops all logs.
func Nop() *zap.Logger { return zap.NewNop() }

// ParseLevel accepts zap level names as well as the numeric levels of the
// python logging module (DEBUG=10 ... CRITICAL=50). An empty string is info.
func ParseLevel(s string) (zapcore.Level, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	if n, err := strconv.Atoi(s); err == nil {
		switch {
		case n <= 10:
			return zapcore.DebugLevel, nil
		case n <= 20:
			return zapcore.InfoLevel, nil
		case n <= 30:
			return zapcore.WarnLevel, nil
		case n <= 40:
			return zapcore.ErrorLevel, nil
		default:
			return zapcore.FatalLevel, nil
		}
	}
	var level zapcore.Level
	if err := level.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return level, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return level, nil
}

func encoder() zapcore.Encoder {
	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04")
	cfg.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(cfg)
}

// AttachFile returns a logger that writes everything base writes, and also
// appends it to the file at path. The returned release func syncs and closes
// the file; callers defer it so the sink is detached on every exit path.
func AttachFile(base *zap.Logger, path string) (*zap.Logger, func() error, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, nil, fmt.Errorf("opening log file %q: %w", path, err)
	}
	level := base.Level()
	if level == zapcore.InvalidLevel {
		// Nop loggers report InvalidLevel.
		level = zapcore.InfoLevel
	}
	fileCore := zapcore.NewCore(encoder(), zapcore.AddSync(f), level)
	logger := base.WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, fileCore)
	}))
	release := func() error {
		_ = f.Sync()
		return f.Close()
	}
	return logger, release, nil
}
