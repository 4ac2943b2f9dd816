// Package logging builds the process logger. Logs always go to stderr since
// stdout may carry the stdio transport.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a logr.Logger that can be flushed and re-leveled.
type Logger struct {
	logr.Logger
	atomicLevel zap.AtomicLevel
	flush       func()
}

// ParseLevel accepts debug, info, warn and error.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("unknown log level %q (expected debug, info, warn or error)", level)
	}
}

// New logs to stderr: human readable on a terminal, JSON lines otherwise.
func New(level string) (*Logger, error) {
	return NewWithWriter(os.Stderr, isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()), level)
}

// NewWithWriter logs to w with the console encoder when console is set.
func NewWithWriter(w io.Writer, console bool, level string) (*Logger, error) {
	lvl, levelErr := ParseLevel(level)
	if levelErr != nil {
		return nil, levelErr
	}
	atomicLevel := zap.NewAtomicLevelAt(lvl)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if console {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	zapLogger := zap.New(zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(w)), atomicLevel))
	return &Logger{
		Logger:      zapr.NewLogger(zapLogger),
		atomicLevel: atomicLevel,
		flush: func() {
			_ = zapLogger.Sync() // Best effort
		},
	}, nil
}

// SetLevel changes the minimum level at runtime.
func (l *Logger) SetLevel(level zapcore.Level) {
	l.atomicLevel.SetLevel(level)
}

// Flush writes buffered entries.
func (l *Logger) Flush() {
	l.flush()
}
