package pacer

import (
	"fmt"
	"log"
	"os"

	"github.com/google/uuid"
)

// Logger is the minimal leveled logging interface the optimizer emits debug
// output through. Args are alternating key/value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// SimpleLogger is a lightweight console logger suitable for development.
type SimpleLogger struct {
	logger *log.Logger
}

// NewSimpleLogger creates a logger writing to stderr.
func NewSimpleLogger() *SimpleLogger {
	return &SimpleLogger{
		logger: log.New(os.Stderr, "pacer ", log.LstdFlags|log.Lmicroseconds),
	}
}

func (l *SimpleLogger) Debug(msg string, args ...any) { l.log("DEBUG", msg, args...) }
func (l *SimpleLogger) Info(msg string, args ...any)  { l.log("INFO", msg, args...) }
func (l *SimpleLogger) Warn(msg string, args ...any)  { l.log("WARN", msg, args...) }
func (l *SimpleLogger) Error(msg string, args ...any) { l.log("ERROR", msg, args...) }

func (l *SimpleLogger) log(level, msg string, args ...any) {
	line := level + " " + msg
	for i := 0; i+1 < len(args); i += 2 {
		line += fmt.Sprintf(" %v=%v", args[i], args[i+1])
	}
	l.logger.Println(line)
}

// DebugConfig selects which subsystems emit debug logs.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogCache     bool
	LogDedup     bool
	LogBatch     bool
	LogRateLimit bool
	RequestIDGen func() string
}

// DefaultDebugConfig enables all per-concern flags (gated by Enabled) with
// UUID request IDs.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      false,
		LogRequests:  true,
		LogCache:     true,
		LogDedup:     true,
		LogBatch:     true,
		LogRateLimit: true,
		RequestIDGen: func() string { return uuid.NewString() },
	}
}
