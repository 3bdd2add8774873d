// Package logger provides component-scoped structured logging for txtchat.
//
// Every call names the component that produced it ("rocketchat", "chat",
// "gateway", ...) so that log streams from concurrent sessions stay readable.
// The backend is a zap core whose level can be changed at runtime.
package logger

import (
	"os"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var levelNames = map[LogLevel]string{
	DEBUG: "debug",
	INFO:  "info",
	WARN:  "warn",
	ERROR: "error",
}

func (l LogLevel) String() string {
	if name, ok := levelNames[l]; ok {
		return name
	}
	return "unknown"
}

// ParseLevel maps a config string to a LogLevel. Unknown values map to INFO.
func ParseLevel(s string) LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	default:
		return INFO
	}
}

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  = build("console")
)

func build(format string) *zap.Logger {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if format == "json" {
		enc = zapcore.NewJSONEncoder(encCfg)
	} else {
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	}

	return zap.New(zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level))
}

// Configure rebuilds the process logger with the given encoding ("json" or
// "console").
func Configure(format string) {
	l := build(strings.ToLower(format))

	mu.Lock()
	old := base
	base = l
	mu.Unlock()

	_ = old.Sync()
}

// SetLogger replaces the backing zap logger and returns a function restoring
// the previous one.
func SetLogger(l *zap.Logger) func() {
	mu.Lock()
	prev := base
	base = l
	mu.Unlock()

	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

func SetLevel(l LogLevel) {
	level.SetLevel(toZap(l))
}

func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel, zapcore.DPanicLevel, zapcore.PanicLevel, zapcore.FatalLevel:
		return ERROR
	default:
		return INFO
	}
}

// Sync flushes buffered log entries.
func Sync() {
	mu.RLock()
	l := base
	mu.RUnlock()
	_ = l.Sync()
}

func toZap(l LogLevel) zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func logMessage(l LogLevel, component, message string, fields map[string]any) {
	mu.RLock()
	zl := base
	mu.RUnlock()

	ce := zl.Check(toZap(l), message)
	if ce == nil {
		return
	}

	zfields := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zfields = append(zfields, zap.String("component", component))
	}

	// Sorted so that console output is stable between runs.
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		zfields = append(zfields, zap.Any(k, fields[k]))
	}

	ce.Write(zfields...)
}

func Debug(message string) {
	logMessage(DEBUG, "", message, nil)
}

func DebugC(component string, message string) {
	logMessage(DEBUG, component, message, nil)
}

func DebugCF(component string, message string, fields map[string]any) {
	logMessage(DEBUG, component, message, fields)
}

func Info(message string) {
	logMessage(INFO, "", message, nil)
}

func InfoC(component string, message string) {
	logMessage(INFO, component, message, nil)
}

func InfoCF(component string, message string, fields map[string]any) {
	logMessage(INFO, component, message, fields)
}

func Warn(message string) {
	logMessage(WARN, "", message, nil)
}

func WarnC(component string, message string) {
	logMessage(WARN, component, message, nil)
}

func WarnCF(component string, message string, fields map[string]any) {
	logMessage(WARN, component, message, fields)
}

func Error(message string) {
	logMessage(ERROR, "", message, nil)
}

func ErrorC(component string, message string) {
	logMessage(ERROR, component, message, nil)
}

func ErrorCF(component string, message string, fields map[string]any) {
	logMessage(ERROR, component, message, fields)
}
