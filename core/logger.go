package core

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"sync"
	"time"
)

// LogLevel controls which messages a ProductionLogger emits.
type LogLevel int

const (
	LogDebug LogLevel = iota
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogDebug:
		return "debug"
	case LogInfo:
		return "info"
	case LogWarn:
		return "warn"
	case LogError:
		return "error"
	default:
		return "unknown"
	}
}

// ProductionLogger emits structured JSON log lines, one object per
// line, suitable for log aggregation. It implements
// ComponentAwareLogger so each part of the core can label its output.
type ProductionLogger struct {
	mu        *sync.Mutex
	out       io.Writer
	level     LogLevel
	component string
	service   string
}

// NewProductionLogger creates a logger writing to stderr.
func NewProductionLogger(service string, level LogLevel) *ProductionLogger {
	return &ProductionLogger{
		mu:      &sync.Mutex{},
		out:     os.Stderr,
		level:   level,
		service: service,
	}
}

// NewProductionLoggerWithWriter creates a logger with a custom writer,
// primarily for tests.
func NewProductionLoggerWithWriter(service string, level LogLevel, out io.Writer) *ProductionLogger {
	return &ProductionLogger{
		mu:      &sync.Mutex{},
		out:     out,
		level:   level,
		service: service,
	}
}

// WithComponent returns a logger that stamps every line with the given
// component identifier. The underlying writer and level are shared.
func (l *ProductionLogger) WithComponent(component string) Logger {
	return &ProductionLogger{
		mu:        l.mu,
		out:       l.out,
		level:     l.level,
		component: component,
		service:   l.service,
	}
}

func (l *ProductionLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	if level < l.level {
		return
	}

	entry := make(map[string]interface{}, len(fields)+5)
	for k, v := range fields {
		entry[k] = v
	}
	entry["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	entry["level"] = level.String()
	entry["message"] = msg
	if l.service != "" {
		entry["service"] = l.service
	}
	if l.component != "" {
		entry["component"] = l.component
	}

	line, err := json.Marshal(entry)
	if err != nil {
		// A field that cannot marshal must not lose the message.
		line, _ = json.Marshal(map[string]interface{}{
			"timestamp": time.Now().UTC().Format(time.RFC3339Nano),
			"level":     level.String(),
			"message":   msg,
			"log_error": err.Error(),
		})
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	_, _ = l.out.Write(append(line, '\n'))
}

func (l *ProductionLogger) Info(msg string, fields map[string]interface{}) {
	l.log(LogInfo, msg, fields)
}

func (l *ProductionLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogError, msg, fields)
}

func (l *ProductionLogger) Warn(msg string, fields map[string]interface{}) {
	l.log(LogWarn, msg, fields)
}

func (l *ProductionLogger) Debug(msg string, fields map[string]interface{}) {
	l.log(LogDebug, msg, fields)
}

// Context-aware variants attach trace correlation when a trace context
// is present. The trace lookup lives in the telemetry package; here we
// only pass the fields through so callers on the hot path pay nothing
// when tracing is off.

func (l *ProductionLogger) InfoWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogInfo, msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) ErrorWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogError, msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) WarnWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogWarn, msg, withTraceFields(ctx, fields))
}

func (l *ProductionLogger) DebugWithContext(ctx context.Context, msg string, fields map[string]interface{}) {
	l.log(LogDebug, msg, withTraceFields(ctx, fields))
}

// traceFieldsFunc is installed by the telemetry package to add
// trace/span identifiers to context-aware log lines. This avoids a
// core → telemetry import cycle.
var (
	traceFieldsMu   sync.RWMutex
	traceFieldsFunc func(ctx context.Context) map[string]interface{}
)

// SetTraceFieldsFunc registers the trace-correlation hook.
func SetTraceFieldsFunc(fn func(ctx context.Context) map[string]interface{}) {
	traceFieldsMu.Lock()
	defer traceFieldsMu.Unlock()
	traceFieldsFunc = fn
}

func withTraceFields(ctx context.Context, fields map[string]interface{}) map[string]interface{} {
	traceFieldsMu.RLock()
	fn := traceFieldsFunc
	traceFieldsMu.RUnlock()
	if fn == nil || ctx == nil {
		return fields
	}
	traceFields := fn(ctx)
	if len(traceFields) == 0 {
		return fields
	}
	merged := make(map[string]interface{}, len(fields)+len(traceFields))
	for k, v := range fields {
		merged[k] = v
	}
	for k, v := range traceFields {
		merged[k] = v
	}
	return merged
}
