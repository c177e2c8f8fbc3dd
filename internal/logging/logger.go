package logging

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/austindbirch/control_core/internal/tracing"
)

// base is the process-wide logrus sink shared by every Logger
var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: time.RFC3339Nano,
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg: "msg",
		},
	})
	return l
}

// SetLevel sets the minimum level emitted (debug, info, warn, error, fatal)
func SetLevel(level string) error {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return fmt.Errorf("parse log level: %w", err)
	}
	base.SetLevel(lvl)
	return nil
}

// SetOutput redirects all log output, used by tests and the CLI
func SetOutput(w io.Writer) {
	base.SetOutput(w)
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
}

// LogEntry accumulates fields before being emitted at a level
type LogEntry struct {
	Service  string
	TraceID  string
	SpanID   string
	ClientID string
	EventID  string
	Target   string
	Fields   map[string]any
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{service: service}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.Plain()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
		entry.SpanID = oteltrace.SpanFromContext(ctx).SpanContext().SpanID().String()
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	return l.Plain().WithFields(fields)
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return &LogEntry{
		Service: l.service,
		Fields:  make(map[string]any),
	}
}

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithClient sets the client (correlation) ID for the log entry
func (e *LogEntry) WithClient(clientID string) *LogEntry {
	e.ClientID = clientID
	return e
}

// WithEvent sets the event ID for the log entry
func (e *LogEntry) WithEvent(eventID string) *LogEntry {
	e.EventID = eventID
	return e
}

// WithTarget sets the delivery target name for the log entry
func (e *LogEntry) WithTarget(target string) *LogEntry {
	e.Target = target
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		e.WithField("error", err.Error())
	}
	return e
}

func (e *LogEntry) Debug(message string) { e.emit(logrus.DebugLevel, message) }

func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(logrus.DebugLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Info(message string) { e.emit(logrus.InfoLevel, message) }

func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(logrus.InfoLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Warn(message string) { e.emit(logrus.WarnLevel, message) }

func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(logrus.WarnLevel, fmt.Sprintf(format, args...))
}

func (e *LogEntry) Error(message string) { e.emit(logrus.ErrorLevel, message) }

func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(logrus.ErrorLevel, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	base.WithFields(e.fields()).Fatal(message)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	base.WithFields(e.fields()).Fatal(fmt.Sprintf(format, args...))
}

func (e *LogEntry) emit(level logrus.Level, message string) {
	base.WithFields(e.fields()).Log(level, message)
}

func (e *LogEntry) fields() logrus.Fields {
	f := make(logrus.Fields, len(e.Fields)+6)
	for k, v := range e.Fields {
		f[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			f[k] = v
		}
	}
	set("service", e.Service)
	set("trace_id", e.TraceID)
	set("span_id", e.SpanID)
	set("client_id", e.ClientID)
	set("event_id", e.EventID)
	set("target", e.Target)
	return f
}

var defaultLogger = New("control-core")

// WithContext creates a log entry with trace correlation using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
