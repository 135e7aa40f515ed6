package log

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubev2v/crate-validator/pkg/requestid"
)

// StructuredLogger writes operation traces for a named component.
// Every trace carries the operation name, its parameters, the request id found
// in the context and the elapsed time since Build.
type StructuredLogger struct {
	name   string
	logger *zap.Logger
	ctx    context.Context
	debug  bool
}

// NewDebugLogger returns a logger whose step traces are emitted at debug level.
// Success and error traces are always emitted at info and error level.
func NewDebugLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name, debug: true}
}

// NewInfoLogger returns a logger whose step traces are emitted at info level.
func NewInfoLogger(name string) *StructuredLogger {
	return &StructuredLogger{name: name}
}

func (l *StructuredLogger) WithContext(ctx context.Context) *StructuredLogger {
	return &StructuredLogger{name: l.name, logger: l.logger, ctx: ctx, debug: l.debug}
}

// WithLogger overrides the zap logger. By default the global logger is used at
// emission time, so loggers built before zap.ReplaceGlobals still follow it.
func (l *StructuredLogger) WithLogger(logger *zap.Logger) *StructuredLogger {
	return &StructuredLogger{name: l.name, logger: logger, ctx: l.ctx, debug: l.debug}
}

func (l *StructuredLogger) Operation(name string) *OperationBuilder {
	return &OperationBuilder{parent: l, operation: name}
}

func (l *StructuredLogger) zap() *zap.Logger {
	if l.logger != nil {
		return l.logger.Named(l.name)
	}
	return zap.L().Named(l.name)
}

type OperationBuilder struct {
	parent    *StructuredLogger
	operation string
	fields    []zap.Field
}

func (b *OperationBuilder) WithString(key, value string) *OperationBuilder {
	b.fields = append(b.fields, zap.String(key, value))
	return b
}

func (b *OperationBuilder) WithInt(key string, value int) *OperationBuilder {
	b.fields = append(b.fields, zap.Int(key, value))
	return b
}

func (b *OperationBuilder) WithBool(key string, value bool) *OperationBuilder {
	b.fields = append(b.fields, zap.Bool(key, value))
	return b
}

func (b *OperationBuilder) WithUUID(key string, value uuid.UUID) *OperationBuilder {
	b.fields = append(b.fields, zap.String(key, value.String()))
	return b
}

func (b *OperationBuilder) WithParam(key string, value any) *OperationBuilder {
	b.fields = append(b.fields, zap.Any(key, value))
	return b
}

func (b *OperationBuilder) Build() *OperationTracer {
	fields := []zap.Field{zap.String("operation", b.operation)}
	if b.parent.ctx != nil {
		if id := requestid.FromContext(b.parent.ctx); id != "" {
			fields = append(fields, zap.String("request_id", id))
		}
	}
	fields = append(fields, b.fields...)

	return &OperationTracer{
		logger: b.parent.zap(),
		debug:  b.parent.debug,
		fields: fields,
		start:  time.Now(),
	}
}

// OperationTracer emits the events of one running operation.
type OperationTracer struct {
	logger *zap.Logger
	debug  bool
	fields []zap.Field
	start  time.Time
}

func (t *OperationTracer) Step(name string) *Event {
	lvl := t.logger.Info
	if t.debug {
		lvl = t.logger.Debug
	}
	return t.event("step", lvl, zap.String("step", name))
}

func (t *OperationTracer) Success() *Event {
	return t.event("success", t.logger.Info, zap.Duration("duration", time.Since(t.start)))
}

func (t *OperationTracer) Error(err error) *Event {
	return t.event("error", t.logger.Error, zap.Error(err), zap.Duration("duration", time.Since(t.start)))
}

func (t *OperationTracer) Warn(msg string) *Event {
	return t.event(msg, t.logger.Warn)
}

func (t *OperationTracer) event(msg string, emit func(string, ...zap.Field), extra ...zap.Field) *Event {
	fields := make([]zap.Field, 0, len(t.fields)+len(extra)+2)
	fields = append(fields, t.fields...)
	fields = append(fields, extra...)
	return &Event{msg: msg, emit: emit, fields: fields}
}

// Event is a single log line being assembled. Nothing is written until Log.
type Event struct {
	msg    string
	emit   func(string, ...zap.Field)
	fields []zap.Field
}

func (e *Event) WithString(key, value string) *Event {
	e.fields = append(e.fields, zap.String(key, value))
	return e
}

func (e *Event) WithInt(key string, value int) *Event {
	e.fields = append(e.fields, zap.Int(key, value))
	return e
}

func (e *Event) WithBool(key string, value bool) *Event {
	e.fields = append(e.fields, zap.Bool(key, value))
	return e
}

func (e *Event) WithUUID(key string, value uuid.UUID) *Event {
	e.fields = append(e.fields, zap.String(key, value.String()))
	return e
}

func (e *Event) WithParam(key string, value any) *Event {
	e.fields = append(e.fields, zap.Any(key, value))
	return e
}

func (e *Event) Log() {
	e.emit(e.msg, e.fields...)
}
