package logger

import (
	"context"

	pcontext "github.com/forkpool/forkpool/pkg/context"
)

// WithContext creates a logger that automatically includes the spawn
// metadata found in ctx (spawn id, worker name, operation, duration).
func WithContext(ctx context.Context, logger Logger) Logger {
	if ctx == nil {
		return logger
	}
	return &contextualLogger{
		ctx:    ctx,
		logger: logger,
	}
}

// ContextFields extracts tracing fields from context
func ContextFields(ctx context.Context) []Field {
	if ctx == nil {
		return nil
	}

	var fields []Field

	if pcontext.HasSpawnID(ctx) {
		fields = append(fields, WithField("spawn_id", pcontext.GetSpawnID(ctx)))
	}
	if pcontext.HasWorkerName(ctx) {
		fields = append(fields, WithField("worker", pcontext.GetWorkerName(ctx)))
	}
	if pcontext.HasOperation(ctx) {
		fields = append(fields, WithField("operation", pcontext.GetOperation(ctx)))
	}
	if duration := pcontext.GetDuration(ctx); duration > 0 {
		fields = append(fields, WithField("duration_ms", duration.Milliseconds()))
	}

	return fields
}

// contextualLogger wraps a logger with automatic context field extraction
type contextualLogger struct {
	ctx    context.Context
	logger Logger
}

func (cl *contextualLogger) with(fields []Field) []Field {
	return append(ContextFields(cl.ctx), fields...)
}

func (cl *contextualLogger) Info(message string, fields ...Field) {
	cl.logger.Info(message, cl.with(fields)...)
}

func (cl *contextualLogger) Error(message string, fields ...Field) {
	cl.logger.Error(message, cl.with(fields)...)
}

func (cl *contextualLogger) Warn(message string, fields ...Field) {
	cl.logger.Warn(message, cl.with(fields)...)
}

func (cl *contextualLogger) Debug(message string, fields ...Field) {
	cl.logger.Debug(message, cl.with(fields)...)
}

func (cl *contextualLogger) Success(message string, fields ...Field) {
	cl.logger.Success(message, cl.with(fields)...)
}

func (cl *contextualLogger) Log(message string, internal bool) {
	if internal {
		cl.Debug(message)
		return
	}
	cl.Info(message)
}

func (cl *contextualLogger) WithWorker(label string) Logger {
	return &contextualLogger{
		ctx:    cl.ctx,
		logger: cl.logger.WithWorker(label),
	}
}
