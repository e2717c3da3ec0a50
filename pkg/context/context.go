// Package context carries spawn and operation metadata through context.Context
// so that log lines from the control process and its workers can be correlated.
package context

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Context keys. Unexported struct pointers prevent key collisions.
var (
	spawnIDKey    = &struct{}{}
	workerNameKey = &struct{}{}
	operationKey  = &struct{}{}
	startTimeKey  = &struct{}{}
)

const (
	unknownSpawn     = "unknown-spawn"
	unknownWorker    = "unknown-worker"
	unknownOperation = "unknown-operation"
)

// WithSpawnID adds a spawn ID to the context, generating one when empty
func WithSpawnID(parent context.Context, spawnID string) context.Context {
	if spawnID == "" {
		spawnID = GenerateSpawnID()
	}
	return context.WithValue(parent, spawnIDKey, spawnID)
}

// GetSpawnID retrieves the spawn ID from context
func GetSpawnID(ctx context.Context) string {
	if id, ok := ctx.Value(spawnIDKey).(string); ok && id != "" {
		return id
	}
	return unknownSpawn
}

// WithWorkerName adds the worker name to the context
func WithWorkerName(parent context.Context, name string) context.Context {
	return context.WithValue(parent, workerNameKey, name)
}

// GetWorkerName retrieves the worker name from context
func GetWorkerName(ctx context.Context) string {
	if name, ok := ctx.Value(workerNameKey).(string); ok && name != "" {
		return name
	}
	return unknownWorker
}

// WithOperation adds an operation name to the context
func WithOperation(parent context.Context, operation string) context.Context {
	return context.WithValue(parent, operationKey, operation)
}

// GetOperation retrieves the operation name from context
func GetOperation(ctx context.Context) string {
	if op, ok := ctx.Value(operationKey).(string); ok && op != "" {
		return op
	}
	return unknownOperation
}

// WithStartTime adds the operation start time to the context
func WithStartTime(parent context.Context, startTime time.Time) context.Context {
	return context.WithValue(parent, startTimeKey, startTime)
}

// GetStartTime retrieves the operation start time from context
func GetStartTime(ctx context.Context) (time.Time, bool) {
	t, ok := ctx.Value(startTimeKey).(time.Time)
	return t, ok
}

// GetDuration returns the time elapsed since the start time in context,
// or zero when no start time was recorded.
func GetDuration(ctx context.Context) time.Duration {
	start, ok := GetStartTime(ctx)
	if !ok {
		return 0
	}
	return time.Since(start)
}

// GenerateSpawnID creates a new unique spawn ID
func GenerateSpawnID() string {
	return "spn_" + uuid.New().String()
}

// HasSpawnID reports whether ctx carries a spawn ID
func HasSpawnID(ctx context.Context) bool {
	return GetSpawnID(ctx) != unknownSpawn
}

// HasWorkerName reports whether ctx carries a worker name
func HasWorkerName(ctx context.Context) bool {
	return GetWorkerName(ctx) != unknownWorker
}

// HasOperation reports whether ctx carries an operation name
func HasOperation(ctx context.Context) bool {
	return GetOperation(ctx) != unknownOperation
}

// ForSpawn prepares the context for one spawn attempt.
func ForSpawn(parent context.Context, name string) context.Context {
	ctx := WithSpawnID(parent, "")
	if name != "" {
		ctx = WithWorkerName(ctx, name)
	}
	ctx = WithOperation(ctx, "spawn")
	return WithStartTime(ctx, time.Now())
}
