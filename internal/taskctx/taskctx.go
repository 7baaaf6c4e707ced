// Package taskctx carries per-command scoped metadata through a handler's
// context, the way the worker dispatch loop hands a claimed command's
// identity down into Behavior.Handle without threading extra parameters.
package taskctx

import "context"

type metadata struct {
	taskID string
	uid    string
	pool   string
	name   string
}

type ctxKey int

const metadataCtxKey ctxKey = 0

// New returns a context carrying the given task's addressing metadata.
func New(parent context.Context, taskID, uid, pool, name string) context.Context {
	return context.WithValue(parent, metadataCtxKey, metadata{
		taskID: taskID,
		uid:    uid,
		pool:   pool,
		name:   name,
	})
}

// GetTaskID extracts the task ID a command was addressed to, if any.
func GetTaskID(ctx context.Context) (id string, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(metadata)
	if !ok {
		return "", false
	}
	return m.taskID, true
}

// GetUID extracts the UID a command was addressed to, if any.
func GetUID(ctx context.Context) (uid string, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(metadata)
	if !ok {
		return "", false
	}
	return m.uid, true
}

// GetPool extracts the pool a command was claimed from, if any.
func GetPool(ctx context.Context) (pool string, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(metadata)
	if !ok {
		return "", false
	}
	return m.pool, true
}

// GetName extracts the target task's registered template name, if any.
func GetName(ctx context.Context) (name string, ok bool) {
	m, ok := ctx.Value(metadataCtxKey).(metadata)
	if !ok {
		return "", false
	}
	return m.name, true
}
