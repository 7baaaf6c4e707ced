package arborq

import (
	"context"
	"encoding/json"
)

// Spec describes a task to be built, before it has an ID or a persisted
// record. Chain and Group nodes carry Children; a leaf carries none.
// Queue.Chain, Queue.Group, and Queue.Leaf are the only constructors —
// callers never build a Spec by hand, keeping its fields unexported.
type Spec struct {
	name        string
	kind        Kind
	pool        string
	args        []json.RawMessage
	removeDelay int64
	userData    json.RawMessage
	children    []*Spec // nil: derive from the template's InitFunc, if any
}

// LeafFunc is the stand-in for the out-of-scope leaf-task runner: a
// synchronous function a leaf template runs on activation. It exists only
// to make Chain/Group end-to-end testable against real leaf behavior,
// not as a job-execution subsystem in its own right.
type LeafFunc func(ctx context.Context, args []json.RawMessage) (result json.RawMessage, err error)
