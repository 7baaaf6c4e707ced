package arborq

import (
	"context"

	"github.com/arborq/arborq/internal/base"
)

// Behavior handles one command against one task record, returning the
// Transaction the caller must run through Store.Eval to effect it, and
// whether that Transaction — if it wins the race — carries the task to a
// terminal state. The worker dispatch loop uses terminal to decide
// whether to publish task:end once Eval confirms the transaction ran. It
// never mutates the store itself — that keeps validate/exec assembly
// testable without a live store, and keeps the atomicity boundary exactly
// at the Transaction, matching the spec's "each handler assembles one
// store transaction" design.
type Behavior interface {
	Handle(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (txn *base.Transaction, terminal bool, err error)
}

// BehaviorFunc adapts an ordinary function to a Behavior.
type BehaviorFunc func(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error)

func (f BehaviorFunc) Handle(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	return f(ctx, store, namespace, id, rec, cmd)
}
