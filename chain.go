package arborq

import (
	"context"
	"encoding/json"

	"github.com/arborq/arborq/internal/base"
)

// chainBehavior implements the sequential composite state machine (§4.D):
// waiting --activate--> idle, activating children[0]; idle --result-->
// idle, feeding the completed child's result into the next child's args
// and activating it; idle --result(from last child)--> finished,
// persisting the final result and notifying the parent.
//
// It infers which child just completed purely from rec.ChildrenFinished —
// invariant 5 guarantees at most one child is active at a time, so the
// pre-increment counter is always that child's index. Command carries no
// "from" field; none is needed.
type chainBehavior struct{}

var chainHandler Behavior = chainBehavior{}

func (chainBehavior) Handle(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	switch cmd.Type {
	case base.CmdActivate:
		return chainHandleActivate(ctx, store, namespace, id, rec, cmd)
	case base.CmdResult:
		return chainHandleResult(ctx, store, namespace, id, rec, cmd)
	case base.CmdError:
		return chainHandleError(ctx, store, namespace, id, rec, cmd)
	default:
		return nil, false, nil
	}
}

func chainHandleActivate(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	txn := &base.Transaction{
		Validate: []base.ValidateEntry{
			base.LockedRemoval(namespace, rec.Pool, cmd),
			base.StateEquals(namespace, id, base.StateWaiting),
			base.UIDEquals(namespace, id, cmd.ToUID),
		},
		Exec: append(base.MoveWaitingToIdle(namespace, id), base.SetState(namespace, id, base.StateIdle)),
	}
	if len(rec.Children) > 0 {
		child, err := store.GetTask(ctx, namespace, rec.Children[0])
		if err != nil {
			return nil, false, err
		}
		if child != nil {
			txn.Exec = append(txn.Exec, activateOp(namespace, rec.Children[0], child.Pool, child.UID, store))
		}
	}
	return txn, false, nil
}

// activateOp builds the Op that enqueues an activate command to childID.
// now() is read through the store for cross-worker monotonic scoring.
func activateOp(namespace, childID, childPool, childUID string, store base.Store) base.Op {
	now, _ := store.Now(context.Background())
	cmd := &base.Command{To: childID, ToUID: childUID, Type: base.CmdActivate}
	return base.EnqueueOp(namespace, childPool, cmd, now)
}

func chainHandleResult(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	validate := []base.ValidateEntry{
		base.LockedRemoval(namespace, rec.Pool, cmd),
		base.StateEquals(namespace, id, base.StateIdle),
		base.UIDEquals(namespace, id, cmd.ToUID),
	}

	k := rec.ChildrenFinished
	finishedIncr := base.IncrField(namespace, id, "children_finished", 1)
	isLast := k+1 >= len(rec.Children)

	if isLast {
		exec := []base.Op{finishedIncr}
		progressOp, err := base.SetField(namespace, id, "progress", rec.Total)
		if err != nil {
			return nil, false, err
		}
		exec = append(exec, progressOp)
		var result json.RawMessage
		if cmd.Data != nil {
			result = cmd.Data.Result
		}
		resultOp, err := base.SetField(namespace, id, "result", result)
		if err != nil {
			return nil, false, err
		}
		exec = append(exec, resultOp)
		exec = append(exec, base.MoveIdleToFinished(namespace, id, finishedDeadline(ctx, store, rec))...)
		exec = append(exec, base.SetState(namespace, id, base.StateFinished))

		if rec.Parent != "" {
			now, _ := store.Now(ctx)
			parentCmd := &base.Command{To: rec.Parent, ToUID: rec.ParentUID, Type: base.CmdResult, Data: &base.CommandData{Result: result}}
			exec = append(exec, base.EnqueueOp(namespace, rec.ParentPool, parentCmd, now))
		}
		return &base.Transaction{Validate: validate, Exec: exec}, true, nil
	}

	// Not the last child: feed its result into the next child's args and
	// activate it, unless that child's record has been deleted.
	nextChild := rec.Children[k+1]
	child, err := store.GetTask(ctx, namespace, nextChild)
	if err != nil {
		return nil, false, err
	}
	exec := []base.Op{finishedIncr}
	if child != nil {
		var result json.RawMessage
		if cmd.Data != nil {
			result = cmd.Data.Result
		}
		newArgs := append(append([]json.RawMessage{}, child.Args...), result)
		argsOp, err := base.SetField(namespace, nextChild, "args", newArgs)
		if err != nil {
			return nil, false, err
		}
		exec = append(exec, argsOp)
		exec = append(exec, activateOp(namespace, nextChild, child.Pool, child.UID, store))
	}
	return &base.Transaction{Validate: validate, Exec: exec}, false, nil
}

// chainHandleError surfaces a child's error exactly as result propagation
// does, but through the error channel: persist it, transition to
// finished, and notify the parent with error rather than result.
func chainHandleError(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	validate := []base.ValidateEntry{
		base.LockedRemoval(namespace, rec.Pool, cmd),
		base.StateEquals(namespace, id, base.StateIdle),
		base.UIDEquals(namespace, id, cmd.ToUID),
	}
	var taskErr *base.TaskError
	if cmd.Data != nil {
		taskErr = cmd.Data.Error
	}
	errOp, err := base.SetField(namespace, id, "error", taskErr)
	if err != nil {
		return nil, false, err
	}
	exec := []base.Op{errOp}
	exec = append(exec, base.MoveIdleToFinished(namespace, id, finishedDeadline(ctx, store, rec))...)
	exec = append(exec, base.SetState(namespace, id, base.StateFinished))
	if rec.Parent != "" {
		now, _ := store.Now(ctx)
		parentCmd := &base.Command{To: rec.Parent, ToUID: rec.ParentUID, Type: base.CmdError, Data: &base.CommandData{Error: taskErr}}
		exec = append(exec, base.EnqueueOp(namespace, rec.ParentPool, parentCmd, now))
	}
	return &base.Transaction{Validate: validate, Exec: exec}, true, nil
}

func finishedDeadline(ctx context.Context, store base.Store, rec *base.TaskRecord) int64 {
	now, _ := store.Now(ctx)
	return now + rec.RemoveDelay
}
