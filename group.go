package arborq

import (
	"context"
	"encoding/json"

	"github.com/arborq/arborq/internal/base"
)

func marshalResults(results []interface{}) (json.RawMessage, error) {
	b, err := json.Marshal(results)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// groupBehavior implements the parallel composite state machine (§4.E):
// waiting --activate--> idle, activating every present child in one
// burst; idle --result--> idle, incrementing children_finished and
// self-emitting group_check; idle --group_check--> finished once
// children_finished == N.
//
// The result->group_check split avoids a read-modify-write inside one
// transaction for "am I last?": each result increment is its own atomic
// transaction, and the completion decision is deferred to a fresh
// group_check transaction that reads the post-increment counter off its
// own in-memory copy of the record.
type groupBehavior struct{}

var groupHandler Behavior = groupBehavior{}

func (groupBehavior) Handle(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	switch cmd.Type {
	case base.CmdActivate:
		return groupHandleActivate(ctx, store, namespace, id, rec, cmd)
	case base.CmdResult:
		return groupHandleResult(ctx, store, namespace, id, rec, cmd)
	case base.CmdGroupCheck:
		return groupHandleCheck(ctx, store, namespace, id, rec, cmd)
	case base.CmdError:
		return chainHandleError(ctx, store, namespace, id, rec, cmd)
	default:
		return nil, false, nil
	}
}

func groupHandleActivate(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	txn := &base.Transaction{
		Validate: []base.ValidateEntry{
			base.LockedRemoval(namespace, rec.Pool, cmd),
			base.StateEquals(namespace, id, base.StateWaiting),
			base.UIDEquals(namespace, id, cmd.ToUID),
		},
		Exec: append(base.MoveWaitingToIdle(namespace, id), base.SetState(namespace, id, base.StateIdle)),
	}
	if len(rec.Children) == 0 {
		return txn, false, nil
	}
	children, err := store.GetTasks(ctx, namespace, rec.Children)
	if err != nil {
		return nil, false, err
	}
	for i, child := range children {
		if child == nil {
			continue // skip null children; still part of the one atomic burst
		}
		txn.Exec = append(txn.Exec, activateOp(namespace, rec.Children[i], child.Pool, child.UID, store))
	}
	return txn, false, nil
}

func groupHandleResult(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	validate := []base.ValidateEntry{
		base.LockedRemoval(namespace, rec.Pool, cmd),
		base.StateEquals(namespace, id, base.StateIdle),
		base.UIDEquals(namespace, id, cmd.ToUID),
	}
	now, _ := store.Now(ctx)
	selfCheck := &base.Command{To: id, ToUID: rec.UID, Type: base.CmdGroupCheck}
	exec := []base.Op{
		base.IncrField(namespace, id, "children_finished", 1),
		base.EnqueueOp(namespace, rec.Pool, selfCheck, now),
	}
	return &base.Transaction{Validate: validate, Exec: exec}, false, nil
}

func groupHandleCheck(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	validate := []base.ValidateEntry{
		base.LockedRemoval(namespace, rec.Pool, cmd),
		base.StateEquals(namespace, id, base.StateIdle),
		base.UIDEquals(namespace, id, cmd.ToUID),
	}
	if rec.ChildrenFinished < len(rec.Children) {
		// Early check: nothing to do, but the lock removal must still run
		// so the command is consumed — exec is empty, so nothing else
		// changes even when validation passes.
		return &base.Transaction{Validate: validate, Exec: nil}, false, nil
	}

	children, err := store.GetTasks(ctx, namespace, rec.Children)
	if err != nil {
		return nil, false, err
	}

	exec := []base.Op{}
	exec = append(exec, base.MoveIdleToFinished(namespace, id, finishedDeadline(ctx, store, rec))...)
	exec = append(exec, base.SetState(namespace, id, base.StateFinished))

	var missing bool
	for _, c := range children {
		if c == nil {
			missing = true
			break
		}
	}

	if missing {
		taskErr := &base.TaskError{Message: ErrGroupChildMissing.Error()}
		errOp, err := base.SetField(namespace, id, "error", taskErr)
		if err != nil {
			return nil, false, err
		}
		exec = append(exec, errOp)
		if rec.Parent != "" {
			now, _ := store.Now(ctx)
			parentCmd := &base.Command{To: rec.Parent, ToUID: rec.ParentUID, Type: base.CmdError, Data: &base.CommandData{Error: taskErr}}
			exec = append(exec, base.EnqueueOp(namespace, rec.ParentPool, parentCmd, now))
		}
		return &base.Transaction{Validate: validate, Exec: exec}, true, nil
	}

	results := make([]interface{}, len(children))
	for i, c := range children {
		results[i] = c.Result
	}
	resultOp, err := base.SetField(namespace, id, "result", results)
	if err != nil {
		return nil, false, err
	}
	exec = append(exec, resultOp)
	progressOp, err := base.SetField(namespace, id, "progress", rec.Total)
	if err != nil {
		return nil, false, err
	}
	exec = append(exec, progressOp)

	if rec.Parent != "" {
		now, _ := store.Now(ctx)
		resultJSON, err := marshalResults(results)
		if err != nil {
			return nil, false, err
		}
		parentCmd := &base.Command{To: rec.Parent, ToUID: rec.ParentUID, Type: base.CmdResult, Data: &base.CommandData{Result: resultJSON}}
		exec = append(exec, base.EnqueueOp(namespace, rec.ParentPool, parentCmd, now))
	}
	return &base.Transaction{Validate: validate, Exec: exec}, true, nil
}
