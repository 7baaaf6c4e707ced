package arborq

import (
	"context"

	"github.com/arborq/arborq/internal/base"
)

// leafBehavior is the minimal leaf stand-in described in SPEC_FULL.md: the
// real leaf-task runner (retries, timeouts, worker dispatch of arbitrary
// handlers) is explicitly out of scope for the composite engine, but
// Chain/Group cannot be exercised end-to-end without something that
// actually produces a result or error. A leaf here runs its LeafFunc
// synchronously on activation and reports straight to finished.
type leafBehavior struct {
	fn LeafFunc
}

func newLeafBehavior(fn LeafFunc) Behavior { return leafBehavior{fn: fn} }

func (b leafBehavior) Handle(ctx context.Context, store base.Store, namespace, id string, rec *base.TaskRecord, cmd *base.Command) (*base.Transaction, bool, error) {
	if cmd.Type != base.CmdActivate {
		return nil, false, nil
	}

	validate := []base.ValidateEntry{
		base.LockedRemoval(namespace, rec.Pool, cmd),
		base.StateEquals(namespace, id, base.StateWaiting),
		base.UIDEquals(namespace, id, cmd.ToUID),
	}
	exec := append(base.MoveWaitingToIdle(namespace, id), base.SetState(namespace, id, base.StateIdle))
	exec = append(exec, base.MoveIdleToFinished(namespace, id, finishedDeadline(ctx, store, rec))...)
	exec = append(exec, base.SetState(namespace, id, base.StateFinished))

	result, runErr := b.fn(ctx, rec.Args)
	now, _ := store.Now(ctx)
	if runErr != nil {
		taskErr := &base.TaskError{Message: runErr.Error()}
		errOp, err := base.SetField(namespace, id, "error", taskErr)
		if err != nil {
			return nil, false, err
		}
		exec = append(exec, errOp)
		progressOp, err := base.SetField(namespace, id, "progress", rec.Total)
		if err != nil {
			return nil, false, err
		}
		exec = append(exec, progressOp)
		if rec.Parent != "" {
			parentCmd := &base.Command{To: rec.Parent, ToUID: rec.ParentUID, Type: base.CmdError, Data: &base.CommandData{Error: taskErr}}
			exec = append(exec, base.EnqueueOp(namespace, rec.ParentPool, parentCmd, now))
		}
		return &base.Transaction{Validate: validate, Exec: exec}, true, nil
	}

	resultOp, err := base.SetField(namespace, id, "result", result)
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
		parentCmd := &base.Command{To: rec.Parent, ToUID: rec.ParentUID, Type: base.CmdResult, Data: &base.CommandData{Result: result}}
		exec = append(exec, base.EnqueueOp(namespace, rec.ParentPool, parentCmd, now))
	}
	return &base.Transaction{Validate: validate, Exec: exec}, true, nil
}
