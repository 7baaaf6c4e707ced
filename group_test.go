package arborq

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/arborq/arborq/internal/base"
	"github.com/stretchr/testify/require"
)

func TestGroupOfThree(t *testing.T) {
	q := newTestQueue(t)
	registerDouble(t, q)
	ctx := context.Background()

	spec := q.Group([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 1))),
		q.Leaf("double", WithArgs(intArg(t, 2))),
		q.Leaf("double", WithArgs(intArg(t, 3))),
	})
	id, _, err := q.Submit(ctx, spec)
	require.NoError(t, err)

	drive(t, q)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateFinished, rec.State)
	require.Equal(t, 3, rec.ChildrenFinished)

	var results []int
	require.NoError(t, json.Unmarshal(rec.Result, &results))
	require.Equal(t, []int{2, 4, 6}, results) // order preserved regardless of completion order
}

func TestGroupNestedGroupOfChains(t *testing.T) {
	q := newTestQueue(t)
	registerDouble(t, q)
	ctx := context.Background()

	chainA := q.Chain([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 1))),
		q.Leaf("double"),
	}) // 1 -> 2 -> 4
	chainB := q.Chain([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 10))),
	}) // 10 -> 20

	spec := q.Group([]*Spec{chainA, chainB})
	id, _, err := q.Submit(ctx, spec)
	require.NoError(t, err)

	drive(t, q)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateFinished, rec.State)

	var results []int
	require.NoError(t, json.Unmarshal(rec.Result, &results))
	require.Equal(t, []int{4, 20}, results)
}

func TestGroupRejectsZeroChildren(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	spec := q.Group(nil)
	_, _, err := q.Submit(ctx, spec)
	require.ErrorIs(t, err, ErrNoChildren)
}

func TestGroupReportsMissingChild(t *testing.T) {
	q, client := newTestQueueWithClient(t)
	registerDouble(t, q)
	ctx := context.Background()

	spec := q.Group([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 1))),
		q.Leaf("double", WithArgs(intArg(t, 2))),
	})
	id, _, err := q.Submit(ctx, spec)
	require.NoError(t, err)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Len(t, rec.Children, 2)
	missingChild := rec.Children[1]

	// Drive every command up through both children reporting their
	// results, but delete the second child's record the instant the
	// group's own group_check command is claimed — simulating a record
	// vanishing (e.g. a janitor race) between a child reporting in and
	// the group's terminal re-read of it.
	deleted := false
	for {
		cmd, found := claimOne(t, q, []string{"default"})
		if !found {
			break
		}
		if !deleted && cmd.Type == base.CmdGroupCheck && cmd.To == id {
			grp, err := q.GetTask(ctx, id)
			require.NoError(t, err)
			if grp.ChildrenFinished == len(grp.Children) {
				require.NoError(t, client.Del(ctx, base.TaskKey(q.namespace, missingChild)).Err())
				deleted = true
			}
		}
		target, err := q.GetTask(ctx, cmd.To)
		require.NoError(t, err)
		if target == nil {
			continue
		}
		tmpl, ok := q.reg.lookup(target.Name)
		require.True(t, ok)
		txn, _, err := behaviorForTemplate(tmpl).Handle(ctx, q.store, q.namespace, cmd.To, target, cmd)
		require.NoError(t, err)
		if txn == nil {
			continue
		}
		_, err = q.store.Eval(ctx, txn)
		require.NoError(t, err)
	}
	require.True(t, deleted, "test never reached the group_check command")

	final, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateFinished, final.State)
	require.NotNil(t, final.Error)
	require.Equal(t, ErrGroupChildMissing.Error(), final.Error.Message)
}

func TestGroupChecksAreIdempotentBeforeAllChildrenFinish(t *testing.T) {
	q := newTestQueue(t)
	registerDouble(t, q)
	ctx := context.Background()

	spec := q.Group([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 1))),
		q.Leaf("double", WithArgs(intArg(t, 2))),
	})
	id, _, err := q.Submit(ctx, spec)
	require.NoError(t, err)

	// Activate the group and its children, but stop before any child's
	// result reaches the group, by draining only the activate burst.
	cmd, err := q.store.ClaimCommand(ctx, q.namespace, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, cmd)
	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	tmpl, ok := q.reg.lookup(rec.Name)
	require.True(t, ok)
	txn, _, err := behaviorForTemplate(tmpl).Handle(ctx, q.store, q.namespace, id, rec, cmd)
	require.NoError(t, err)
	won, err := q.store.Eval(ctx, txn)
	require.NoError(t, err)
	require.True(t, won)

	mid, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateIdle, mid.State)
	require.Equal(t, 0, mid.ChildrenFinished)

	// Deliver a group_check while no child has reported yet. Enqueued at
	// score 0, it is claimed ahead of the children's activate commands; it
	// must be consumed without changing the group's state or counter.
	early := &base.Command{To: id, ToUID: mid.UID, Type: base.CmdGroupCheck}
	require.NoError(t, q.store.EnqueueCommand(ctx, q.namespace, mid.Pool, early, 0))
	claimed, found := claimOne(t, q, []string{mid.Pool})
	require.True(t, found)
	require.Equal(t, early.Canonical(), claimed.Canonical())
	txn, terminal, err := behaviorForTemplate(tmpl).Handle(ctx, q.store, q.namespace, id, mid, claimed)
	require.NoError(t, err)
	require.False(t, terminal)
	won, err = q.store.Eval(ctx, txn)
	require.NoError(t, err)
	require.True(t, won)

	afterCheck, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateIdle, afterCheck.State)
	require.Equal(t, 0, afterCheck.ChildrenFinished)

	drive(t, q)

	final, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateFinished, final.State)
}
