package arborq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/arborq/arborq/internal/base"
	"github.com/stretchr/testify/require"
)

func intArg(t *testing.T, n int) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(n)
	require.NoError(t, err)
	return b
}

// registerDouble registers a leaf that doubles the last argument it
// receives.
func registerDouble(t *testing.T, q *Queue) {
	t.Helper()
	q.RegisterLeaf("double", func(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
		var n int
		if len(args) > 0 {
			if err := json.Unmarshal(args[len(args)-1], &n); err != nil {
				return nil, err
			}
		}
		return json.Marshal(n * 2)
	})
}

func TestChainTwoStepFeed(t *testing.T) {
	q := newTestQueue(t)
	registerDouble(t, q)
	ctx := context.Background()

	spec := q.Chain([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 3))),
		q.Leaf("double"),
	})
	id, uid, err := q.Submit(ctx, spec)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.NotEmpty(t, uid)

	drive(t, q)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec)
	require.Equal(t, base.StateFinished, rec.State)

	var result int
	require.NoError(t, json.Unmarshal(rec.Result, &result))
	require.Equal(t, 12, result) // 3 -> 6 -> 12
	require.Equal(t, rec.Total, rec.Progress)
}

func TestChainNestedChainOfGroups(t *testing.T) {
	q := newTestQueue(t)
	registerDouble(t, q)
	ctx := context.Background()

	inner := q.Group([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 1))),
		q.Leaf("double", WithArgs(intArg(t, 2))),
	})
	spec := q.Chain([]*Spec{inner})

	id, _, err := q.Submit(ctx, spec)
	require.NoError(t, err)

	drive(t, q)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateFinished, rec.State)

	var results []int
	require.NoError(t, json.Unmarshal(rec.Result, &results))
	require.Equal(t, []int{2, 4}, results)
}

var errLeafBoom = errors.New("boom")

func failingLeaf(ctx context.Context, args []json.RawMessage) (json.RawMessage, error) {
	return nil, errLeafBoom
}

func TestChainPropagatesLeafError(t *testing.T) {
	q := newTestQueue(t)
	q.RegisterLeaf("boom", failingLeaf)
	registerDouble(t, q)
	ctx := context.Background()

	spec := q.Chain([]*Spec{
		q.Leaf("boom"),
		q.Leaf("double"),
	})
	id, _, err := q.Submit(ctx, spec)
	require.NoError(t, err)

	drive(t, q)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateFinished, rec.State)
	require.NotNil(t, rec.Error)
	require.Equal(t, "boom", rec.Error.Message)
	require.Nil(t, rec.Result)
}

func TestChainRejectsZeroChildren(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	spec := q.Chain(nil)
	_, _, err := q.Submit(ctx, spec)
	require.ErrorIs(t, err, ErrNoChildren)
}

func TestChainRacingWorkersOnSingleActivate(t *testing.T) {
	q := newTestQueue(t)
	registerDouble(t, q)
	ctx := context.Background()

	spec := q.Chain([]*Spec{
		q.Leaf("double", WithArgs(intArg(t, 5))),
		q.Leaf("double"),
	})
	id, _, err := q.Submit(ctx, spec)
	require.NoError(t, err)

	// Two "workers" race to claim the root's activate command; only one
	// can win since ClaimCommand atomically pops it.
	cmd1, err := q.store.ClaimCommand(ctx, q.namespace, "default", 0)
	require.NoError(t, err)
	require.NotNil(t, cmd1)
	cmd2, err := q.store.ClaimCommand(ctx, q.namespace, "default", 0)
	require.NoError(t, err)
	require.Nil(t, cmd2)

	rec, err := q.GetTask(ctx, id)
	require.NoError(t, err)
	tmpl, ok := q.reg.lookup(rec.Name)
	require.True(t, ok)
	txn, _, err := behaviorForTemplate(tmpl).Handle(ctx, q.store, q.namespace, id, rec, cmd1)
	require.NoError(t, err)
	ok2, err := q.store.Eval(ctx, txn)
	require.NoError(t, err)
	require.True(t, ok2)

	drive(t, q)

	rec, err = q.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, base.StateFinished, rec.State)
}
