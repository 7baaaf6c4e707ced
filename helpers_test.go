package arborq

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/arborq/arborq/internal/base"
	"github.com/arborq/arborq/internal/rdb"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

// newTestQueue returns a Queue backed by a real RDB against miniredis, so
// chain/group behavior is exercised through the same transaction ABI a
// production worker would use, not a fake in-memory store.
func newTestQueue(t *testing.T) *Queue {
	q, _ := newTestQueueWithClient(t)
	return q
}

// newTestQueueWithClient is newTestQueue plus the raw redis client, for
// tests that need to reach past base.Store to simulate conditions the
// interface has no method for (e.g. a task record vanishing out from
// under a still-running composite).
func newTestQueueWithClient(t *testing.T) (*Queue, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	store := rdb.NewRDB(client, "test")
	return New(store, "test"), client
}

// drive runs the claim -> Handle -> Eval loop synchronously until every
// pool is empty, without the worker's goroutine pool or poll sleep, so
// tests are deterministic. It fails the test if a handler or Eval errors.
func drive(t *testing.T, q *Queue, pools ...string) {
	t.Helper()
	ctx := context.Background()
	if len(pools) == 0 {
		pools = []string{"default"}
	}
	const maxSteps = 10000
	for step := 0; ; step++ {
		if step >= maxSteps {
			t.Fatalf("drive: exceeded %d steps without draining all pools", maxSteps)
		}
		cmd, found := claimOne(t, q, pools)
		if !found {
			return
		}

		rec, err := q.store.GetTask(ctx, q.namespace, cmd.To)
		require.NoError(t, err)
		if rec == nil {
			continue
		}
		tmpl, ok := q.reg.lookup(rec.Name)
		require.True(t, ok, "unregistered template %q", rec.Name)

		behavior := behaviorForTemplate(tmpl)
		txn, _, err := behavior.Handle(ctx, q.store, q.namespace, cmd.To, rec, cmd)
		require.NoError(t, err)
		if txn == nil {
			continue
		}
		_, err = q.store.Eval(ctx, txn)
		require.NoError(t, err)
	}
}

func claimOne(t *testing.T, q *Queue, pools []string) (*base.Command, bool) {
	t.Helper()
	ctx := context.Background()
	now, err := q.store.Now(ctx)
	require.NoError(t, err)
	for _, pool := range pools {
		cmd, err := q.store.ClaimCommand(ctx, q.namespace, pool, now)
		require.NoError(t, err)
		if cmd != nil {
			return cmd, true
		}
	}
	return nil, false
}
