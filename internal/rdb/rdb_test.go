package rdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/arborq/arborq/internal/base"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
)

func newTestRDB(t *testing.T) (*RDB, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRDB(client, "test"), mr
}

func TestPersistNewAndGetTask(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	rec := &base.TaskRecord{
		State: base.StateWaiting,
		Name:  "chain",
		UID:   "uid-1",
		Pool:  "default",
		Total: 2,
	}
	require.NoError(t, r.PersistNew(ctx, "test", "t1", rec))

	got, err := r.GetTask(ctx, "test", "t1")
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, base.StateWaiting, got.State)
	require.Equal(t, "uid-1", got.UID)
	require.Equal(t, 2, got.Total)

	missing, err := r.GetTask(ctx, "test", "nonexistent")
	require.NoError(t, err)
	require.Nil(t, missing)
}

func TestGetTasksAlignsWithMissing(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	require.NoError(t, r.PersistNew(ctx, "test", "t1", &base.TaskRecord{State: base.StateWaiting, Name: "chain", UID: "u1"}))
	require.NoError(t, r.PersistNew(ctx, "test", "t3", &base.TaskRecord{State: base.StateWaiting, Name: "chain", UID: "u3"}))

	recs, err := r.GetTasks(ctx, "test", []string{"t1", "t2", "t3"})
	require.NoError(t, err)
	require.Len(t, recs, 3)
	require.NotNil(t, recs[0])
	require.Nil(t, recs[1])
	require.NotNil(t, recs[2])
	require.Equal(t, "u1", recs[0].UID)
	require.Equal(t, "u3", recs[2].UID)
}

func TestLinkParent(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	require.NoError(t, r.PersistNew(ctx, "test", "child", &base.TaskRecord{State: base.StateWaiting, Name: "leaf", UID: "cu"}))
	require.NoError(t, r.LinkParent(ctx, "test", "child", "parent-id", "pool-a", "parent-uid"))

	got, err := r.GetTask(ctx, "test", "child")
	require.NoError(t, err)
	require.Equal(t, "parent-id", got.Parent)
	require.Equal(t, "pool-a", got.ParentPool)
	require.Equal(t, "parent-uid", got.ParentUID)
}

func TestEnqueueAndClaimCommand(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	cmd := &base.Command{To: "t1", ToUID: "u1", Type: base.CmdActivate}
	require.NoError(t, r.EnqueueCommand(ctx, "test", "default", cmd, 100))

	claimed, err := r.ClaimCommand(ctx, "test", "default", 200)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.Equal(t, cmd.Canonical(), claimed.Canonical())

	none, err := r.ClaimCommand(ctx, "test", "default", 200)
	require.NoError(t, err)
	require.Nil(t, none)
}

func TestClaimCommandOrdersByScore(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	later := &base.Command{To: "t1", ToUID: "u1", Type: base.CmdResult}
	earlier := &base.Command{To: "t2", ToUID: "u2", Type: base.CmdActivate}
	require.NoError(t, r.EnqueueCommand(ctx, "test", "default", later, 500))
	require.NoError(t, r.EnqueueCommand(ctx, "test", "default", earlier, 100))

	claimed, err := r.ClaimCommand(ctx, "test", "default", 1000)
	require.NoError(t, err)
	require.Equal(t, earlier.Canonical(), claimed.Canonical())
}

func TestEvalLockedRemovalGatesExec(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	require.NoError(t, r.PersistNew(ctx, "test", "t1", &base.TaskRecord{State: base.StateWaiting, Name: "chain", UID: "u1"}))
	cmd := &base.Command{To: "t1", ToUID: "u1", Type: base.CmdActivate}
	require.NoError(t, r.EnqueueCommand(ctx, "test", "default", cmd, 100))

	claimed, err := r.ClaimCommand(ctx, "test", "default", 200)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	setField, err := base.SetField("test", "t1", "progress", 7)
	require.NoError(t, err)
	txn := &base.Transaction{
		Validate: []base.ValidateEntry{base.LockedRemoval("test", "default", claimed)},
		Exec:     []base.Op{setField},
	}
	ok, err := r.Eval(ctx, txn)
	require.NoError(t, err)
	require.True(t, ok)

	got, err := r.GetTask(ctx, "test", "t1")
	require.NoError(t, err)
	require.Equal(t, 7, got.Progress)

	// Replaying the same transaction must fail validation: the lock
	// removal no longer finds the command, so the exec write doesn't run.
	ok, err = r.Eval(ctx, txn)
	require.NoError(t, err)
	require.False(t, ok)

	got, err = r.GetTask(ctx, "test", "t1")
	require.NoError(t, err)
	require.Equal(t, 7, got.Progress)
}

func TestEvalUIDFenceRejectsStaleCommand(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	require.NoError(t, r.PersistNew(ctx, "test", "t1", &base.TaskRecord{State: base.StateWaiting, Name: "chain", UID: "live-uid"}))

	setField, err := base.SetField("test", "t1", "progress", 99)
	require.NoError(t, err)
	txn := &base.Transaction{
		Validate: []base.ValidateEntry{base.UIDEquals("test", "t1", "stale-uid")},
		Exec:     []base.Op{setField},
	}
	ok, err := r.Eval(ctx, txn)
	require.NoError(t, err)
	require.False(t, ok)

	got, err := r.GetTask(ctx, "test", "t1")
	require.NoError(t, err)
	require.Equal(t, 0, got.Progress)
}

func TestDeleteFinishedBefore(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx := context.Background()

	require.NoError(t, r.PersistNew(ctx, "test", "t1", &base.TaskRecord{State: base.StateFinished, Name: "chain", UID: "u1"}))
	require.NoError(t, r.PersistNew(ctx, "test", "t2", &base.TaskRecord{State: base.StateFinished, Name: "chain", UID: "u2"}))

	ops := append(base.MoveIdleToFinished("test", "t1", 1000), base.MoveIdleToFinished("test", "t2", 5000)...)
	_, err := r.Eval(ctx, &base.Transaction{Exec: ops})
	require.NoError(t, err)

	n, err := r.DeleteFinishedBefore(ctx, "test", 2000, 10)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	got, err := r.GetTask(ctx, "test", "t1")
	require.NoError(t, err)
	require.Nil(t, got)

	still, err := r.GetTask(ctx, "test", "t2")
	require.NoError(t, err)
	require.NotNil(t, still)
}

func TestPublishSubscribe(t *testing.T) {
	r, _ := newTestRDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	msgs, stop, err := r.Subscribe(ctx, "task:end")
	require.NoError(t, err)
	defer stop()

	require.NoError(t, r.Publish(ctx, "task:end", []byte(`{"id":"t1"}`)))

	select {
	case m := <-msgs:
		require.Equal(t, `{"id":"t1"}`, string(m))
	case <-ctx.Done():
		t.Fatal("timed out waiting for published message")
	}
}

func TestPing(t *testing.T) {
	r, _ := newTestRDB(t)
	require.NoError(t, r.Ping(context.Background()))
}
