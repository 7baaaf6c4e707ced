// Package rdb encapsulates every interaction between the composite engine
// and redis: the generic validate/exec transaction script, task hash
// persistence, pool command claiming, and the pub/sub event surface.
package rdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/arborq/arborq/internal/base"
	"github.com/arborq/arborq/internal/errors"
	"github.com/arborq/arborq/internal/timeutil"
	"github.com/go-redis/redis/v8"
	"github.com/spf13/cast"
)

// RDB is the production base.Store implementation, backed by redis.
type RDB struct {
	client    redis.UniversalClient
	namespace string
	clock     timeutil.Clock
}

// NewRDB returns an RDB scoped to namespace, operating over client.
func NewRDB(client redis.UniversalClient, namespace string) *RDB {
	return &RDB{client: client, namespace: namespace, clock: timeutil.NewRealClock()}
}

// SetClock overrides the local fallback clock used by Now's error path.
// Production code should rely on Now's redis TIME reading instead.
func (r *RDB) SetClock(c timeutil.Clock) { r.clock = c }

func (r *RDB) Client() redis.UniversalClient { return r.client }

func (r *RDB) Close() error { return r.client.Close() }

func (r *RDB) Ping(ctx context.Context) error {
	var op errors.Op = "rdb.Ping"
	if err := r.client.Ping(ctx).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "ping", Err: err})
	}
	return nil
}

// Now reads the store's millisecond wall clock via the TIME command, so
// command enqueue scores stay monotonic across workers even when their
// local clocks disagree.
func (r *RDB) Now(ctx context.Context) (int64, error) {
	var op errors.Op = "rdb.Now"
	d, err := r.client.Time(ctx).Result()
	if err != nil {
		return r.clock.Now().UnixMilli(), errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "time", Err: err})
	}
	return d.UnixMilli(), nil
}

// ---------------------------------------------------------------------------
// Task record persistence
// ---------------------------------------------------------------------------

// persistNewCmd writes a brand-new task's hash and marks it waiting.
//
// KEYS[1] -> arborq:{ns}:t:<id>       // task hash
// KEYS[2] -> arborq:{ns}:waiting      // waiting set
// --
// ARGV[1]   -> task id
// ARGV[2..] -> flattened field, value, field, value, ... pairs
//
// HSET  task hash  field value ...
// SADD  waiting set  id
var persistNewCmd = redis.NewScript(`
redis.call("HSET", KEYS[1], unpack(ARGV, 2, #ARGV))
redis.call("SADD", KEYS[2], ARGV[1])
return 1
`)

func (r *RDB) PersistNew(ctx context.Context, namespace, id string, rec *base.TaskRecord) error {
	var op errors.Op = "rdb.PersistNew"
	hash, err := rec.ToHash()
	if err != nil {
		return errors.E(op, errors.Internal, err)
	}
	argv := make([]interface{}, 0, 1+2*len(hash))
	argv = append(argv, id)
	for field, value := range hash {
		argv = append(argv, field, value)
	}
	keys := []string{base.TaskKey(namespace, id), base.WaitingKey(namespace)}
	if err := persistNewCmd.Run(ctx, r.client, keys, argv...).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval persistNewCmd", Err: err})
	}
	return nil
}

func (r *RDB) LinkParent(ctx context.Context, namespace, childID, parentID, parentPool, parentUID string) error {
	var op errors.Op = "rdb.LinkParent"
	fields := map[string]interface{}{}
	for field, v := range map[string]string{"parent": parentID, "parent_pool": parentPool, "parent_uid": parentUID} {
		b, err := jsonString(v)
		if err != nil {
			return errors.E(op, errors.Internal, err)
		}
		fields[field] = b
	}
	if err := r.client.HSet(ctx, base.TaskKey(namespace, childID), fields).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "hset", Err: err})
	}
	return nil
}

func (r *RDB) GetTask(ctx context.Context, namespace, id string) (*base.TaskRecord, error) {
	var op errors.Op = "rdb.GetTask"
	h, err := r.client.HGetAll(ctx, base.TaskKey(namespace, id)).Result()
	if err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "hgetall", Err: err})
	}
	if len(h) == 0 {
		return nil, nil
	}
	rec, err := base.FromHash(h)
	if err != nil {
		return nil, errors.E(op, errors.Internal, err)
	}
	return rec, nil
}

func (r *RDB) GetTasks(ctx context.Context, namespace string, ids []string) ([]*base.TaskRecord, error) {
	var op errors.Op = "rdb.GetTasks"
	out := make([]*base.TaskRecord, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringStringMapCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, base.TaskKey(namespace, id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "pipeline hgetall", Err: err})
	}
	for i, c := range cmds {
		h, err := c.Result()
		if err != nil || len(h) == 0 {
			continue
		}
		rec, err := base.FromHash(h)
		if err != nil {
			return nil, errors.E(op, errors.Internal, err)
		}
		out[i] = rec
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Pool command queues
// ---------------------------------------------------------------------------

func (r *RDB) EnqueueCommand(ctx context.Context, namespace, pool string, cmd *base.Command, score int64) error {
	var op errors.Op = "rdb.EnqueueCommand"
	key := base.PoolCommandsKey(namespace, pool)
	if err := r.client.ZAdd(ctx, key, &redis.Z{Score: float64(score), Member: cmd.Canonical()}).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "zadd", Err: err})
	}
	return nil
}

// claimCmd atomically moves the earliest-enqueued command out of a pool's
// ready queue and into its locked set, simulating a worker's claim.
//
// KEYS[1] -> arborq:{ns}:pool:{pool}:commands         // ready queue
// KEYS[2] -> arborq:{ns}:pool:{pool}:commands_locked  // locked set
// --
// ARGV[1] -> claim score (store's current ms clock)
//
// Output: the claimed command's canonical string, or false if queue empty.
// ZRANGE  ready queue  0 0           // lowest score = oldest enqueue
// ZREM    ready queue  member
// ZADD    locked set   claim score  member
var claimCmd = redis.NewScript(`
local members = redis.call("ZRANGE", KEYS[1], 0, 0)
if #members == 0 then
	return false
end
local member = members[1]
redis.call("ZREM", KEYS[1], member)
redis.call("ZADD", KEYS[2], ARGV[1], member)
return member
`)

func (r *RDB) ClaimCommand(ctx context.Context, namespace, pool string, nowMs int64) (*base.Command, error) {
	var op errors.Op = "rdb.ClaimCommand"
	keys := []string{base.PoolCommandsKey(namespace, pool), base.PoolLockedKey(namespace, pool)}
	res, err := claimCmd.Run(ctx, r.client, keys, nowMs).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval claimCmd", Err: err})
	}
	s, err := cast.ToStringE(res)
	if err != nil || s == "" {
		return nil, nil
	}
	cmd, err := base.ParseCommand(s)
	if err != nil {
		return nil, errors.E(op, errors.Internal, fmt.Sprintf("cannot decode claimed command: %v", err))
	}
	return cmd, nil
}

// ---------------------------------------------------------------------------
// The generic validate/exec transaction script (component A's core)
// ---------------------------------------------------------------------------

// txnCmd implements the Transaction ABI: validate reads run in order and
// stop at the first mismatch (the side effects of the reads that ran, like
// the lock-removal ZREM, take); the exec writes run only if every read
// matched its expectation.
//
// ARGV[1] -> JSON-encoded {validate: [{expected, read: {cmd, args}}, ...],
//                          exec: [{cmd, args}, ...]}
//
// Output: 1 if exec ran, 0 if any validate read mismatched.
var txnCmd = redis.NewScript(`
local txn = cjson.decode(ARGV[1])

local function callOp(op)
	local callargs = { op.cmd }
	for i, a in ipairs(op.args) do
		callargs[i + 1] = a
	end
	return redis.call(unpack(callargs))
end

for _, entry in ipairs(txn.validate) do
	local res = callOp(entry.read)
	if res == false then res = nil end
	local expected = entry.expected
	if expected == false then expected = nil end
	if res ~= expected and tostring(res) ~= tostring(expected) then
		return 0
	end
end

for _, op in ipairs(txn.exec) do
	callOp(op)
end
return 1
`)

func (r *RDB) Eval(ctx context.Context, txn *base.Transaction) (bool, error) {
	var op errors.Op = "rdb.Eval"
	// cjson.decode requires real arrays, not JSON null, for empty slices.
	payload := *txn
	if payload.Validate == nil {
		payload.Validate = []base.ValidateEntry{}
	}
	if payload.Exec == nil {
		payload.Exec = []base.Op{}
	}
	b, err := jsonMarshal(&payload)
	if err != nil {
		return false, errors.E(op, errors.Internal, err)
	}
	res, err := txnCmd.Run(ctx, r.client, nil, string(b)).Result()
	if err != nil {
		return false, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval txnCmd", Err: err})
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return false, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value from txnCmd: %v", res))
	}
	return n == 1, nil
}

// ---------------------------------------------------------------------------
// Event surface
// ---------------------------------------------------------------------------

func (r *RDB) Publish(ctx context.Context, channel string, payload []byte) error {
	var op errors.Op = "rdb.Publish"
	if err := r.client.Publish(ctx, channel, payload).Err(); err != nil {
		return errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "publish", Err: err})
	}
	return nil
}

func (r *RDB) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	pubsub := r.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, nil, errors.E(errors.Op("rdb.Subscribe"), errors.Internal, err)
	}
	out := make(chan []byte)
	go func() {
		defer close(out)
		for msg := range pubsub.Channel() {
			out <- []byte(msg.Payload)
		}
	}()
	stop := func() { _ = pubsub.Close() }
	return out, stop, nil
}

// ---------------------------------------------------------------------------
// Janitor support
// ---------------------------------------------------------------------------

// deleteFinishedCmd sweeps the finished sorted set for entries whose
// removal deadline has passed and deletes their task hashes.
//
// KEYS[1] -> arborq:{ns}:finished   // sorted set, score = removal deadline
// KEYS[2] -> arborq:{ns}:t:         // task key prefix
// --
// ARGV[1] -> cutoff (ms)
// ARGV[2] -> max entries to remove this pass
//
// ZRANGEBYSCORE finished set  -inf cutoff LIMIT 0 limit
// DEL each task hash
// ZREM finished set  ids...
var deleteFinishedCmd = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #ids == 0 then
	return 0
end
for _, id in ipairs(ids) do
	redis.call("DEL", KEYS[2] .. id)
end
redis.call("ZREM", KEYS[1], unpack(ids))
return #ids
`)

func (r *RDB) DeleteFinishedBefore(ctx context.Context, namespace string, nowMs int64, limit int64) (int64, error) {
	var op errors.Op = "rdb.DeleteFinishedBefore"
	keys := []string{base.FinishedKey(namespace), base.KeyPrefix(namespace) + "t:"}
	res, err := deleteFinishedCmd.Run(ctx, r.client, keys, nowMs, limit).Result()
	if err != nil {
		return 0, errors.E(op, errors.Internal, &errors.RedisCommandError{Command: "eval deleteFinishedCmd", Err: err})
	}
	n, err := cast.ToInt64E(res)
	if err != nil {
		return 0, errors.E(op, errors.Internal, fmt.Sprintf("unexpected return value: %v", res))
	}
	return n, nil
}

// ---------------------------------------------------------------------------

func jsonMarshal(v interface{}) ([]byte, error) { return json.Marshal(v) }

func jsonString(v string) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// StatsInterval is how often callers polling queue depth should refresh,
// chosen to match the janitor's default sweep cadence.
const StatsInterval = 8 * time.Second
