// Package base defines the data model and store contract shared by every
// package in arborq: task records, the command envelope, key layout, and
// the Store interface the composite engine drives.
package base

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// Version of the engine.
const Version = "0.1.0"

// KeyPrefix returns the key prefix used for every key this engine owns,
// given a logical queue namespace.
func KeyPrefix(namespace string) string {
	return fmt.Sprintf("arborq:{%s}:", namespace)
}

// TaskKey returns the key of the hash holding a task's record.
func TaskKey(namespace, id string) string {
	return KeyPrefix(namespace) + "t:" + id
}

// WaitingKey returns the key of the set of task IDs in the waiting state.
func WaitingKey(namespace string) string {
	return KeyPrefix(namespace) + "waiting"
}

// IdleKey returns the key of the set of task IDs in the idle state.
func IdleKey(namespace string) string {
	return KeyPrefix(namespace) + "idle"
}

// FinishedKey returns the key of the sorted set of finished task IDs,
// scored by removal deadline in milliseconds.
func FinishedKey(namespace string) string {
	return KeyPrefix(namespace) + "finished"
}

// PoolCommandsKey returns the key of the sorted set of pending commands for
// a pool, scored by enqueue time in milliseconds.
func PoolCommandsKey(namespace, pool string) string {
	return fmt.Sprintf("%spool:{%s}:commands", KeyPrefix(namespace), pool)
}

// PoolLockedKey returns the key of the sorted set of commands a worker has
// claimed from a pool but not yet resolved.
func PoolLockedKey(namespace, pool string) string {
	return fmt.Sprintf("%spool:{%s}:commands_locked", KeyPrefix(namespace), pool)
}

// TaskState is the lifecycle state of a task record. No "running" state is
// defined: composites never need one, and a leaf moves from waiting through
// idle to finished in the single transaction that records its outcome.
type TaskState string

const (
	StateWaiting  TaskState = "waiting"
	StateIdle     TaskState = "idle"
	StateFinished TaskState = "finished"
)

// CommandType names the messages the composite engine emits and handles.
type CommandType string

const (
	CmdActivate   CommandType = "activate"
	CmdResult     CommandType = "result"
	CmdError      CommandType = "error"
	CmdGroupCheck CommandType = "group_check"
)

// TaskError is the JSON-serialized shape of a task's terminal error.
type TaskError struct {
	Message string `json:"message"`
}

func (e *TaskError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// CommandData is the optional payload carried by a Command. Only one of
// Result/Error is ever populated for a given command.
type CommandData struct {
	Result json.RawMessage `json:"result,omitempty"`
	Error  *TaskError      `json:"error,omitempty"`
}

// Command is the addressed message a worker delivers to exactly one task's
// handler. Its canonical JSON encoding is its identity as a sorted-set
// member, which is what the locking discipline relies on: struct field
// order is fixed, so two Commands built from equal fields always marshal
// to the same bytes.
type Command struct {
	To    string       `json:"to"`
	ToUID string       `json:"to_uid"`
	Type  CommandType  `json:"type"`
	Data  *CommandData `json:"data,omitempty"`
}

// Canonical returns the stable byte-string form of the command used as its
// identity in store sets and as a locking token.
func (c *Command) Canonical() string {
	b, err := json.Marshal(c)
	if err != nil {
		// Command only ever contains JSON-safe fields; a marshal failure
		// here means a caller stuffed invalid JSON into Data.Result.
		panic(fmt.Sprintf("base: command does not canonicalize: %v", err))
	}
	return string(b)
}

// ParseCommand decodes the canonical form back into a Command. Encoding
// stays on the standard library (byte-stable, since Canonical's equality
// is load-bearing); decoding — the hot path every worker pull runs through
// — uses sonic.
func ParseCommand(s string) (*Command, error) {
	var c Command
	if err := sonic.Unmarshal([]byte(s), &c); err != nil {
		return nil, err
	}
	return &c, nil
}

// TaskRecord is the persisted representation of a task. Every field is
// stored as a JSON-encoded value under its field name in the task's hash,
// per the wire layout in the spec's data model.
type TaskRecord struct {
	State            TaskState         `json:"state"`
	Args             []json.RawMessage `json:"args"`
	Children         []string          `json:"children,omitempty"`
	ChildrenFinished int               `json:"children_finished"`
	Total            int               `json:"total"`
	Progress         int               `json:"progress"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Error            *TaskError        `json:"error,omitempty"`
	Pool             string            `json:"pool"`
	Parent           string            `json:"parent,omitempty"`
	ParentPool       string            `json:"parent_pool,omitempty"`
	ParentUID        string            `json:"parent_uid,omitempty"`
	RemoveDelay      int64             `json:"removeDelay"`
	Name             string            `json:"name"`
	UID              string            `json:"uid"`
	UserData         json.RawMessage   `json:"user_data,omitempty"`
}

// ToHash marshals every field of the record to its JSON-encoded hash
// representation.
func (r *TaskRecord) ToHash() (map[string]string, error) {
	h := make(map[string]string, 16)
	set := func(field string, v interface{}) error {
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("encode field %q: %w", field, err)
		}
		h[field] = string(b)
		return nil
	}
	args := r.Args
	if args == nil {
		args = []json.RawMessage{}
	}
	children := r.Children
	if children == nil {
		children = []string{}
	}
	for field, v := range map[string]interface{}{
		"state":             r.State,
		"args":              args,
		"children":          children,
		"children_finished": r.ChildrenFinished,
		"total":             r.Total,
		"progress":          r.Progress,
		"result":            r.Result,
		"error":             r.Error,
		"pool":              r.Pool,
		"parent":            r.Parent,
		"parent_pool":       r.ParentPool,
		"parent_uid":        r.ParentUID,
		"removeDelay":       r.RemoveDelay,
		"name":              r.Name,
		"uid":               r.UID,
		"user_data":         r.UserData,
	} {
		if err := set(field, v); err != nil {
			return nil, err
		}
	}
	return h, nil
}

// FromHash decodes a hash field->JSON-value map into a TaskRecord. Absent
// optional fields, and fields holding JSON null, are left at their zero
// value.
func FromHash(h map[string]string) (*TaskRecord, error) {
	r := &TaskRecord{}
	get := func(field string, dst interface{}) error {
		v, ok := h[field]
		if !ok || v == "" || v == "null" {
			return nil
		}
		return sonic.Unmarshal([]byte(v), dst)
	}
	fields := []struct {
		name string
		dst  interface{}
	}{
		{"state", &r.State},
		{"args", &r.Args},
		{"children", &r.Children},
		{"children_finished", &r.ChildrenFinished},
		{"total", &r.Total},
		{"progress", &r.Progress},
		{"result", &r.Result},
		{"error", &r.Error},
		{"pool", &r.Pool},
		{"parent", &r.Parent},
		{"parent_pool", &r.ParentPool},
		{"parent_uid", &r.ParentUID},
		{"removeDelay", &r.RemoveDelay},
		{"name", &r.Name},
		{"uid", &r.UID},
		{"user_data", &r.UserData},
	}
	for _, f := range fields {
		if err := get(f.name, f.dst); err != nil {
			return nil, fmt.Errorf("decode field %q: %w", f.name, err)
		}
	}
	return r, nil
}

// Op is a single store operation: a command name ("HGET", "HSET", "SADD",
// "ZADD", "ZREM", "SREM", "HINCRBY", ...) plus its arguments, in the shape
// the generic transaction script redis.call(unpack(...))s.
type Op struct {
	Cmd  string        `json:"cmd"`
	Args []interface{} `json:"args"`
}

// ValidateEntry pairs an expected value with the read Op that must produce
// it for a Transaction to proceed. Every handler's first ValidateEntry is
// the removal of its own canonical command from the pool's locked set,
// expecting 1 — see Store.Eval.
type ValidateEntry struct {
	Expected interface{} `json:"expected"`
	Read     Op          `json:"read"`
}

// Transaction is the validate-then-execute unit the store evaluates
// atomically: Read ops run in order up to the first one whose result
// differs from its Expected value, and the side effects of those that ran
// (like the ZREM lock removal, always first) take; the Exec ops run only
// if every Read result equalled its Expected value.
type Transaction struct {
	Validate []ValidateEntry `json:"validate"`
	Exec     []Op            `json:"exec"`
}

// LockedRemoval builds the ValidateEntry every handler transaction opens
// with: remove cmd's canonical form from pool's locked set, expecting
// exactly one removal. A concurrent worker racing on the same command will
// find zero removed and fail validation without retrying.
func LockedRemoval(namespace, pool string, cmd *Command) ValidateEntry {
	return ValidateEntry{
		Expected: float64(1),
		Read:     Op{Cmd: "ZREM", Args: []interface{}{PoolLockedKey(namespace, pool), cmd.Canonical()}},
	}
}

// StateEquals builds a ValidateEntry asserting the task's persisted state
// field still equals want.
func StateEquals(namespace, id string, want TaskState) ValidateEntry {
	b, _ := json.Marshal(want)
	return ValidateEntry{
		Expected: string(b),
		Read:     Op{Cmd: "HGET", Args: []interface{}{TaskKey(namespace, id), "state"}},
	}
}

// UIDEquals builds a ValidateEntry fencing a command against a task whose
// live uid no longer matches — the UID fence described in the glossary.
func UIDEquals(namespace, id, uid string) ValidateEntry {
	b, _ := json.Marshal(uid)
	return ValidateEntry{
		Expected: string(b),
		Read:     Op{Cmd: "HGET", Args: []interface{}{TaskKey(namespace, id), "uid"}},
	}
}

// SetState builds the Op that writes a task's state field.
func SetState(namespace, id string, s TaskState) Op {
	b, _ := json.Marshal(s)
	return Op{Cmd: "HSET", Args: []interface{}{TaskKey(namespace, id), "state", string(b)}}
}

// SetField builds an Op that HSETs a single field of a task record to the
// JSON encoding of v.
func SetField(namespace, id, field string, v interface{}) (Op, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return Op{}, err
	}
	return Op{Cmd: "HSET", Args: []interface{}{TaskKey(namespace, id), field, string(b)}}, nil
}

// IncrField builds an Op that HINCRBYs a single integer field.
func IncrField(namespace, id, field string, delta int) Op {
	return Op{Cmd: "HINCRBY", Args: []interface{}{TaskKey(namespace, id), field, delta}}
}

// MoveWaitingToIdle builds the pair of Ops that move a task's global state
// set membership from waiting to idle.
func MoveWaitingToIdle(namespace, id string) []Op {
	return []Op{
		{Cmd: "SREM", Args: []interface{}{WaitingKey(namespace), id}},
		{Cmd: "SADD", Args: []interface{}{IdleKey(namespace), id}},
	}
}

// MoveIdleToFinished builds the pair of Ops that move a task's global state
// set membership from idle into the finished sorted set, scored by its
// removal deadline (nowMs + removeDelayMs).
func MoveIdleToFinished(namespace, id string, removalDeadlineMs int64) []Op {
	return []Op{
		{Cmd: "SREM", Args: []interface{}{IdleKey(namespace), id}},
		{Cmd: "ZADD", Args: []interface{}{FinishedKey(namespace), removalDeadlineMs, id}},
	}
}

// EnqueueOp builds the Op that places cmd onto pool's command queue at the
// given score (the store's millisecond clock at enqueue time).
func EnqueueOp(namespace, pool string, cmd *Command, score int64) Op {
	return Op{Cmd: "ZADD", Args: []interface{}{PoolCommandsKey(namespace, pool), score, cmd.Canonical()}}
}

// ValidateQueueName rejects blank pool/namespace names.
func ValidateQueueName(name string) error {
	if len(strings.TrimSpace(name)) == 0 {
		return fmt.Errorf("name must contain one or more characters")
	}
	return nil
}

// Store is the store adapter contract the composite engine is built
// against (component A). RDB is the production implementation; tests may
// substitute a fake.
type Store interface {
	// Now returns the store's millisecond wall-clock reading, used to score
	// pool command enqueues so relative ordering across workers holds.
	Now(ctx context.Context) (int64, error)

	// GetTask returns the task record at id, or nil if absent.
	GetTask(ctx context.Context, namespace, id string) (*TaskRecord, error)

	// GetTasks returns records aligned with ids; absent entries are nil.
	GetTasks(ctx context.Context, namespace string, ids []string) ([]*TaskRecord, error)

	// PersistNew writes a freshly prepared task's record and adds it to the
	// waiting set. Used only at prepare time, before any command can
	// reference the task, so it needs no optimistic guard.
	PersistNew(ctx context.Context, namespace, id string, rec *TaskRecord) error

	// LinkParent stamps parent/parent_pool/parent_uid onto an
	// already-persisted child record. The only store call composite
	// preparation makes after a child has been fully prepared.
	LinkParent(ctx context.Context, namespace, childID, parentID, parentPool, parentUID string) error

	// EnqueueCommand places cmd on pool's command queue outside of a guarded
	// transaction. Used only for the initial activation at submission time,
	// when no concurrent worker can yet know about the task.
	EnqueueCommand(ctx context.Context, namespace, pool string, cmd *Command, score int64) error

	// ClaimCommand atomically moves the lowest-scored ready command out of
	// pool's queue and into its locked set, returning it. Returns nil, nil
	// if the pool has no ready commands.
	ClaimCommand(ctx context.Context, namespace, pool string, nowMs int64) (*Command, error)

	// Eval runs a Transaction atomically: Validate reads occur in order
	// until the first mismatch (the reads that ran keep their side effects,
	// including the ZREM lock removal); Exec writes occur only if every
	// read matched its expectation. Returns whether Exec ran.
	Eval(ctx context.Context, txn *Transaction) (bool, error)

	// Publish sends a message on a pub/sub channel (used for the task:end
	// event surface).
	Publish(ctx context.Context, channel string, payload []byte) error

	// Subscribe returns a channel of raw payloads published to channel.
	// Calling the returned stop func releases the subscription.
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, stop func(), err error)

	// DeleteFinishedBefore removes finished-set members with score <= nowMs
	// and their task hashes, returning how many were removed. Used by the
	// janitor.
	DeleteFinishedBefore(ctx context.Context, namespace string, nowMs int64, limit int64) (int64, error)

	// Ping checks connectivity to the store.
	Ping(ctx context.Context) error

	Close() error
}
