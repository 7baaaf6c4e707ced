package arborq

import (
	"context"
	"sync/atomic"

	"github.com/arborq/arborq/internal/base"
)

// Queue is the engine's host-facing surface: it registers templates,
// builds Specs into persisted task trees, and submits them for workers to
// pick up. Process-wide state is limited to this registry and the store
// connection, matching the spec's stated global-state budget.
type Queue struct {
	store     base.Store
	namespace string
	reg       *registry
	closed    atomic.Bool
}

// New returns a Queue operating against store, scoped to namespace. The
// built-in "chain" and "group" template names are registered immediately;
// callers only need to register leaves and any extended composites.
func New(store base.Store, namespace string) *Queue {
	q := &Queue{store: store, namespace: namespace, reg: newRegistry()}
	q.reg.register(&Template{Name: "chain", Kind: KindChain})
	q.reg.register(&Template{Name: "group", Kind: KindGroup})
	return q
}

// Close closes the underlying store connection. Submit and GetTask
// return ErrQueueClosed for any call made after Close returns; Close
// itself is idempotent.
func (q *Queue) Close() error {
	if !q.closed.CompareAndSwap(false, true) {
		return nil
	}
	return q.store.Close()
}

// Chain constructs a sequential composite running children in order,
// feeding each child's result into the next child's args.
func (q *Queue) Chain(children []*Spec, opts ...Option) *Spec {
	return q.composite("chain", children, opts...)
}

// Group constructs a parallel composite running children concurrently and
// gathering their results in children order.
func (q *Queue) Group(children []*Spec, opts ...Option) *Spec {
	return q.composite("group", children, opts...)
}

func (q *Queue) composite(builtin string, children []*Spec, opts ...Option) *Spec {
	so := composeOptions(opts...)
	name := builtin
	if so.name != "" {
		name = so.name
	}
	return &Spec{
		name:        name,
		kind:        kindOf(builtin),
		pool:        so.pool,
		args:        so.args,
		removeDelay: so.removeDelay,
		userData:    so.userData,
		children:    children,
	}
}

func kindOf(builtin string) Kind {
	if builtin == "group" {
		return KindGroup
	}
	return KindChain
}

// RegisterLeaf registers fn under name so Leaf(name, ...) can build task
// specs that run it on activation.
func (q *Queue) RegisterLeaf(name string, fn LeafFunc) {
	q.reg.register(&Template{Name: name, Kind: KindLeaf, LeafFunc: fn})
}

// Leaf builds a Spec for a previously-registered leaf template.
func (q *Queue) Leaf(name string, opts ...Option) *Spec {
	so := composeOptions(opts...)
	return &Spec{
		name:        name,
		kind:        KindLeaf,
		pool:        so.pool,
		args:        so.args,
		removeDelay: so.removeDelay,
		userData:    so.userData,
	}
}

// ExtendChain registers name as a chain-kind template whose children are
// supplied by init whenever a Spec built with this name omits them
// explicitly — the systems-language realization of TemplateBase.extend.
func (q *Queue) ExtendChain(name string, init InitFunc) {
	q.reg.register(&Template{Name: name, Kind: KindChain, Init: init})
}

// ExtendGroup is ExtendChain's group-kind counterpart.
func (q *Queue) ExtendGroup(name string, init InitFunc) {
	q.reg.register(&Template{Name: name, Kind: KindGroup, Init: init})
}

// Submit prepares spec's tree (persisting every node) and enqueues the
// root's activate command, returning the root task's ID and UID.
// Subscribing to task:end:{id} needs only the ID; the UID lets a caller
// compare against the UID of a record later read back by ID.
func (q *Queue) Submit(ctx context.Context, spec *Spec) (id, uid string, err error) {
	if q.closed.Load() {
		return "", "", ErrQueueClosed
	}
	id, _, err = spec.prepare(ctx, q.reg, q.store, q.namespace)
	if err != nil {
		return "", "", err
	}
	rec, err := q.store.GetTask(ctx, q.namespace, id)
	if err != nil {
		return "", "", err
	}
	if rec == nil {
		return "", "", ErrTaskNotFound
	}
	now, err := q.store.Now(ctx)
	if err != nil {
		return "", "", err
	}
	cmd := &base.Command{To: id, ToUID: rec.UID, Type: base.CmdActivate}
	if err := q.store.EnqueueCommand(ctx, q.namespace, rec.Pool, cmd, now); err != nil {
		return "", "", err
	}
	return id, rec.UID, nil
}

// GetTask returns the live record for id, or nil if it has no record (not
// yet submitted, already removed by the janitor, or never existed).
func (q *Queue) GetTask(ctx context.Context, id string) (*base.TaskRecord, error) {
	if q.closed.Load() {
		return nil, ErrQueueClosed
	}
	return q.store.GetTask(ctx, q.namespace, id)
}

// Namespace returns the logical queue namespace this Queue operates in.
func (q *Queue) Namespace() string { return q.namespace }
