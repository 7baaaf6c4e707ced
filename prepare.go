package arborq

import (
	"context"

	"github.com/arborq/arborq/internal/base"
	"github.com/google/uuid"
)

// prepare materializes a Spec tree into persisted TaskRecords (component
// F). It is depth-first: every child is fully prepared and persisted
// before the parent's own record is written, and only after that does the
// parent stamp parent/parent_pool/parent_uid onto each child via
// LinkParent. total is the sum of children's total (composite) or 1 for
// a leaf, propagating progress units to the root.
func (s *Spec) prepare(ctx context.Context, reg *registry, store base.Store, namespace string) (id string, total int, err error) {
	tmpl, ok := reg.lookup(s.name)
	if !ok {
		return "", 0, ErrUnknownTemplate
	}

	children := s.children
	if children == nil && tmpl.Kind != KindLeaf && tmpl.Init != nil {
		children, err = tmpl.Init(ctx, s.args)
		if err != nil {
			return "", 0, err
		}
	}

	switch tmpl.Kind {
	case KindChain, KindGroup:
		if len(children) == 0 {
			return "", 0, ErrNoChildren
		}
	case KindLeaf:
		if len(children) != 0 {
			children = nil // a leaf's children, if any were mistakenly set, are ignored
		}
	}

	childIDs := make([]string, len(children))
	childTotal := 0
	for i, c := range children {
		cid, ctotal, err := c.prepare(ctx, reg, store, namespace)
		if err != nil {
			return "", 0, err
		}
		childIDs[i] = cid
		childTotal += ctotal
	}

	id = uuid.NewString()
	uid := uuid.NewString()
	total = childTotal
	if tmpl.Kind == KindLeaf {
		total = 1
	}

	rec := &base.TaskRecord{
		State:            base.StateWaiting,
		Args:             s.args,
		Children:         childIDs,
		ChildrenFinished: 0,
		Total:            total,
		Progress:         0,
		Pool:             s.pool,
		RemoveDelay:      s.removeDelay,
		Name:             s.name,
		UID:              uid,
		UserData:         s.userData,
	}
	if err := store.PersistNew(ctx, namespace, id, rec); err != nil {
		return "", 0, err
	}

	for _, cid := range childIDs {
		if err := store.LinkParent(ctx, namespace, cid, id, s.pool, uid); err != nil {
			return "", 0, err
		}
	}

	return id, total, nil
}
