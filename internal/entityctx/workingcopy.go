package entityctx

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/store"
)

// WorkingCopyOps manages ephemeral drafts of the node type's peer entity.
type WorkingCopyOps struct {
	c *Context
}

// WorkingCopy returns the draft operation set.
func (c *Context) WorkingCopy() WorkingCopyOps { return WorkingCopyOps{c: c} }

func (w WorkingCopyOps) require() error {
	if w.c.wc == nil {
		return fmt.Errorf("entityctx: working copies not configured for node type %q: %w",
			w.c.cfg.NodeType, apperr.ErrNotSupported)
	}
	return w.c.requirePeer()
}

// Create begins an edit: snapshots the live entity into a draft row. At most
// one live draft per node; a second create fails with apperr.ErrConflict
// and never overwrites the first.
func (w WorkingCopyOps) Create(ctx context.Context, nodeID string) (models.Entity, error) {
	if err := w.require(); err != nil {
		return nil, err
	}
	var out models.Entity
	err := w.c.run(ctx, func(q store.Q) error {
		live, err := w.c.peer.Get(ctx, q, nodeID)
		if err != nil {
			return err
		}
		draft := live.Clone()
		delete(draft, models.FieldNodeID)
		delete(draft, models.FieldVersion)
		delete(draft, models.FieldUpdatedAt)
		wcID := uuid.NewString()
		if err := w.c.wc.Insert(ctx, q, nodeID, wcID, draft, live.Version()); err != nil {
			return err
		}
		out, err = w.c.wc.Get(ctx, q, nodeID)
		return err
	})
	return out, err
}

// Get returns the current draft for a node.
func (w WorkingCopyOps) Get(ctx context.Context, nodeID string) (models.Entity, error) {
	if err := w.require(); err != nil {
		return nil, err
	}
	var out models.Entity
	err := w.c.query(ctx, func(q store.Q) error {
		var err error
		out, err = w.c.wc.Get(ctx, q, nodeID)
		return err
	})
	return out, err
}

// Update overlays partial onto the draft in place and marks it dirty.
func (w WorkingCopyOps) Update(ctx context.Context, nodeID string, partial models.Entity) (models.Entity, error) {
	if err := w.require(); err != nil {
		return nil, err
	}
	var out models.Entity
	err := w.c.run(ctx, func(q store.Q) error {
		draft, err := w.c.wc.Get(ctx, q, nodeID)
		if err != nil {
			return err
		}
		merged := mergeEntity(draft, partial)
		for k := range merged {
			if models.IsWorkingCopyField(k) {
				delete(merged, k)
			}
		}
		delete(merged, models.FieldNodeID)
		if err := w.c.wc.Update(ctx, q, nodeID, merged); err != nil {
			return err
		}
		out, err = w.c.wc.Get(ctx, q, nodeID)
		return err
	})
	return out, err
}

// Commit applies the draft to the live entity and deletes the draft row in
// one atomic transaction; a failure in either half rolls back both. Commits
// against a live entity that moved past the draft's original version fail
// with apperr.ErrConflict.
func (w WorkingCopyOps) Commit(ctx context.Context, nodeID string) (models.Entity, error) {
	if err := w.require(); err != nil {
		return nil, err
	}
	var out models.Entity
	err := w.c.run(ctx, func(q store.Q) error {
		draft, err := w.c.wc.Get(ctx, q, nodeID)
		if err != nil {
			return err
		}
		live, err := w.c.peer.Get(ctx, q, nodeID)
		if err != nil {
			return err
		}
		origVer, _ := draft[models.FieldOriginalVersion].(int64)
		if origVer != 0 && origVer != live.Version() {
			return fmt.Errorf("entityctx: live entity at version %d, draft copied at %d: %w",
				live.Version(), origVer, apperr.ErrConflict)
		}

		merged := mergeEntity(live, draft)
		if err := w.c.peer.Update(ctx, q, nodeID, merged); err != nil {
			return err
		}
		if err := w.c.wc.Delete(ctx, q, nodeID); err != nil {
			return err
		}
		out, err = w.c.peer.Get(ctx, q, nodeID)
		return err
	})
	return out, err
}

// Discard drops the draft row; the live entity is untouched.
func (w WorkingCopyOps) Discard(ctx context.Context, nodeID string) error {
	if err := w.require(); err != nil {
		return err
	}
	return w.c.run(ctx, func(q store.Q) error {
		return w.c.wc.Delete(ctx, q, nodeID)
	})
}
