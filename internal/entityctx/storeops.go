package entityctx

import (
	"context"

	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/store"
)

// StoreOps is the CRUD surface over the node type's peer entity table.
type StoreOps struct {
	c *Context
}

// Store returns the peer entity operation set.
func (c *Context) Store() StoreOps { return StoreOps{c: c} }

// Create stores a new peer entity for the node. Exactly one peer entity per
// node: a duplicate fails with apperr.ErrAlreadyExists.
func (s StoreOps) Create(ctx context.Context, nodeID string, doc models.Entity) error {
	if err := s.c.requirePeer(); err != nil {
		return err
	}
	return s.c.run(ctx, func(q store.Q) error {
		return s.c.peer.Insert(ctx, q, nodeID, doc)
	})
}

// Get returns the peer entity for a node.
func (s StoreOps) Get(ctx context.Context, nodeID string) (models.Entity, error) {
	if err := s.c.requirePeer(); err != nil {
		return nil, err
	}
	var out models.Entity
	err := s.c.query(ctx, func(q store.Q) error {
		var err error
		out, err = s.c.peer.Get(ctx, q, nodeID)
		return err
	})
	return out, err
}

// Update performs a read-modify-write merge: rejects with not-found if the
// entity is absent, preserves the immutable node id, bumps the version and
// refreshes the updated timestamp. Returns the merged entity.
func (s StoreOps) Update(ctx context.Context, nodeID string, partial models.Entity) (models.Entity, error) {
	if err := s.c.requirePeer(); err != nil {
		return nil, err
	}
	var out models.Entity
	err := s.c.run(ctx, func(q store.Q) error {
		base, err := s.c.peer.Get(ctx, q, nodeID)
		if err != nil {
			return err
		}
		merged := mergeEntity(base, partial)
		if err := s.c.peer.Update(ctx, q, nodeID, merged); err != nil {
			return err
		}
		out, err = s.c.peer.Get(ctx, q, nodeID)
		return err
	})
	return out, err
}

// Delete removes the peer entity, cascading group rows when configured.
func (s StoreOps) Delete(ctx context.Context, nodeID string) error {
	if err := s.c.requirePeer(); err != nil {
		return err
	}
	return s.c.run(ctx, func(q store.Q) error {
		if err := s.c.peer.Delete(ctx, q, nodeID); err != nil {
			return err
		}
		if !s.c.cfg.CascadeGroups {
			return nil
		}
		for _, t := range s.c.groups {
			if err := t.DeleteAll(ctx, q, nodeID); err != nil {
				return err
			}
		}
		return nil
	})
}

// Exists reports whether the node has a peer entity.
func (s StoreOps) Exists(ctx context.Context, nodeID string) (bool, error) {
	if err := s.c.requirePeer(); err != nil {
		return false, err
	}
	var exists bool
	err := s.c.query(ctx, func(q store.Q) error {
		var err error
		exists, err = s.c.peer.Exists(ctx, q, nodeID)
		return err
	})
	return exists, err
}
