package entityctx

import (
	"context"

	"github.com/google/uuid"

	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/store"
)

// GroupOps is the 1:N entity surface, scoped to a node id per call.
type GroupOps struct {
	c *Context
}

// Groups returns the group entity operation set.
func (c *Context) Groups() GroupOps { return GroupOps{c: c} }

// Create appends a group entity for the node and returns its synthetic id.
func (g GroupOps) Create(ctx context.Context, table, nodeID string, sortOrder int, doc models.Entity) (string, error) {
	t, err := g.c.groupTable(table)
	if err != nil {
		return "", err
	}
	id := uuid.NewString()
	err = g.c.run(ctx, func(q store.Q) error {
		return t.Insert(ctx, q, id, nodeID, sortOrder, doc)
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// GetAll returns the node's group entities in sort order.
func (g GroupOps) GetAll(ctx context.Context, table, nodeID string) ([]models.Entity, error) {
	t, err := g.c.groupTable(table)
	if err != nil {
		return nil, err
	}
	var out []models.Entity
	err = g.c.query(ctx, func(q store.Q) error {
		var err error
		out, err = t.GetAll(ctx, q, nodeID)
		return err
	})
	return out, err
}

// Delete removes one group entity by synthetic id.
func (g GroupOps) Delete(ctx context.Context, table, id string) error {
	t, err := g.c.groupTable(table)
	if err != nil {
		return err
	}
	return g.c.run(ctx, func(q store.Q) error {
		return t.Delete(ctx, q, id)
	})
}

// DeleteAll removes every group entity of a node; used to cascade-clean when
// the node is deleted.
func (g GroupOps) DeleteAll(ctx context.Context, table, nodeID string) error {
	t, err := g.c.groupTable(table)
	if err != nil {
		return err
	}
	return g.c.run(ctx, func(q store.Q) error {
		return t.DeleteAll(ctx, q, nodeID)
	})
}
