package entityctx

import (
	"context"

	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/store"
)

// RelationalOps manages N:N reference-counted shared resources. Reference
// mutations always run inside a transaction: decrement-and-maybe-delete is
// never expressed as two independent calls.
type RelationalOps struct {
	c *Context
}

// Relational returns the shared-resource operation set.
func (c *Context) Relational() RelationalOps { return RelationalOps{c: c} }

// Get returns a shared resource by id.
func (r RelationalOps) Get(ctx context.Context, table, id string) (models.Entity, error) {
	t, err := r.c.relationalTable(table)
	if err != nil {
		return nil, err
	}
	var out models.Entity
	err = r.c.query(ctx, func(q store.Q) error {
		var err error
		out, err = t.Get(ctx, q, id)
		return err
	})
	return out, err
}

// AddRef registers nodeID as a referrer of the resource, creating it from
// doc when absent.
func (r RelationalOps) AddRef(ctx context.Context, table, id, nodeID string, doc models.Entity) error {
	t, err := r.c.relationalTable(table)
	if err != nil {
		return err
	}
	return r.c.run(ctx, func(q store.Q) error {
		return t.AddRef(ctx, q, id, nodeID, doc)
	})
}

// RemoveRef drops nodeID's reference and deletes the shared resource when
// its count reaches zero. Returns true when the resource was deleted.
func (r RelationalOps) RemoveRef(ctx context.Context, table, id, nodeID string) (bool, error) {
	t, err := r.c.relationalTable(table)
	if err != nil {
		return false, err
	}
	var deleted bool
	err = r.c.run(ctx, func(q store.Q) error {
		var err error
		deleted, err = t.RemoveRef(ctx, q, id, nodeID)
		return err
	})
	return deleted, err
}
