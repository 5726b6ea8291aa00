// Package entityctx binds the entity store to one pluggable node type,
// giving every handler a uniform operation surface: store, working-copy,
// group and relational operation sets plus a transaction combinator.
package entityctx

import (
	"context"
	"fmt"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/store"
)

// Config declares the tables owned by one node type's handler context.
// Zero-value table names mean "not configured"; calling the matching
// operation set then fails with apperr.ErrNotSupported.
type Config struct {
	NodeType         string
	PeerTable        string
	WorkingCopyTable string
	GroupTables      []string
	RelationalTables []string
	// CascadeGroups removes all group rows of a node when its peer entity
	// is deleted.
	CascadeGroups bool
}

// Context is the storage-engine-agnostic operation surface handed to a node
// type's command handlers.
type Context struct {
	cfg    Config
	db     *store.DB
	q      store.Q // nil outside a transaction
	peer   *store.PeerTable
	wc     *store.WorkingCopyTable
	groups map[string]*store.GroupTable
	rels   map[string]*store.RelationalTable
}

// New provisions the configured tables and returns a bound context.
func New(ctx context.Context, db *store.DB, cfg Config) (*Context, error) {
	if cfg.NodeType == "" {
		return nil, fmt.Errorf("entityctx: node type is required")
	}
	c := &Context{
		cfg:    cfg,
		db:     db,
		groups: make(map[string]*store.GroupTable),
		rels:   make(map[string]*store.RelationalTable),
	}
	var err error
	if cfg.PeerTable != "" {
		if c.peer, err = db.EnsurePeerTable(ctx, cfg.PeerTable); err != nil {
			return nil, err
		}
	}
	if cfg.WorkingCopyTable != "" {
		if c.wc, err = db.EnsureWorkingCopyTable(ctx, cfg.WorkingCopyTable); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.GroupTables {
		if c.groups[name], err = db.EnsureGroupTable(ctx, name); err != nil {
			return nil, err
		}
	}
	for _, name := range cfg.RelationalTables {
		if c.rels[name], err = db.EnsureRelationalTable(ctx, name); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// NodeType returns the node type this context serves.
func (c *Context) NodeType() string { return c.cfg.NodeType }

// Querier exposes the bound query surface: the enclosing transaction inside
// Transaction, the plain connection otherwise. Command handlers use it to
// compose node-table mutations with entity mutations in one transaction.
func (c *Context) Querier() store.Q {
	if c.q != nil {
		return c.q
	}
	return c.db.Conn()
}

// WorkingCopyTableName returns the configured working-copy table, or "".
func (c *Context) WorkingCopyTableName() string { return c.cfg.WorkingCopyTable }

// PeerTableName returns the configured peer table, or "".
func (c *Context) PeerTableName() string { return c.cfg.PeerTable }

// GroupTableNames returns the configured group tables.
func (c *Context) GroupTableNames() []string { return c.cfg.GroupTables }

// Transaction runs op inside a single read/write transaction spanning all
// tables owned by this context. Nested calls reuse the enclosing
// transaction.
func (c *Context) Transaction(ctx context.Context, op func(tx *Context) error) error {
	if c.q != nil {
		return op(c)
	}
	return c.db.WithTx(ctx, func(q store.Q) error {
		bound := *c
		bound.q = q
		return op(&bound)
	})
}

// run executes fn against the enclosing transaction when there is one, and
// inside a fresh single-statement-scope transaction otherwise.
func (c *Context) run(ctx context.Context, fn func(q store.Q) error) error {
	if c.q != nil {
		return fn(c.q)
	}
	return c.db.WithTx(ctx, fn)
}

// query executes read-only fn without forcing a transaction.
func (c *Context) query(ctx context.Context, fn func(q store.Q) error) error {
	if c.q != nil {
		return fn(c.q)
	}
	return fn(c.db.Conn())
}

func (c *Context) requirePeer() error {
	if c.peer == nil {
		return fmt.Errorf("entityctx: peer store not configured for node type %q: %w",
			c.cfg.NodeType, apperr.ErrNotSupported)
	}
	return nil
}

func (c *Context) groupTable(name string) (*store.GroupTable, error) {
	t, ok := c.groups[name]
	if !ok {
		return nil, fmt.Errorf("entityctx: group table %q not configured for node type %q: %w",
			name, c.cfg.NodeType, apperr.ErrNotSupported)
	}
	return t, nil
}

func (c *Context) relationalTable(name string) (*store.RelationalTable, error) {
	t, ok := c.rels[name]
	if !ok {
		return nil, fmt.Errorf("entityctx: relational table %q not configured for node type %q: %w",
			name, c.cfg.NodeType, apperr.ErrNotSupported)
	}
	return t, nil
}

// mergeEntity overlays partial onto base, preserving the immutable node id
// and dropping working-copy bookkeeping fields.
func mergeEntity(base, partial models.Entity) models.Entity {
	merged := base.Clone()
	for k, v := range partial {
		if k == models.FieldNodeID || models.IsWorkingCopyField(k) {
			continue
		}
		merged[k] = v
	}
	return merged
}
