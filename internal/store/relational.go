package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
)

// RelationalTable holds N:N shared resources. Rows carry a reference count
// and the list of referencing node ids; a row is removed when its count
// reaches zero. All mutations here must run inside a caller transaction.
type RelationalTable struct {
	name string
}

// EnsureRelationalTable creates the relational entity table when missing.
func (db *DB) EnsureRelationalTable(ctx context.Context, name string) (*RelationalTable, error) {
	if err := validTableName(name); err != nil {
		return nil, err
	}
	_, err := db.conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id         TEXT PRIMARY KEY,
			ref_count  INTEGER NOT NULL DEFAULT 0,
			node_list  TEXT NOT NULL DEFAULT '[]',
			data       TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`, name))
	if err != nil {
		return nil, fmt.Errorf("store: ensure relational table %s: %w", name, err)
	}
	return &RelationalTable{name: name}, nil
}

// Name returns the underlying table name.
func (t *RelationalTable) Name() string { return t.name }

// Get returns a shared resource by id with countField/nodeListField merged
// into the document.
func (t *RelationalTable) Get(ctx context.Context, q Q, id string) (models.Entity, error) {
	var (
		refCount int64
		nodeList string
		data     string
	)
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT ref_count, node_list, data FROM %q WHERE id = ?`, t.name,
	), id).Scan(&refCount, &nodeList, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get from %s: %w", t.name, err)
	}
	doc := models.Entity{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("store: decode shared resource: %w", err)
	}
	var nodes []string
	if err := json.Unmarshal([]byte(nodeList), &nodes); err != nil {
		return nil, fmt.Errorf("store: decode node list: %w", err)
	}
	doc["id"] = id
	doc["refCount"] = refCount
	doc["nodeIds"] = nodes
	return doc, nil
}

// AddRef creates the resource when absent (using doc as its initial
// content) and adds nodeID to its reference set. Adding a node that already
// references the resource is a no-op for the count.
func (t *RelationalTable) AddRef(ctx context.Context, q Q, id, nodeID string, doc models.Entity) error {
	refCount, nodes, found, err := t.refState(ctx, q, id)
	if err != nil {
		return err
	}
	if !found {
		data, err := marshalDoc(doc)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		list, _ := json.Marshal([]string{nodeID})
		_, err = q.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO %q (id, ref_count, node_list, data, created_at, updated_at)
			VALUES (?, 1, ?, ?, ?, ?)
		`, t.name), id, string(list), data, now, now)
		if err != nil {
			return fmt.Errorf("store: insert into %s: %w", t.name, err)
		}
		return nil
	}
	for _, n := range nodes {
		if n == nodeID {
			return nil
		}
	}
	nodes = append(nodes, nodeID)
	return t.writeRefState(ctx, q, id, refCount+1, nodes)
}

// RemoveRef drops nodeID from the reference set, decrements the count and
// deletes the row when the count reaches zero. Returns true when the
// resource was deleted. Removing an unknown reference is a no-op.
func (t *RelationalTable) RemoveRef(ctx context.Context, q Q, id, nodeID string) (bool, error) {
	refCount, nodes, found, err := t.refState(ctx, q, id)
	if err != nil {
		return false, err
	}
	if !found {
		return false, apperr.ErrNotFound
	}
	idx := -1
	for i, n := range nodes {
		if n == nodeID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false, nil
	}
	nodes = append(nodes[:idx], nodes[idx+1:]...)
	refCount--
	if refCount <= 0 {
		if _, err := q.ExecContext(ctx, fmt.Sprintf(
			`DELETE FROM %q WHERE id = ?`, t.name), id); err != nil {
			return false, fmt.Errorf("store: delete from %s: %w", t.name, err)
		}
		return true, nil
	}
	return false, t.writeRefState(ctx, q, id, refCount, nodes)
}

func (t *RelationalTable) refState(ctx context.Context, q Q, id string) (int64, []string, bool, error) {
	var (
		refCount int64
		nodeList string
	)
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT ref_count, node_list FROM %q WHERE id = ?`, t.name), id).Scan(&refCount, &nodeList)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, false, nil
	}
	if err != nil {
		return 0, nil, false, fmt.Errorf("store: ref state %s: %w", t.name, err)
	}
	var nodes []string
	if err := json.Unmarshal([]byte(nodeList), &nodes); err != nil {
		return 0, nil, false, fmt.Errorf("store: decode node list: %w", err)
	}
	return refCount, nodes, true, nil
}

func (t *RelationalTable) writeRefState(ctx context.Context, q Q, id string, refCount int64, nodes []string) error {
	list, _ := json.Marshal(nodes)
	_, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %q SET ref_count = ?, node_list = ?, updated_at = ? WHERE id = ?
	`, t.name), refCount, string(list), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("store: update refs %s: %w", t.name, err)
	}
	return nil
}
