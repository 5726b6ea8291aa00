package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
)

// Entity tables are provisioned at node-type registration time, one logical
// table per entity kind. Rows store the entity as a JSON document plus the
// columns needed for keys, indexes and optimistic checks. Schema evolution
// is additive-only: new entity fields land inside the JSON document.

// PeerTable holds 1:1 entities keyed by node id.
type PeerTable struct {
	name string
}

// EnsurePeerTable creates the peer entity table when missing.
func (db *DB) EnsurePeerTable(ctx context.Context, name string) (*PeerTable, error) {
	if err := validTableName(name); err != nil {
		return nil, err
	}
	_, err := db.conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			node_id    TEXT PRIMARY KEY,
			data       TEXT NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		)
	`, name))
	if err != nil {
		return nil, fmt.Errorf("store: ensure peer table %s: %w", name, err)
	}
	return &PeerTable{name: name}, nil
}

// Name returns the underlying table name.
func (t *PeerTable) Name() string { return t.name }

// Insert stores a new peer entity. Fails with apperr.ErrAlreadyExists when a
// row for the node is present.
func (t *PeerTable) Insert(ctx context.Context, q Q, nodeID string, doc models.Entity) error {
	data, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (node_id, data, version, created_at, updated_at) VALUES (?, ?, 1, ?, ?)
	`, t.name), nodeID, data, now, now)
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("store: insert into %s: %w", t.name, err)
	}
	return nil
}

// Get returns the peer entity for a node with its bookkeeping fields
// (nodeId, version) made authoritative from the row columns.
func (t *PeerTable) Get(ctx context.Context, q Q, nodeID string) (models.Entity, error) {
	var (
		data    string
		version int64
		updated time.Time
	)
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT data, version, updated_at FROM %q WHERE node_id = ?`, t.name,
	), nodeID).Scan(&data, &version, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get from %s: %w", t.name, err)
	}
	return unmarshalDoc(data, nodeID, version, updated)
}

// Update replaces the document and bumps the version column.
func (t *PeerTable) Update(ctx context.Context, q Q, nodeID string, doc models.Entity) error {
	data, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %q SET data = ?, version = version + 1, updated_at = ? WHERE node_id = ?
	`, t.name), data, time.Now().UTC(), nodeID)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", t.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Delete removes the peer entity row.
func (t *PeerTable) Delete(ctx context.Context, q Q, nodeID string) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE node_id = ?`, t.name), nodeID)
	if err != nil {
		return fmt.Errorf("store: delete from %s: %w", t.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// Exists reports whether a row for the node is present.
func (t *PeerTable) Exists(ctx context.Context, q Q, nodeID string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, fmt.Sprintf(
		`SELECT 1 FROM %q WHERE node_id = ?`, t.name), nodeID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("store: exists in %s: %w", t.name, err)
	}
	return true, nil
}

// OrphanNodeIDs returns node ids referenced by rows whose node no longer
// exists. Detection only; cleanup never deletes these silently.
func (t *PeerTable) OrphanNodeIDs(ctx context.Context, q Q) ([]string, error) {
	return orphanIDs(ctx, q, t.name, "node_id")
}

// GroupTable holds 1:N entities with a synthetic primary key and a
// secondary index on node id, ordered by an explicit sort order.
type GroupTable struct {
	name string
}

// EnsureGroupTable creates the group entity table when missing.
func (db *DB) EnsureGroupTable(ctx context.Context, name string) (*GroupTable, error) {
	if err := validTableName(name); err != nil {
		return nil, err
	}
	_, err := db.conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			id         TEXT PRIMARY KEY,
			node_id    TEXT NOT NULL,
			sort_order INTEGER NOT NULL DEFAULT 0,
			data       TEXT NOT NULL,
			created_at DATETIME NOT NULL,
			updated_at DATETIME NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_%s_node ON %q (node_id);
	`, name, name, name))
	if err != nil {
		return nil, fmt.Errorf("store: ensure group table %s: %w", name, err)
	}
	return &GroupTable{name: name}, nil
}

// Name returns the underlying table name.
func (t *GroupTable) Name() string { return t.name }

// Insert stores a group entity row under the given synthetic id.
func (t *GroupTable) Insert(ctx context.Context, q Q, id, nodeID string, sortOrder int, doc models.Entity) error {
	data, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (id, node_id, sort_order, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, t.name), id, nodeID, sortOrder, data, now, now)
	if isUniqueViolation(err) {
		return apperr.ErrAlreadyExists
	}
	if err != nil {
		return fmt.Errorf("store: insert into %s: %w", t.name, err)
	}
	return nil
}

// GetAll returns a node's group entities ordered by sort order.
func (t *GroupTable) GetAll(ctx context.Context, q Q, nodeID string) ([]models.Entity, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, data, sort_order FROM %q WHERE node_id = ? ORDER BY sort_order, id
	`, t.name), nodeID)
	if err != nil {
		return nil, fmt.Errorf("store: get all from %s: %w", t.name, err)
	}
	defer rows.Close()

	var out []models.Entity
	for rows.Next() {
		var (
			id        string
			data      string
			sortOrder int
		)
		if err := rows.Scan(&id, &data, &sortOrder); err != nil {
			return nil, err
		}
		doc := models.Entity{}
		if err := json.Unmarshal([]byte(data), &doc); err != nil {
			return nil, fmt.Errorf("store: decode row %s/%s: %w", t.name, id, err)
		}
		doc["id"] = id
		doc[models.FieldNodeID] = nodeID
		doc[models.FieldSortOrder] = sortOrder
		out = append(out, doc)
	}
	return out, rows.Err()
}

// Delete removes one group entity row by synthetic id.
func (t *GroupTable) Delete(ctx context.Context, q Q, id string) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE id = ?`, t.name), id)
	if err != nil {
		return fmt.Errorf("store: delete from %s: %w", t.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// DeleteAll removes every group entity of a node (cascade cleanup).
func (t *GroupTable) DeleteAll(ctx context.Context, q Q, nodeID string) error {
	_, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE node_id = ?`, t.name), nodeID)
	if err != nil {
		return fmt.Errorf("store: delete all from %s: %w", t.name, err)
	}
	return nil
}

// OrphanNodeIDs returns node ids referenced by rows whose node no longer
// exists.
func (t *GroupTable) OrphanNodeIDs(ctx context.Context, q Q) ([]string, error) {
	return orphanIDs(ctx, q, t.name, "node_id")
}

func orphanIDs(ctx context.Context, q Q, table, col string) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(`
		SELECT DISTINCT %s FROM %q WHERE %s NOT IN (SELECT id FROM nodes)
	`, col, table, col))
	if err != nil {
		return nil, fmt.Errorf("store: orphan scan %s: %w", table, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func marshalDoc(doc models.Entity) (string, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return "", fmt.Errorf("store: encode entity: %w", err)
	}
	return string(data), nil
}

func unmarshalDoc(data, nodeID string, version int64, updated time.Time) (models.Entity, error) {
	doc := models.Entity{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("store: decode entity: %w", err)
	}
	doc[models.FieldNodeID] = nodeID
	doc[models.FieldVersion] = version
	doc[models.FieldUpdatedAt] = updated
	return doc, nil
}

func isUniqueViolation(err error) bool {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		return serr.Code == sqlite3.ErrConstraint
	}
	return false
}
