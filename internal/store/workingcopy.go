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

// WorkingCopyTable holds draft overlays keyed by node id. The primary key
// enforces the at-most-one-working-copy-per-node invariant at the storage
// layer.
type WorkingCopyTable struct {
	name string
}

// EnsureWorkingCopyTable creates the working-copy table when missing.
func (db *DB) EnsureWorkingCopyTable(ctx context.Context, name string) (*WorkingCopyTable, error) {
	if err := validTableName(name); err != nil {
		return nil, err
	}
	_, err := db.conn.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %q (
			node_id          TEXT PRIMARY KEY,
			working_copy_id  TEXT NOT NULL,
			data             TEXT NOT NULL,
			copied_at        DATETIME NOT NULL,
			is_dirty         INTEGER NOT NULL DEFAULT 0,
			original_version INTEGER NOT NULL
		)
	`, name))
	if err != nil {
		return nil, fmt.Errorf("store: ensure working copy table %s: %w", name, err)
	}
	return &WorkingCopyTable{name: name}, nil
}

// Name returns the underlying table name.
func (t *WorkingCopyTable) Name() string { return t.name }

// Insert stores a fresh draft. A second insert for the same node fails with
// apperr.ErrConflict rather than overwriting the first.
func (t *WorkingCopyTable) Insert(ctx context.Context, q Q, nodeID, workingCopyID string, doc models.Entity, originalVersion int64) error {
	data, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %q (node_id, working_copy_id, data, copied_at, is_dirty, original_version)
		VALUES (?, ?, ?, ?, 0, ?)
	`, t.name), nodeID, workingCopyID, data, time.Now().UTC(), originalVersion)
	if isUniqueViolation(err) {
		return apperr.ErrConflict
	}
	if err != nil {
		return fmt.Errorf("store: insert into %s: %w", t.name, err)
	}
	return nil
}

// Get returns the draft for a node including bookkeeping fields.
func (t *WorkingCopyTable) Get(ctx context.Context, q Q, nodeID string) (models.Entity, error) {
	var (
		wcID     string
		data     string
		copiedAt time.Time
		dirty    bool
		origVer  int64
	)
	err := q.QueryRowContext(ctx, fmt.Sprintf(`
		SELECT working_copy_id, data, copied_at, is_dirty, original_version
		FROM %q WHERE node_id = ?
	`, t.name), nodeID).Scan(&wcID, &data, &copiedAt, &dirty, &origVer)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrWorkingCopyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get from %s: %w", t.name, err)
	}
	doc := models.Entity{}
	if err := json.Unmarshal([]byte(data), &doc); err != nil {
		return nil, fmt.Errorf("store: decode working copy: %w", err)
	}
	doc[models.FieldNodeID] = nodeID
	doc[models.FieldWorkingCopyID] = wcID
	doc[models.FieldWorkingCopyOf] = nodeID
	doc[models.FieldCopiedAt] = copiedAt
	doc[models.FieldIsDirty] = dirty
	doc[models.FieldOriginalVersion] = origVer
	return doc, nil
}

// Update replaces the draft document and marks it dirty.
func (t *WorkingCopyTable) Update(ctx context.Context, q Q, nodeID string, doc models.Entity) error {
	data, err := marshalDoc(doc)
	if err != nil {
		return err
	}
	res, err := q.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %q SET data = ?, is_dirty = 1 WHERE node_id = ?
	`, t.name), data, nodeID)
	if err != nil {
		return fmt.Errorf("store: update %s: %w", t.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrWorkingCopyNotFound
	}
	return nil
}

// Delete removes the draft row.
func (t *WorkingCopyTable) Delete(ctx context.Context, q Q, nodeID string) error {
	res, err := q.ExecContext(ctx, fmt.Sprintf(`DELETE FROM %q WHERE node_id = ?`, t.name), nodeID)
	if err != nil {
		return fmt.Errorf("store: delete from %s: %w", t.name, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperr.ErrWorkingCopyNotFound
	}
	return nil
}

// DeleteExpired removes drafts copied before the cutoff and returns the
// affected node ids (for change notification).
func (t *WorkingCopyTable) DeleteExpired(ctx context.Context, q Q, cutoff time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf(
		`SELECT node_id FROM %q WHERE copied_at < ?`, t.name), cutoff)
	if err != nil {
		return nil, fmt.Errorf("store: expired scan %s: %w", t.name, err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}
	if _, err := q.ExecContext(ctx, fmt.Sprintf(
		`DELETE FROM %q WHERE copied_at < ?`, t.name), cutoff); err != nil {
		return nil, fmt.Errorf("store: delete expired %s: %w", t.name, err)
	}
	return ids, nil
}
