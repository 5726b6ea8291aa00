package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
)

// InsertTree stores a tree record.
func (db *DB) InsertTree(ctx context.Context, q Q, t models.Tree) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO trees (id, name, root_node_id, trash_node_id, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, t.ID, t.Name, t.RootNodeID, t.TrashNodeID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("store: insert tree: %w", err)
	}
	return nil
}

// GetTree returns a tree by id.
func (db *DB) GetTree(ctx context.Context, q Q, id string) (*models.Tree, error) {
	var t models.Tree
	err := q.QueryRowContext(ctx, `
		SELECT id, name, root_node_id, trash_node_id, created_at
		FROM trees WHERE id = ?
	`, id).Scan(&t.ID, &t.Name, &t.RootNodeID, &t.TrashNodeID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get tree: %w", err)
	}
	return &t, nil
}

// ListTrees returns all trees ordered by creation time.
func (db *DB) ListTrees(ctx context.Context, q Q) ([]models.Tree, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, name, root_node_id, trash_node_id, created_at
		FROM trees ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list trees: %w", err)
	}
	defer rows.Close()

	var out []models.Tree
	for rows.Next() {
		var t models.Tree
		if err := rows.Scan(&t.ID, &t.Name, &t.RootNodeID, &t.TrashNodeID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TreeByRootNode returns the tree whose root is the given node.
func (db *DB) TreeByRootNode(ctx context.Context, q Q, rootNodeID string) (*models.Tree, error) {
	var t models.Tree
	err := q.QueryRowContext(ctx, `
		SELECT id, name, root_node_id, trash_node_id, created_at
		FROM trees WHERE root_node_id = ?
	`, rootNodeID).Scan(&t.ID, &t.Name, &t.RootNodeID, &t.TrashNodeID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: tree by root: %w", err)
	}
	return &t, nil
}

const nodeColumns = `id, parent_id, node_type, name, description, created_at, updated_at, version`

func scanNode(scan func(dest ...any) error) (*models.TreeNode, error) {
	var n models.TreeNode
	err := scan(&n.ID, &n.ParentID, &n.NodeType, &n.Name, &n.Description,
		&n.CreatedAt, &n.UpdatedAt, &n.Version)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

// InsertNode stores a new node row.
func (db *DB) InsertNode(ctx context.Context, q Q, n models.TreeNode) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO nodes (id, parent_id, node_type, name, description, created_at, updated_at, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.ParentID, n.NodeType, n.Name, n.Description, n.CreatedAt, n.UpdatedAt, n.Version)
	if err != nil {
		return fmt.Errorf("store: insert node: %w", err)
	}
	return nil
}

// GetNode returns a node by id or apperr.ErrNotFound.
func (db *DB) GetNode(ctx context.Context, q Q, id string) (*models.TreeNode, error) {
	row := q.QueryRowContext(ctx, `SELECT `+nodeColumns+` FROM nodes WHERE id = ?`, id)
	n, err := scanNode(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, apperr.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: get node: %w", err)
	}
	return n, nil
}

// UpdateNode rewrites the mutable node fields and bumps version/updated_at.
// The caller passes the full desired state; optimistic checks compare the
// stored version first.
func (db *DB) UpdateNode(ctx context.Context, q Q, n models.TreeNode) error {
	res, err := q.ExecContext(ctx, `
		UPDATE nodes
		SET parent_id = ?, name = ?, description = ?, updated_at = ?, version = version + 1
		WHERE id = ?
	`, n.ParentID, n.Name, n.Description, n.UpdatedAt, n.ID)
	if err != nil {
		return fmt.Errorf("store: update node: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// DeleteNode physically removes a node row.
func (db *DB) DeleteNode(ctx context.Context, q Q, id string) error {
	res, err := q.ExecContext(ctx, `DELETE FROM nodes WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete node: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ListChildren returns the direct children of a node ordered by name.
func (db *DB) ListChildren(ctx context.Context, q Q, parentID string) ([]models.TreeNode, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+nodeColumns+` FROM nodes WHERE parent_id = ? ORDER BY name`, parentID)
	if err != nil {
		return nil, fmt.Errorf("store: list children: %w", err)
	}
	return collectNodes(rows)
}

// CountChildren returns the number of direct children.
func (db *DB) CountChildren(ctx context.Context, q Q, parentID string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `SELECT count(*) FROM nodes WHERE parent_id = ?`, parentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("store: count children: %w", err)
	}
	return n, nil
}

// ListDescendants walks the subtree below rootID breadth-first via a
// recursive CTE. maxDepth <= 0 means unbounded; depth 1 is the direct
// children. The root node itself is not included.
func (db *DB) ListDescendants(ctx context.Context, q Q, rootID string, maxDepth int) ([]models.TreeNode, error) {
	const depthCap = 1 << 20
	if maxDepth <= 0 {
		maxDepth = depthCap
	}
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE sub(id, parent_id, node_type, name, description, created_at, updated_at, version, depth) AS (
			SELECT `+nodeColumns+`, 1 FROM nodes WHERE parent_id = ?
			UNION ALL
			SELECT n.id, n.parent_id, n.node_type, n.name, n.description, n.created_at, n.updated_at, n.version, sub.depth + 1
			FROM nodes n JOIN sub ON n.parent_id = sub.id
			WHERE sub.depth < ?
		)
		SELECT id, parent_id, node_type, name, description, created_at, updated_at, version
		FROM sub ORDER BY depth, name
	`, rootID, maxDepth)
	if err != nil {
		return nil, fmt.Errorf("store: list descendants: %w", err)
	}
	return collectNodes(rows)
}

// ListAncestors returns the chain of ancestors of id ordered root-first.
// The node itself is not included.
func (db *DB) ListAncestors(ctx context.Context, q Q, id string) ([]models.TreeNode, error) {
	rows, err := q.QueryContext(ctx, `
		WITH RECURSIVE up(id, parent_id, node_type, name, description, created_at, updated_at, version, depth) AS (
			SELECT `+nodeColumns+`, 1 FROM nodes
			WHERE id = (SELECT parent_id FROM nodes WHERE id = ?)
			UNION ALL
			SELECT n.id, n.parent_id, n.node_type, n.name, n.description, n.created_at, n.updated_at, n.version, up.depth + 1
			FROM nodes n JOIN up ON n.id = up.parent_id
		)
		SELECT id, parent_id, node_type, name, description, created_at, updated_at, version
		FROM up ORDER BY depth DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("store: list ancestors: %w", err)
	}
	return collectNodes(rows)
}

func collectNodes(rows *sql.Rows) ([]models.TreeNode, error) {
	defer rows.Close()
	var out []models.TreeNode
	for rows.Next() {
		n, err := scanNode(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}
