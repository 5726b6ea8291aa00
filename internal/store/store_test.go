package store

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	f, err := os.CreateTemp("", "eihwaz-store-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	t.Cleanup(func() { os.Remove(f.Name()) })

	db, err := Open(f.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func mustInsertNode(t *testing.T, db *DB, id, parentID, nodeType, name string) models.TreeNode {
	t.Helper()
	now := time.Now().UTC()
	n := models.TreeNode{
		ID: id, ParentID: parentID, NodeType: nodeType, Name: name,
		CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	if err := db.InsertNode(context.Background(), db.Conn(), n); err != nil {
		t.Fatalf("insert node %s: %v", id, err)
	}
	return n
}

func TestNodeCRUD(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	mustInsertNode(t, db, "root", "", "root", "Root")
	n := mustInsertNode(t, db, "a", "root", "folder", "Alpha")

	got, err := db.GetNode(ctx, db.Conn(), "a")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Alpha" || got.ParentID != "root" || got.Version != 1 {
		t.Errorf("unexpected node: %+v", got)
	}

	n.Name = "Beta"
	if err := db.UpdateNode(ctx, db.Conn(), n); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, err = db.GetNode(ctx, db.Conn(), "a")
	if err != nil {
		t.Fatal(err)
	}
	if got.Name != "Beta" {
		t.Errorf("name = %q, want Beta", got.Name)
	}
	if got.Version != 2 {
		t.Errorf("version = %d, want 2 after update", got.Version)
	}

	if err := db.DeleteNode(ctx, db.Conn(), "a"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := db.GetNode(ctx, db.Conn(), "a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("get after delete = %v, want ErrNotFound", err)
	}
	if err := db.DeleteNode(ctx, db.Conn(), "a"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("double delete = %v, want ErrNotFound", err)
	}
}

func TestTreeRecords(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	tree := models.Tree{
		ID: "t1", Name: "Main", RootNodeID: "root", TrashNodeID: "trash",
		CreatedAt: time.Now().UTC(),
	}
	if err := db.InsertTree(ctx, db.Conn(), tree); err != nil {
		t.Fatal(err)
	}

	got, err := db.GetTree(ctx, db.Conn(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if got.RootNodeID != "root" || got.TrashNodeID != "trash" {
		t.Errorf("unexpected tree: %+v", got)
	}

	byRoot, err := db.TreeByRootNode(ctx, db.Conn(), "root")
	if err != nil {
		t.Fatal(err)
	}
	if byRoot.ID != "t1" {
		t.Errorf("tree by root = %q, want t1", byRoot.ID)
	}

	all, err := db.ListTrees(ctx, db.Conn())
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Errorf("len(trees) = %d, want 1", len(all))
	}
}

// buildFixtureTree creates root -> (a -> (a1, a2 -> a2x), b).
func buildFixtureTree(t *testing.T, db *DB) {
	t.Helper()
	mustInsertNode(t, db, "root", "", "root", "Root")
	mustInsertNode(t, db, "a", "root", "folder", "A")
	mustInsertNode(t, db, "b", "root", "folder", "B")
	mustInsertNode(t, db, "a1", "a", "document", "A1")
	mustInsertNode(t, db, "a2", "a", "folder", "A2")
	mustInsertNode(t, db, "a2x", "a2", "document", "A2X")
}

func TestListDescendants(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	buildFixtureTree(t, db)

	all, err := db.ListDescendants(ctx, db.Conn(), "root", 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("len(descendants) = %d, want 5", len(all))
	}
	// Root itself is excluded.
	for _, n := range all {
		if n.ID == "root" {
			t.Error("descendants must not include the root")
		}
	}

	depth1, err := db.ListDescendants(ctx, db.Conn(), "root", 1)
	if err != nil {
		t.Fatal(err)
	}
	if len(depth1) != 2 {
		t.Errorf("depth-1 descendants = %d, want 2", len(depth1))
	}

	depth2, err := db.ListDescendants(ctx, db.Conn(), "root", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(depth2) != 4 {
		t.Errorf("depth-2 descendants = %d, want 4", len(depth2))
	}
}

func TestListAncestorsRootFirst(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	buildFixtureTree(t, db)

	chain, err := db.ListAncestors(ctx, db.Conn(), "a2x")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"root", "a", "a2"}
	if len(chain) != len(want) {
		t.Fatalf("len(ancestors) = %d, want %d", len(chain), len(want))
	}
	for i, id := range want {
		if chain[i].ID != id {
			t.Errorf("ancestors[%d] = %q, want %q", i, chain[i].ID, id)
		}
	}

	none, err := db.ListAncestors(ctx, db.Conn(), "root")
	if err != nil {
		t.Fatal(err)
	}
	if len(none) != 0 {
		t.Errorf("root ancestors = %d, want 0", len(none))
	}
}

func TestWithTxRollback(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	mustInsertNode(t, db, "root", "", "root", "Root")

	sentinel := errors.New("boom")
	err := db.WithTx(ctx, func(q Q) error {
		n := models.TreeNode{
			ID: "x", ParentID: "root", NodeType: "folder", Name: "X",
			CreatedAt: time.Now().UTC(), UpdatedAt: time.Now().UTC(), Version: 1,
		}
		if err := db.InsertNode(ctx, q, n); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("WithTx err = %v, want sentinel", err)
	}
	if _, err := db.GetNode(ctx, db.Conn(), "x"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("node x survived rollback: %v", err)
	}
}
