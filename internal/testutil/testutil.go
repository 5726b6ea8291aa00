// Package testutil provides shared test helpers for setting up engine
// databases and node type registrations.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/starford/eihwaz/internal/entityctx"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/store"
)

// TestDB creates a temporary SQLite database that is automatically cleaned up.
func TestDB(t *testing.T) *store.DB {
	t.Helper()
	dbFile, err := os.CreateTemp("", "eihwaz-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	dbFile.Close()
	t.Cleanup(func() { os.Remove(dbFile.Name()) })

	db, err := store.Open(dbFile.Name())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// TestRegistry creates a registry with a "task" node type wired to a full
// entity context (peer, drafts, one group table, one relational table) and
// a plain "folder" type.
func TestRegistry(t *testing.T, db *store.DB) *registry.Registry {
	t.Helper()
	reg := registry.New()

	if err := reg.Register(registry.Registration{
		Type: registry.TypeConfig{Name: "folder", Icon: "folder"},
	}); err != nil {
		t.Fatal(err)
	}

	taskCtx, err := entityctx.New(context.Background(), db, entityctx.Config{
		NodeType:         "task",
		PeerTable:        "tasks",
		WorkingCopyTable: "task_drafts",
		GroupTables:      []string{"task_comments"},
		RelationalTables: []string{"labels"},
		CascadeGroups:    true,
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(registry.Registration{
		Type:    registry.TypeConfig{Name: "task", Icon: "check"},
		Context: taskCtx,
	}); err != nil {
		t.Fatal(err)
	}
	return reg
}
