package treeservice_test

import (
	"context"
	"testing"
	"time"

	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/testutil"
	"github.com/starford/eihwaz/internal/treeservice"
)

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.insertNode(t, "root", "", models.NodeTypeRoot, "Workspace", "")
	f.insertNode(t, "a", "root", "folder", "a", "")
	f.insertNode(t, "b", "a", "folder", "b", "")

	ev, err := f.svc.Snapshot(ctx, "b")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Type != models.EventNodeSnapshot || ev.Node == nil || ev.Node.Name != "b" {
		t.Errorf("snapshot = %+v", ev)
	}
	if ev.ParentID != "a" {
		t.Errorf("parent = %q", ev.ParentID)
	}
	if len(ev.AncestorIDs) != 2 || ev.AncestorIDs[0] != "root" || ev.AncestorIDs[1] != "a" {
		t.Errorf("ancestors = %v", ev.AncestorIDs)
	}

	// Absence is a valid observable state, not an error.
	ev, err = f.svc.Snapshot(ctx, "ghost")
	if err != nil {
		t.Fatal(err)
	}
	if ev.Node != nil || ev.NodeID != "ghost" {
		t.Errorf("missing-node snapshot = %+v", ev)
	}
}

func TestEntityResolution(t *testing.T) {
	db := testutil.TestDB(t)
	reg := testutil.TestRegistry(t, db)
	svc := treeservice.New(db, reg)
	ctx := context.Background()

	now := time.Now().UTC()
	for _, n := range []models.TreeNode{
		{ID: "root", NodeType: models.NodeTypeRoot, Name: "ws", CreatedAt: now, UpdatedAt: now, Version: 1},
		{ID: "f1", ParentID: "root", NodeType: "folder", Name: "f1", CreatedAt: now, UpdatedAt: now, Version: 1},
		{ID: "t1", ParentID: "root", NodeType: "task", Name: "t1", CreatedAt: now, UpdatedAt: now, Version: 1},
	} {
		if err := db.InsertNode(ctx, db.Conn(), n); err != nil {
			t.Fatal(err)
		}
	}
	taskReg, _ := reg.Lookup("task")
	if err := taskReg.Context.Store().Create(ctx, "t1", models.Entity{"title": "hello"}); err != nil {
		t.Fatal(err)
	}

	ent, err := svc.Entity(ctx, "t1")
	if err != nil {
		t.Fatal(err)
	}
	if ent["title"] != "hello" {
		t.Errorf("entity = %v", ent)
	}

	// Folders carry no peer table.
	ent, err = svc.Entity(ctx, "f1")
	if err != nil {
		t.Fatal(err)
	}
	if ent != nil {
		t.Errorf("folder entity = %v, want nil", ent)
	}
}

func TestOrphanReport(t *testing.T) {
	db := testutil.TestDB(t)
	reg := testutil.TestRegistry(t, db)
	svc := treeservice.New(db, reg)
	ctx := context.Background()

	report, err := svc.Orphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(report) != 0 {
		t.Errorf("fresh database reported orphans: %v", report)
	}

	// An entity row without a node is an interrupted cascade.
	peer, err := db.EnsurePeerTable(ctx, "tasks")
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.Insert(ctx, db.Conn(), "ghost", models.Entity{}); err != nil {
		t.Fatal(err)
	}

	report, err = svc.Orphans(ctx)
	if err != nil {
		t.Fatal(err)
	}
	ids := report["tasks"]
	if len(ids) != 1 || ids[0] != "ghost" {
		t.Errorf("report = %v", report)
	}
}
