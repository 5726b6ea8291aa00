package command_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/command"
	"github.com/starford/eihwaz/internal/entityctx"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/store"
	"github.com/starford/eihwaz/internal/testutil"
)

type capture struct {
	mu     sync.Mutex
	events []models.ChangeEvent
}

func (c *capture) Publish(ev models.ChangeEvent) {
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
}

func (c *capture) all() []models.ChangeEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ChangeEvent{}, c.events...)
}

func setup(t *testing.T, opts ...command.Option) (*command.Processor, *store.DB, *registry.Registry, *capture) {
	t.Helper()
	db := testutil.TestDB(t)
	reg := testutil.TestRegistry(t, db)
	sink := &capture{}
	proc := command.NewProcessor(db, reg, append(opts, command.WithNotifier(sink))...)
	t.Cleanup(proc.Close)
	return proc, db, reg, sink
}

func exec(t *testing.T, proc *command.Processor, kind string, payload any) models.CommandResult {
	t.Helper()
	env, err := command.CreateEnvelope(kind, payload, nil)
	if err != nil {
		t.Fatal(err)
	}
	return proc.ProcessCommand(context.Background(), env)
}

func mustExec(t *testing.T, proc *command.Processor, kind string, payload any) models.CommandResult {
	t.Helper()
	res := exec(t, proc, kind, payload)
	if !res.Success {
		t.Fatalf("%s failed: %s (%s)", kind, res.Error, res.Code)
	}
	return res
}

func newTree(t *testing.T, proc *command.Processor, db *store.DB) *models.Tree {
	t.Helper()
	res := mustExec(t, proc, command.KindCreateTree, command.CreateTreePayload{Name: "Workspace"})
	tree, err := db.TreeByRootNode(context.Background(), db.Conn(), res.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	return tree
}

func TestCreateTree(t *testing.T) {
	proc, db, _, sink := setup(t)
	ctx := context.Background()

	tree := newTree(t, proc, db)

	root, err := db.GetNode(ctx, db.Conn(), tree.RootNodeID)
	if err != nil {
		t.Fatal(err)
	}
	if root.NodeType != models.NodeTypeRoot {
		t.Errorf("root node type = %q", root.NodeType)
	}
	trash, err := db.GetNode(ctx, db.Conn(), tree.TrashNodeID)
	if err != nil {
		t.Fatal(err)
	}
	if trash.NodeType != models.NodeTypeTrash || trash.ParentID != root.ID {
		t.Errorf("trash node = %+v", trash)
	}

	events := sink.all()
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	for _, ev := range events {
		if ev.Type != models.EventNodeCreated {
			t.Errorf("event type = %q", ev.Type)
		}
		if ev.Seq == 0 {
			t.Error("event missing sequence number")
		}
	}
	// Tree creation is not undoable.
	if proc.CanUndo() {
		t.Error("createTree left an undo record")
	}
	if last := proc.LastEvent(); last == nil || last.NodeID != tree.TrashNodeID {
		t.Errorf("LastEvent = %+v", last)
	}
}

func TestCreateNodeProvisionsEntity(t *testing.T) {
	proc, db, _, sink := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)

	res := mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "task-1", ParentID: tree.RootNodeID, NodeType: "task", Name: "Ship it",
	})
	if res.NodeID != "task-1" {
		t.Errorf("node id = %q", res.NodeID)
	}

	// A typed node gets its peer entity in the same transaction.
	peer, err := db.EnsurePeerTable(ctx, "tasks")
	if err != nil {
		t.Fatal(err)
	}
	ent, err := peer.Get(ctx, db.Conn(), "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if ent.Version() != 1 {
		t.Errorf("entity version = %d", ent.Version())
	}

	events := sink.all()
	last := events[len(events)-1]
	if last.Type != models.EventNodeCreated || last.NodeID != "task-1" {
		t.Errorf("last event = %+v", last)
	}
	if len(last.AncestorIDs) != 1 || last.AncestorIDs[0] != tree.RootNodeID {
		t.Errorf("ancestors = %v", last.AncestorIDs)
	}
}

func TestCreateNodeFailures(t *testing.T) {
	proc, db, _, _ := setup(t)
	tree := newTree(t, proc, db)

	res := exec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ParentID: "missing", NodeType: "folder", Name: "x",
	})
	if res.Success || res.Code != apperr.CodeNodeNotFound {
		t.Errorf("unknown parent: %+v", res)
	}

	res = exec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ParentID: tree.RootNodeID, NodeType: "folder",
	})
	if res.Success || res.Code != apperr.CodeValidation {
		t.Errorf("empty name: %+v", res)
	}

	res = exec(t, proc, "bogusKind", nil)
	if res.Success || res.Code != apperr.CodeInvalidOperation {
		t.Errorf("unknown kind: %+v", res)
	}
}

func TestUpdateNodeVersionConflict(t *testing.T) {
	proc, db, _, _ := setup(t)
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "f1", ParentID: tree.RootNodeID, NodeType: "folder", Name: "Docs",
	})

	name := "Documents"
	res := exec(t, proc, command.KindUpdateNode, command.UpdateNodePayload{ID: "f1", Name: &name, Version: 99})
	if res.Success || res.Code != apperr.CodeCommitConflict {
		t.Errorf("stale version: %+v", res)
	}

	mustExec(t, proc, command.KindUpdateNode, command.UpdateNodePayload{ID: "f1", Name: &name, Version: 1})
	node, err := db.GetNode(context.Background(), db.Conn(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if node.Name != "Documents" || node.Version != 2 {
		t.Errorf("node after update = %+v", node)
	}
}

func TestMoveNodeRejectsCycles(t *testing.T) {
	proc, db, _, _ := setup(t)
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "a", ParentID: tree.RootNodeID, NodeType: "folder", Name: "a",
	})
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "b", ParentID: "a", NodeType: "folder", Name: "b",
	})

	res := exec(t, proc, command.KindMoveNode, command.MoveNodePayload{ID: "a", NewParentID: "b"})
	if res.Success || res.Code != apperr.CodeValidation {
		t.Errorf("cycle move: %+v", res)
	}
	res = exec(t, proc, command.KindMoveNode, command.MoveNodePayload{ID: "a", NewParentID: "a"})
	if res.Success || res.Code != apperr.CodeValidation {
		t.Errorf("self move: %+v", res)
	}
	res = exec(t, proc, command.KindMoveNode, command.MoveNodePayload{ID: tree.RootNodeID, NewParentID: "a"})
	if res.Success || res.Code != apperr.CodeInvalidOperation {
		t.Errorf("root move: %+v", res)
	}
}

func TestDeleteRestoreRoundTrip(t *testing.T) {
	proc, db, _, sink := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "f1", ParentID: tree.RootNodeID, NodeType: "folder", Name: "Docs",
	})

	mustExec(t, proc, command.KindDeleteNode, command.NodeIDPayload{ID: "f1"})
	node, err := db.GetNode(ctx, db.Conn(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if node.ParentID != tree.TrashNodeID {
		t.Errorf("deleted node parent = %q, want trash", node.ParentID)
	}
	events := sink.all()
	last := events[len(events)-1]
	if last.Type != models.EventNodeDeleted || last.PrevParentID != tree.RootNodeID {
		t.Errorf("delete event = %+v", last)
	}

	// Deleting again is invalid: the node is already in the trash.
	res := exec(t, proc, command.KindDeleteNode, command.NodeIDPayload{ID: "f1"})
	if res.Success || res.Code != apperr.CodeInvalidOperation {
		t.Errorf("double delete: %+v", res)
	}

	mustExec(t, proc, command.KindRestoreNode, command.RestoreNodePayload{ID: "f1", ParentID: tree.RootNodeID})
	node, err = db.GetNode(ctx, db.Conn(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if node.ParentID != tree.RootNodeID {
		t.Errorf("restored node parent = %q", node.ParentID)
	}
}

func TestDisposeCascade(t *testing.T) {
	proc, db, _, sink := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "f1", ParentID: tree.RootNodeID, NodeType: "folder", Name: "f1",
	})
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "t1", ParentID: "f1", NodeType: "task", Name: "t1",
	})

	mustExec(t, proc, command.KindDisposeNode, command.NodeIDPayload{ID: "f1"})

	if _, err := db.GetNode(ctx, db.Conn(), "f1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("disposed folder still present: %v", err)
	}
	if _, err := db.GetNode(ctx, db.Conn(), "t1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("disposed descendant still present: %v", err)
	}
	peer, err := db.EnsurePeerTable(ctx, "tasks")
	if err != nil {
		t.Fatal(err)
	}
	if exists, _ := peer.Exists(ctx, db.Conn(), "t1"); exists {
		t.Error("peer entity survived disposal")
	}

	disposed := 0
	for _, ev := range sink.all() {
		if ev.Type == models.EventNodeDisposed {
			disposed++
		}
	}
	if disposed != 2 {
		t.Errorf("got %d disposed events, want 2", disposed)
	}
}

func TestEmptyTrash(t *testing.T) {
	proc, db, _, _ := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)
	for _, id := range []string{"f1", "f2"} {
		mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
			ID: id, ParentID: tree.RootNodeID, NodeType: "folder", Name: id,
		})
		mustExec(t, proc, command.KindDeleteNode, command.NodeIDPayload{ID: id})
	}

	mustExec(t, proc, command.KindEmptyTrash, command.EmptyTrashPayload{TreeID: tree.ID})

	n, err := db.CountChildren(ctx, db.Conn(), tree.TrashNodeID)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("trash still has %d children", n)
	}
}

func TestUndoRedo(t *testing.T) {
	proc, db, _, _ := setup(t)
	ctx := context.Background()

	res := proc.Undo(ctx)
	if res.Success || res.Error != "No command to undo" {
		t.Errorf("undo on empty stack: %+v", res)
	}
	res = proc.Redo(ctx)
	if res.Success || res.Error != "No command to redo" {
		t.Errorf("redo on empty stack: %+v", res)
	}

	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "f1", ParentID: tree.RootNodeID, NodeType: "folder", Name: "Docs",
	})
	if !proc.CanUndo() {
		t.Fatal("createNode must be undoable")
	}

	// Undo disposes the created node.
	res = proc.Undo(ctx)
	if !res.Success {
		t.Fatalf("undo: %+v", res)
	}
	if _, err := db.GetNode(ctx, db.Conn(), "f1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("node survived undo: %v", err)
	}
	if !proc.CanRedo() {
		t.Fatal("undo must arm redo")
	}

	// Redo replays the original create.
	res = proc.Redo(ctx)
	if !res.Success {
		t.Fatalf("redo: %+v", res)
	}
	node, err := db.GetNode(ctx, db.Conn(), "f1")
	if err != nil {
		t.Fatal(err)
	}
	if node.Name != "Docs" {
		t.Errorf("redone node = %+v", node)
	}

	// A fresh command clears the redo branch.
	proc.Undo(ctx)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "f2", ParentID: tree.RootNodeID, NodeType: "folder", Name: "Other",
	})
	if proc.CanRedo() {
		t.Error("new command must clear the redo stack")
	}
}

func TestRedoRecreatesGeneratedID(t *testing.T) {
	proc, db, _, _ := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)

	// No id in the payload: the processor assigns one.
	created := mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ParentID: tree.RootNodeID, NodeType: "folder", Name: "Inbox",
	})
	if created.NodeID == "" {
		t.Fatal("create returned no node id")
	}
	name := "Inbox (renamed)"
	mustExec(t, proc, command.KindUpdateNode, command.UpdateNodePayload{
		ID: created.NodeID, Name: &name,
	})

	for i := 0; i < 2; i++ {
		if res := proc.Undo(ctx); !res.Success {
			t.Fatalf("undo %d: %+v", i, res)
		}
	}
	if _, err := db.GetNode(ctx, db.Conn(), created.NodeID); !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("node survived undo: %v", err)
	}

	// Redo must recreate the node under the same id so the replayed
	// update still finds it.
	for i := 0; i < 2; i++ {
		if res := proc.Redo(ctx); !res.Success {
			t.Fatalf("redo %d: %+v", i, res)
		}
	}
	node, err := db.GetNode(ctx, db.Conn(), created.NodeID)
	if err != nil {
		t.Fatal(err)
	}
	if node.Name != name {
		t.Errorf("name after redo = %q, want %q", node.Name, name)
	}
}

func TestMoveEventCarriesPrevChain(t *testing.T) {
	proc, db, _, sink := setup(t)
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "a", ParentID: tree.RootNodeID, NodeType: "folder", Name: "a",
	})
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "x", ParentID: "a", NodeType: "folder", Name: "x",
	})

	mustExec(t, proc, command.KindMoveNode, command.MoveNodePayload{ID: "x", NewParentID: tree.RootNodeID})

	events := sink.all()
	ev := events[len(events)-1]
	if ev.Type != models.EventNodeMoved {
		t.Fatalf("last event = %q", ev.Type)
	}
	wantPrev := []string{tree.RootNodeID, "a"}
	if len(ev.PrevAncestorIDs) != len(wantPrev) {
		t.Fatalf("PrevAncestorIDs = %v, want %v", ev.PrevAncestorIDs, wantPrev)
	}
	for i := range wantPrev {
		if ev.PrevAncestorIDs[i] != wantPrev[i] {
			t.Fatalf("PrevAncestorIDs = %v, want %v", ev.PrevAncestorIDs, wantPrev)
		}
	}
	if len(ev.AncestorIDs) != 1 || ev.AncestorIDs[0] != tree.RootNodeID {
		t.Errorf("AncestorIDs = %v", ev.AncestorIDs)
	}
}

func TestUndoMoveRestoresParent(t *testing.T) {
	proc, db, _, _ := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "a", ParentID: tree.RootNodeID, NodeType: "folder", Name: "a",
	})
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "b", ParentID: tree.RootNodeID, NodeType: "folder", Name: "b",
	})

	mustExec(t, proc, command.KindMoveNode, command.MoveNodePayload{ID: "b", NewParentID: "a"})
	if res := proc.Undo(ctx); !res.Success {
		t.Fatalf("undo move: %+v", res)
	}
	node, err := db.GetNode(ctx, db.Conn(), "b")
	if err != nil {
		t.Fatal(err)
	}
	if node.ParentID != tree.RootNodeID {
		t.Errorf("parent after undo = %q", node.ParentID)
	}
}

func TestUndoDepthBound(t *testing.T) {
	proc, db, _, _ := setup(t, command.WithUndoDepth(2))
	tree := newTree(t, proc, db)
	for _, id := range []string{"n1", "n2", "n3"} {
		mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
			ID: id, ParentID: tree.RootNodeID, NodeType: "folder", Name: id,
		})
	}
	if got := proc.UndoStackSize(); got != 2 {
		t.Errorf("undo stack size = %d, want 2", got)
	}
}

func TestWorkingCopyCommands(t *testing.T) {
	proc, db, _, sink := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "t1", ParentID: tree.RootNodeID, NodeType: "task", Name: "Task",
	})

	mustExec(t, proc, command.KindCreateWorkingCopy, command.NodeIDPayload{ID: "t1"})
	mustExec(t, proc, command.KindUpdateWorkingCopy, command.UpdateWorkingCopyPayload{
		ID: "t1", Fields: models.Entity{"title": "Draft title"},
	})
	mustExec(t, proc, command.KindCommitWorkingCopy, command.NodeIDPayload{ID: "t1"})

	peer, err := db.EnsurePeerTable(ctx, "tasks")
	if err != nil {
		t.Fatal(err)
	}
	ent, err := peer.Get(ctx, db.Conn(), "t1")
	if err != nil {
		t.Fatal(err)
	}
	if ent["title"] != "Draft title" {
		t.Errorf("committed entity = %v", ent)
	}
	wc, err := db.EnsureWorkingCopyTable(ctx, "task_drafts")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wc.Get(ctx, db.Conn(), "t1"); !errors.Is(err, apperr.ErrWorkingCopyNotFound) {
		t.Errorf("draft survived commit: %v", err)
	}

	var types []string
	for _, ev := range sink.all() {
		if ev.Type == models.EventWorkingCopyCreated ||
			ev.Type == models.EventWorkingCopyUpdated ||
			ev.Type == models.EventWorkingCopyCommitted {
			types = append(types, ev.Type)
		}
	}
	want := []string{models.EventWorkingCopyCreated, models.EventWorkingCopyUpdated, models.EventWorkingCopyCommitted}
	if len(types) != len(want) {
		t.Fatalf("working copy events = %v", types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestUndoCreateWorkingCopyDiscards(t *testing.T) {
	proc, db, _, _ := setup(t)
	ctx := context.Background()
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "t1", ParentID: tree.RootNodeID, NodeType: "task", Name: "Task",
	})
	mustExec(t, proc, command.KindCreateWorkingCopy, command.NodeIDPayload{ID: "t1"})

	if res := proc.Undo(ctx); !res.Success {
		t.Fatalf("undo: %+v", res)
	}
	wc, err := db.EnsureWorkingCopyTable(ctx, "task_drafts")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := wc.Get(ctx, db.Conn(), "t1"); !errors.Is(err, apperr.ErrWorkingCopyNotFound) {
		t.Errorf("draft survived undo: %v", err)
	}
}

func TestWorkingCopyUnsupportedType(t *testing.T) {
	proc, db, _, _ := setup(t)
	tree := newTree(t, proc, db)
	mustExec(t, proc, command.KindCreateNode, command.CreateNodePayload{
		ID: "f1", ParentID: tree.RootNodeID, NodeType: "folder", Name: "Docs",
	})

	res := exec(t, proc, command.KindCreateWorkingCopy, command.NodeIDPayload{ID: "f1"})
	if res.Success {
		t.Errorf("folder has no draft table, expected failure: %+v", res)
	}
}

func TestPluginCommandDispatch(t *testing.T) {
	proc, _, reg, sink := setup(t)

	var gotKind string
	err := reg.Register(registry.Registration{
		Type: registry.TypeConfig{Name: "widget"},
		Commands: map[string]registry.CommandHandler{
			"frobnicate": func(ctx context.Context, ec *entityctx.Context, env models.CommandEnvelope) (registry.Outcome, error) {
				gotKind = env.Kind
				return registry.Outcome{
					NodeID: "w1",
					Events: []models.ChangeEvent{{Type: models.EventNodeUpdated, NodeID: "w1"}},
				}, nil
			},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	res := mustExec(t, proc, "widget.frobnicate", map[string]any{"strength": 3})
	if res.NodeID != "w1" {
		t.Errorf("result = %+v", res)
	}
	if gotKind != "widget.frobnicate" {
		t.Errorf("handler saw kind %q", gotKind)
	}
	events := sink.all()
	if last := events[len(events)-1]; last.NodeID != "w1" || last.Seq == 0 {
		t.Errorf("plugin event = %+v", last)
	}
}

func TestSequenceAndCorrelation(t *testing.T) {
	proc, db, _, sink := setup(t)
	tree := newTree(t, proc, db)

	env, err := command.CreateEnvelope(command.KindCreateNode, command.CreateNodePayload{
		ID: "f1", ParentID: tree.RootNodeID, NodeType: "folder", Name: "Docs",
	}, &models.CommandMeta{CorrelationID: "corr-1"})
	if err != nil {
		t.Fatal(err)
	}
	res := proc.ProcessCommand(context.Background(), env)
	if !res.Success {
		t.Fatalf("create: %+v", res)
	}
	if res.Seq != proc.Seq() {
		t.Errorf("result seq %d, processor seq %d", res.Seq, proc.Seq())
	}

	events := sink.all()
	last := events[len(events)-1]
	if last.CorrelationID != "corr-1" {
		t.Errorf("correlation id = %q", last.CorrelationID)
	}
	var prev uint64
	for _, ev := range events {
		if ev.Seq < prev {
			t.Errorf("sequence went backwards: %d after %d", ev.Seq, prev)
		}
		prev = ev.Seq
	}
}
