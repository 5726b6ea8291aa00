package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/entityctx"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/store"
)

type handlerFunc func(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error)

func (p *Processor) builtinHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		KindCreateTree:  p.handleCreateTree,
		KindCreateNode:  p.handleCreateNode,
		KindUpdateNode:  p.handleUpdateNode,
		KindMoveNode:    p.handleMoveNode,
		KindDeleteNode:  p.handleDeleteNode,
		KindRestoreNode: p.handleRestoreNode,
		KindDisposeNode: p.handleDisposeNode,
		KindEmptyTrash:  p.handleEmptyTrash,

		KindCreateWorkingCopy:  p.handleCreateWorkingCopy,
		KindUpdateWorkingCopy:  p.handleUpdateWorkingCopy,
		KindCommitWorkingCopy:  p.handleCommitWorkingCopy,
		KindDiscardWorkingCopy: p.handleDiscardWorkingCopy,
	}
}

// ancestorIDs returns the id chain above a node, root-first.
func (p *Processor) ancestorIDs(ctx context.Context, q store.Q, nodeID string) ([]string, error) {
	ancestors, err := p.db.ListAncestors(ctx, q, nodeID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ancestors))
	for i, a := range ancestors {
		ids[i] = a.ID
	}
	return ids, nil
}

// treeFor resolves the tree containing a node by walking up to its root.
func (p *Processor) treeFor(ctx context.Context, q store.Q, node *models.TreeNode) (*models.Tree, []string, error) {
	ids, err := p.ancestorIDs(ctx, q, node.ID)
	if err != nil {
		return nil, nil, err
	}
	rootID := node.ID
	if len(ids) > 0 {
		rootID = ids[0]
	}
	tree, err := p.db.TreeByRootNode(ctx, q, rootID)
	if err != nil {
		return nil, nil, err
	}
	return tree, ids, nil
}

func nodeEvent(typ string, node *models.TreeNode, prevParentID string, ancestors []string) models.ChangeEvent {
	return models.ChangeEvent{
		Type:         typ,
		NodeID:       node.ID,
		ParentID:     node.ParentID,
		PrevParentID: prevParentID,
		Node:         node,
		AncestorIDs:  ancestors,
		At:           time.Now().UTC(),
	}
}

func (p *Processor) handleCreateTree(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload CreateTreePayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}

	now := time.Now().UTC()
	root := models.TreeNode{
		ID: uuid.NewString(), NodeType: models.NodeTypeRoot,
		Name: payload.Name, CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	trash := models.TreeNode{
		ID: uuid.NewString(), ParentID: root.ID, NodeType: models.NodeTypeTrash,
		Name: "Trash", CreatedAt: now, UpdatedAt: now, Version: 1,
	}
	tree := models.Tree{
		ID: uuid.NewString(), Name: payload.Name,
		RootNodeID: root.ID, TrashNodeID: trash.ID, CreatedAt: now,
	}

	err := p.db.WithTx(ctx, func(q store.Q) error {
		if err := p.db.InsertNode(ctx, q, root); err != nil {
			return err
		}
		if err := p.db.InsertNode(ctx, q, trash); err != nil {
			return err
		}
		return p.db.InsertTree(ctx, q, tree)
	})
	if err != nil {
		return registry.Outcome{}, err
	}

	return registry.Outcome{
		NodeID: root.ID,
		Events: []models.ChangeEvent{
			nodeEvent(models.EventNodeCreated, &root, "", nil),
			nodeEvent(models.EventNodeCreated, &trash, "", []string{root.ID}),
		},
	}, nil
}

func (p *Processor) handleCreateNode(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload CreateNodePayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}

	parent, err := p.db.GetNode(ctx, p.db.Conn(), payload.ParentID)
	if err != nil {
		return registry.Outcome{}, fmt.Errorf("command: parent %s: %w", payload.ParentID, err)
	}
	if !p.reg.CanAddChild(parent.NodeType, payload.NodeType) {
		return registry.Outcome{}, fmt.Errorf("command: node type %q does not allow child type %q: %w",
			parent.NodeType, payload.NodeType, apperr.ErrValidation)
	}
	if max := p.reg.MaxChildren(parent.NodeType); max > 0 {
		n, err := p.db.CountChildren(ctx, p.db.Conn(), parent.ID)
		if err != nil {
			return registry.Outcome{}, err
		}
		if n >= max {
			return registry.Outcome{}, fmt.Errorf("command: node %s already has %d of %d children: %w",
				parent.ID, n, max, apperr.ErrValidation)
		}
	}
	if err := p.reg.ValidateName(payload.NodeType, payload.Name); err != nil {
		return registry.Outcome{}, fmt.Errorf("command: %v: %w", err, apperr.ErrValidation)
	}

	now := time.Now().UTC()
	node := models.TreeNode{
		ID:          payload.ID,
		ParentID:    parent.ID,
		NodeType:    payload.NodeType,
		Name:        payload.Name,
		Description: payload.Description,
		CreatedAt:   now,
		UpdatedAt:   now,
		Version:     1,
	}
	// Pin a generated id into the envelope kept for redo, so replaying the
	// command recreates the node under the id later commands refer to.
	var forward *models.CommandEnvelope
	if node.ID == "" {
		node.ID = uuid.NewString()
		payload.ID = node.ID
		data, err := json.Marshal(payload)
		if err != nil {
			return registry.Outcome{}, fmt.Errorf("command: encode payload: %w", err)
		}
		pinned := env
		pinned.Payload = data
		forward = &pinned
	}

	insert := func(q store.Q, ec *entityctx.Context) error {
		if err := p.db.InsertNode(ctx, q, node); err != nil {
			return err
		}
		// A node type with a peer table gets its 1:1 entity at birth so the
		// every-entity-references-a-node invariant holds from the start.
		if ec != nil && ec.PeerTableName() != "" {
			return ec.Store().Create(ctx, node.ID, models.Entity{})
		}
		return nil
	}

	reg, ok := p.reg.Lookup(payload.NodeType)
	if ok && reg.Context != nil && reg.Context.PeerTableName() != "" {
		err = reg.Context.Transaction(ctx, func(tx *entityctx.Context) error {
			return insert(tx.Querier(), tx)
		})
	} else {
		err = p.db.WithTx(ctx, func(q store.Q) error { return insert(q, nil) })
	}
	if err != nil {
		return registry.Outcome{}, err
	}

	ancestors, err := p.ancestorIDs(ctx, p.db.Conn(), node.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	inverse, err := inverseEnvelope(env, KindDisposeNode, NodeIDPayload{ID: node.ID})
	if err != nil {
		return registry.Outcome{}, err
	}
	return registry.Outcome{
		NodeID:  node.ID,
		Forward: forward,
		Inverse: inverse,
		Events:  []models.ChangeEvent{nodeEvent(models.EventNodeCreated, &node, "", ancestors)},
	}, nil
}

func (p *Processor) handleUpdateNode(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload UpdateNodePayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}

	node, err := p.db.GetNode(ctx, p.db.Conn(), payload.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	if payload.Version != 0 && payload.Version != node.Version {
		return registry.Outcome{}, fmt.Errorf("command: node %s at version %d, update expects %d: %w",
			node.ID, node.Version, payload.Version, apperr.ErrConflict)
	}

	prevName, prevDesc := node.Name, node.Description
	if payload.Name != nil {
		if err := p.reg.ValidateName(node.NodeType, *payload.Name); err != nil {
			return registry.Outcome{}, fmt.Errorf("command: %v: %w", err, apperr.ErrValidation)
		}
		node.Name = *payload.Name
	}
	if payload.Description != nil {
		node.Description = *payload.Description
	}
	node.UpdatedAt = time.Now().UTC()

	if err := p.db.UpdateNode(ctx, p.db.Conn(), *node); err != nil {
		return registry.Outcome{}, err
	}
	node.Version++

	ancestors, err := p.ancestorIDs(ctx, p.db.Conn(), node.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	inverse, err := inverseEnvelope(env, KindUpdateNode, UpdateNodePayload{
		ID: node.ID, Name: &prevName, Description: &prevDesc,
	})
	if err != nil {
		return registry.Outcome{}, err
	}
	return registry.Outcome{
		NodeID:  node.ID,
		Inverse: inverse,
		Events:  []models.ChangeEvent{nodeEvent(models.EventNodeUpdated, node, "", ancestors)},
	}, nil
}

func (p *Processor) handleMoveNode(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload MoveNodePayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}
	return p.moveNode(ctx, env, payload.ID, payload.NewParentID, models.EventNodeMoved)
}

// moveNode reparents a node after cycle and child-type checks. The inverse
// is the move back to the previous parent.
func (p *Processor) moveNode(ctx context.Context, env models.CommandEnvelope, id, newParentID, eventType string) (registry.Outcome, error) {
	node, err := p.db.GetNode(ctx, p.db.Conn(), id)
	if err != nil {
		return registry.Outcome{}, err
	}
	if node.NodeType == models.NodeTypeRoot || node.NodeType == models.NodeTypeTrash {
		return registry.Outcome{}, fmt.Errorf("command: cannot move a %s node: %w",
			node.NodeType, apperr.ErrInvalidOperation)
	}
	parent, err := p.db.GetNode(ctx, p.db.Conn(), newParentID)
	if err != nil {
		return registry.Outcome{}, fmt.Errorf("command: parent %s: %w", newParentID, err)
	}
	if parent.ID == node.ID {
		return registry.Outcome{}, fmt.Errorf("command: cannot parent node %s to itself: %w",
			node.ID, apperr.ErrValidation)
	}
	// Cycle check: the moved node must not be an ancestor of its new parent.
	parentAncestors, err := p.ancestorIDs(ctx, p.db.Conn(), parent.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	for _, anc := range parentAncestors {
		if anc == node.ID {
			return registry.Outcome{}, fmt.Errorf("command: moving node %s under %s would create a cycle: %w",
				node.ID, parent.ID, apperr.ErrValidation)
		}
	}
	if !p.reg.CanAddChild(parent.NodeType, node.NodeType) {
		return registry.Outcome{}, fmt.Errorf("command: node type %q does not allow child type %q: %w",
			parent.NodeType, node.NodeType, apperr.ErrValidation)
	}

	prevParentID := node.ParentID
	prevAncestors, err := p.ancestorIDs(ctx, p.db.Conn(), node.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	node.ParentID = parent.ID
	node.UpdatedAt = time.Now().UTC()
	if err := p.db.UpdateNode(ctx, p.db.Conn(), *node); err != nil {
		return registry.Outcome{}, err
	}
	node.Version++

	ancestors := append(append([]string{}, parentAncestors...), parent.ID)
	inverse, err := inverseEnvelope(env, KindMoveNode, MoveNodePayload{ID: node.ID, NewParentID: prevParentID})
	if err != nil {
		return registry.Outcome{}, err
	}
	ev := nodeEvent(eventType, node, prevParentID, ancestors)
	ev.PrevAncestorIDs = prevAncestors
	return registry.Outcome{
		NodeID:  node.ID,
		Inverse: inverse,
		Events:  []models.ChangeEvent{ev},
	}, nil
}

func (p *Processor) handleDeleteNode(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload NodeIDPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}

	node, err := p.db.GetNode(ctx, p.db.Conn(), payload.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	if node.NodeType == models.NodeTypeRoot || node.NodeType == models.NodeTypeTrash {
		return registry.Outcome{}, fmt.Errorf("command: cannot delete a %s node: %w",
			node.NodeType, apperr.ErrInvalidOperation)
	}
	tree, ancestors, err := p.treeFor(ctx, p.db.Conn(), node)
	if err != nil {
		return registry.Outcome{}, err
	}
	for _, anc := range ancestors {
		if anc == tree.TrashNodeID {
			return registry.Outcome{}, fmt.Errorf("command: node %s is already in the trash: %w",
				node.ID, apperr.ErrInvalidOperation)
		}
	}

	prevParentID := node.ParentID
	out, err := p.moveNode(ctx, env, node.ID, tree.TrashNodeID, models.EventNodeDeleted)
	if err != nil {
		return registry.Outcome{}, err
	}
	out.Inverse, err = inverseEnvelope(env, KindRestoreNode, RestoreNodePayload{ID: node.ID, ParentID: prevParentID})
	if err != nil {
		return registry.Outcome{}, err
	}
	return out, nil
}

func (p *Processor) handleRestoreNode(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload RestoreNodePayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}
	out, err := p.moveNode(ctx, env, payload.ID, payload.ParentID, models.EventNodeRestored)
	if err != nil {
		return registry.Outcome{}, err
	}
	out.Inverse, err = inverseEnvelope(env, KindDeleteNode, NodeIDPayload{ID: payload.ID})
	if err != nil {
		return registry.Outcome{}, err
	}
	return out, nil
}

func (p *Processor) handleDisposeNode(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload NodeIDPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}

	node, err := p.db.GetNode(ctx, p.db.Conn(), payload.ID)
	if err != nil {
		return registry.Outcome{}, err
	}
	if node.NodeType == models.NodeTypeRoot || node.NodeType == models.NodeTypeTrash {
		return registry.Outcome{}, fmt.Errorf("command: cannot dispose a %s node: %w",
			node.NodeType, apperr.ErrInvalidOperation)
	}

	events, err := p.disposeSubtree(ctx, node)
	if err != nil {
		return registry.Outcome{}, err
	}
	return registry.Outcome{NodeID: node.ID, Events: events}, nil
}

// disposeSubtree physically removes a node, its descendants and their
// entities in one transaction. Disposal is not invertible.
func (p *Processor) disposeSubtree(ctx context.Context, node *models.TreeNode) ([]models.ChangeEvent, error) {
	baseAncestors, err := p.ancestorIDs(ctx, p.db.Conn(), node.ID)
	if err != nil {
		return nil, err
	}
	descendants, err := p.db.ListDescendants(ctx, p.db.Conn(), node.ID, 0)
	if err != nil {
		return nil, err
	}

	doomed := append([]models.TreeNode{*node}, descendants...)

	// Table handles are resolved up front: provisioning runs on the plain
	// connection and must not happen while the transaction holds it.
	tables, err := p.entityTables(ctx, doomed)
	if err != nil {
		return nil, err
	}

	err = p.db.WithTx(ctx, func(q store.Q) error {
		for _, n := range doomed {
			if err := tables[n.NodeType].delete(ctx, q, n.ID); err != nil {
				return err
			}
			if err := p.db.DeleteNode(ctx, q, n.ID); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Reconstruct each node's ancestor chain from the subtree's parent
	// pointers; storage no longer has them.
	chains := map[string][]string{node.ID: baseAncestors}
	byID := make(map[string]models.TreeNode, len(doomed))
	for _, n := range doomed {
		byID[n.ID] = n
	}
	var chainOf func(id string) []string
	chainOf = func(id string) []string {
		if c, ok := chains[id]; ok {
			return c
		}
		n := byID[id]
		c := append(append([]string{}, chainOf(n.ParentID)...), n.ParentID)
		chains[id] = c
		return c
	}

	events := make([]models.ChangeEvent, 0, len(doomed))
	for i := range doomed {
		n := doomed[i]
		events = append(events, nodeEvent(models.EventNodeDisposed, &n, n.ParentID, chainOf(n.ID)))
	}
	return events, nil
}

// entityTableSet holds the resolved tables for one node type's cascade.
type entityTableSet struct {
	peer   *store.PeerTable
	groups []*store.GroupTable
	wc     *store.WorkingCopyTable
}

// delete cascade-cleans one node's peer, group and working-copy rows.
func (s entityTableSet) delete(ctx context.Context, q store.Q, nodeID string) error {
	if s.peer != nil {
		if err := s.peer.Delete(ctx, q, nodeID); err != nil && !errors.Is(err, apperr.ErrNotFound) {
			return err
		}
	}
	for _, g := range s.groups {
		if err := g.DeleteAll(ctx, q, nodeID); err != nil {
			return err
		}
	}
	if s.wc != nil {
		if err := s.wc.Delete(ctx, q, nodeID); err != nil && !errors.Is(err, apperr.ErrWorkingCopyNotFound) {
			return err
		}
	}
	return nil
}

// entityTables resolves the entity tables for every node type present in
// the batch. Node types without a registered context get an empty set.
func (p *Processor) entityTables(ctx context.Context, nodes []models.TreeNode) (map[string]entityTableSet, error) {
	out := make(map[string]entityTableSet)
	for _, n := range nodes {
		if _, done := out[n.NodeType]; done {
			continue
		}
		var set entityTableSet
		reg, ok := p.reg.Lookup(n.NodeType)
		if ok && reg.Context != nil {
			ec := reg.Context
			if name := ec.PeerTableName(); name != "" {
				t, err := p.db.EnsurePeerTable(ctx, name)
				if err != nil {
					return nil, err
				}
				set.peer = t
			}
			for _, name := range ec.GroupTableNames() {
				t, err := p.db.EnsureGroupTable(ctx, name)
				if err != nil {
					return nil, err
				}
				set.groups = append(set.groups, t)
			}
			if name := ec.WorkingCopyTableName(); name != "" {
				t, err := p.db.EnsureWorkingCopyTable(ctx, name)
				if err != nil {
					return nil, err
				}
				set.wc = t
			}
		}
		out[n.NodeType] = set
	}
	return out, nil
}

func (p *Processor) handleEmptyTrash(ctx context.Context, env models.CommandEnvelope) (registry.Outcome, error) {
	var payload EmptyTrashPayload
	if err := decodePayload(env.Payload, &payload); err != nil {
		return registry.Outcome{}, err
	}

	tree, err := p.db.GetTree(ctx, p.db.Conn(), payload.TreeID)
	if err != nil {
		return registry.Outcome{}, err
	}
	children, err := p.db.ListChildren(ctx, p.db.Conn(), tree.TrashNodeID)
	if err != nil {
		return registry.Outcome{}, err
	}

	var events []models.ChangeEvent
	for i := range children {
		evs, err := p.disposeSubtree(ctx, &children[i])
		if err != nil {
			return registry.Outcome{}, err
		}
		events = append(events, evs...)
	}
	return registry.Outcome{NodeID: tree.TrashNodeID, Events: events}, nil
}
