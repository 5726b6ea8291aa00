// Package treeservice is the read side of the engine: tree and node
// lookups, traversal, search and consistency reporting. It never mutates;
// all writes go through the command processor.
package treeservice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/store"
)

// Service answers queries against the node tables and registered entity
// tables.
type Service struct {
	db  *store.DB
	reg *registry.Registry
	log *slog.Logger
}

func New(db *store.DB, reg *registry.Registry) *Service {
	return &Service{
		db:  db,
		reg: reg,
		log: slog.Default().With("component", "treeservice"),
	}
}

func (s *Service) GetTree(ctx context.Context, id string) (*models.Tree, error) {
	return s.db.GetTree(ctx, s.db.Conn(), id)
}

func (s *Service) ListTrees(ctx context.Context) ([]models.Tree, error) {
	return s.db.ListTrees(ctx, s.db.Conn())
}

func (s *Service) GetNode(ctx context.Context, id string) (*models.TreeNode, error) {
	return s.db.GetNode(ctx, s.db.Conn(), id)
}

func (s *Service) ListChildren(ctx context.Context, parentID string) ([]models.TreeNode, error) {
	return s.db.ListChildren(ctx, s.db.Conn(), parentID)
}

// ListDescendants returns the subtree below a node, excluding the node
// itself. maxDepth <= 0 means unlimited.
func (s *Service) ListDescendants(ctx context.Context, id string, maxDepth int) ([]models.TreeNode, error) {
	return s.db.ListDescendants(ctx, s.db.Conn(), id, maxDepth)
}

// ListAncestors returns the chain above a node, root-first.
func (s *Service) ListAncestors(ctx context.Context, id string) ([]models.TreeNode, error) {
	return s.db.ListAncestors(ctx, s.db.Conn(), id)
}

// Entity returns the peer entity for a node, resolved through the node
// type's registration. Node types without a peer table return nil.
func (s *Service) Entity(ctx context.Context, nodeID string) (models.Entity, error) {
	node, err := s.GetNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	reg, ok := s.reg.Lookup(node.NodeType)
	if !ok || reg.Context == nil || reg.Context.PeerTableName() == "" {
		return nil, nil
	}
	return reg.Context.Store().Get(ctx, nodeID)
}

// Snapshot builds the synchronous initial-value event for a new
// subscription. A missing node yields an event with a nil Node; absence is
// a valid observable state.
func (s *Service) Snapshot(ctx context.Context, nodeID string) (*models.ChangeEvent, error) {
	ev := &models.ChangeEvent{
		Type:   models.EventNodeSnapshot,
		NodeID: nodeID,
		At:     time.Now().UTC(),
	}
	node, err := s.GetNode(ctx, nodeID)
	if errors.Is(err, apperr.ErrNotFound) {
		return ev, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Node = node
	ev.ParentID = node.ParentID
	ancestors, err := s.ListAncestors(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(ancestors))
	for i, a := range ancestors {
		ids[i] = a.ID
	}
	ev.AncestorIDs = ids
	return ev, nil
}

// OrphanReport lists entity rows whose node no longer exists, keyed by
// table name. Orphans indicate an interrupted cascade and are surfaced,
// not silently repaired.
type OrphanReport map[string][]string

func (s *Service) Orphans(ctx context.Context) (OrphanReport, error) {
	report := make(OrphanReport)
	for _, nodeType := range s.reg.Types() {
		reg, ok := s.reg.Lookup(nodeType)
		if !ok || reg.Context == nil {
			continue
		}
		ec := reg.Context
		if name := ec.PeerTableName(); name != "" {
			t, err := s.db.EnsurePeerTable(ctx, name)
			if err != nil {
				return nil, err
			}
			ids, err := t.OrphanNodeIDs(ctx, s.db.Conn())
			if err != nil {
				return nil, err
			}
			if len(ids) > 0 {
				report[name] = ids
			}
		}
		for _, name := range ec.GroupTableNames() {
			t, err := s.db.EnsureGroupTable(ctx, name)
			if err != nil {
				return nil, err
			}
			ids, err := t.OrphanNodeIDs(ctx, s.db.Conn())
			if err != nil {
				return nil, err
			}
			if len(ids) > 0 {
				report[name] = ids
			}
		}
	}
	return report, nil
}
