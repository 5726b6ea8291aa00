package treeservice

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
)

// SearchMode selects how the query matches a node name.
type SearchMode string

const (
	MatchExact   SearchMode = "exact"
	MatchPrefix  SearchMode = "prefix"
	MatchSuffix  SearchMode = "suffix"
	MatchPartial SearchMode = "partial"
)

func (m SearchMode) Valid() bool {
	switch m {
	case MatchExact, MatchPrefix, MatchSuffix, MatchPartial:
		return true
	}
	return false
}

// SearchOptions scopes and shapes a node search. ScopeID is the subtree
// root; the scope node itself is included. An empty Query matches every
// node in scope.
type SearchOptions struct {
	ScopeID       string
	Query         string
	Mode          SearchMode
	CaseSensitive bool
	InDescription bool
	NodeTypes     []string
	MaxResults    int
	MaxDepth      int
	IncludeTrash  bool
	TrashNodeID   string
}

// SearchNodes walks the scoped subtree and filters by name (and optionally
// description). Matching runs in memory; the candidate set is the subtree,
// already bounded by MaxDepth.
func (s *Service) SearchNodes(ctx context.Context, opts SearchOptions) ([]models.TreeNode, error) {
	if opts.Mode == "" {
		opts.Mode = MatchPartial
	}
	if !opts.Mode.Valid() {
		return nil, fmt.Errorf("treeservice: unknown search mode %q: %w", opts.Mode, apperr.ErrValidation)
	}

	scope, err := s.GetNode(ctx, opts.ScopeID)
	if err != nil {
		return nil, err
	}
	// Callers that do not know the trash node get it resolved from the
	// scope's tree, so trashed nodes stay out of results by default.
	if !opts.IncludeTrash && opts.TrashNodeID == "" {
		opts.TrashNodeID, err = s.trashNodeFor(ctx, scope)
		if err != nil {
			return nil, err
		}
	}
	descendants, err := s.ListDescendants(ctx, scope.ID, opts.MaxDepth)
	if err != nil {
		return nil, err
	}
	candidates := append([]models.TreeNode{*scope}, descendants...)

	var trashed map[string]bool
	if !opts.IncludeTrash && opts.TrashNodeID != "" {
		trashed, err = s.trashedSet(ctx, opts.TrashNodeID)
		if err != nil {
			return nil, err
		}
	}

	typeFilter := make(map[string]bool, len(opts.NodeTypes))
	for _, t := range opts.NodeTypes {
		typeFilter[t] = true
	}

	var out []models.TreeNode
	for _, n := range candidates {
		if trashed[n.ID] || n.ID == opts.TrashNodeID {
			continue
		}
		if len(typeFilter) > 0 && !typeFilter[n.NodeType] {
			continue
		}
		if !matches(n.Name, opts) && !(opts.InDescription && matches(n.Description, opts)) {
			continue
		}
		out = append(out, n)
		if opts.MaxResults > 0 && len(out) >= opts.MaxResults {
			break
		}
	}
	return out, nil
}

// trashNodeFor resolves the trash node of the tree containing a node. A
// node outside any recorded tree has no trash to exclude.
func (s *Service) trashNodeFor(ctx context.Context, node *models.TreeNode) (string, error) {
	rootID := node.ID
	if node.ParentID != "" {
		ancestors, err := s.ListAncestors(ctx, node.ID)
		if err != nil {
			return "", err
		}
		if len(ancestors) > 0 {
			rootID = ancestors[0].ID
		}
	}
	tree, err := s.db.TreeByRootNode(ctx, s.db.Conn(), rootID)
	if errors.Is(err, apperr.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return tree.TrashNodeID, nil
}

// trashedSet returns the ids of every node under the trash node.
func (s *Service) trashedSet(ctx context.Context, trashNodeID string) (map[string]bool, error) {
	nodes, err := s.ListDescendants(ctx, trashNodeID, 0)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		set[n.ID] = true
	}
	return set, nil
}

func matches(text string, opts SearchOptions) bool {
	if opts.Query == "" {
		return true
	}
	query := opts.Query
	if !opts.CaseSensitive {
		text = strings.ToLower(text)
		query = strings.ToLower(query)
	}
	switch opts.Mode {
	case MatchExact:
		return text == query
	case MatchPrefix:
		return strings.HasPrefix(text, query)
	case MatchSuffix:
		return strings.HasSuffix(text, query)
	default:
		return strings.Contains(text, query)
	}
}
