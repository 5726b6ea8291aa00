// Package models defines the domain types for Eihwaz.
package models

import "time"

// Well-known node types registered by the engine itself. Plugins add more.
const (
	NodeTypeRoot     = "root"
	NodeTypeTrash    = "trash"
	NodeTypeFolder   = "folder"
	NodeTypeDocument = "document"
)

// TreeNode is a node in the hierarchy. ParentID is the single ownership
// edge; the node graph must always form a tree.
type TreeNode struct {
	ID          string    `json:"id"`
	ParentID    string    `json:"parentId,omitempty"` // empty for tree roots
	NodeType    string    `json:"nodeType"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Version     int64     `json:"version"`
}

// Tree is the top-level container: a root node plus its dedicated trash
// subtree. Logically deleted nodes live under TrashNodeID until disposed.
type Tree struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	RootNodeID  string    `json:"rootNodeId"`
	TrashNodeID string    `json:"trashNodeId"`
	CreatedAt   time.Time `json:"createdAt"`
}
