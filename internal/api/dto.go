package api

import (
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/treeservice"
)

// CommandRequest is the request body for submitting a command envelope.
type CommandRequest = models.CommandEnvelope

// CommandResponse is returned for every command, undo and redo submission.
type CommandResponse = models.CommandResult

// NodeDetail is the full node response type (aliased from the domain layer).
type NodeDetail = models.TreeNode

// TreeDetail is the full tree response type.
type TreeDetail = models.Tree

// NodeListResponse wraps node listings (children, descendants, ancestors,
// search results).
type NodeListResponse struct {
	Nodes []models.TreeNode `json:"nodes" validate:"required"`
	Total int               `json:"total" example:"42" validate:"required"`
}

// TreeListResponse wraps the tree listing.
type TreeListResponse struct {
	Trees []models.Tree `json:"trees" validate:"required"`
	Total int           `json:"total" example:"3" validate:"required"`
}

// EntityResponse wraps a node's peer entity document.
type EntityResponse struct {
	Entity models.Entity `json:"entity"`
}

// EngineState reports undo and redo availability plus the last assigned
// sequence number.
type EngineState struct {
	CanUndo   bool   `json:"canUndo" validate:"required"`
	CanRedo   bool   `json:"canRedo" validate:"required"`
	UndoDepth int    `json:"undoDepth" example:"4" validate:"required"`
	Seq       uint64 `json:"seq" example:"17" validate:"required"`
}

// OrphanResponse wraps the consistency report: entity rows whose node is
// gone, keyed by table.
type OrphanResponse struct {
	Orphans treeservice.OrphanReport `json:"orphans" validate:"required"`
}

// MethodResponse wraps the return value of a plugin extension method.
type MethodResponse struct {
	Result any `json:"result"`
}
