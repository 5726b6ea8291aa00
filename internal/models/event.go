package models

import "time"

// Change event types delivered to subscriptions.
const (
	EventNodeCreated  = "node.created"
	EventNodeUpdated  = "node.updated"
	EventNodeMoved    = "node.moved"
	EventNodeDeleted  = "node.deleted"  // moved into trash (logical delete)
	EventNodeRestored = "node.restored" // moved back out of trash
	EventNodeDisposed = "node.disposed" // physically removed; terminal per node

	EventWorkingCopyCreated   = "workingCopy.created"
	EventWorkingCopyUpdated   = "workingCopy.updated"
	EventWorkingCopyCommitted = "workingCopy.committed"
	EventWorkingCopyDiscarded = "workingCopy.discarded"

	// EventNodeSnapshot is the synchronous initial-value event. Node is nil
	// when the subscribed node does not exist, which is a valid state, not
	// an error.
	EventNodeSnapshot = "node.snapshot"
)

// ChangeEvent describes one observable mutation. AncestorIDs lists the
// node's ancestors root-first at the time of the event, so subtree
// subscriptions can match without re-querying storage. For reparenting
// events PrevAncestorIDs carries the chain before the move, so subscribers
// watching the old location also see the node leave.
type ChangeEvent struct {
	Type            string    `json:"type"`
	NodeID          string    `json:"nodeId"`
	ParentID        string    `json:"parentId,omitempty"`
	PrevParentID    string    `json:"prevParentId,omitempty"`
	Node            *TreeNode `json:"node,omitempty"`
	EntityTable     string    `json:"entityTable,omitempty"`
	AncestorIDs     []string  `json:"-"`
	PrevAncestorIDs []string  `json:"-"`
	Seq             uint64    `json:"seq,omitempty"`
	CorrelationID   string    `json:"correlationId,omitempty"`
	At              time.Time `json:"at"`
}
