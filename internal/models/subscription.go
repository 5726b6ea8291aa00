package models

import "time"

// SubscriptionType selects which change events a subscription observes.
type SubscriptionType string

const (
	// SubscribeNode observes a single node. A disposal event is terminal:
	// nothing further is delivered for that id.
	SubscribeNode SubscriptionType = "node"
	// SubscribeChildNodes observes direct children only; grandchildren are
	// not visible.
	SubscribeChildNodes SubscriptionType = "childNodes"
	// SubscribeSubtree observes the node and all descendants, bounded by an
	// optional max depth.
	SubscribeSubtree SubscriptionType = "subtree"
	// SubscribeWorkingCopies observes draft lifecycle events, not the live
	// entity.
	SubscribeWorkingCopies SubscriptionType = "working-copies"
)

// Valid reports whether t is a known subscription type.
func (t SubscriptionType) Valid() bool {
	switch t {
	case SubscribeNode, SubscribeChildNodes, SubscribeSubtree, SubscribeWorkingCopies:
		return true
	}
	return false
}

// SubscriptionInfo is the observable state of one subscription.
// Unsubscribing marks IsActive false; the record survives until the idle
// sweep removes it.
type SubscriptionInfo struct {
	ID           string           `json:"id"`
	Type         SubscriptionType `json:"type"`
	NodeID       string           `json:"nodeId,omitempty"`
	MaxDepth     int              `json:"maxDepth,omitempty"`
	IsActive     bool             `json:"isActive"`
	CreatedAt    time.Time        `json:"createdAt"`
	LastActivity time.Time        `json:"lastActivity"`
}
