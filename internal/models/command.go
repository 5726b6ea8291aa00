package models

import (
	"encoding/json"
	"time"
)

// CommandMeta carries caller-supplied request metadata. Fields set by the
// caller are never overwritten by the envelope factory.
type CommandMeta struct {
	CommandID     string `json:"commandId,omitempty"`
	Timestamp     int64  `json:"timestamp,omitempty"`
	UserID        string `json:"userId,omitempty"`
	CorrelationID string `json:"correlationId,omitempty"`
}

// CommandEnvelope is the immutable request half of the engine's message
// boundary. Payload is kind-specific and decoded by the matching handler.
type CommandEnvelope struct {
	CommandID string          `json:"commandId"`
	GroupID   string          `json:"groupId,omitempty"`
	Kind      string          `json:"kind"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	IssuedAt  time.Time       `json:"issuedAt"`
	Meta      *CommandMeta    `json:"meta,omitempty"`
}

// CommandResult is the response half. Seq is a monotonically increasing
// global sequence number, present only on success. Code is machine-checkable
// so callers never branch on Error text.
type CommandResult struct {
	Success bool   `json:"success"`
	Seq     uint64 `json:"seq,omitempty"`
	NodeID  string `json:"nodeId,omitempty"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}
