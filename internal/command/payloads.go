package command

import (
	"encoding/json"
	"fmt"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/models"
)

// CreateTreePayload creates a new tree with its root and trash nodes.
type CreateTreePayload struct {
	Name string `json:"name"`
}

// Validate implements payload validation.
func (p CreateTreePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Name, validation.Required, validation.Length(1, 255)),
	)
}

// CreateNodePayload creates a node under a parent. ID is optional; a fresh
// one is generated when empty.
type CreateNodePayload struct {
	ID          string `json:"id,omitempty"`
	ParentID    string `json:"parentId"`
	NodeType    string `json:"nodeType"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

// Validate implements payload validation.
func (p CreateNodePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ParentID, validation.Required),
		validation.Field(&p.NodeType, validation.Required),
		validation.Field(&p.Name, validation.Required, validation.Length(1, 255)),
	)
}

// UpdateNodePayload renames or re-describes a node. Nil fields are left
// unchanged. Version, when non-zero, is an optimistic concurrency check.
type UpdateNodePayload struct {
	ID          string  `json:"id"`
	Name        *string `json:"name,omitempty"`
	Description *string `json:"description,omitempty"`
	Version     int64   `json:"version,omitempty"`
}

// Validate implements payload validation.
func (p UpdateNodePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required),
	)
}

// MoveNodePayload reparents a node.
type MoveNodePayload struct {
	ID          string `json:"id"`
	NewParentID string `json:"newParentId"`
}

// Validate implements payload validation.
func (p MoveNodePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required),
		validation.Field(&p.NewParentID, validation.Required),
	)
}

// NodeIDPayload addresses a single node (delete, dispose, working-copy
// lifecycle).
type NodeIDPayload struct {
	ID string `json:"id"`
}

// Validate implements payload validation.
func (p NodeIDPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required),
	)
}

// RestoreNodePayload moves a node out of the trash back under a parent.
type RestoreNodePayload struct {
	ID       string `json:"id"`
	ParentID string `json:"parentId"`
}

// Validate implements payload validation.
func (p RestoreNodePayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required),
		validation.Field(&p.ParentID, validation.Required),
	)
}

// EmptyTrashPayload disposes of everything under a tree's trash node.
type EmptyTrashPayload struct {
	TreeID string `json:"treeId"`
}

// Validate implements payload validation.
func (p EmptyTrashPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.TreeID, validation.Required),
	)
}

// UpdateWorkingCopyPayload overlays fields onto a node's draft.
type UpdateWorkingCopyPayload struct {
	ID     string        `json:"id"`
	Fields models.Entity `json:"fields"`
}

// Validate implements payload validation.
func (p UpdateWorkingCopyPayload) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.ID, validation.Required),
		validation.Field(&p.Fields, validation.Required),
	)
}

// decodePayload unmarshals and validates a kind-specific payload. Failures
// are reported as validation errors, never thrown across the boundary.
func decodePayload[T validation.Validatable](raw json.RawMessage, out *T) error {
	if len(raw) == 0 {
		return fmt.Errorf("command: missing payload: %w", apperr.ErrValidation)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("command: malformed payload: %v: %w", err, apperr.ErrValidation)
	}
	if err := (*out).Validate(); err != nil {
		return fmt.Errorf("command: invalid payload: %v: %w", err, apperr.ErrValidation)
	}
	return nil
}
