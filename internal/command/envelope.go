// Package command implements the engine's mutation pipeline: the command
// envelope factory, the single-writer processor with undo/redo, and the
// built-in tree command handlers.
package command

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/starford/eihwaz/internal/models"
)

// Built-in command kinds. Plugin kinds are addressed as
// "<nodeType>.<command>" and resolved through the registry.
const (
	KindCreateTree  = "createTree"
	KindCreateNode  = "createNode"
	KindUpdateNode  = "updateNode"
	KindMoveNode    = "moveNode"
	KindDeleteNode  = "deleteNode"
	KindRestoreNode = "restoreNode"
	KindDisposeNode = "disposeNode"
	KindEmptyTrash  = "emptyTrash"

	KindCreateWorkingCopy  = "createWorkingCopy"
	KindUpdateWorkingCopy  = "updateWorkingCopy"
	KindCommitWorkingCopy  = "commitWorkingCopy"
	KindDiscardWorkingCopy = "discardWorkingCopy"
)

// CreateEnvelope stamps a fresh command id and issue time around a
// kind-specific payload. Caller-supplied meta fields are merged and never
// overwritten by the generated values.
func CreateEnvelope(kind string, payload any, meta *models.CommandMeta) (models.CommandEnvelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return models.CommandEnvelope{}, fmt.Errorf("command: encode payload: %w", err)
		}
		raw = data
	}

	env := models.CommandEnvelope{
		CommandID: uuid.NewString(),
		Kind:      kind,
		Payload:   raw,
		IssuedAt:  time.Now().UTC(),
	}

	merged := models.CommandMeta{}
	if meta != nil {
		merged = *meta
	}
	if merged.CommandID == "" {
		merged.CommandID = env.CommandID
	}
	if merged.Timestamp == 0 {
		merged.Timestamp = env.IssuedAt.UnixMilli()
	}
	env.Meta = &merged
	return env, nil
}

// inverseEnvelope builds the undo counterpart of env with a fresh command
// id but the same group and correlation chain.
func inverseEnvelope(env models.CommandEnvelope, kind string, payload any) (*models.CommandEnvelope, error) {
	inv, err := CreateEnvelope(kind, payload, env.Meta)
	if err != nil {
		return nil, err
	}
	inv.GroupID = env.GroupID
	return &inv, nil
}
