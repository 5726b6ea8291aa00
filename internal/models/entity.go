package models

// Entity is an auxiliary JSON document attached to a node. Entities are
// schemaless from the engine's point of view; only the bookkeeping fields
// below have reserved meaning.
type Entity map[string]any

// Reserved entity field names.
const (
	FieldNodeID    = "nodeId"
	FieldVersion   = "version"
	FieldUpdatedAt = "updatedAt"
	FieldSortOrder = "sortOrder"

	// Working-copy bookkeeping fields, stripped on commit.
	FieldWorkingCopyID   = "workingCopyId"
	FieldWorkingCopyOf   = "workingCopyOf"
	FieldCopiedAt        = "copiedAt"
	FieldIsDirty         = "isDirty"
	FieldOriginalVersion = "originalVersion"
)

// workingCopyFields is the set of keys that belong to the draft overlay,
// never to the live entity.
var workingCopyFields = map[string]struct{}{
	FieldWorkingCopyID:   {},
	FieldWorkingCopyOf:   {},
	FieldCopiedAt:        {},
	FieldIsDirty:         {},
	FieldOriginalVersion: {},
}

// IsWorkingCopyField reports whether key is working-copy-only bookkeeping.
func IsWorkingCopyField(key string) bool {
	_, ok := workingCopyFields[key]
	return ok
}

// Clone returns a shallow copy of the entity.
func (e Entity) Clone() Entity {
	out := make(Entity, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// NodeID returns the entity's node reference, or "" when absent.
func (e Entity) NodeID() string {
	s, _ := e[FieldNodeID].(string)
	return s
}

// Version returns the entity's version counter, tolerating the float64
// representation JSON decoding produces.
func (e Entity) Version() int64 {
	switch v := e[FieldVersion].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	}
	return 0
}
