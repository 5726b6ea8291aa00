// Package registry maps node-type tags to their configuration, handler
// context and plugin extension methods. Node types are registered at
// runtime; dispatch is always a table lookup, never a closed enum.
package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/starford/eihwaz/internal/entityctx"
	"github.com/starford/eihwaz/internal/models"
)

// Method is a named extension a plugin exposes beyond the base CRUD
// surface. Invoked only through InvokeMethod, never directly by UI code.
type Method func(ctx context.Context, args map[string]any) (any, error)

// CommandHandler executes one plugin command kind against the node type's
// entity context.
type CommandHandler func(ctx context.Context, ec *entityctx.Context, env models.CommandEnvelope) (Outcome, error)

// Outcome is what a handler reports back to the command processor. Inverse
// is nil for non-invertible commands, which then leave no undo record.
// Forward, when non-nil, replaces the submitted envelope in the undo
// record; handlers set it after resolving generated identifiers so a redo
// replays the command against the same ids.
type Outcome struct {
	NodeID  string
	Forward *models.CommandEnvelope
	Inverse *models.CommandEnvelope
	Events  []models.ChangeEvent
}

// TypeConfig is the per-node-type configuration.
type TypeConfig struct {
	Name string
	Icon string
	// AllowedChildren is an opt-in restriction: nil means any child type is
	// allowed.
	AllowedChildren []string
	// MaxChildren caps direct children; 0 means unlimited.
	MaxChildren int
	// ValidateName rejects invalid node names at create/update time.
	ValidateName func(name string) error
}

// Registration binds a node type tag to its configuration, capability set
// and extensions.
type Registration struct {
	Type     TypeConfig
	Context  *entityctx.Context
	Methods  map[string]Method
	Commands map[string]CommandHandler
}

// Registry is the process-wide node type map. It is an explicitly
// constructed object so tests can run isolated instances; the composition
// root exposes one shared instance via Default.
type Registry struct {
	mu    sync.RWMutex
	types map[string]*Registration
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{types: make(map[string]*Registration)}
}

var (
	defaultOnce sync.Once
	defaultReg  *Registry
)

// Default returns the shared registry instance. Only the composition root
// should use this; everything else takes the registry as a dependency.
func Default() *Registry {
	defaultOnce.Do(func() { defaultReg = New() })
	return defaultReg
}

// Register installs (or replaces) a node type registration.
func (r *Registry) Register(reg Registration) error {
	if reg.Type.Name == "" {
		return fmt.Errorf("registry: node type name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := reg
	r.types[reg.Type.Name] = &copied
	return nil
}

// Unregister removes a node type. Unknown types are a no-op.
func (r *Registry) Unregister(nodeType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.types, nodeType)
}

// Lookup returns a registration by node type tag.
func (r *Registry) Lookup(nodeType string) (*Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[nodeType]
	return reg, ok
}

// Types returns all registered node type tags.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}

// InvokeMethod calls a plugin extension method by name.
func (r *Registry) InvokeMethod(ctx context.Context, nodeType, method string, args map[string]any) (any, error) {
	r.mu.RLock()
	reg, ok := r.types[nodeType]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("registry: method %q not found: node type %q is not registered", method, nodeType)
	}
	fn, ok := reg.Methods[method]
	if !ok {
		return nil, fmt.Errorf("registry: method %q not found on node type %q", method, nodeType)
	}
	return fn(ctx, args)
}

// CommandFor resolves a plugin command handler for a node type.
func (r *Registry) CommandFor(nodeType, command string) (CommandHandler, *entityctx.Context, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[nodeType]
	if !ok {
		return nil, nil, false
	}
	h, ok := reg.Commands[command]
	if !ok {
		return nil, nil, false
	}
	return h, reg.Context, true
}

// CanAddChild reports whether childType may be parented under parentType.
// Unregistered parent types and types without an explicit allow-list are
// permissive.
func (r *Registry) CanAddChild(parentType, childType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.types[parentType]
	if !ok || reg.Type.AllowedChildren == nil {
		return true
	}
	for _, t := range reg.Type.AllowedChildren {
		if t == childType {
			return true
		}
	}
	return false
}

// MaxChildren returns the configured child cap for a node type (0 means
// unlimited).
func (r *Registry) MaxChildren(nodeType string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if reg, ok := r.types[nodeType]; ok {
		return reg.Type.MaxChildren
	}
	return 0
}

// ValidateName runs the node type's name validator, if any.
func (r *Registry) ValidateName(nodeType, name string) error {
	r.mu.RLock()
	reg, ok := r.types[nodeType]
	r.mu.RUnlock()
	if !ok || reg.Type.ValidateName == nil {
		return nil
	}
	return reg.Type.ValidateName(name)
}
