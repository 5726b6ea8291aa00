package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/starford/eihwaz/internal/command"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/treeservice"
)

// NewRouter creates a chi router with all API routes mounted.
// authEnabled controls whether Bearer token auth is enforced.
// sseHandler, if non-nil, is mounted at GET /events inside the auth group.
func NewRouter(proc *command.Processor, svc *treeservice.Service, reg *registry.Registry, authEnabled bool, token string, sseHandler http.Handler) chi.Router {
	h := NewHandler(proc, svc, reg)

	r := chi.NewRouter()
	r.Use(AuthMiddleware(authEnabled, token))

	// Command surface: all mutations go through envelopes.
	r.Post("/commands", h.SubmitCommand)
	r.Post("/undo", h.Undo)
	r.Post("/redo", h.Redo)
	r.Get("/state", h.State)

	// Trees.
	r.Get("/trees", h.ListTrees)
	r.Get("/trees/{id}", h.GetTree)

	// Nodes and traversal.
	r.Get("/nodes/{id}", h.GetNode)
	r.Get("/nodes/{id}/children", h.ListChildren)
	r.Get("/nodes/{id}/descendants", h.ListDescendants)
	r.Get("/nodes/{id}/ancestors", h.ListAncestors)
	r.Get("/nodes/{id}/entity", h.GetEntity)
	r.Post("/nodes/{id}/methods/{method}", h.InvokeMethod)

	// Search.
	r.Get("/search", h.Search)

	// Consistency report.
	r.Get("/orphans", h.Orphans)

	// SSE endpoint (protected by same auth middleware).
	if sseHandler != nil {
		r.Get("/events", sseHandler.ServeHTTP)
	}

	return r
}
