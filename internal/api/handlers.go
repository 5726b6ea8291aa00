package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/starford/eihwaz/internal/apperr"
	"github.com/starford/eihwaz/internal/command"
	"github.com/starford/eihwaz/internal/models"
	"github.com/starford/eihwaz/internal/registry"
	"github.com/starford/eihwaz/internal/treeservice"
)

// Handler holds API route handlers.
type Handler struct {
	proc *command.Processor
	svc  *treeservice.Service
	reg  *registry.Registry
}

// NewHandler creates a new Handler.
func NewHandler(proc *command.Processor, svc *treeservice.Service, reg *registry.Registry) *Handler {
	return &Handler{proc: proc, svc: svc, reg: reg}
}

// statusFor maps a command result code to an HTTP status. Command
// submissions always return a body; the status is advisory.
func statusFor(code string) int {
	switch code {
	case apperr.CodeNodeNotFound, apperr.CodeWorkingCopyNotFound:
		return http.StatusNotFound
	case apperr.CodeCommitConflict:
		return http.StatusConflict
	case apperr.CodeValidation, apperr.CodeInvalidOperation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func writeQueryError(w http.ResponseWriter, what string, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound), errors.Is(err, apperr.ErrWorkingCopyNotFound):
		writeJSON(w, http.StatusNotFound, errorBody("not found"))
	case errors.Is(err, apperr.ErrValidation):
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
	default:
		slog.Error(what+" failed", slog.String("error", err.Error()))
		writeJSON(w, http.StatusInternalServerError, errorBody("internal error"))
	}
}

// SubmitCommand handles POST /api/commands.
//
//	@Summary		Execute a command envelope
//	@Tags			commands
//	@Accept			json
//	@Produce		json
//	@Param			body	body		CommandRequest	true	"Command envelope"
//	@Success		200		{object}	CommandResponse
//	@Failure		400		{object}	CommandResponse
//	@Security		BearerAuth
//	@Router			/commands [post]
func (h *Handler) SubmitCommand(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	var env models.CommandEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
		return
	}
	if env.Kind == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("kind is required"))
		return
	}
	res := h.proc.ProcessCommand(r.Context(), env)
	if !res.Success {
		writeJSON(w, statusFor(res.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Undo handles POST /api/undo.
//
//	@Summary		Undo the most recent undoable command
//	@Tags			commands
//	@Produce		json
//	@Success		200	{object}	CommandResponse
//	@Security		BearerAuth
//	@Router			/undo [post]
func (h *Handler) Undo(w http.ResponseWriter, r *http.Request) {
	res := h.proc.Undo(r.Context())
	if !res.Success {
		writeJSON(w, statusFor(res.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Redo handles POST /api/redo.
//
//	@Summary		Re-apply the most recently undone command
//	@Tags			commands
//	@Produce		json
//	@Success		200	{object}	CommandResponse
//	@Security		BearerAuth
//	@Router			/redo [post]
func (h *Handler) Redo(w http.ResponseWriter, r *http.Request) {
	res := h.proc.Redo(r.Context())
	if !res.Success {
		writeJSON(w, statusFor(res.Code), res)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// State handles GET /api/state.
//
//	@Summary		Report undo/redo availability and the sequence counter
//	@Tags			commands
//	@Produce		json
//	@Success		200	{object}	EngineState
//	@Security		BearerAuth
//	@Router			/state [get]
func (h *Handler) State(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, EngineState{
		CanUndo:   h.proc.CanUndo(),
		CanRedo:   h.proc.CanRedo(),
		UndoDepth: h.proc.UndoStackSize(),
		Seq:       h.proc.Seq(),
	})
}

// ListTrees handles GET /api/trees.
//
//	@Summary		List all trees
//	@Tags			trees
//	@Produce		json
//	@Success		200	{object}	TreeListResponse
//	@Security		BearerAuth
//	@Router			/trees [get]
func (h *Handler) ListTrees(w http.ResponseWriter, r *http.Request) {
	trees, err := h.svc.ListTrees(r.Context())
	if err != nil {
		writeQueryError(w, "list trees", err)
		return
	}
	writeJSON(w, http.StatusOK, TreeListResponse{Trees: trees, Total: len(trees)})
}

// GetTree handles GET /api/trees/{id}.
//
//	@Summary		Get a single tree by id
//	@Tags			trees
//	@Produce		json
//	@Param			id	path		string	true	"Tree id"
//	@Success		200	{object}	TreeDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/trees/{id} [get]
func (h *Handler) GetTree(w http.ResponseWriter, r *http.Request) {
	tree, err := h.svc.GetTree(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueryError(w, "get tree", err)
		return
	}
	writeJSON(w, http.StatusOK, tree)
}

// GetNode handles GET /api/nodes/{id}.
//
//	@Summary		Get a single node by id
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	NodeDetail
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id} [get]
func (h *Handler) GetNode(w http.ResponseWriter, r *http.Request) {
	node, err := h.svc.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueryError(w, "get node", err)
		return
	}
	writeJSON(w, http.StatusOK, node)
}

// ListChildren handles GET /api/nodes/{id}/children.
//
//	@Summary		List a node's direct children
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	NodeListResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/children [get]
func (h *Handler) ListChildren(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.svc.ListChildren(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueryError(w, "list children", err)
		return
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: nodes, Total: len(nodes)})
}

// ListDescendants handles GET /api/nodes/{id}/descendants.
//
//	@Summary		List a node's subtree
//	@Tags			nodes
//	@Produce		json
//	@Param			id		path		string	true	"Node id"
//	@Param			depth	query		int		false	"Depth cap (0 = unlimited)"
//	@Success		200		{object}	NodeListResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/descendants [get]
func (h *Handler) ListDescendants(w http.ResponseWriter, r *http.Request) {
	depth, _ := strconv.Atoi(r.URL.Query().Get("depth"))
	nodes, err := h.svc.ListDescendants(r.Context(), chi.URLParam(r, "id"), depth)
	if err != nil {
		writeQueryError(w, "list descendants", err)
		return
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: nodes, Total: len(nodes)})
}

// ListAncestors handles GET /api/nodes/{id}/ancestors.
//
//	@Summary		List a node's ancestor chain, root first
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	NodeListResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/ancestors [get]
func (h *Handler) ListAncestors(w http.ResponseWriter, r *http.Request) {
	nodes, err := h.svc.ListAncestors(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueryError(w, "list ancestors", err)
		return
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: nodes, Total: len(nodes)})
}

// GetEntity handles GET /api/nodes/{id}/entity.
//
//	@Summary		Get a node's peer entity document
//	@Tags			nodes
//	@Produce		json
//	@Param			id	path		string	true	"Node id"
//	@Success		200	{object}	EntityResponse
//	@Failure		404	{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/entity [get]
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	entity, err := h.svc.Entity(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueryError(w, "get entity", err)
		return
	}
	writeJSON(w, http.StatusOK, EntityResponse{Entity: entity})
}

// InvokeMethod handles POST /api/nodes/{id}/methods/{method}.
//
//	@Summary		Invoke a plugin extension method on a node
//	@Tags			nodes
//	@Accept			json
//	@Produce		json
//	@Param			id		path		string			true	"Node id"
//	@Param			method	path		string			true	"Method name"
//	@Param			body	body		map[string]any	false	"Method arguments"
//	@Success		200		{object}	MethodResponse
//	@Failure		400		{object}	errResponse
//	@Failure		404		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/nodes/{id}/methods/{method} [post]
func (h *Handler) InvokeMethod(w http.ResponseWriter, r *http.Request) {
	node, err := h.svc.GetNode(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeQueryError(w, "invoke method", err)
		return
	}
	var args map[string]any
	if r.ContentLength != 0 {
		r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		if err := json.NewDecoder(r.Body).Decode(&args); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody("invalid JSON body"))
			return
		}
	}
	result, err := h.reg.InvokeMethod(r.Context(), node.NodeType, chi.URLParam(r, "method"), args)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, MethodResponse{Result: result})
}

// Search handles GET /api/search.
//
//	@Summary		Search node names within a subtree
//	@Tags			search
//	@Produce		json
//	@Param			scope	query		string	true	"Subtree root node id"
//	@Param			q		query		string	false	"Query (empty matches all)"
//	@Param			mode	query		string	false	"Match mode"	Enums(exact, prefix, suffix, partial)
//	@Param			case	query		bool	false	"Case sensitive"
//	@Param			desc	query		bool	false	"Also match descriptions"
//	@Param			depth	query		int		false	"Depth cap (0 = unlimited)"
//	@Param			trash	query		bool	false	"Include trashed nodes"
//	@Param			limit	query		int		false	"Max results"
//	@Success		200		{object}	NodeListResponse
//	@Failure		400		{object}	errResponse
//	@Security		BearerAuth
//	@Router			/search [get]
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	scope := q.Get("scope")
	if scope == "" {
		writeJSON(w, http.StatusBadRequest, errorBody("query parameter 'scope' is required"))
		return
	}
	limit, _ := strconv.Atoi(q.Get("limit"))
	depth, _ := strconv.Atoi(q.Get("depth"))
	caseSensitive, _ := strconv.ParseBool(q.Get("case"))
	inDescription, _ := strconv.ParseBool(q.Get("desc"))
	includeTrash, _ := strconv.ParseBool(q.Get("trash"))

	nodes, err := h.svc.SearchNodes(r.Context(), treeservice.SearchOptions{
		ScopeID:       scope,
		Query:         q.Get("q"),
		Mode:          treeservice.SearchMode(q.Get("mode")),
		CaseSensitive: caseSensitive,
		InDescription: inDescription,
		MaxResults:    limit,
		MaxDepth:      depth,
		IncludeTrash:  includeTrash,
	})
	if err != nil {
		writeQueryError(w, "search", err)
		return
	}
	writeJSON(w, http.StatusOK, NodeListResponse{Nodes: nodes, Total: len(nodes)})
}

// Orphans handles GET /api/orphans.
//
//	@Summary		Report entity rows whose node no longer exists
//	@Tags			maintenance
//	@Produce		json
//	@Success		200	{object}	OrphanResponse
//	@Security		BearerAuth
//	@Router			/orphans [get]
func (h *Handler) Orphans(w http.ResponseWriter, r *http.Request) {
	report, err := h.svc.Orphans(r.Context())
	if err != nil {
		writeQueryError(w, "orphan report", err)
		return
	}
	writeJSON(w, http.StatusOK, OrphanResponse{Orphans: report})
}
