// Package mcpserver provides an MCP (Model Context Protocol) server
// that exposes Eihwaz tree tools for LLM integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/eihwaz/internal/command"
	"github.com/starford/eihwaz/internal/treeservice"
)

// Server wraps the MCP server with Eihwaz tools.
type Server struct {
	mcp  *server.MCPServer
	proc *command.Processor
	svc  *treeservice.Service
}

// New creates a new MCP server with all Eihwaz tools registered.
func New(proc *command.Processor, svc *treeservice.Service) *Server {
	s := &Server{proc: proc, svc: svc}

	s.mcp = server.NewMCPServer(
		"Eihwaz",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_trees",
		mcp.WithDescription("List all trees with their root and trash node ids."),
	), s.listTrees)

	s.mcp.AddTool(mcp.NewTool("get_node",
		mcp.WithDescription("Read a single tree node by id."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
	), s.getNode)

	s.mcp.AddTool(mcp.NewTool("list_children",
		mcp.WithDescription("List the direct children of a node."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Parent node id")),
	), s.listChildren)

	s.mcp.AddTool(mcp.NewTool("search_nodes",
		mcp.WithDescription("Search node names within a subtree. "+
			"Modes: exact, prefix, suffix, partial (default). "+
			"An empty query matches every node in scope."),
		mcp.WithString("scope", mcp.Required(), mcp.Description("Subtree root node id")),
		mcp.WithString("query", mcp.Description("Search query string (empty matches all)")),
		mcp.WithString("mode", mcp.Description("Match mode: exact, prefix, suffix or partial")),
		mcp.WithNumber("maxDepth", mcp.Description("Depth cap below the scope node (0 = unlimited)")),
	), s.searchNodes)

	s.mcp.AddTool(mcp.NewTool("create_node",
		mcp.WithDescription("Create a node under a parent. The node type must be "+
			"registered and allowed as a child of the parent's type."),
		mcp.WithString("parentId", mcp.Required(), mcp.Description("Parent node id")),
		mcp.WithString("nodeType", mcp.Required(), mcp.Description("Registered node type tag")),
		mcp.WithString("name", mcp.Required(), mcp.Description("Node name")),
		mcp.WithString("description", mcp.Description("Optional description")),
	), s.createNode)

	s.mcp.AddTool(mcp.NewTool("update_node",
		mcp.WithDescription("Rename a node or change its description."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithString("name", mcp.Description("New name")),
		mcp.WithString("description", mcp.Description("New description")),
	), s.updateNode)

	s.mcp.AddTool(mcp.NewTool("move_node",
		mcp.WithDescription("Move a node under a new parent. Moves that would "+
			"create a cycle are rejected."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
		mcp.WithString("newParentId", mcp.Required(), mcp.Description("New parent node id")),
	), s.moveNode)

	s.mcp.AddTool(mcp.NewTool("delete_node",
		mcp.WithDescription("Move a node and its subtree into the trash. "+
			"Trashed nodes can be restored or disposed permanently."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Node id")),
	), s.deleteNode)

	s.mcp.AddTool(mcp.NewTool("undo",
		mcp.WithDescription("Undo the most recent undoable command."),
	), s.undo)

	s.mcp.AddTool(mcp.NewTool("redo",
		mcp.WithDescription("Re-apply the most recently undone command."),
	), s.redo)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

// execute runs one envelope and renders the result for the tool caller.
func (s *Server) execute(ctx context.Context, kind string, payload any) (*mcp.CallToolResult, error) {
	env, err := command.CreateEnvelope(kind, payload, nil)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	res := s.proc.ProcessCommand(ctx, env)
	if !res.Success {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %s", res.Code, res.Error)), nil
	}
	out, _ := json.MarshalIndent(res, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	out, _ := json.MarshalIndent(v, "", "  ")
	return mcp.NewToolResultText(string(out))
}

func (s *Server) listTrees(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	trees, err := s.svc.ListTrees(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(trees), nil
}

func (s *Server) getNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	node, err := s.svc.GetNode(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", id)), nil
	}
	return jsonResult(node), nil
}

func (s *Server) listChildren(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodes, err := s.svc.ListChildren(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(nodes), nil
}

func (s *Server) searchNodes(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	scope, err := req.RequireString("scope")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	opts := treeservice.SearchOptions{ScopeID: scope, MaxResults: 50}
	if q, err := req.RequireString("query"); err == nil {
		opts.Query = q
	}
	if m, err := req.RequireString("mode"); err == nil {
		opts.Mode = treeservice.SearchMode(m)
	}
	if d, err := req.RequireInt("maxDepth"); err == nil {
		opts.MaxDepth = d
	}
	nodes, err := s.svc.SearchNodes(ctx, opts)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(nodes), nil
}

func (s *Server) createNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	parentID, err := req.RequireString("parentId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	nodeType, err := req.RequireString("nodeType")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	name, err := req.RequireString("name")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := command.CreateNodePayload{ParentID: parentID, NodeType: nodeType, Name: name}
	if d, err := req.RequireString("description"); err == nil {
		payload.Description = d
	}
	return s.execute(ctx, command.KindCreateNode, payload)
}

func (s *Server) updateNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload := command.UpdateNodePayload{ID: id}
	if n, err := req.RequireString("name"); err == nil {
		payload.Name = &n
	}
	if d, err := req.RequireString("description"); err == nil {
		payload.Description = &d
	}
	if payload.Name == nil && payload.Description == nil {
		return mcp.NewToolResultError("name or description is required"), nil
	}
	return s.execute(ctx, command.KindUpdateNode, payload)
}

func (s *Server) moveNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	newParentID, err := req.RequireString("newParentId")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.execute(ctx, command.KindMoveNode, command.MoveNodePayload{ID: id, NewParentID: newParentID})
}

func (s *Server) deleteNode(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return s.execute(ctx, command.KindDeleteNode, command.NodeIDPayload{ID: id})
}

func (s *Server) undo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := s.proc.Undo(ctx)
	if !res.Success {
		return mcp.NewToolResultError(res.Error), nil
	}
	return jsonResult(res), nil
}

func (s *Server) redo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	res := s.proc.Redo(ctx)
	if !res.Success {
		return mcp.NewToolResultError(res.Error), nil
	}
	return jsonResult(res), nil
}
