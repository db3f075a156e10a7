package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/devcoord/devcoord/internal/engine"
	"github.com/devcoord/devcoord/internal/models"
	"github.com/devcoord/devcoord/internal/store"
)

// Server exposes the coordination engine as MCP tools, so AI agents can
// register their sessions and coordinate file access natively.
type Server struct {
	engine *engine.Engine
	store  store.Store
}

// NewServer creates the MCP server wrapper. The store may be nil; only the
// conflict history tool uses it.
func NewServer(e *engine.Engine, st store.Store) *Server {
	return &Server{engine: e, store: st}
}

// MCPServer returns a configured mcp-go server with all tools registered.
func (s *Server) MCPServer() *server.MCPServer {
	srv := server.NewMCPServer("devcoord", "1.0.0", server.WithToolCapabilities(true))

	srv.AddTool(s.connectTool())
	srv.AddTool(s.heartbeatTool())
	srv.AddTool(s.disconnectTool())
	srv.AddTool(s.acquireLockTool())
	srv.AddTool(s.releaseLockTool())
	srv.AddTool(s.declareEditTool())
	srv.AddTool(s.declareBranchTool())
	srv.AddTool(s.snapshotTool())
	srv.AddTool(s.listConflictsTool())
	srv.AddTool(s.resolveConflictTool())

	return srv
}

// ServeStdio starts the stdio transport, blocking until ctx is cancelled.
func (s *Server) ServeStdio(ctx context.Context) error {
	srv := s.MCPServer()
	stdioServer := server.NewStdioServer(srv)
	return stdioServer.Listen(ctx, os.Stdin, os.Stdout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

// ---------------------------------------------------------------------------
// Tool definitions and handlers
// ---------------------------------------------------------------------------

// devcoord_connect
func (s *Server) connectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_connect",
		mcp.WithDescription("Register this session with the workspace coordinator. Returns the session record including the session id to use on every other tool."),
		mcp.WithString("session_id", mcp.Description("Session id to reuse on reconnect; omit to have one generated")),
		mcp.WithString("project", mcp.Description("Project/workspace identifier")),
		mcp.WithString("user", mcp.Required(), mcp.Description("User or agent identity")),
		mcp.WithString("branch", mcp.Description("Branch the session is working on")),
		mcp.WithString("working_directory", mcp.Description("Working directory of the session")),
	)
	return tool, s.handleConnect
}

func (s *Server) handleConnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	user, err := request.RequireString("user")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: user"), nil
	}

	session, err := s.engine.Connect(ctx, engine.ConnectParams{
		SessionID:        request.GetString("session_id", ""),
		ProjectID:        request.GetString("project", ""),
		UserID:           user,
		Branch:           request.GetString("branch", ""),
		WorkingDirectory: request.GetString("working_directory", ""),
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("connect failed: %v", err)), nil
	}
	return jsonResult(session)
}

// devcoord_heartbeat
func (s *Server) heartbeatTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_heartbeat",
		mcp.WithDescription("Signal that this session is still alive. Sessions that stop heartbeating are marked idle and eventually evicted with their locks force-released."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from devcoord_connect")),
	)
	return tool, s.handleHeartbeat
}

func (s *Server) handleHeartbeat(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	if err := s.engine.Heartbeat(ctx, sessionID); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("heartbeat failed: %v", err)), nil
	}
	return mcp.NewToolResultText("ok"), nil
}

// devcoord_disconnect
func (s *Server) disconnectTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_disconnect",
		mcp.WithDescription("Disconnect this session, releasing every lock it holds. Returns the freed resources."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from devcoord_connect")),
	)
	return tool, s.handleDisconnect
}

func (s *Server) handleDisconnect(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	released, err := s.engine.Disconnect(ctx, sessionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("disconnect failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"released": released})
}

// devcoord_acquire_lock
func (s *Server) acquireLockTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_acquire_lock",
		mcp.WithDescription("Acquire a shared or exclusive lock on a named resource (file path, branch, or any identifier). Never blocks: a contended request is queued and the grant arrives on the event stream. A queued acquire reports any conflict it raised."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from devcoord_connect")),
		mcp.WithString("resource", mcp.Required(), mcp.Description("Resource to lock, e.g. a file path")),
		mcp.WithString("type", mcp.Description("Lock type: shared or exclusive (default exclusive)")),
	)
	return tool, s.handleAcquireLock
}

func (s *Server) handleAcquireLock(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	resource, err := request.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: resource"), nil
	}

	typ := models.LockType(request.GetString("type", string(models.LockTypeExclusive)))
	if typ != models.LockTypeShared && typ != models.LockTypeExclusive {
		return mcp.NewToolResultError("type must be shared or exclusive"), nil
	}

	res, err := s.engine.Acquire(ctx, sessionID, resource, typ)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("acquire failed: %v", err)), nil
	}
	return jsonResult(res)
}

// devcoord_release_lock
func (s *Server) releaseLockTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_release_lock",
		mcp.WithDescription("Release a lock held by this session. Queued waiters are granted in FIFO order."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from devcoord_connect")),
		mcp.WithString("resource", mcp.Required(), mcp.Description("Resource to release")),
	)
	return tool, s.handleReleaseLock
}

func (s *Server) handleReleaseLock(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	resource, err := request.RequireString("resource")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: resource"), nil
	}
	if err := s.engine.Release(ctx, sessionID, resource); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("release failed: %v", err)), nil
	}
	return mcp.NewToolResultText("released"), nil
}

// devcoord_declare_edit
func (s *Server) declareEditTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_declare_edit",
		mcp.WithDescription("Declare intent to edit a file without locking it. Raises a file_edit conflict if another session holds the file exclusively or has declared the same edit."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from devcoord_connect")),
		mcp.WithString("path", mcp.Required(), mcp.Description("File path being edited")),
	)
	return tool, s.handleDeclareEdit
}

func (s *Server) handleDeclareEdit(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: path"), nil
	}
	conflict, err := s.engine.DeclareEdit(ctx, sessionID, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("declare edit failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"conflict": conflict})
}

// devcoord_declare_branch
func (s *Server) declareBranchTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_declare_branch",
		mcp.WithDescription("Declare the branch this session works on. Set diverged=true when the branch history has diverged from another session's copy; that raises a git_merge conflict."),
		mcp.WithString("session_id", mcp.Required(), mcp.Description("Session id from devcoord_connect")),
		mcp.WithString("branch", mcp.Required(), mcp.Description("Branch name")),
		mcp.WithBoolean("diverged", mcp.Description("Whether the branch history has diverged (default false)")),
	)
	return tool, s.handleDeclareBranch
}

func (s *Server) handleDeclareBranch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sessionID, err := request.RequireString("session_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: session_id"), nil
	}
	branch, err := request.RequireString("branch")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: branch"), nil
	}
	conflict, err := s.engine.DeclareBranch(ctx, sessionID, branch, request.GetBool("diverged", false))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("declare branch failed: %v", err)), nil
	}
	return jsonResult(map[string]any{"conflict": conflict})
}

// devcoord_snapshot
func (s *Server) snapshotTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_snapshot",
		mcp.WithDescription("Get the full current state of a project: sessions, held locks, and unresolved conflicts."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project/workspace identifier")),
	)
	return tool, s.handleSnapshot
}

func (s *Server) handleSnapshot(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	return jsonResult(s.engine.Snapshot(project))
}

// devcoord_list_conflicts
func (s *Server) listConflictsTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_list_conflicts",
		mcp.WithDescription("List conflicts for a project, including resolved history when available."),
		mcp.WithString("project", mcp.Required(), mcp.Description("Project/workspace identifier")),
		mcp.WithBoolean("unresolved_only", mcp.Description("Only return unresolved conflicts (default false)")),
	)
	return tool, s.handleListConflicts
}

func (s *Server) handleListConflicts(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	project, err := request.RequireString("project")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: project"), nil
	}
	unresolvedOnly := request.GetBool("unresolved_only", false)

	if s.store != nil {
		conflicts, err := s.store.ListConflicts(ctx, store.ConflictListFilter{
			ProjectID:  project,
			Unresolved: unresolvedOnly,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to list conflicts: %v", err)), nil
		}
		return jsonResult(conflicts)
	}
	return jsonResult(s.engine.Snapshot(project).Conflicts)
}

// devcoord_resolve_conflict
func (s *Server) resolveConflictTool() (mcp.Tool, server.ToolHandlerFunc) {
	tool := mcp.NewTool("devcoord_resolve_conflict",
		mcp.WithDescription("Resolve an open conflict. Strategies: manual (requires winner), primary_wins, last_writer_wins, merge. manual and primary_wins grant the contested resource exclusively to the winner."),
		mcp.WithString("conflict_id", mcp.Required(), mcp.Description("Conflict id")),
		mcp.WithString("strategy", mcp.Required(), mcp.Description("Resolution strategy")),
		mcp.WithString("winner", mcp.Description("Session id that wins the resource (required for manual)")),
	)
	return tool, s.handleResolveConflict
}

func (s *Server) handleResolveConflict(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	conflictID, err := request.RequireString("conflict_id")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: conflict_id"), nil
	}
	strategy, err := request.RequireString("strategy")
	if err != nil {
		return mcp.NewToolResultError("missing required parameter: strategy"), nil
	}
	if err := s.engine.Resolve(ctx, conflictID, strategy, request.GetString("winner", "")); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("resolve failed: %v", err)), nil
	}
	return mcp.NewToolResultText("resolved"), nil
}
