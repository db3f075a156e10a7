package mcp

import (
	"context"
	"encoding/json"
	"testing"

	mcpgo "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcoord/devcoord/internal/engine"
	"github.com/devcoord/devcoord/internal/models"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func newTestServer(t *testing.T) *Server {
	t.Helper()
	e := engine.New(engine.DefaultConfig(), nil, nil)
	return NewServer(e, nil)
}

// callToolReq builds a CallToolRequest the way the MCP transport would.
func callToolReq(name string, args map[string]any) mcpgo.CallToolRequest {
	return mcpgo.CallToolRequest{
		Params: mcpgo.CallToolParams{
			Name:      name,
			Arguments: args,
		},
	}
}

// resultText extracts the text payload from a tool result.
func resultText(t *testing.T, result *mcpgo.CallToolResult) string {
	t.Helper()
	require.NotNil(t, result)
	require.NotEmpty(t, result.Content)
	tc, ok := result.Content[0].(mcpgo.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// resultJSON unmarshals the tool result text into v.
func resultJSON(t *testing.T, result *mcpgo.CallToolResult, v any) {
	t.Helper()
	require.False(t, result.IsError, "unexpected tool error: %s", resultText(t, result))
	require.NoError(t, json.Unmarshal([]byte(resultText(t, result)), v))
}

func connectSession(t *testing.T, srv *Server, id, project, user string) {
	t.Helper()
	result, err := srv.handleConnect(context.Background(), callToolReq("devcoord_connect", map[string]any{
		"session_id": id,
		"project":    project,
		"user":       user,
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestMCPServer_RegistersAllTools(t *testing.T) {
	srv := newTestServer(t)
	mcpServer := srv.MCPServer()
	assert.NotNil(t, mcpServer)
}

func TestHandleConnect(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()

	result, err := srv.handleConnect(ctx, callToolReq("devcoord_connect", map[string]any{
		"session_id": "s1",
		"project":    "proj",
		"user":       "alice",
		"branch":     "main",
	}))
	require.NoError(t, err, "handler should not return Go error")
	require.False(t, result.IsError)

	var session models.Session
	resultJSON(t, result, &session)
	assert.Equal(t, "s1", session.ID)
	assert.Equal(t, "proj", session.ProjectID)
	assert.True(t, session.IsPrimary)
	assert.Equal(t, "main", session.CurrentBranch)
}

func TestHandleConnect_MissingUser(t *testing.T) {
	srv := newTestServer(t)

	result, err := srv.handleConnect(context.Background(), callToolReq("devcoord_connect", map[string]any{
		"project": "proj",
	}))
	require.NoError(t, err, "handler should wrap the failure in the result")
	assert.True(t, result.IsError)
}

func TestHandleHeartbeat(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	connectSession(t, srv, "s1", "proj", "alice")

	result, err := srv.handleHeartbeat(ctx, callToolReq("devcoord_heartbeat", map[string]any{
		"session_id": "s1",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "ok", resultText(t, result))

	// Unknown session surfaces as a tool error, not a Go error.
	result, err = srv.handleHeartbeat(ctx, callToolReq("devcoord_heartbeat", map[string]any{
		"session_id": "nope",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleAcquireAndRelease(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	connectSession(t, srv, "s1", "proj", "alice")
	connectSession(t, srv, "s2", "proj", "bob")

	result, err := srv.handleAcquireLock(ctx, callToolReq("devcoord_acquire_lock", map[string]any{
		"session_id": "s1",
		"resource":   "auth.py",
		"type":       "exclusive",
	}))
	require.NoError(t, err)
	var res engine.AcquireResult
	resultJSON(t, result, &res)
	assert.True(t, res.Granted)

	// Contended acquire queues and reports position plus the raised conflict.
	result, err = srv.handleAcquireLock(ctx, callToolReq("devcoord_acquire_lock", map[string]any{
		"session_id": "s2",
		"resource":   "auth.py",
	}))
	require.NoError(t, err)
	resultJSON(t, result, &res)
	assert.False(t, res.Granted)
	assert.Equal(t, 1, res.Position)
	require.NotNil(t, res.Conflict)
	assert.Equal(t, models.ConflictTypeFileEdit, res.Conflict.Type)

	// Non-holder release is rejected.
	result, err = srv.handleReleaseLock(ctx, callToolReq("devcoord_release_lock", map[string]any{
		"session_id": "s2",
		"resource":   "auth.py",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)

	result, err = srv.handleReleaseLock(ctx, callToolReq("devcoord_release_lock", map[string]any{
		"session_id": "s1",
		"resource":   "auth.py",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "released", resultText(t, result))
}

func TestHandleAcquire_BadType(t *testing.T) {
	srv := newTestServer(t)
	connectSession(t, srv, "s1", "proj", "alice")

	result, err := srv.handleAcquireLock(context.Background(), callToolReq("devcoord_acquire_lock", map[string]any{
		"session_id": "s1",
		"resource":   "db",
		"type":       "write",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleDeclareEdit(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	connectSession(t, srv, "s1", "proj", "alice")
	connectSession(t, srv, "s2", "proj", "bob")

	result, err := srv.handleDeclareEdit(ctx, callToolReq("devcoord_declare_edit", map[string]any{
		"session_id": "s1",
		"path":       "main.go",
	}))
	require.NoError(t, err)
	var out struct {
		Conflict *models.Conflict `json:"conflict"`
	}
	resultJSON(t, result, &out)
	assert.Nil(t, out.Conflict)

	result, err = srv.handleDeclareEdit(ctx, callToolReq("devcoord_declare_edit", map[string]any{
		"session_id": "s2",
		"path":       "main.go",
	}))
	require.NoError(t, err)
	resultJSON(t, result, &out)
	require.NotNil(t, out.Conflict)
	assert.ElementsMatch(t, []string{"s1", "s2"}, out.Conflict.SessionIDs)
}

func TestHandleDeclareBranch_Diverged(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	connectSession(t, srv, "s1", "proj", "alice")
	connectSession(t, srv, "s2", "proj", "bob")

	for _, id := range []string{"s1", "s2"} {
		result, err := srv.handleDeclareBranch(ctx, callToolReq("devcoord_declare_branch", map[string]any{
			"session_id": id,
			"branch":     "feature/login",
		}))
		require.NoError(t, err)
		require.False(t, result.IsError)
	}

	result, err := srv.handleDeclareBranch(ctx, callToolReq("devcoord_declare_branch", map[string]any{
		"session_id": "s2",
		"branch":     "feature/login",
		"diverged":   true,
	}))
	require.NoError(t, err)
	var out struct {
		Conflict *models.Conflict `json:"conflict"`
	}
	resultJSON(t, result, &out)
	require.NotNil(t, out.Conflict)
	assert.Equal(t, models.ConflictTypeGitMerge, out.Conflict.Type)
}

func TestHandleSnapshotAndResolve(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	connectSession(t, srv, "s1", "proj", "alice")
	connectSession(t, srv, "s2", "proj", "bob")

	// Raise a conflict via contended exclusive acquire.
	_, err := srv.handleAcquireLock(ctx, callToolReq("devcoord_acquire_lock", map[string]any{
		"session_id": "s1", "resource": "auth.py",
	}))
	require.NoError(t, err)
	result, err := srv.handleAcquireLock(ctx, callToolReq("devcoord_acquire_lock", map[string]any{
		"session_id": "s2", "resource": "auth.py",
	}))
	require.NoError(t, err)
	var res engine.AcquireResult
	resultJSON(t, result, &res)
	require.NotNil(t, res.Conflict)

	result, err = srv.handleSnapshot(ctx, callToolReq("devcoord_snapshot", map[string]any{
		"project": "proj",
	}))
	require.NoError(t, err)
	var snap models.Snapshot
	resultJSON(t, result, &snap)
	assert.Len(t, snap.Sessions, 2)
	assert.Len(t, snap.Conflicts, 1)

	result, err = srv.handleResolveConflict(ctx, callToolReq("devcoord_resolve_conflict", map[string]any{
		"conflict_id": res.Conflict.ID,
		"strategy":    "manual",
		"winner":      "s2",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Equal(t, "resolved", resultText(t, result))

	// Second resolve reports the conflict is already settled.
	result, err = srv.handleResolveConflict(ctx, callToolReq("devcoord_resolve_conflict", map[string]any{
		"conflict_id": res.Conflict.ID,
		"strategy":    "manual",
		"winner":      "s2",
	}))
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestHandleListConflicts_NoStoreFallsBackToEngine(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	connectSession(t, srv, "s1", "proj", "alice")
	connectSession(t, srv, "s2", "proj", "bob")

	_, err := srv.handleDeclareEdit(ctx, callToolReq("devcoord_declare_edit", map[string]any{
		"session_id": "s1", "path": "main.go",
	}))
	require.NoError(t, err)
	result, err := srv.handleDeclareEdit(ctx, callToolReq("devcoord_declare_edit", map[string]any{
		"session_id": "s2", "path": "main.go",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)

	result, err = srv.handleListConflicts(ctx, callToolReq("devcoord_list_conflicts", map[string]any{
		"project": "proj",
	}))
	require.NoError(t, err)
	var conflicts []*models.Conflict
	resultJSON(t, result, &conflicts)
	assert.Len(t, conflicts, 1)
}
