package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcoord/devcoord/internal/engine"
	"github.com/devcoord/devcoord/internal/models"
	"github.com/devcoord/devcoord/internal/store"
)

func setupTestServer(t *testing.T) (*Server, *engine.Engine) {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	e := engine.New(engine.DefaultConfig(), st, nil)
	srv := NewServer(e, st, nil, nil)
	return srv, e
}

func postJSON(t *testing.T, router http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestConnectHeartbeatDisconnect_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/api/v1/sessions/connect", map[string]any{
		"session_id": "s1",
		"project_id": "proj",
		"user_id":    "alice",
		"branch":     "main",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	var session models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &session))
	assert.Equal(t, "s1", session.ID)
	assert.True(t, session.IsPrimary)

	req := httptest.NewRequest("POST", "/api/v1/sessions/s1/heartbeat", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusNoContent, w2.Code)

	req = httptest.NewRequest("POST", "/api/v1/sessions/s1/disconnect", nil)
	w2 = httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusOK, w2.Code)

	// Heartbeat after disconnect returns the stable error code.
	req = httptest.NewRequest("POST", "/api/v1/sessions/s1/heartbeat", nil)
	w2 = httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusNotFound, w2.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &body))
	assert.Equal(t, "unknown_session", body["error"])
}

func TestConnect_RequiresUserID(t *testing.T) {
	srv, _ := setupTestServer(t)
	w := postJSON(t, srv.Router(), "/api/v1/sessions/connect", map[string]any{
		"project_id": "proj",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestLockLifecycle_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	for _, id := range []string{"a", "b"} {
		w := postJSON(t, router, "/api/v1/sessions/connect", map[string]any{
			"session_id": id, "project_id": "proj", "user_id": id,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := postJSON(t, router, "/api/v1/locks/acquire", map[string]any{
		"session_id": "a", "resource": "auth.py", "type": "exclusive",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var res engine.AcquireResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.True(t, res.Granted)

	// Contended acquire queues and surfaces the conflict.
	w = postJSON(t, router, "/api/v1/locks/acquire", map[string]any{
		"session_id": "b", "resource": "auth.py", "type": "exclusive",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &res))
	assert.False(t, res.Granted)
	assert.Equal(t, 1, res.Position)
	require.NotNil(t, res.Conflict)

	// Release by a non-holder is rejected without state change.
	w = postJSON(t, router, "/api/v1/locks/release", map[string]any{
		"session_id": "b", "resource": "auth.py",
	})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = postJSON(t, router, "/api/v1/locks/release", map[string]any{
		"session_id": "a", "resource": "auth.py",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	// Resolve the conflict raised above.
	w = postJSON(t, router, "/api/v1/conflicts/"+res.Conflict.ID+"/resolve", map[string]any{
		"strategy": "manual", "session_id": "b",
	})
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = postJSON(t, router, "/api/v1/conflicts/"+res.Conflict.ID+"/resolve", map[string]any{
		"strategy": "manual", "session_id": "b",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAcquire_RejectsBadType(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/api/v1/sessions/connect", map[string]any{
		"session_id": "a", "project_id": "proj", "user_id": "alice",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	w = postJSON(t, router, "/api/v1/locks/acquire", map[string]any{
		"session_id": "a", "resource": "db", "type": "write",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDeclareEdit_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	for _, id := range []string{"a", "b"} {
		w := postJSON(t, router, "/api/v1/sessions/connect", map[string]any{
			"session_id": id, "project_id": "proj", "user_id": id,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := postJSON(t, router, "/api/v1/declare/edit", map[string]any{
		"session_id": "a", "path": "main.go",
	})
	require.Equal(t, http.StatusOK, w.Code)
	var out struct {
		Conflict *models.Conflict `json:"conflict"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Nil(t, out.Conflict)

	w = postJSON(t, router, "/api/v1/declare/edit", map[string]any{
		"session_id": "b", "path": "main.go",
	})
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.NotNil(t, out.Conflict)
	assert.ElementsMatch(t, []string{"a", "b"}, out.Conflict.SessionIDs)
}

func TestSnapshotAndConflictList_API(t *testing.T) {
	srv, _ := setupTestServer(t)
	router := srv.Router()

	w := postJSON(t, router, "/api/v1/sessions/connect", map[string]any{
		"session_id": "a", "project_id": "proj", "user_id": "alice",
	})
	require.Equal(t, http.StatusCreated, w.Code)

	req := httptest.NewRequest("GET", "/api/v1/projects/proj/snapshot", nil)
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	require.Equal(t, http.StatusOK, w2.Code)

	var snap models.Snapshot
	require.NoError(t, json.Unmarshal(w2.Body.Bytes(), &snap))
	assert.Equal(t, "proj", snap.ProjectID)
	assert.Len(t, snap.Sessions, 1)

	req = httptest.NewRequest("GET", "/api/v1/conflicts?project_id=proj&unresolved=true", nil)
	w2 = httptest.NewRecorder()
	router.ServeHTTP(w2, req)
	assert.Equal(t, http.StatusOK, w2.Code)
}

func TestSessionAndLockViews_API(t *testing.T) {
	srv, e := setupTestServer(t)
	router := srv.Router()

	for _, id := range []string{"a", "b"} {
		w := postJSON(t, router, "/api/v1/sessions/connect", map[string]any{
			"session_id": id, "project_id": "proj", "user_id": id,
		})
		require.Equal(t, http.StatusCreated, w.Code)
	}
	_, err := e.Acquire(context.Background(), "a", "auth.py", models.LockTypeExclusive)
	require.NoError(t, err)

	// Live view scoped to one project.
	req := httptest.NewRequest("GET", "/api/v1/sessions?project_id=proj", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var sessions []*models.Session
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)

	// Cross-project view reads persisted state.
	req = httptest.NewRequest("GET", "/api/v1/sessions", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sessions))
	assert.Len(t, sessions, 2)

	req = httptest.NewRequest("GET", "/api/v1/locks", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	var locks map[string][]*models.Lock
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &locks))
	require.Len(t, locks["auth.py"], 1)
	assert.Equal(t, "a", locks["auth.py"][0].SessionID)
}

func TestRateLimit_API(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := store.NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, st.Migrate(context.Background()))
	t.Cleanup(func() { st.Close() })

	e := engine.New(engine.DefaultConfig(), st, nil)
	// 1 request per hour, burst 1: the second request must be limited.
	srv := NewServer(e, st, nil, NewRateLimiter(1, 1, time.Hour))
	router := srv.Router()

	req := httptest.NewRequest("GET", "/api/v1/projects/proj/snapshot", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}
