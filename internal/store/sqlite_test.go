package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devcoord/devcoord/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, s.Migrate(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNewSQLiteStore_CreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "deep", "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(filepath.Dir(dbPath))
	assert.NoError(t, err)
}

func TestMigrate_Idempotent(t *testing.T) {
	s := newTestStore(t)
	// Running migrations again must be a no-op.
	require.NoError(t, s.Migrate(context.Background()))
}

func TestSaveAndLoadProjectState(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	started := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	st := &models.ProjectState{
		Sessions: []*models.Session{
			{
				ID:            "s1",
				ProjectID:     "proj",
				UserID:        "alice",
				Status:        models.SessionStatusActive,
				IsPrimary:     true,
				CurrentBranch: "main",
				StartedAt:     started,
				LastActive:    started,
			},
		},
		Locks: map[string][]*models.Lock{
			"auth.py": {
				{Resource: "auth.py", SessionID: "s1", Type: models.LockTypeExclusive, AcquiredAt: started},
			},
		},
	}

	require.NoError(t, s.SaveProjectState(ctx, "proj", st))

	states, err := s.LoadProjectStates(ctx)
	require.NoError(t, err)
	require.Contains(t, states, "proj")

	loaded := states["proj"]
	require.Len(t, loaded.Sessions, 1)
	assert.Equal(t, "s1", loaded.Sessions[0].ID)
	assert.True(t, loaded.Sessions[0].IsPrimary)
	require.Len(t, loaded.Locks["auth.py"], 1)
	assert.Equal(t, models.LockTypeExclusive, loaded.Locks["auth.py"][0].Type)
}

func TestSaveProjectState_Upserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveProjectState(ctx, "proj", &models.ProjectState{
		Sessions: []*models.Session{{ID: "s1"}},
	}))
	require.NoError(t, s.SaveProjectState(ctx, "proj", &models.ProjectState{
		Sessions: []*models.Session{{ID: "s1"}, {ID: "s2"}},
	}))

	states, err := s.LoadProjectStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 1)
	assert.Len(t, states["proj"].Sessions, 2)
}

func TestAppendAndGetConflict(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	detected := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	c := &models.Conflict{
		ID:         "c1",
		ProjectID:  "proj",
		Type:       models.ConflictTypeFileEdit,
		Resource:   "auth.py",
		SessionIDs: []string{"s1", "s2"},
		DetectedAt: detected,
	}
	require.NoError(t, s.AppendConflict(ctx, c))

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, "proj", got.ProjectID)
	assert.Equal(t, models.ConflictTypeFileEdit, got.Type)
	assert.Equal(t, "auth.py", got.Resource)
	assert.ElementsMatch(t, []string{"s1", "s2"}, got.SessionIDs)
	assert.False(t, got.Resolved)
	assert.Nil(t, got.ResolvedAt)
}

func TestGetConflict_NotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetConflict(context.Background(), "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestUpdateConflict_ResolutionAndMembership(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	c := &models.Conflict{
		ID:         "c1",
		ProjectID:  "proj",
		Type:       models.ConflictTypeResourceLock,
		Resource:   "db",
		SessionIDs: []string{"s1", "s2"},
		DetectedAt: time.Now().UTC(),
	}
	require.NoError(t, s.AppendConflict(ctx, c))

	resolvedAt := time.Now().UTC()
	c.Resolved = true
	c.ResolutionStrategy = models.StrategyManual
	c.ResolvedAt = &resolvedAt
	c.SessionIDs = append(c.SessionIDs, "s3") // membership grew before resolution
	require.NoError(t, s.UpdateConflict(ctx, c))

	got, err := s.GetConflict(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, models.StrategyManual, got.ResolutionStrategy)
	require.NotNil(t, got.ResolvedAt)
	assert.ElementsMatch(t, []string{"s1", "s2", "s3"}, got.SessionIDs)
}

func TestUpdateConflict_NotFound(t *testing.T) {
	s := newTestStore(t)

	err := s.UpdateConflict(context.Background(), &models.Conflict{ID: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestListConflicts_Filters(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	resolvedAt := base.Add(time.Hour)
	for _, c := range []*models.Conflict{
		{ID: "c1", ProjectID: "alpha", Type: models.ConflictTypeFileEdit, Resource: "a.go", SessionIDs: []string{"s1", "s2"}, DetectedAt: base},
		{ID: "c2", ProjectID: "alpha", Type: models.ConflictTypeGitMerge, Resource: "main", SessionIDs: []string{"s1", "s3"}, DetectedAt: base.Add(time.Minute),
			Resolved: true, ResolutionStrategy: models.StrategyMerge, ResolvedAt: &resolvedAt},
		{ID: "c3", ProjectID: "beta", Type: models.ConflictTypeResourceLock, Resource: "db", SessionIDs: []string{"s4", "s5"}, DetectedAt: base.Add(2 * time.Minute)},
	} {
		require.NoError(t, s.AppendConflict(ctx, c))
	}

	all, err := s.ListConflicts(ctx, ConflictListFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	// Newest first.
	assert.Equal(t, "c3", all[0].ID)

	alpha, err := s.ListConflicts(ctx, ConflictListFilter{ProjectID: "alpha"})
	require.NoError(t, err)
	assert.Len(t, alpha, 2)

	open, err := s.ListConflicts(ctx, ConflictListFilter{ProjectID: "alpha", Unresolved: true})
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "c1", open[0].ID)
}
