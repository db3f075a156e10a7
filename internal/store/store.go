package store

import (
	"context"

	"github.com/devcoord/devcoord/internal/models"
)

// ConflictListFilter specifies filters for listing conflicts.
type ConflictListFilter struct {
	ProjectID  string
	Unresolved bool
}

// Store defines the persistence interface for devcoord. Project coordination
// state is written as one serialized row per project; conflicts are kept in
// their own append-only tables so resolved records survive for audit.
type Store interface {
	// Project state
	SaveProjectState(ctx context.Context, projectID string, st *models.ProjectState) error
	LoadProjectStates(ctx context.Context) (map[string]*models.ProjectState, error)

	// Conflicts
	AppendConflict(ctx context.Context, c *models.Conflict) error
	UpdateConflict(ctx context.Context, c *models.Conflict) error
	GetConflict(ctx context.Context, id string) (*models.Conflict, error)
	ListConflicts(ctx context.Context, filter ConflictListFilter) ([]*models.Conflict, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
