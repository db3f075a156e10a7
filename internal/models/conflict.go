package models

import "time"

// ConflictType classifies the kind of contention detected.
type ConflictType string

const (
	ConflictTypeFileEdit     ConflictType = "file_edit"
	ConflictTypeGitMerge     ConflictType = "git_merge"
	ConflictTypeResourceLock ConflictType = "resource_lock"
)

// Resolution strategy labels. Only manual and primary_wins have lock-table
// side effects; last_writer_wins and merge are advisory for the caller's
// merge logic.
const (
	StrategyManual         = "manual"
	StrategyPrimaryWins    = "primary_wins"
	StrategyLastWriterWins = "last_writer_wins"
	StrategyMerge          = "merge"
)

// Conflict records detected contention between two or more sessions over a
// resource. Conflicts are append-only: they are marked resolved, never
// deleted, so the project keeps an audit trail.
type Conflict struct {
	ID                 string       `json:"id"`
	ProjectID          string       `json:"project_id"`
	Type               ConflictType `json:"type"`
	Resource           string       `json:"resource"`
	SessionIDs         []string     `json:"session_ids"`
	DetectedAt         time.Time    `json:"detected_at"`
	Resolved           bool         `json:"resolved"`
	ResolutionStrategy string       `json:"resolution_strategy,omitempty"`
	ResolvedAt         *time.Time   `json:"resolved_at,omitempty"`
}

// HasSession reports whether the session is a member of the conflict.
func (c *Conflict) HasSession(sessionID string) bool {
	for _, id := range c.SessionIDs {
		if id == sessionID {
			return true
		}
	}
	return false
}
