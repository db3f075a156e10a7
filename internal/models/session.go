package models

import "time"

// SessionStatus represents the derived state of a workspace session.
// It is recomputed on every state-changing event and never set by clients.
type SessionStatus string

const (
	SessionStatusActive  SessionStatus = "active"
	SessionStatusIdle    SessionStatus = "idle"
	SessionStatusLocked  SessionStatus = "locked"
	SessionStatusWaiting SessionStatus = "waiting"
)

// Session represents one connected developer or agent terminal scoped to a
// project workspace. ProjectID may be empty for unscoped sessions, which see
// no project state.
type Session struct {
	ID               string        `json:"id"`
	ProjectID        string        `json:"project_id,omitempty"`
	UserID           string        `json:"user_id"`
	Status           SessionStatus `json:"status"`
	IsPrimary        bool          `json:"is_primary"`
	CurrentBranch    string        `json:"current_branch,omitempty"`
	WorkingDirectory string        `json:"working_directory,omitempty"`
	StartedAt        time.Time     `json:"started_at"`
	LastActive       time.Time     `json:"last_active"`
}
