package models

import "time"

// EventType tags the records on a project's event stream.
type EventType string

const (
	EventSessionConnected    EventType = "session_connected"
	EventSessionDisconnected EventType = "session_disconnected"
	EventLockAcquired        EventType = "lock_acquired"
	EventLockReleased        EventType = "lock_released"
	EventLockQueued          EventType = "lock_queued"
	EventConflictDetected    EventType = "conflict_detected"
	EventConflictResolved    EventType = "conflict_resolved"
)

// Event is one record on a project's stream. Seq increases monotonically per
// project, so a subscriber that observes a gap knows to re-subscribe for a
// fresh snapshot. Exactly one of Session, Lock, Conflict is set, matching the
// event type; Resource is set for all lock events.
type Event struct {
	Seq       uint64    `json:"seq"`
	ProjectID string    `json:"project_id"`
	Type      EventType `json:"type"`
	Time      time.Time `json:"time"`
	Resource  string    `json:"resource,omitempty"`
	Session   *Session  `json:"session,omitempty"`
	Lock      *Lock     `json:"lock,omitempty"`
	Conflict  *Conflict `json:"conflict,omitempty"`
}

// Snapshot is the full current state of a project, delivered on (re)subscribe
// so a client never depends on events it may have missed. Seq is the sequence
// number of the last event folded into the snapshot.
type Snapshot struct {
	ProjectID string             `json:"project_id"`
	Seq       uint64             `json:"seq"`
	Sessions  []*Session         `json:"sessions"`
	Locks     map[string][]*Lock `json:"locks"`
	Conflicts []*Conflict        `json:"conflicts"`
}
