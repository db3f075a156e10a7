package models

import "time"

// LockType distinguishes shared (read) from exclusive (write) claims.
type LockType string

const (
	LockTypeShared    LockType = "shared"
	LockTypeExclusive LockType = "exclusive"
)

// Lock binds one named resource to one owning session. A resource may carry
// any number of shared locks or exactly one exclusive lock, never both.
type Lock struct {
	Resource   string    `json:"resource"`
	SessionID  string    `json:"session_id"`
	Type       LockType  `json:"type"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// WaitEntry is a pending lock request in a resource's FIFO wait queue.
type WaitEntry struct {
	SessionID  string    `json:"session_id"`
	Type       LockType  `json:"type"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}
