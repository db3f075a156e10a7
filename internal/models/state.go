package models

// ProjectState is the serialized form of a project's coordination state, one
// row per project in the store. Wait queues are deliberately not persisted:
// a waiter that survives a restart must re-issue its acquire.
type ProjectState struct {
	Sessions []*Session         `json:"sessions"`
	Locks    map[string][]*Lock `json:"locks"`
}
