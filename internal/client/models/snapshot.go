package models

import "time"

// SyncStatusSnapshot caches the last known shape of the remote collection so
// that a cheap remote probe can be compared without downloading content.
type SyncStatusSnapshot struct {
	Count       int       `json:"count"`
	LastUpdated time.Time `json:"last_updated"`
}

// Equal reports whether two snapshots describe the same remote shape.
func (s SyncStatusSnapshot) Equal(other SyncStatusSnapshot) bool {
	return s.Count == other.Count && s.LastUpdated.Equal(other.LastUpdated)
}

// KeyBlob is the persisted form of the encryption key set: exactly one
// primary key plus an ordered history of superseded fallback keys.
type KeyBlob struct {
	Primary   string   `json:"primary"`
	Fallbacks []string `json:"fallbacks,omitempty"`
}
