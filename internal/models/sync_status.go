package models

import "time"

// SyncState is the phase of the process-wide sync cycle.
type SyncState string

const (
	SyncStateIdle      SyncState = "idle"
	SyncStateSyncing   SyncState = "syncing"
	SyncStateCompleted SyncState = "completed"
	SyncStateFailed    SyncState = "failed"
)

// SyncStatus describes the last sync attempt.
type SyncStatus struct {
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
	Status       SyncState  `json:"status"`
	Error        string     `json:"error,omitempty"`
}
