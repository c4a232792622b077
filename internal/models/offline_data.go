package models

import (
	"encoding/json"
	"time"
)

// RecordSyncStatus tracks whether a local record has reached the server.
type RecordSyncStatus string

const (
	RecordPending RecordSyncStatus = "pending"
	RecordSynced  RecordSyncStatus = "synced"
	RecordError   RecordSyncStatus = "error"
)

// EntityKey is the unique (entityType, entityId) pair of an OfflineDataRecord.
type EntityKey struct {
	Type string
	ID   string
}

// String renders the key as the remote resource suffix "type/id".
func (k EntityKey) String() string {
	return k.Type + "/" + k.ID
}

// OfflineDataRecord is the client's last known value of one remote entity.
// Version only increases; it is incremented on every local mutation.
type OfflineDataRecord struct {
	EntityType   string           `json:"entity_type"`
	EntityID     string           `json:"entity_id"`
	Data         json.RawMessage  `json:"data,omitempty"`
	Version      int64            `json:"version"`
	LastModified time.Time        `json:"last_modified"`
	SyncStatus   RecordSyncStatus `json:"sync_status"`
}

// Key returns the record's unique key.
func (r *OfflineDataRecord) Key() EntityKey {
	return EntityKey{Type: r.EntityType, ID: r.EntityID}
}
