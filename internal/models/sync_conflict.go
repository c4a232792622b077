package models

import (
	"encoding/json"
	"time"
)

// ResolutionStrategy selects how a conflict's reconciled value is produced.
type ResolutionStrategy string

const (
	StrategyLocalWins  ResolutionStrategy = "local_wins"
	StrategyServerWins ResolutionStrategy = "server_wins"
	StrategyMerge      ResolutionStrategy = "merge"
	StrategyManual     ResolutionStrategy = "manual"
)

// Valid reports whether s is a known strategy.
func (s ResolutionStrategy) Valid() bool {
	switch s {
	case StrategyLocalWins, StrategyServerWins, StrategyMerge, StrategyManual:
		return true
	}
	return false
}

// ConflictStatus is the lifecycle state of a SyncConflict.
type ConflictStatus string

const (
	ConflictStatusPending  ConflictStatus = "pending"
	ConflictStatusResolved ConflictStatus = "resolved"
)

// SyncConflict records a server-ahead divergence for one entity.
// Conflicts are only ever created when ServerVersion > LocalVersion and are never deleted.
type SyncConflict struct {
	ID                 string             `json:"id"`
	EntityType         string             `json:"entity_type"`
	EntityID           string             `json:"entity_id"`
	LocalVersion       int64              `json:"local_version"`
	ServerVersion      int64              `json:"server_version"`
	LocalData          json.RawMessage    `json:"local_data,omitempty"`
	ServerData         json.RawMessage    `json:"server_data,omitempty"`
	ResolvedData       json.RawMessage    `json:"resolved_data,omitempty"`
	ResolutionStrategy ResolutionStrategy `json:"resolution_strategy,omitempty"`
	Status             ConflictStatus     `json:"status"`
	CreatedAt          time.Time          `json:"created_at"`
	ResolvedAt         *time.Time         `json:"resolved_at,omitempty"`
	LastError          string             `json:"last_error,omitempty"`
}

// Key returns the entity key the conflict belongs to.
func (c *SyncConflict) Key() EntityKey {
	return EntityKey{Type: c.EntityType, ID: c.EntityID}
}
