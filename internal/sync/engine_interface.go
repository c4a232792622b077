package sync

import (
	"context"
	"encoding/json"
	"time"

	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// SyncEventType names an engine notification. The values are the wire names used by the
// control API's WebSocket stream.
type SyncEventType string

const (
	SyncEventStarted          SyncEventType = "sync.started"
	SyncEventCompleted        SyncEventType = "sync.completed"
	SyncEventFailed           SyncEventType = "sync.failed"
	SyncEventConflictDetected SyncEventType = "sync.conflict_detected"
	SyncEventItemCompleted    SyncEventType = "queue.item_completed"
	SyncEventItemFailed       SyncEventType = "queue.item_failed"
)

// SyncEvent is delivered to the registered SyncEventHandler.
type SyncEvent struct {
	Type      SyncEventType `json:"type"`
	Message   string        `json:"message,omitempty"`
	Data      interface{}   `json:"data,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// SyncEventHandler receives engine notifications. OnSyncEvent runs on the emitting goroutine
// and must not block.
type SyncEventHandler interface {
	OnSyncEvent(event SyncEvent)
}

// SyncEventHandlerFunc adapts a function to SyncEventHandler.
type SyncEventHandlerFunc func(event SyncEvent)

// OnSyncEvent calls f.
func (f SyncEventHandlerFunc) OnSyncEvent(event SyncEvent) { f(event) }

// SetEventHandler replaces the event handler. nil disables notifications.
func (e *Engine) SetEventHandler(handler SyncEventHandler) {
	e.handlerMu.Lock()
	defer e.handlerMu.Unlock()
	e.handler = handler
}

func (e *Engine) emitEvent(event SyncEvent) {
	e.handlerMu.RLock()
	h := e.handler
	e.handlerMu.RUnlock()
	if h == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = e.clock.Now()
	}
	h.OnSyncEvent(event)
}

// SyncEngineInterface is the surface hosts program against.
// This interface allows for mocking in tests and alternative implementations.
type SyncEngineInterface interface {
	QueueRequest(ctx context.Context, method models.Method, url string, payload json.RawMessage, opts queue.Options) (string, error)
	StoreOfflineData(ctx context.Context, entityType, entityID string, data json.RawMessage) (models.OfflineDataRecord, error)
	GetOfflineData(ctx context.Context, entityType, entityID string) (models.OfflineDataRecord, error)
	PerformSync(ctx context.Context) (*SyncResult, error)
	ForceSync(ctx context.Context) (*SyncResult, error)
	GetSyncStats(ctx context.Context) (SyncStats, error)

	GetQueueStats(ctx context.Context) (models.QueueStats, error)
	RetryFailedItems(ctx context.Context) (int, error)
	ClearCompletedItems(ctx context.Context) (int, error)
	GetQueueItem(ctx context.Context, id string) (models.QueueItem, error)
	RetryItem(ctx context.Context, id string) error
	CancelItem(ctx context.Context, id string) error
	CancelByTag(ctx context.Context, tag string) (int, error)
	Reset(ctx context.Context) error

	ListConflicts(ctx context.Context, status models.ConflictStatus) ([]models.SyncConflict, error)
	ResolveConflict(ctx context.Context, conflictID string, data json.RawMessage) error

	SetOnline(online bool) bool
	IsOnline() bool
	IsSyncing() bool
	SetEventHandler(handler SyncEventHandler)
	GetErrorHistory() []SyncErrorEntry
}

var _ SyncEngineInterface = (*Engine)(nil)
