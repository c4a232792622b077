// Package sync orchestrates offline synchronization: the request queue, offline records and
// conflict resolution run as one single-flight sync cycle.
package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/offlinesync/internal/clock"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/sync/conflict"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
)

// maxErrorHistory bounds the in-memory error history.
const maxErrorHistory = 100

var errRecordExists = errors.New("record exists")

// Config configures an Engine.
type Config struct {
	Queue  queue.Config
	Clock  clock.Clock // nil selects the wall clock
	Online bool        // initial connectivity
}

// SyncResult describes one sync cycle.
type SyncResult struct {
	StartTime time.Time       `json:"start_time"`
	EndTime   time.Time       `json:"end_time"`
	Duration  time.Duration   `json:"duration"`
	Queue     queue.Result    `json:"queue"`
	Offline   conflict.Result `json:"offline"`
	Conflicts conflict.Result `json:"conflicts"`
	Skipped   bool            `json:"skipped,omitempty"` // another cycle was in flight
	Error     string          `json:"error,omitempty"`
}

// SyncStats is a read-only snapshot for hosts.
type SyncStats struct {
	Queue                 models.QueueStats `json:"queue"`
	Status                models.SyncStatus `json:"status"`
	IsOnline              bool              `json:"is_online"`
	IsSyncing             bool              `json:"is_syncing"`
	PendingConflicts      int               `json:"pending_conflicts"`
	PendingOfflineRecords int               `json:"pending_offline_records"`
}

// SyncErrorEntry is one remembered failure.
type SyncErrorEntry struct {
	Operation string    `json:"operation"`
	ItemID    string    `json:"item_id,omitempty"`
	Error     string    `json:"error"`
	Code      string    `json:"code"`
	Timestamp time.Time `json:"timestamp"`
}

// Engine is the sync orchestrator. It is constructed once by the host and shared by reference.
type Engine struct {
	store    *store.Store
	queue    *queue.Processor
	resolver *conflict.Resolver
	remote   conflict.Remote
	clock    clock.Clock

	online         atomic.Bool
	syncInProgress atomic.Bool

	handlerMu sync.RWMutex
	handler   SyncEventHandler

	errMu        sync.Mutex
	errorHistory []SyncErrorEntry

	// background work started by QueueRequest
	bgCtx    context.Context
	bgCancel context.CancelFunc
	bg       sync.WaitGroup
}

// NewEngine wires the engine's components over st. transport executes queued requests and
// api serves version lookups, record pushes and conflict resolution.
func NewEngine(st *store.Store, transport remote.Transport, api conflict.Remote, cfg Config) *Engine {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	bgCtx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		store:    st,
		queue:    queue.New(st, transport, clk, cfg.Queue),
		resolver: conflict.NewResolver(st, api, clk),
		remote:   api,
		clock:    clk,
		bgCtx:    bgCtx,
		bgCancel: cancel,
	}
	e.online.Store(cfg.Online)
	e.queue.SetListener(e.onQueueItem)
	e.resolver.SetListener(e.onConflict)
	return e
}

// Start recovers from an unclean shutdown: items left processing go back to pending and a
// cycle persisted as syncing is recorded as failed.
func (e *Engine) Start(ctx context.Context) error {
	n, err := e.queue.RecoverInterrupted(ctx)
	if err != nil {
		return err
	}
	status, err := e.store.GetSyncStatus(ctx)
	if err != nil {
		return err
	}
	if status.Status == models.SyncStateSyncing {
		status.Status = models.SyncStateFailed
		status.Error = "sync interrupted by shutdown"
		if err := e.store.SetSyncStatus(ctx, status); err != nil {
			return err
		}
	}
	logging.Info("Sync engine started", map[string]interface{}{
		"recovered_items": n,
		"online":          e.IsOnline(),
	})
	return nil
}

// Close stops background queue processing started by QueueRequest and waits for it.
func (e *Engine) Close() {
	e.bgCancel()
	e.bg.Wait()
}

// SetOnline records connectivity and returns the previous value.
func (e *Engine) SetOnline(online bool) bool {
	prev := e.online.Swap(online)
	if prev != online {
		logging.Info("Connectivity changed", map[string]interface{}{"online": online})
	}
	return prev
}

// IsOnline reports the last connectivity signal.
func (e *Engine) IsOnline() bool {
	return e.online.Load()
}

// IsSyncing reports whether a cycle is in flight.
func (e *Engine) IsSyncing() bool {
	return e.syncInProgress.Load()
}

// QueueRequest enqueues a deferred request. When online, a queue pass is started in the
// background without waiting for the scheduler.
func (e *Engine) QueueRequest(ctx context.Context, method models.Method, url string, payload json.RawMessage, opts queue.Options) (string, error) {
	id, err := e.queue.AddToQueue(ctx, method, url, payload, opts)
	if err != nil {
		return "", err
	}
	if e.IsOnline() {
		e.kickQueue()
	}
	return id, nil
}

func (e *Engine) kickQueue() {
	if e.bgCtx.Err() != nil {
		return
	}
	e.bg.Add(1)
	go func() {
		defer e.bg.Done()
		if _, err := e.queue.ProcessQueue(e.bgCtx); err != nil && e.bgCtx.Err() == nil {
			e.recordError("process_queue", "", err)
			logging.Error("Background queue pass failed", err)
		}
	}()
}

// StoreOfflineData upserts the local value of an entity, bumping its version and marking it
// pending.
func (e *Engine) StoreOfflineData(ctx context.Context, entityType, entityID string, data json.RawMessage) (models.OfflineDataRecord, error) {
	if entityType == "" || entityID == "" {
		return models.OfflineDataRecord{}, apperrors.New(apperrors.ErrInvalid, "entity type and id are required")
	}
	if !json.Valid(data) {
		return models.OfflineDataRecord{}, apperrors.New(apperrors.ErrInvalid, "data is not valid JSON")
	}

	key := models.EntityKey{Type: entityType, ID: entityID}
	now := e.clock.Now()
	var out models.OfflineDataRecord
	err := e.store.UpdateOfflineData(ctx, func(records []models.OfflineDataRecord) ([]models.OfflineDataRecord, error) {
		for i := range records {
			if records[i].Key() != key {
				continue
			}
			records[i].Data = append(json.RawMessage(nil), data...)
			records[i].Version++
			records[i].LastModified = now
			records[i].SyncStatus = models.RecordPending
			out = records[i]
			return records, nil
		}
		out = models.OfflineDataRecord{
			EntityType:   entityType,
			EntityID:     entityID,
			Data:         append(json.RawMessage(nil), data...),
			Version:      1,
			LastModified: now,
			SyncStatus:   models.RecordPending,
		}
		return append(records, out), nil
	})
	if err != nil {
		return models.OfflineDataRecord{}, err
	}
	logging.Debug("Stored offline data", map[string]interface{}{
		"entity":  key.String(),
		"version": out.Version,
	})
	return out, nil
}

// GetOfflineData returns the local record of an entity. A missing record is fetched from the
// server and stored as synced; offline, a missing record is NOT_FOUND.
func (e *Engine) GetOfflineData(ctx context.Context, entityType, entityID string) (models.OfflineDataRecord, error) {
	key := models.EntityKey{Type: entityType, ID: entityID}
	if rec, ok, err := e.findRecord(ctx, key); err != nil || ok {
		return rec, err
	}
	if !e.IsOnline() {
		return models.OfflineDataRecord{}, apperrors.Newf(apperrors.ErrNotFound, "%s is not available offline", key)
	}

	data, err := e.remote.FetchData(ctx, entityType, entityID)
	if err != nil {
		return models.OfflineDataRecord{}, err
	}
	version, err := e.remote.FetchVersion(ctx, entityType, entityID)
	if err != nil {
		return models.OfflineDataRecord{}, err
	}

	fetched := models.OfflineDataRecord{
		EntityType:   entityType,
		EntityID:     entityID,
		Data:         data,
		Version:      version,
		LastModified: e.clock.Now(),
		SyncStatus:   models.RecordSynced,
	}
	var out models.OfflineDataRecord
	err = e.store.UpdateOfflineData(ctx, func(records []models.OfflineDataRecord) ([]models.OfflineDataRecord, error) {
		for _, rec := range records {
			// Stored locally while we were fetching: the local value wins.
			if rec.Key() == key {
				out = rec
				return nil, errRecordExists
			}
		}
		out = fetched
		return append(records, fetched), nil
	})
	if err != nil && err != errRecordExists {
		return models.OfflineDataRecord{}, err
	}
	return out, nil
}

func (e *Engine) findRecord(ctx context.Context, key models.EntityKey) (models.OfflineDataRecord, bool, error) {
	records, err := e.store.GetOfflineData(ctx)
	if err != nil {
		return models.OfflineDataRecord{}, false, err
	}
	for _, rec := range records {
		if rec.Key() == key {
			return rec, true, nil
		}
	}
	return models.OfflineDataRecord{}, false, nil
}

// PerformSync runs one cycle: queue pass, offline data reconciliation, conflict resolution.
// A call made while a cycle is in flight returns a Skipped result without doing anything.
// Cycle-level failures are persisted as a failed SyncStatus and returned as SCHEDULER_ERROR.
func (e *Engine) PerformSync(ctx context.Context) (result *SyncResult, err error) {
	if !e.syncInProgress.CompareAndSwap(false, true) {
		logging.Debug("Sync already in progress, skipping")
		return &SyncResult{Skipped: true}, nil
	}
	defer e.syncInProgress.Store(false)

	result = &SyncResult{StartTime: e.clock.Now()}
	prev, err := e.store.GetSyncStatus(ctx)
	if err != nil {
		return result, err
	}
	if err := e.store.SetSyncStatus(ctx, models.SyncStatus{LastSyncTime: prev.LastSyncTime, Status: models.SyncStateSyncing}); err != nil {
		return result, err
	}

	logging.Info("Sync started", map[string]interface{}{"online": e.IsOnline()})
	e.emitEvent(SyncEvent{Type: SyncEventStarted, Message: "Sync started"})

	defer func() {
		if r := recover(); r != nil {
			err = apperrors.New(apperrors.ErrScheduler, fmt.Sprintf("panic during sync: %v", r))
		}
		result.EndTime = e.clock.Now()
		result.Duration = result.EndTime.Sub(result.StartTime)
		persistCtx := context.WithoutCancel(ctx)

		if err == nil {
			end := result.EndTime
			err = e.store.SetSyncStatus(persistCtx, models.SyncStatus{LastSyncTime: &end, Status: models.SyncStateCompleted})
		}
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrScheduler) {
				err = apperrors.Wrap(apperrors.ErrScheduler, "sync cycle failed", err)
			}
			result.Error = err.Error()
			e.recordError("sync", "", err)
			if serr := e.store.SetSyncStatus(persistCtx, models.SyncStatus{
				LastSyncTime: prev.LastSyncTime,
				Status:       models.SyncStateFailed,
				Error:        err.Error(),
			}); serr != nil {
				logging.Error("Failed to persist sync status", serr)
			}
			logging.ErrorWithCode("Sync failed", string(apperrors.CodeOf(err)), err)
			e.emitEvent(SyncEvent{Type: SyncEventFailed, Message: err.Error(), Data: result})
			return
		}

		logging.Info("Sync completed", map[string]interface{}{
			"duration_ms":        result.Duration.Milliseconds(),
			"queue_succeeded":    result.Queue.Succeeded,
			"queue_failed":       result.Queue.Failed,
			"records_pushed":     result.Offline.Pushed,
			"conflicts_detected": result.Offline.Conflicts,
			"conflicts_resolved": result.Conflicts.Resolved,
		})
		e.emitEvent(SyncEvent{Type: SyncEventCompleted, Message: "Sync completed", Data: result})
	}()

	if result.Queue, err = e.queue.ProcessQueue(ctx); err != nil {
		return result, err
	}
	if result.Offline, err = e.resolver.SyncOfflineData(ctx); err != nil {
		return result, err
	}
	if result.Conflicts, err = e.resolver.ResolveConflicts(ctx); err != nil {
		return result, err
	}
	return result, nil
}

// ForceSync runs a cycle on demand, regardless of the scheduler's cadence.
func (e *Engine) ForceSync(ctx context.Context) (*SyncResult, error) {
	logging.Info("Forced sync requested")
	return e.PerformSync(ctx)
}

// GetSyncStats returns queue counts, the last SyncStatus and connectivity.
func (e *Engine) GetSyncStats(ctx context.Context) (SyncStats, error) {
	qs, err := e.queue.GetQueueStats(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	status, err := e.store.GetSyncStatus(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	pendingConflicts, err := e.resolver.PendingCount(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	records, err := e.store.GetOfflineData(ctx)
	if err != nil {
		return SyncStats{}, err
	}
	pendingRecords := 0
	for _, r := range records {
		if r.SyncStatus != models.RecordSynced {
			pendingRecords++
		}
	}
	return SyncStats{
		Queue:                 qs,
		Status:                status,
		IsOnline:              e.IsOnline(),
		IsSyncing:             e.IsSyncing(),
		PendingConflicts:      pendingConflicts,
		PendingOfflineRecords: pendingRecords,
	}, nil
}

// GetQueueStats counts queue items by status.
func (e *Engine) GetQueueStats(ctx context.Context) (models.QueueStats, error) {
	return e.queue.GetQueueStats(ctx)
}

// RetryFailedItems returns failed queue items to pending.
func (e *Engine) RetryFailedItems(ctx context.Context) (int, error) {
	return e.queue.RetryFailedItems(ctx)
}

// GetQueueItem returns one queue item by id.
func (e *Engine) GetQueueItem(ctx context.Context, id string) (models.QueueItem, error) {
	return e.queue.GetItem(ctx, id)
}

// RetryItem returns one failed queue item to pending.
func (e *Engine) RetryItem(ctx context.Context, id string) error {
	return e.queue.RetryItem(ctx, id)
}

// ClearCompletedItems removes completed queue items.
func (e *Engine) ClearCompletedItems(ctx context.Context) (int, error) {
	return e.queue.ClearCompletedItems(ctx)
}

// CancelItem removes a pending queue item.
func (e *Engine) CancelItem(ctx context.Context, id string) error {
	return e.queue.CancelItem(ctx, id)
}

// CancelByTag removes pending queue items carrying tag.
func (e *Engine) CancelByTag(ctx context.Context, tag string) (int, error) {
	return e.queue.CancelByTag(ctx, tag)
}

// Reset discards every queued request, offline record and conflict along with the sync
// status, as on sign-out. It fails with SYNC_IN_PROGRESS while a cycle runs, and no cycle can
// start until it returns.
func (e *Engine) Reset(ctx context.Context) error {
	if !e.syncInProgress.CompareAndSwap(false, true) {
		return apperrors.New(apperrors.ErrSyncInProgress, "cannot reset while a sync cycle is running")
	}
	defer e.syncInProgress.Store(false)

	if err := e.store.Reset(ctx); err != nil {
		return err
	}
	e.ClearErrorHistory()
	logging.Info("Local sync state reset")
	return nil
}

// ListConflicts returns conflicts with status, or all when status is empty.
func (e *Engine) ListConflicts(ctx context.Context, status models.ConflictStatus) ([]models.SyncConflict, error) {
	return e.resolver.ListConflicts(ctx, status)
}

// ResolveConflict supplies a manual resolution for a pending conflict.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, data json.RawMessage) error {
	return e.resolver.ResolveManually(ctx, conflictID, data)
}

// SetConflictStrategy presets the strategy of a pending conflict.
func (e *Engine) SetConflictStrategy(ctx context.Context, conflictID string, strategy models.ResolutionStrategy) error {
	return e.resolver.SetStrategy(ctx, conflictID, strategy)
}

func (e *Engine) onQueueItem(item models.QueueItem) {
	switch item.Status {
	case models.QueueStatusCompleted:
		e.emitEvent(SyncEvent{Type: SyncEventItemCompleted, Message: item.URL, Data: item})
	case models.QueueStatusFailed:
		e.recordErrorMessage("queue_item", item.ID, item.ErrorMessage, apperrors.ErrTransport)
		e.emitEvent(SyncEvent{Type: SyncEventItemFailed, Message: item.ErrorMessage, Data: item})
	}
}

func (e *Engine) onConflict(c models.SyncConflict) {
	e.emitEvent(SyncEvent{Type: SyncEventConflictDetected, Message: c.Key().String(), Data: c})
}

// GetErrorHistory returns a copy of recent failures, oldest first.
func (e *Engine) GetErrorHistory() []SyncErrorEntry {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	out := make([]SyncErrorEntry, len(e.errorHistory))
	copy(out, e.errorHistory)
	return out
}

// ClearErrorHistory forgets recorded failures.
func (e *Engine) ClearErrorHistory() {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.errorHistory = nil
}

func (e *Engine) recordError(operation, itemID string, err error) {
	e.recordErrorMessage(operation, itemID, err.Error(), apperrors.CodeOf(err))
}

func (e *Engine) recordErrorMessage(operation, itemID, msg string, code apperrors.ErrorCode) {
	e.errMu.Lock()
	defer e.errMu.Unlock()
	e.errorHistory = append(e.errorHistory, SyncErrorEntry{
		Operation: operation,
		ItemID:    itemID,
		Error:     msg,
		Code:      string(code),
		Timestamp: e.clock.Now(),
	})
	if len(e.errorHistory) > maxErrorHistory {
		e.errorHistory = e.errorHistory[len(e.errorHistory)-maxErrorHistory:]
	}
}
