package store

import (
	"context"
	"encoding/json"
	"sync"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Keys of the logical tables.
const (
	KeyQueue       = "offline_queue"
	KeyConflicts   = "sync_conflicts"
	KeyOfflineData = "offline_data"
	KeySyncStatus  = "sync_status"
)

// Store persists the engine's tables. Every read returns a fresh copy; callers never hold
// authoritative in-memory state.
//
// Each table has its own mutex, held across the Update* helpers so goroutines of one process
// queue up in order. Across processes the KV's Update provides the atomicity.
type Store struct {
	kv KV

	queueMu    sync.Mutex
	conflictMu sync.Mutex
	dataMu     sync.Mutex
	statusMu   sync.Mutex
}

// New creates a store over kv.
func New(kv KV) *Store {
	return &Store{kv: kv}
}

func decode[T any](key string, raw []byte) ([]T, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []T
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "decode "+key, err)
	}
	return items, nil
}

func encode[T any](key string, items []T) ([]byte, error) {
	if items == nil {
		items = []T{}
	}
	raw, err := json.Marshal(items)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "encode "+key, err)
	}
	return raw, nil
}

func load[T any](ctx context.Context, kv KV, key string) ([]T, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrStorage, "read "+key, err)
	}
	if !ok {
		return nil, nil
	}
	return decode[T](key, raw)
}

func save[T any](ctx context.Context, kv KV, key string, items []T) error {
	raw, err := encode(key, items)
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, key, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write "+key, err)
	}
	return nil
}

// update runs decode, fn and encode inside one KV.Update. Errors from fn come back as is.
func update[T any](ctx context.Context, kv KV, key string, fn func([]T) ([]T, error)) error {
	var inner error
	err := kv.Update(ctx, key, func(raw []byte) ([]byte, error) {
		items, err := decode[T](key, raw)
		if err == nil {
			items, err = fn(items)
		}
		var out []byte
		if err == nil {
			out, err = encode(key, items)
		}
		inner = err
		return out, err
	})
	if inner != nil {
		return inner
	}
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "update "+key, err)
	}
	return nil
}

// GetQueue returns the queue in stored (insertion) order.
func (s *Store) GetQueue(ctx context.Context) ([]models.QueueItem, error) {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return load[models.QueueItem](ctx, s.kv, KeyQueue)
}

// SaveQueue replaces the whole queue.
func (s *Store) SaveQueue(ctx context.Context, items []models.QueueItem) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return save(ctx, s.kv, KeyQueue, items)
}

// UpdateQueue loads the queue, applies fn and writes the result back as one atomic KV update,
// so a second process sharing the database cannot interleave. If fn returns an error nothing
// is written.
func (s *Store) UpdateQueue(ctx context.Context, fn func([]models.QueueItem) ([]models.QueueItem, error)) error {
	s.queueMu.Lock()
	defer s.queueMu.Unlock()
	return update(ctx, s.kv, KeyQueue, fn)
}

// GetConflicts returns every stored conflict.
func (s *Store) GetConflicts(ctx context.Context) ([]models.SyncConflict, error) {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	return load[models.SyncConflict](ctx, s.kv, KeyConflicts)
}

// SaveConflicts replaces the conflicts table.
func (s *Store) SaveConflicts(ctx context.Context, items []models.SyncConflict) error {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	return save(ctx, s.kv, KeyConflicts, items)
}

// UpdateConflicts is the read-modify-write helper for the conflicts table.
func (s *Store) UpdateConflicts(ctx context.Context, fn func([]models.SyncConflict) ([]models.SyncConflict, error)) error {
	s.conflictMu.Lock()
	defer s.conflictMu.Unlock()
	return update(ctx, s.kv, KeyConflicts, fn)
}

// GetOfflineData returns every offline record.
func (s *Store) GetOfflineData(ctx context.Context) ([]models.OfflineDataRecord, error) {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return load[models.OfflineDataRecord](ctx, s.kv, KeyOfflineData)
}

// SaveOfflineData replaces the offline data table.
func (s *Store) SaveOfflineData(ctx context.Context, items []models.OfflineDataRecord) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return save(ctx, s.kv, KeyOfflineData, items)
}

// UpdateOfflineData is the read-modify-write helper for the offline data table.
func (s *Store) UpdateOfflineData(ctx context.Context, fn func([]models.OfflineDataRecord) ([]models.OfflineDataRecord, error)) error {
	s.dataMu.Lock()
	defer s.dataMu.Unlock()
	return update(ctx, s.kv, KeyOfflineData, fn)
}

// GetSyncStatus returns the last persisted status, or idle if none was written.
func (s *Store) GetSyncStatus(ctx context.Context) (models.SyncStatus, error) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	raw, ok, err := s.kv.Get(ctx, KeySyncStatus)
	if err != nil {
		return models.SyncStatus{}, apperrors.Wrap(apperrors.ErrStorage, "read "+KeySyncStatus, err)
	}
	if !ok || len(raw) == 0 {
		return models.SyncStatus{Status: models.SyncStateIdle}, nil
	}
	var status models.SyncStatus
	if err := json.Unmarshal(raw, &status); err != nil {
		return models.SyncStatus{}, apperrors.Wrap(apperrors.ErrStorage, "decode "+KeySyncStatus, err)
	}
	return status, nil
}

// SetSyncStatus overwrites the status singleton.
func (s *Store) SetSyncStatus(ctx context.Context, status models.SyncStatus) error {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	raw, err := json.Marshal(status)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "encode "+KeySyncStatus, err)
	}
	if err := s.kv.Set(ctx, KeySyncStatus, raw); err != nil {
		return apperrors.Wrap(apperrors.ErrStorage, "write "+KeySyncStatus, err)
	}
	return nil
}

// Reset removes every table, discarding all local sync state.
func (s *Store) Reset(ctx context.Context) error {
	for _, mu := range []*sync.Mutex{&s.queueMu, &s.conflictMu, &s.dataMu, &s.statusMu} {
		mu.Lock()
		defer mu.Unlock()
	}
	for _, key := range []string{KeyQueue, KeyConflicts, KeyOfflineData, KeySyncStatus} {
		if err := s.kv.Remove(ctx, key); err != nil {
			return apperrors.Wrap(apperrors.ErrStorage, "remove "+key, err)
		}
	}
	return nil
}
