// Package conflict detects server-ahead divergences of locally modified records and
// reconciles them.
package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/kimhsiao/offlinesync/internal/clock"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

var errNoChange = errors.New("no change")

// Remote is the server side of detection and resolution. *remote.API implements it.
type Remote interface {
	FetchVersion(ctx context.Context, entityType, entityID string) (int64, error)
	FetchData(ctx context.Context, entityType, entityID string) (json.RawMessage, error)
	PushRecord(ctx context.Context, record models.OfflineDataRecord) error
	PushResolution(ctx context.Context, conflictID string, resolution json.RawMessage) error
}

// Listener observes newly detected conflicts.
type Listener func(c models.SyncConflict)

// Result summarizes a SyncOfflineData or ResolveConflicts call.
type Result struct {
	Checked   int `json:"checked"`
	Pushed    int `json:"pushed"`
	Conflicts int `json:"conflicts"`
	Resolved  int `json:"resolved"`
	Deferred  int `json:"deferred"` // manual conflicts still waiting for data
	Errors    int `json:"errors"`
}

// Resolver owns the conflicts table and the sync state of offline records.
type Resolver struct {
	store  *store.Store
	remote Remote
	clock  clock.Clock

	listenerMu sync.RWMutex
	listener   Listener
}

// NewResolver creates a Resolver. A nil clock selects the wall clock.
func NewResolver(st *store.Store, rem Remote, clk clock.Clock) *Resolver {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Resolver{store: st, remote: rem, clock: clk}
}

// SetListener registers the callback invoked when a conflict is created.
func (r *Resolver) SetListener(l Listener) {
	r.listenerMu.Lock()
	defer r.listenerMu.Unlock()
	r.listener = l
}

func (r *Resolver) notify(c models.SyncConflict) {
	r.listenerMu.RLock()
	l := r.listener
	r.listenerMu.RUnlock()
	if l != nil {
		l(c)
	}
}

// SyncOfflineData pushes every unsynced record whose server version is not ahead, and opens a
// conflict for every record the server has moved past. Per-record failures are logged and
// counted; the record stays unsynced for the next cycle.
func (r *Resolver) SyncOfflineData(ctx context.Context) (Result, error) {
	records, err := r.store.GetOfflineData(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, rec := range records {
		if rec.SyncStatus == models.RecordSynced {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		fields := map[string]interface{}{
			"entity_type":   rec.EntityType,
			"entity_id":     rec.EntityID,
			"local_version": rec.Version,
		}

		serverVersion, err := r.remote.FetchVersion(ctx, rec.EntityType, rec.EntityID)
		if err != nil {
			res.Errors++
			logging.ErrorWithCode("Version lookup failed", string(apperrors.ErrConflictDetection), err, fields)
			continue
		}

		if serverVersion > rec.Version {
			created, err := r.openConflict(ctx, rec, serverVersion)
			if err != nil {
				return res, err
			}
			res.Conflicts++
			fields["server_version"] = serverVersion
			logging.Warn("Concurrent edit conflict detected", fields)
			if created != nil {
				r.notify(*created)
			}
			continue
		}

		if err := r.remote.PushRecord(ctx, rec); err != nil {
			res.Errors++
			logging.ErrorWithCode("Record push failed", string(apperrors.CodeOf(err)), err, fields)
			if err := r.markRecord(ctx, rec.Key(), rec.Version, models.RecordError); err != nil {
				return res, err
			}
			continue
		}
		if err := r.markRecord(ctx, rec.Key(), rec.Version, models.RecordSynced); err != nil {
			return res, err
		}
		res.Pushed++
		logging.Debug("Record synced", fields)
	}
	return res, nil
}

// openConflict records a divergence. An entity has at most one pending conflict: an existing
// one is refreshed with the new versions and nil is returned.
func (r *Resolver) openConflict(ctx context.Context, rec models.OfflineDataRecord, serverVersion int64) (*models.SyncConflict, error) {
	var created *models.SyncConflict
	err := r.store.UpdateConflicts(ctx, func(conflicts []models.SyncConflict) ([]models.SyncConflict, error) {
		for i := range conflicts {
			c := &conflicts[i]
			if c.Status != models.ConflictStatusPending || c.Key() != rec.Key() {
				continue
			}
			c.LocalVersion = rec.Version
			c.LocalData = rec.Data
			if serverVersion != c.ServerVersion {
				c.ServerVersion = serverVersion
				c.ServerData = nil
			}
			return conflicts, nil
		}
		c := models.SyncConflict{
			ID:            uuid.New(),
			EntityType:    rec.EntityType,
			EntityID:      rec.EntityID,
			LocalVersion:  rec.Version,
			ServerVersion: serverVersion,
			LocalData:     rec.Data,
			Status:        models.ConflictStatusPending,
			CreatedAt:     r.clock.Now(),
		}
		created = &c
		return append(conflicts, c), nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// markRecord sets the sync status of a record, unless it was modified locally since version.
func (r *Resolver) markRecord(ctx context.Context, key models.EntityKey, version int64, status models.RecordSyncStatus) error {
	err := r.store.UpdateOfflineData(ctx, func(records []models.OfflineDataRecord) ([]models.OfflineDataRecord, error) {
		for i := range records {
			if records[i].Key() == key && records[i].Version == version {
				records[i].SyncStatus = status
				return records, nil
			}
		}
		return nil, errNoChange
	})
	if err == errNoChange {
		return nil
	}
	return err
}

// ResolveConflicts reconciles every pending conflict and reports the result to the server.
// Fetch, merge and push failures leave the conflict pending with LastError set.
func (r *Resolver) ResolveConflicts(ctx context.Context) (Result, error) {
	conflicts, err := r.store.GetConflicts(ctx)
	if err != nil {
		return Result{}, err
	}

	var res Result
	for _, c := range conflicts {
		if c.Status != models.ConflictStatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Checked++

		fields := map[string]interface{}{
			"conflict_id":    c.ID,
			"entity_type":    c.EntityType,
			"entity_id":      c.EntityID,
			"local_version":  c.LocalVersion,
			"server_version": c.ServerVersion,
			"strategy":       string(c.ResolutionStrategy),
		}

		if c.ResolutionStrategy == models.StrategyManual && c.ResolvedData == nil {
			res.Deferred++
			continue
		}

		fetched := false
		if c.ServerData == nil && c.ResolutionStrategy != models.StrategyLocalWins && c.ResolutionStrategy != models.StrategyManual {
			data, err := r.remote.FetchData(ctx, c.EntityType, c.EntityID)
			if err != nil {
				res.Errors++
				logging.ErrorWithCode("Server data fetch failed", string(apperrors.ErrConflictResolution), err, fields)
				if err := r.recordFailure(ctx, c.ID, nil, err); err != nil {
					return res, err
				}
				continue
			}
			c.ServerData = data
			fetched = true
		}

		resolved, strategy, err := reconcile(c)
		if err != nil {
			res.Errors++
			logging.ErrorWithCode("Conflict merge failed", string(apperrors.ErrConflictResolution), err, fields)
			if err := r.recordFailure(ctx, c.ID, serverDataIf(fetched, c.ServerData), err); err != nil {
				return res, err
			}
			continue
		}

		if err := r.remote.PushResolution(ctx, c.ID, resolved); err != nil {
			res.Errors++
			logging.ErrorWithCode("Conflict resolution push failed", string(apperrors.ErrConflictResolution), err, fields)
			if err := r.recordFailure(ctx, c.ID, serverDataIf(fetched, c.ServerData), err); err != nil {
				return res, err
			}
			continue
		}

		if err := r.finish(ctx, c, resolved, strategy); err != nil {
			return res, err
		}
		res.Resolved++
		fields["strategy"] = string(strategy)
		logging.Info("Conflict resolved", fields)
	}
	return res, nil
}

// reconcile produces the resolved value for c according to its strategy.
func reconcile(c models.SyncConflict) (json.RawMessage, models.ResolutionStrategy, error) {
	switch c.ResolutionStrategy {
	case models.StrategyManual:
		return c.ResolvedData, models.StrategyManual, nil
	case models.StrategyLocalWins:
		return c.LocalData, models.StrategyLocalWins, nil
	case models.StrategyServerWins:
		return c.ServerData, models.StrategyServerWins, nil
	default:
		merged, err := Merge(c.LocalData, c.ServerData)
		return merged, models.StrategyMerge, err
	}
}

func serverDataIf(ok bool, data json.RawMessage) json.RawMessage {
	if ok {
		return data
	}
	return nil
}

// recordFailure keeps the conflict pending, caching server data fetched before the failure.
func (r *Resolver) recordFailure(ctx context.Context, id string, serverData json.RawMessage, cause error) error {
	return r.store.UpdateConflicts(ctx, func(conflicts []models.SyncConflict) ([]models.SyncConflict, error) {
		for i := range conflicts {
			if conflicts[i].ID == id {
				conflicts[i].LastError = cause.Error()
				if serverData != nil {
					conflicts[i].ServerData = serverData
				}
			}
		}
		return conflicts, nil
	})
}

// finish marks c resolved and writes the result into its offline record.
func (r *Resolver) finish(ctx context.Context, c models.SyncConflict, resolved json.RawMessage, strategy models.ResolutionStrategy) error {
	now := r.clock.Now()
	err := r.store.UpdateConflicts(ctx, func(conflicts []models.SyncConflict) ([]models.SyncConflict, error) {
		for i := range conflicts {
			if conflicts[i].ID != c.ID {
				continue
			}
			conflicts[i].ServerData = c.ServerData
			conflicts[i].ResolvedData = resolved
			conflicts[i].ResolutionStrategy = strategy
			conflicts[i].Status = models.ConflictStatusResolved
			conflicts[i].ResolvedAt = &now
			conflicts[i].LastError = ""
		}
		return conflicts, nil
	})
	if err != nil {
		return err
	}

	return r.store.UpdateOfflineData(ctx, func(records []models.OfflineDataRecord) ([]models.OfflineDataRecord, error) {
		for i := range records {
			rec := &records[i]
			if rec.Key() != c.Key() {
				continue
			}
			if rec.Version > c.LocalVersion {
				// Edited again while the conflict was open: replay that edit on the resolved
				// value and keep it pending, now based on the server's version.
				data, err := Rebase(c.LocalData, rec.Data, resolved)
				if err != nil {
					return nil, err
				}
				rec.Data = data
				rec.Version = max(rec.Version, c.ServerVersion)
				return records, nil
			}
			rec.Data = resolved
			rec.Version = max(rec.Version, c.ServerVersion)
			rec.LastModified = now
			rec.SyncStatus = models.RecordSynced
			return records, nil
		}
		return append(records, models.OfflineDataRecord{
			EntityType:   c.EntityType,
			EntityID:     c.EntityID,
			Data:         resolved,
			Version:      c.ServerVersion,
			LastModified: now,
			SyncStatus:   models.RecordSynced,
		}), nil
	})
}

// ResolveManually supplies the reconciled value for a pending conflict. It is pushed on the
// next ResolveConflicts call without merging.
func (r *Resolver) ResolveManually(ctx context.Context, conflictID string, data json.RawMessage) error {
	if !json.Valid(data) {
		return apperrors.New(apperrors.ErrInvalid, "resolved data is not valid JSON")
	}
	return r.updatePending(ctx, conflictID, func(c *models.SyncConflict) {
		c.ResolutionStrategy = models.StrategyManual
		c.ResolvedData = append(json.RawMessage(nil), data...)
	})
}

// SetStrategy presets how a pending conflict will be resolved.
func (r *Resolver) SetStrategy(ctx context.Context, conflictID string, strategy models.ResolutionStrategy) error {
	if !strategy.Valid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown resolution strategy %q", strategy)
	}
	return r.updatePending(ctx, conflictID, func(c *models.SyncConflict) {
		c.ResolutionStrategy = strategy
	})
}

func (r *Resolver) updatePending(ctx context.Context, id string, fn func(*models.SyncConflict)) error {
	return r.store.UpdateConflicts(ctx, func(conflicts []models.SyncConflict) ([]models.SyncConflict, error) {
		for i := range conflicts {
			if conflicts[i].ID != id {
				continue
			}
			if conflicts[i].Status != models.ConflictStatusPending {
				return nil, apperrors.Newf(apperrors.ErrInvalid, "conflict %s is already resolved", id)
			}
			fn(&conflicts[i])
			return conflicts, nil
		}
		return nil, apperrors.Newf(apperrors.ErrNotFound, "conflict %s not found", id)
	})
}

// ListConflicts returns conflicts with the given status, or all of them when status is empty.
func (r *Resolver) ListConflicts(ctx context.Context, status models.ConflictStatus) ([]models.SyncConflict, error) {
	conflicts, err := r.store.GetConflicts(ctx)
	if err != nil {
		return nil, err
	}
	if status == "" {
		return conflicts, nil
	}
	out := conflicts[:0]
	for _, c := range conflicts {
		if c.Status == status {
			out = append(out, c)
		}
	}
	return out, nil
}

// PendingCount returns the number of unresolved conflicts.
func (r *Resolver) PendingCount(ctx context.Context) (int, error) {
	pending, err := r.ListConflicts(ctx, models.ConflictStatusPending)
	if err != nil {
		return 0, err
	}
	return len(pending), nil
}
