// Package handlers provides the local control API for the sync daemon.
package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// SyncEngine is the engine surface the control API uses.
type SyncEngine interface {
	GetSyncStats(ctx context.Context) (syncpkg.SyncStats, error)
	ForceSync(ctx context.Context) (*syncpkg.SyncResult, error)
	RetryFailedItems(ctx context.Context) (int, error)
	ClearCompletedItems(ctx context.Context) (int, error)
	GetQueueItem(ctx context.Context, id string) (models.QueueItem, error)
	RetryItem(ctx context.Context, id string) error
	CancelItem(ctx context.Context, id string) error
	CancelByTag(ctx context.Context, tag string) (int, error)
	ListConflicts(ctx context.Context, status models.ConflictStatus) ([]models.SyncConflict, error)
	ResolveConflict(ctx context.Context, conflictID string, data json.RawMessage) error
	SetConflictStrategy(ctx context.Context, conflictID string, strategy models.ResolutionStrategy) error
	GetErrorHistory() []syncpkg.SyncErrorEntry
}

// SyncScheduler receives connectivity and lifecycle signals.
type SyncScheduler interface {
	Status() scheduler.Status
	SetOnline(ctx context.Context, online bool)
	SetForeground(ctx context.Context, foreground bool)
	SetBatteryLow(ctx context.Context, low bool)
	SetStoragePressure(ctx context.Context, pressure bool)
}

// SyncHandler handles sync status and operations.
type SyncHandler struct {
	engine    SyncEngine
	scheduler SyncScheduler
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(engine SyncEngine, sched SyncScheduler) *SyncHandler {
	return &SyncHandler{engine: engine, scheduler: sched}
}

// Register mounts the sync routes on mux.
func (h *SyncHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/health", h.Health)
	mux.HandleFunc("GET /api/sync/stats", h.GetStats)
	mux.HandleFunc("POST /api/sync/force", h.ForceSync)
	mux.HandleFunc("POST /api/sync/retry-failed", h.RetryFailed)
	mux.HandleFunc("POST /api/sync/clear-completed", h.ClearCompleted)
	mux.HandleFunc("GET /api/sync/queue/{id}", h.GetQueueItem)
	mux.HandleFunc("POST /api/sync/queue/{id}/retry", h.RetryItem)
	mux.HandleFunc("DELETE /api/sync/queue/{id}", h.CancelItem)
	mux.HandleFunc("DELETE /api/sync/queue", h.CancelByTag)
	mux.HandleFunc("POST /api/sync/online", h.SetOnline)
	mux.HandleFunc("POST /api/sync/lifecycle", h.Lifecycle)
	mux.HandleFunc("GET /api/sync/conflicts", h.ListConflicts)
	mux.HandleFunc("POST /api/sync/conflicts/{id}/resolve", h.ResolveConflict)
}

// Health handles GET /api/health.
func (h *SyncHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "offlinesync",
	})
}

// GetStats handles GET /api/sync/stats.
// Returns queue counts, the last sync status, scheduler state and recent errors.
func (h *SyncHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.engine.GetSyncStats(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"stats":     stats,
		"scheduler": h.scheduler.Status(),
		"errors":    h.engine.GetErrorHistory(),
	})
}

// ForceSync handles POST /api/sync/force.
// Runs one sync cycle and returns its result. A cycle already in flight yields 409.
func (h *SyncHandler) ForceSync(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.ForceSync(r.Context())
	if err != nil {
		logging.ErrorWithCode("Forced sync failed", string(apperrors.CodeOf(err)), err)
		writeJSON(w, http.StatusInternalServerError, map[string]interface{}{
			"error":  errorBody(err),
			"result": result,
		})
		return
	}
	if result.Skipped {
		writeError(w, apperrors.New(apperrors.ErrSyncInProgress, "a sync cycle is already running"))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "success",
		"result": result,
	})
}

// RetryFailed handles POST /api/sync/retry-failed.
func (h *SyncHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.RetryFailedItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"retried": n})
}

// ClearCompleted handles POST /api/sync/clear-completed.
func (h *SyncHandler) ClearCompleted(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.ClearCompletedItems(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"removed": n})
}

// GetQueueItem handles GET /api/sync/queue/{id}.
func (h *SyncHandler) GetQueueItem(w http.ResponseWriter, r *http.Request) {
	item, err := h.engine.GetQueueItem(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// RetryItem handles POST /api/sync/queue/{id}/retry.
func (h *SyncHandler) RetryItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.RetryItem(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "pending", "item_id": id})
}

// CancelItem handles DELETE /api/sync/queue/{id}. Only pending items can be cancelled.
func (h *SyncHandler) CancelItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.engine.CancelItem(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": 1, "item_id": id})
}

// CancelByTag handles DELETE /api/sync/queue?tag=...
func (h *SyncHandler) CancelByTag(w http.ResponseWriter, r *http.Request) {
	tag := r.URL.Query().Get("tag")
	if tag == "" {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "tag is required"))
		return
	}
	n, err := h.engine.CancelByTag(r.Context(), tag)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"cancelled": n, "tag": tag})
}

// SetOnline handles POST /api/sync/online with {"online": bool}.
func (h *SyncHandler) SetOnline(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Online *bool `json:"online"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	if request.Online == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}

	h.scheduler.SetOnline(r.Context(), *request.Online)
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

// Lifecycle handles POST /api/sync/lifecycle.
// Accepts any of foreground, battery_low and storage_pressure.
func (h *SyncHandler) Lifecycle(w http.ResponseWriter, r *http.Request) {
	var request struct {
		Foreground      *bool `json:"foreground"`
		BatteryLow      *bool `json:"battery_low"`
		StoragePressure *bool `json:"storage_pressure"`
	}
	if !decodeBody(w, r, &request) {
		return
	}
	if request.Foreground == nil && request.BatteryLow == nil && request.StoragePressure == nil {
		writeError(w, apperrors.New(apperrors.ErrInvalid, "at least one of foreground, battery_low or storage_pressure is required"))
		return
	}

	ctx := r.Context()
	if request.Foreground != nil {
		h.scheduler.SetForeground(ctx, *request.Foreground)
	}
	if request.BatteryLow != nil {
		h.scheduler.SetBatteryLow(ctx, *request.BatteryLow)
	}
	if request.StoragePressure != nil {
		h.scheduler.SetStoragePressure(ctx, *request.StoragePressure)
	}
	writeJSON(w, http.StatusOK, h.scheduler.Status())
}

// ListConflicts handles GET /api/sync/conflicts?status=pending|resolved.
func (h *SyncHandler) ListConflicts(w http.ResponseWriter, r *http.Request) {
	status := models.ConflictStatus(r.URL.Query().Get("status"))
	switch status {
	case "", models.ConflictStatusPending, models.ConflictStatusResolved:
	default:
		writeError(w, apperrors.Newf(apperrors.ErrInvalid, "unknown conflict status %q", status))
		return
	}

	conflicts, err := h.engine.ListConflicts(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	if conflicts == nil {
		conflicts = []models.SyncConflict{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"total":     len(conflicts),
	})
}

// ResolveConflict handles POST /api/sync/conflicts/{id}/resolve.
// {"data": ...} resolves manually; {"strategy": "..."} presets the strategy used by the next cycle.
func (h *SyncHandler) ResolveConflict(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var request struct {
		Data     json.RawMessage           `json:"data"`
		Strategy models.ResolutionStrategy `json:"strategy"`
	}
	if !decodeBody(w, r, &request) {
		return
	}

	var err error
	switch {
	case len(request.Data) > 0 && request.Strategy != "":
		err = apperrors.New(apperrors.ErrInvalid, "data and strategy are mutually exclusive")
	case len(request.Data) > 0:
		err = h.engine.ResolveConflict(r.Context(), id, request.Data)
	case request.Strategy != "":
		err = h.engine.SetConflictStrategy(r.Context(), id, request.Strategy)
	default:
		err = apperrors.New(apperrors.ErrInvalid, "data or strategy is required")
	}
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"conflict_id": id,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

func errorBody(err error) map[string]interface{} {
	return map[string]interface{}{
		"code":    apperrors.CodeOf(err),
		"message": err.Error(),
	}
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, httpStatus(err), map[string]interface{}{"error": errorBody(err)})
}

// httpStatus maps an error code to the response status.
func httpStatus(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrInvalid:
		return http.StatusBadRequest
	case apperrors.ErrNotFound:
		return http.StatusNotFound
	case apperrors.ErrSyncInProgress:
		return http.StatusConflict
	case apperrors.ErrTransport:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
