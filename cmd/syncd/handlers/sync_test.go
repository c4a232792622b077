// Package handlers tests for the sync control API.
// These tests verify routing, status codes and the signals forwarded to the scheduler.
package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

type fakeEngine struct {
	stats      syncpkg.SyncStats
	statsErr   error
	syncResult *syncpkg.SyncResult
	syncErr    error
	conflicts  []models.SyncConflict
	resolveErr error

	resolved   map[string]json.RawMessage
	strategies map[string]models.ResolutionStrategy
	listStatus models.ConflictStatus
	retried    []string
	cancelled  []string
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		syncResult: &syncpkg.SyncResult{},
		resolved:   map[string]json.RawMessage{},
		strategies: map[string]models.ResolutionStrategy{},
	}
}

func (f *fakeEngine) GetSyncStats(context.Context) (syncpkg.SyncStats, error) {
	return f.stats, f.statsErr
}

func (f *fakeEngine) ForceSync(context.Context) (*syncpkg.SyncResult, error) {
	return f.syncResult, f.syncErr
}

func (f *fakeEngine) RetryFailedItems(context.Context) (int, error)    { return 2, nil }
func (f *fakeEngine) ClearCompletedItems(context.Context) (int, error) { return 5, nil }

func (f *fakeEngine) GetQueueItem(_ context.Context, id string) (models.QueueItem, error) {
	if id != "q1" {
		return models.QueueItem{}, apperrors.New(apperrors.ErrNotFound, "queue item not found")
	}
	return models.QueueItem{ID: "q1", URL: "/posts", Status: models.QueueStatusFailed}, nil
}

func (f *fakeEngine) RetryItem(_ context.Context, id string) error {
	if id != "q1" {
		return apperrors.New(apperrors.ErrInvalid, "not failed")
	}
	f.retried = append(f.retried, id)
	return nil
}

func (f *fakeEngine) CancelItem(_ context.Context, id string) error {
	if id != "q1" {
		return apperrors.New(apperrors.ErrNotFound, "queue item not found")
	}
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeEngine) CancelByTag(_ context.Context, tag string) (int, error) {
	f.cancelled = append(f.cancelled, "tag:"+tag)
	return 3, nil
}

func (f *fakeEngine) ListConflicts(_ context.Context, status models.ConflictStatus) ([]models.SyncConflict, error) {
	f.listStatus = status
	return f.conflicts, nil
}

func (f *fakeEngine) ResolveConflict(_ context.Context, id string, data json.RawMessage) error {
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolved[id] = data
	return nil
}

func (f *fakeEngine) SetConflictStrategy(_ context.Context, id string, strategy models.ResolutionStrategy) error {
	if !strategy.Valid() {
		return apperrors.New(apperrors.ErrInvalid, "bad strategy")
	}
	f.strategies[id] = strategy
	return nil
}

func (f *fakeEngine) GetErrorHistory() []syncpkg.SyncErrorEntry {
	return []syncpkg.SyncErrorEntry{{Operation: "sync", Code: "TRANSPORT_ERROR"}}
}

type fakeScheduler struct {
	status scheduler.Status
	calls  []string
}

func (f *fakeScheduler) Status() scheduler.Status { return f.status }

func (f *fakeScheduler) SetOnline(_ context.Context, online bool) {
	f.status.IsOnline = online
	f.calls = append(f.calls, "online")
}

func (f *fakeScheduler) SetForeground(_ context.Context, fg bool) {
	f.status.Foreground = fg
	f.calls = append(f.calls, "foreground")
}

func (f *fakeScheduler) SetBatteryLow(_ context.Context, low bool) {
	f.status.BatteryLow = low
	f.calls = append(f.calls, "battery")
}

func (f *fakeScheduler) SetStoragePressure(_ context.Context, p bool) {
	f.status.StoragePressure = p
	f.calls = append(f.calls, "storage")
}

func setupHandler(t *testing.T) (http.Handler, *fakeEngine, *fakeScheduler) {
	t.Helper()
	eng := newFakeEngine()
	sched := &fakeScheduler{}
	mux := http.NewServeMux()
	NewSyncHandler(eng, sched).Register(mux)
	return mux, eng, sched
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, map[string]interface{}) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]interface{}
	if rec.Body.Len() > 0 && rec.Header().Get("Content-Type") == "application/json" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &decoded))
	}
	return rec, decoded
}

func errorCode(body map[string]interface{}) string {
	e, _ := body["error"].(map[string]interface{})
	code, _ := e["code"].(string)
	return code
}

func TestHealth(t *testing.T) {
	h, _, _ := setupHandler(t)

	rec, body := do(t, h, http.MethodGet, "/api/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])

	rec, _ = do(t, h, http.MethodPost, "/api/health", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestGetStats(t *testing.T) {
	h, eng, sched := setupHandler(t)
	eng.stats = syncpkg.SyncStats{
		Queue:            models.QueueStats{Total: 3, Pending: 2, Failed: 1},
		Status:           models.SyncStatus{Status: models.SyncStateCompleted},
		IsOnline:         true,
		PendingConflicts: 1,
	}
	sched.status = scheduler.Status{IsRunning: true, ConsecutiveFailures: 2}

	rec, body := do(t, h, http.MethodGet, "/api/sync/stats", "")
	require.Equal(t, http.StatusOK, rec.Code)

	stats := body["stats"].(map[string]interface{})
	assert.Equal(t, float64(2), stats["queue"].(map[string]interface{})["pending"])
	assert.Equal(t, "completed", stats["status"].(map[string]interface{})["status"])
	assert.Equal(t, float64(2), body["scheduler"].(map[string]interface{})["consecutive_failures"])
	assert.Len(t, body["errors"], 1)

	eng.statsErr = apperrors.New(apperrors.ErrStorage, "disk")
	rec, body = do(t, h, http.MethodGet, "/api/sync/stats", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "STORAGE_ERROR", errorCode(body))
}

func TestForceSync(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h, _, _ := setupHandler(t)
		rec, body := do(t, h, http.MethodPost, "/api/sync/force", "")
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "success", body["status"])
	})

	t.Run("in progress", func(t *testing.T) {
		h, eng, _ := setupHandler(t)
		eng.syncResult = &syncpkg.SyncResult{Skipped: true}
		rec, body := do(t, h, http.MethodPost, "/api/sync/force", "")
		assert.Equal(t, http.StatusConflict, rec.Code)
		assert.Equal(t, "SYNC_IN_PROGRESS", errorCode(body))
	})

	t.Run("failure", func(t *testing.T) {
		h, eng, _ := setupHandler(t)
		eng.syncErr = apperrors.New(apperrors.ErrScheduler, "cycle failed")
		eng.syncResult = &syncpkg.SyncResult{Error: "cycle failed"}
		rec, body := do(t, h, http.MethodPost, "/api/sync/force", "")
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, "SCHEDULER_ERROR", errorCode(body))
		assert.Equal(t, "cycle failed", body["result"].(map[string]interface{})["error"])
	})
}

func TestQueueMaintenance(t *testing.T) {
	h, _, _ := setupHandler(t)

	rec, body := do(t, h, http.MethodPost, "/api/sync/retry-failed", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(2), body["retried"])

	rec, body = do(t, h, http.MethodPost, "/api/sync/clear-completed", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(5), body["removed"])
}

func TestQueueItems(t *testing.T) {
	h, eng, _ := setupHandler(t)

	rec, body := do(t, h, http.MethodGet, "/api/sync/queue/q1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/posts", body["url"])

	rec, body = do(t, h, http.MethodGet, "/api/sync/queue/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))

	rec, _ = do(t, h, http.MethodPost, "/api/sync/queue/q1/retry", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = do(t, h, http.MethodPost, "/api/sync/queue/q2/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, []string{"q1"}, eng.retried)

	rec, body = do(t, h, http.MethodDelete, "/api/sync/queue/q1", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["cancelled"])

	rec, body = do(t, h, http.MethodDelete, "/api/sync/queue?tag=drafts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(3), body["cancelled"])
	assert.Equal(t, []string{"q1", "tag:drafts"}, eng.cancelled)

	rec, _ = do(t, h, http.MethodDelete, "/api/sync/queue", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSetOnline(t *testing.T) {
	h, _, sched := setupHandler(t)

	rec, body := do(t, h, http.MethodPost, "/api/sync/online", `{"online":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, body["is_online"])
	assert.Equal(t, []string{"online"}, sched.calls)

	rec, body = do(t, h, http.MethodPost, "/api/sync/online", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(body))

	rec, _ = do(t, h, http.MethodPost, "/api/sync/online", `{not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLifecycle(t *testing.T) {
	h, _, sched := setupHandler(t)

	rec, body := do(t, h, http.MethodPost, "/api/sync/lifecycle", `{"foreground":false,"battery_low":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, body["foreground"])
	assert.Equal(t, true, body["battery_low"])
	assert.Equal(t, []string{"foreground", "battery"}, sched.calls)

	rec, _ = do(t, h, http.MethodPost, "/api/sync/lifecycle", `{"storage_pressure":true}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "storage", sched.calls[len(sched.calls)-1])

	rec, body = do(t, h, http.MethodPost, "/api/sync/lifecycle", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "INVALID_INPUT", errorCode(body))
}

func TestListConflicts(t *testing.T) {
	h, eng, _ := setupHandler(t)

	rec, body := do(t, h, http.MethodGet, "/api/sync/conflicts", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(0), body["total"])
	assert.Equal(t, []interface{}{}, body["conflicts"])

	eng.conflicts = []models.SyncConflict{{ID: "c1", EntityType: "posts", EntityID: "p1", Status: models.ConflictStatusPending}}
	rec, body = do(t, h, http.MethodGet, "/api/sync/conflicts?status=pending", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, models.ConflictStatusPending, eng.listStatus)

	rec, _ = do(t, h, http.MethodGet, "/api/sync/conflicts?status=bogus", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestResolveConflict(t *testing.T) {
	h, eng, _ := setupHandler(t)

	rec, body := do(t, h, http.MethodPost, "/api/sync/conflicts/c1/resolve", `{"data":{"title":"mine"}}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "c1", body["conflict_id"])
	assert.JSONEq(t, `{"title":"mine"}`, string(eng.resolved["c1"]))

	rec, _ = do(t, h, http.MethodPost, "/api/sync/conflicts/c2/resolve", `{"strategy":"server_wins"}`)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.StrategyServerWins, eng.strategies["c2"])

	rec, _ = do(t, h, http.MethodPost, "/api/sync/conflicts/c3/resolve", `{"strategy":"coin_flip"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/sync/conflicts/c4/resolve", `{"data":{},"strategy":"merge"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/sync/conflicts/c5/resolve", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	eng.resolveErr = apperrors.New(apperrors.ErrNotFound, "conflict not found")
	rec, body = do(t, h, http.MethodPost, "/api/sync/conflicts/missing/resolve", `{"data":1}`)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "NOT_FOUND", errorCode(body))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code apperrors.ErrorCode
		want int
	}{
		{apperrors.ErrInvalid, http.StatusBadRequest},
		{apperrors.ErrNotFound, http.StatusNotFound},
		{apperrors.ErrSyncInProgress, http.StatusConflict},
		{apperrors.ErrTransport, http.StatusBadGateway},
		{apperrors.ErrStorage, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, httpStatus(apperrors.New(tt.code, "x")), string(tt.code))
	}
}
