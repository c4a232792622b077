package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kimhsiao/offlinesync/internal/clock"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
)

type fakeRemote struct {
	mu          sync.Mutex
	versions    map[string]int64
	data        map[string]json.RawMessage
	versionErr  error
	fetchErr    error
	pushErr     error
	resolveErr  error
	pushed      []models.OfflineDataRecord
	resolutions map[string]json.RawMessage
	fetches     int
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{
		versions:    make(map[string]int64),
		data:        make(map[string]json.RawMessage),
		resolutions: make(map[string]json.RawMessage),
	}
}

func (f *fakeRemote) FetchVersion(_ context.Context, typ, id string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.versionErr != nil {
		return 0, f.versionErr
	}
	return f.versions[typ+"/"+id], nil
}

func (f *fakeRemote) FetchData(_ context.Context, typ, id string) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches++
	if f.fetchErr != nil {
		return nil, f.fetchErr
	}
	return f.data[typ+"/"+id], nil
}

func (f *fakeRemote) PushRecord(_ context.Context, rec models.OfflineDataRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, rec)
	return nil
}

func (f *fakeRemote) PushResolution(_ context.Context, id string, resolution json.RawMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.resolveErr != nil {
		return f.resolveErr
	}
	f.resolutions[id] = resolution
	return nil
}

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func setup(t *testing.T, records ...models.OfflineDataRecord) (*Resolver, *store.Store, *fakeRemote) {
	t.Helper()
	st := store.New(store.NewMemoryKV())
	require.NoError(t, st.SaveOfflineData(context.Background(), records))
	rem := newFakeRemote()
	return NewResolver(st, rem, clock.NewFake(t0)), st, rem
}

func note(id string, version int64, data string) models.OfflineDataRecord {
	return models.OfflineDataRecord{
		EntityType: "note",
		EntityID:   id,
		Data:       json.RawMessage(data),
		Version:    version,
		SyncStatus: models.RecordPending,
	}
}

func recordByID(t *testing.T, st *store.Store, id string) models.OfflineDataRecord {
	t.Helper()
	records, err := st.GetOfflineData(context.Background())
	require.NoError(t, err)
	for _, r := range records {
		if r.EntityID == id {
			return r
		}
	}
	t.Fatalf("record %s not found", id)
	return models.OfflineDataRecord{}
}

func TestSyncOfflineData_serverAheadOpensConflict(t *testing.T) {
	r, st, rem := setup(t, note("n1", 2, `{"title":"local"}`))
	rem.versions["note/n1"] = 3

	var notified []models.SyncConflict
	r.SetListener(func(c models.SyncConflict) { notified = append(notified, c) })

	res, err := r.SyncOfflineData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Conflicts)
	assert.Zero(t, res.Pushed)

	conflicts, err := st.GetConflicts(context.Background())
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, int64(2), c.LocalVersion)
	assert.Equal(t, int64(3), c.ServerVersion)
	assert.Equal(t, models.ConflictStatusPending, c.Status)
	assert.Nil(t, c.ServerData)
	assert.Equal(t, t0, c.CreatedAt)
	assert.Len(t, notified, 1)

	assert.Equal(t, models.RecordPending, recordByID(t, st, "n1").SyncStatus)
	assert.Empty(t, rem.pushed)

	// A second cycle refreshes instead of duplicating.
	_, err = r.SyncOfflineData(context.Background())
	require.NoError(t, err)
	conflicts, err = st.GetConflicts(context.Background())
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
	assert.Len(t, notified, 1)
}

func TestSyncOfflineData_pushesWhenNotBehind(t *testing.T) {
	r, st, rem := setup(t,
		note("n1", 3, `{"a":1}`),
		models.OfflineDataRecord{EntityType: "note", EntityID: "done", Version: 1, SyncStatus: models.RecordSynced},
	)
	rem.versions["note/n1"] = 3

	res, err := r.SyncOfflineData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Checked)
	assert.Equal(t, 1, res.Pushed)
	require.Len(t, rem.pushed, 1)
	assert.Equal(t, "n1", rem.pushed[0].EntityID)
	assert.Equal(t, models.RecordSynced, recordByID(t, st, "n1").SyncStatus)
}

func TestSyncOfflineData_versionLookupFailure(t *testing.T) {
	r, st, rem := setup(t, note("n1", 1, `{}`))
	rem.versionErr = apperrors.Transport(503, "versions", nil)

	res, err := r.SyncOfflineData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	assert.Equal(t, models.RecordPending, recordByID(t, st, "n1").SyncStatus)

	conflicts, err := st.GetConflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, conflicts)
}

func TestSyncOfflineData_pushFailureRetriedNextCycle(t *testing.T) {
	r, st, rem := setup(t, note("n1", 1, `{}`))
	rem.pushErr = errors.New("offline")

	_, err := r.SyncOfflineData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, models.RecordError, recordByID(t, st, "n1").SyncStatus)

	rem.pushErr = nil
	res, err := r.SyncOfflineData(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, models.RecordSynced, recordByID(t, st, "n1").SyncStatus)
}

func openConflict(t *testing.T, localData, serverData string) (*Resolver, *store.Store, *fakeRemote, string) {
	t.Helper()
	r, st, rem := setup(t, note("n1", 2, localData))
	rem.versions["note/n1"] = 3
	rem.data["note/n1"] = json.RawMessage(serverData)
	_, err := r.SyncOfflineData(context.Background())
	require.NoError(t, err)
	pending, err := r.ListConflicts(context.Background(), models.ConflictStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	return r, st, rem, pending[0].ID
}

func TestResolveConflicts_merge(t *testing.T) {
	r, st, rem, id := openConflict(t, `{"a":1,"b":2}`, `{"a":9}`)

	res, err := r.ResolveConflicts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)

	assert.JSONEq(t, `{"a":9,"b":2}`, string(rem.resolutions[id]))

	conflicts, err := r.ListConflicts(context.Background(), models.ConflictStatusResolved)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	c := conflicts[0]
	assert.Equal(t, models.StrategyMerge, c.ResolutionStrategy)
	assert.JSONEq(t, `{"a":9}`, string(c.ServerData))
	assert.JSONEq(t, `{"a":9,"b":2}`, string(c.ResolvedData))
	require.NotNil(t, c.ResolvedAt)

	rec := recordByID(t, st, "n1")
	assert.Equal(t, models.RecordSynced, rec.SyncStatus)
	assert.Equal(t, int64(3), rec.Version)
	assert.JSONEq(t, `{"a":9,"b":2}`, string(rec.Data))

	n, err := r.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestResolveConflicts_pushFailureKeepsPending(t *testing.T) {
	r, _, rem, id := openConflict(t, `{"a":1}`, `{"a":2}`)
	rem.resolveErr = apperrors.Transport(500, "resolve", nil)

	res, err := r.ResolveConflicts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)

	pending, err := r.ListConflicts(context.Background(), models.ConflictStatusPending)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, id, pending[0].ID)
	assert.NotEmpty(t, pending[0].LastError)
	// Server data fetched before the failure is kept.
	assert.JSONEq(t, `{"a":2}`, string(pending[0].ServerData))

	rem.resolveErr = nil
	res, err = r.ResolveConflicts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, rem.fetches)
}

func TestResolveConflicts_fetchFailureKeepsPending(t *testing.T) {
	r, _, rem, _ := openConflict(t, `{"a":1}`, `{"a":2}`)
	rem.fetchErr = errors.New("timeout")

	res, err := r.ResolveConflicts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Errors)
	n, err := r.PendingCount(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestResolveConflicts_manual(t *testing.T) {
	r, st, rem, id := openConflict(t, `{"a":1}`, `{"a":2}`)
	ctx := context.Background()

	require.NoError(t, r.SetStrategy(ctx, id, models.StrategyManual))
	res, err := r.ResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Empty(t, rem.resolutions)

	require.NoError(t, r.ResolveManually(ctx, id, json.RawMessage(`{"a":"chosen"}`)))
	res, err = r.ResolveConflicts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Zero(t, rem.fetches)
	assert.JSONEq(t, `{"a":"chosen"}`, string(rem.resolutions[id]))
	assert.JSONEq(t, `{"a":"chosen"}`, string(recordByID(t, st, "n1").Data))

	assert.True(t, apperrors.Is(r.ResolveManually(ctx, id, json.RawMessage(`{}`)), apperrors.ErrInvalid))
	assert.True(t, apperrors.Is(r.ResolveManually(ctx, "missing", json.RawMessage(`{}`)), apperrors.ErrNotFound))
	assert.True(t, apperrors.Is(r.ResolveManually(ctx, id, json.RawMessage(`{`)), apperrors.ErrInvalid))
}

func TestResolveConflicts_presetStrategies(t *testing.T) {
	tests := []struct {
		strategy models.ResolutionStrategy
		want     string
	}{
		{models.StrategyLocalWins, `{"a":1,"b":1}`},
		{models.StrategyServerWins, `{"a":2}`},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			r, _, rem, id := openConflict(t, `{"a":1,"b":1}`, `{"a":2}`)
			require.NoError(t, r.SetStrategy(context.Background(), id, tt.strategy))

			_, err := r.ResolveConflicts(context.Background())
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(rem.resolutions[id]))
		})
	}

	r, _, _, id := openConflict(t, `{}`, `{}`)
	assert.True(t, apperrors.Is(r.SetStrategy(context.Background(), id, "coin_flip"), apperrors.ErrInvalid))
}

func TestResolveConflicts_localEditWhileOpen(t *testing.T) {
	r, st, rem, _ := openConflict(t, `{"a":1,"b":1}`, `{"a":2,"s":"server"}`)
	ctx := context.Background()

	// The user edits again before resolution runs.
	require.NoError(t, st.UpdateOfflineData(ctx, func(records []models.OfflineDataRecord) ([]models.OfflineDataRecord, error) {
		records[0].Data = json.RawMessage(`{"a":"newer","b":1}`)
		records[0].Version = 3
		return records, nil
	}))

	_, err := r.ResolveConflicts(ctx)
	require.NoError(t, err)

	rec := recordByID(t, st, "n1")
	assert.JSONEq(t, `{"a":"newer","b":1,"s":"server"}`, string(rec.Data), "the edit lands on the resolved value")
	assert.Equal(t, models.RecordPending, rec.SyncStatus)
	assert.Equal(t, int64(3), rec.Version)

	// The follow-up push keeps the server-only field.
	res, err := r.SyncOfflineData(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Pushed)
	require.Len(t, rem.pushed, 1)
	assert.JSONEq(t, `{"a":"newer","b":1,"s":"server"}`, string(rem.pushed[0].Data))
}
