package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/models"
)

// Paths locates the versioned-resource endpoints.
type Paths struct {
	Version string // GET /{Version}/{type}/{id} -> {"version": n}
	Data    string // GET|PUT /{Data}/{type}/{id}
	Resolve string // POST /{Resolve} {"conflictId", "resolution"}
}

// DefaultPaths returns the stock endpoint layout.
func DefaultPaths() Paths {
	return Paths{
		Version: "sync/versions",
		Data:    "sync/data",
		Resolve: "sync/conflicts/resolve",
	}
}

// API implements the engine's server-side calls over a Transport.
type API struct {
	transport Transport
	paths     Paths
}

// NewAPI creates an API. Empty paths fall back to DefaultPaths.
func NewAPI(transport Transport, paths Paths) *API {
	def := DefaultPaths()
	if paths.Version == "" {
		paths.Version = def.Version
	}
	if paths.Data == "" {
		paths.Data = def.Data
	}
	if paths.Resolve == "" {
		paths.Resolve = def.Resolve
	}
	return &API{transport: transport, paths: paths}
}

func entityPath(base, entityType, entityID string) string {
	return "/" + strings.Trim(base, "/") + "/" + url.PathEscape(entityType) + "/" + url.PathEscape(entityID)
}

// FetchVersion returns the server's version of an entity.
func (a *API) FetchVersion(ctx context.Context, entityType, entityID string) (int64, error) {
	resp, err := a.transport.Do(ctx, Request{
		Method: models.MethodGet,
		URL:    entityPath(a.paths.Version, entityType, entityID),
	})
	if err != nil {
		return 0, err
	}
	var body struct {
		Version *int64 `json:"version"`
	}
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		return 0, apperrors.Transport(resp.StatusCode, "decode version response", err)
	}
	if body.Version == nil {
		return 0, apperrors.Transport(resp.StatusCode, "version response has no version field", nil)
	}
	return *body.Version, nil
}

// FetchData returns the server's current value of an entity.
func (a *API) FetchData(ctx context.Context, entityType, entityID string) (json.RawMessage, error) {
	resp, err := a.transport.Do(ctx, Request{
		Method: models.MethodGet,
		URL:    entityPath(a.paths.Data, entityType, entityID),
	})
	if err != nil {
		return nil, err
	}
	if !json.Valid(resp.Body) {
		return nil, apperrors.Transport(resp.StatusCode, "data response is not JSON", nil)
	}
	return json.RawMessage(resp.Body), nil
}

// PushRecord uploads a locally modified record.
func (a *API) PushRecord(ctx context.Context, record models.OfflineDataRecord) error {
	payload, err := json.Marshal(struct {
		Data    json.RawMessage `json:"data"`
		Version int64           `json:"version"`
	}{record.Data, record.Version})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "encode record", err)
	}
	_, err = a.transport.Do(ctx, Request{
		Method:  models.MethodPut,
		URL:     entityPath(a.paths.Data, record.EntityType, record.EntityID),
		Payload: payload,
	})
	return err
}

// PushResolution reports a reconciled value for a conflict.
func (a *API) PushResolution(ctx context.Context, conflictID string, resolution json.RawMessage) error {
	payload, err := json.Marshal(struct {
		ConflictID string          `json:"conflictId"`
		Resolution json.RawMessage `json:"resolution"`
	}{conflictID, resolution})
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, fmt.Sprintf("encode resolution %s", conflictID), err)
	}
	_, err = a.transport.Do(ctx, Request{
		Method:  models.MethodPost,
		URL:     "/" + strings.Trim(a.paths.Resolve, "/"),
		Payload: payload,
	})
	return err
}
