package main

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/kimhsiao/offlinesync/internal/app"
	"github.com/kimhsiao/offlinesync/internal/config"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/sync/queue"
)

// callTimeout bounds blocking calls made from the host, except sync which uses the
// scheduler's sync timeout.
const callTimeout = 30 * time.Second

var (
	mu       sync.Mutex
	instance *app.App
	cancel   context.CancelFunc

	lastErr string
	lastMu  sync.RWMutex
)

// InitOptions is the JSON accepted by SyncInit. Empty fields keep the defaults, and
// ConfigPath, when set, is loaded first.
type InitOptions struct {
	ConfigPath  string            `json:"config_path,omitempty"`
	DataDir     string            `json:"data_dir,omitempty"`
	BaseURL     string            `json:"base_url,omitempty"`
	Token       string            `json:"token,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	StartOnline *bool             `json:"start_online,omitempty"`
	LogLevel    string            `json:"log_level,omitempty"`
	LogFile     string            `json:"log_file,omitempty"`
}

// QueueRequestOptions is the JSON accepted by SyncQueueRequest.
type QueueRequestOptions struct {
	Method       models.Method     `json:"method"`
	URL          string            `json:"url"`
	Payload      json.RawMessage   `json:"payload,omitempty"`
	Priority     int               `json:"priority,omitempty"`
	MaxRetries   int               `json:"max_retries,omitempty"`
	Headers      map[string]string `json:"headers,omitempty"`
	ScheduledAt  *time.Time        `json:"scheduled_at,omitempty"`
	Dependencies []string          `json:"dependencies,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	TimeoutMS    int64             `json:"timeout_ms,omitempty"`
}

type envelope struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error *errorBody  `json:"error,omitempty"`
}

type errorBody struct {
	Code    apperrors.ErrorCode `json:"code"`
	Message string              `json:"message"`
}

func setLastError(err string) {
	lastMu.Lock()
	defer lastMu.Unlock()
	lastErr = err
}

func getLastError() string {
	lastMu.RLock()
	defer lastMu.RUnlock()
	return lastErr
}

func respond(data interface{}, err error) string {
	env := envelope{OK: err == nil, Data: data}
	if err != nil {
		setLastError(err.Error())
		env.Data = nil
		env.Error = &errorBody{Code: apperrors.CodeOf(err), Message: err.Error()}
	}
	out, merr := json.Marshal(env)
	if merr != nil {
		setLastError(merr.Error())
		return `{"ok":false,"error":{"code":"INTERNAL_ERROR","message":"failed to encode response"}}`
	}
	return string(out)
}

func current() (*app.App, error) {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return nil, apperrors.New(apperrors.ErrInvalid, "sync engine not initialized")
	}
	return instance, nil
}

func buildConfig(raw string) (*config.Config, error) {
	var opts InitOptions
	if raw != "" {
		if err := json.Unmarshal([]byte(raw), &opts); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid init options", err)
		}
	}

	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, err
	}
	if opts.DataDir != "" {
		cfg.Store.DataDir = opts.DataDir
	}
	if opts.BaseURL != "" {
		cfg.Remote.BaseURL = opts.BaseURL
	}
	if opts.Token != "" {
		cfg.Remote.Token = opts.Token
	}
	if len(opts.Headers) > 0 {
		cfg.Remote.Headers = opts.Headers
	}
	if opts.StartOnline != nil {
		cfg.Remote.StartOnline = *opts.StartOnline
	}
	if opts.LogLevel != "" {
		cfg.Logging.Level = opts.LogLevel
	}
	if opts.LogFile != "" {
		cfg.Logging.File = opts.LogFile
	}
	return cfg, cfg.Validate()
}

// syncInit opens the store and starts the scheduler. A second call fails until shutdown.
func syncInit(raw string) string {
	mu.Lock()
	defer mu.Unlock()
	if instance != nil {
		return respond(nil, apperrors.New(apperrors.ErrInvalid, "sync engine already initialized"))
	}

	cfg, err := buildConfig(raw)
	if err != nil {
		return respond(nil, err)
	}
	app.InitLogging(cfg.Logging)

	ctx, cancelFn := context.WithCancel(context.Background())
	a, err := app.New(ctx, cfg, nil)
	if err != nil {
		cancelFn()
		logging.Error("Sync engine initialization failed", err)
		return respond(nil, err)
	}
	a.Scheduler.Start(ctx)

	instance, cancel = a, cancelFn
	return respond(map[string]interface{}{"data_dir": cfg.Store.DataDir, "online": a.Engine.IsOnline()}, nil)
}

func syncQueueRequest(raw string) string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	var req QueueRequestOptions
	if err := json.Unmarshal([]byte(raw), &req); err != nil {
		return respond(nil, apperrors.Wrap(apperrors.ErrInvalid, "invalid queue request", err))
	}

	ctx, cancelFn := context.WithTimeout(context.Background(), callTimeout)
	defer cancelFn()
	id, err := a.Engine.QueueRequest(ctx, req.Method, req.URL, req.Payload, queue.Options{
		Priority:     req.Priority,
		MaxRetries:   req.MaxRetries,
		Headers:      req.Headers,
		ScheduledAt:  req.ScheduledAt,
		Dependencies: req.Dependencies,
		Tags:         req.Tags,
		Timeout:      time.Duration(req.TimeoutMS) * time.Millisecond,
	})
	if err != nil {
		return respond(nil, err)
	}
	return respond(map[string]string{"id": id}, nil)
}

func syncStoreOfflineData(entityType, entityID, data string) string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), callTimeout)
	defer cancelFn()
	return respond(a.Engine.StoreOfflineData(ctx, entityType, entityID, json.RawMessage(data)))
}

func syncGetOfflineData(entityType, entityID string) string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), callTimeout)
	defer cancelFn()
	return respond(a.Engine.GetOfflineData(ctx, entityType, entityID))
}

func syncForce() string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), a.Config.Scheduler.SyncTimeout)
	defer cancelFn()
	return respond(a.Engine.ForceSync(ctx))
}

func syncStats() string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), callTimeout)
	defer cancelFn()
	stats, err := a.Engine.GetSyncStats(ctx)
	if err != nil {
		return respond(nil, err)
	}
	return respond(map[string]interface{}{
		"stats":     stats,
		"scheduler": a.Scheduler.Status(),
	}, nil)
}

func syncSetOnline(online bool) string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	a.Scheduler.SetOnline(context.Background(), online)
	return respond(a.Scheduler.Status(), nil)
}

func syncSetForeground(foreground bool) string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	a.Scheduler.SetForeground(context.Background(), foreground)
	return respond(a.Scheduler.Status(), nil)
}

func syncSetDeviceState(batteryLow, storagePressure bool) string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), callTimeout)
	defer cancelFn()
	a.Scheduler.SetBatteryLow(ctx, batteryLow)
	a.Scheduler.SetStoragePressure(ctx, storagePressure)
	return respond(a.Scheduler.Status(), nil)
}

// syncReset discards all local sync state, as on sign-out. The engine stays initialized.
func syncReset() string {
	a, err := current()
	if err != nil {
		return respond(nil, err)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), callTimeout)
	defer cancelFn()
	return respond(nil, a.Engine.Reset(ctx))
}

// syncShutdown stops the scheduler and closes the store. It is safe to call when not
// initialized.
func syncShutdown() string {
	mu.Lock()
	defer mu.Unlock()
	if instance == nil {
		return respond(nil, nil)
	}
	cancel()
	err := instance.Close()
	instance, cancel = nil, nil
	return respond(nil, err)
}
