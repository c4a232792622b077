// Package app assembles the sync engine and scheduler from configuration. Both host
// binaries build on it.
package app

import (
	"context"
	"os"

	"github.com/kimhsiao/offlinesync/internal/clock"
	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/db"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/store"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/sync/scheduler"
)

// App owns the database and the components built over it.
type App struct {
	Config    *config.Config
	DB        *db.DB
	Store     *store.Store
	Transport *remote.HTTPTransport
	Engine    *syncpkg.Engine
	Scheduler *scheduler.Scheduler
}

// InitLogging configures the global logger from cfg.
func InitLogging(cfg config.LoggingConfig) {
	level := logging.ParseLevel(cfg.Level)
	if cfg.File == "" {
		logging.Init(os.Stderr, level)
		return
	}
	logging.InitFile(logging.FileOptions{
		Path:       cfg.File,
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
	}, level)
}

// New opens the store under cfg.Store.DataDir and wires the engine and scheduler. The engine
// is started (crash recovery runs) but the scheduler is not. Only the process that owns queue
// processing should call New.
func New(ctx context.Context, cfg *config.Config, clk clock.Clock) (*App, error) {
	return open(cfg, func(st *store.Store) (*App, error) {
		return NewWithStore(ctx, cfg, st, clk)
	})
}

// Attach opens the store like New but skips crash recovery, so a short-lived command can
// share the database with a running daemon without touching its in-flight items.
func Attach(cfg *config.Config, clk clock.Clock) (*App, error) {
	return open(cfg, func(st *store.Store) (*App, error) {
		return wire(cfg, st, clk), nil
	})
}

func open(cfg *config.Config, build func(*store.Store) (*App, error)) (*App, error) {
	database, err := db.Open(cfg.Store.DataDir)
	if err != nil {
		return nil, err
	}
	a, err := build(store.New(database))
	if err != nil {
		database.Close()
		return nil, err
	}
	a.DB = database
	return a, nil
}

// NewWithStore wires the components over an existing store and starts the engine.
func NewWithStore(ctx context.Context, cfg *config.Config, st *store.Store, clk clock.Clock) (*App, error) {
	a := wire(cfg, st, clk)
	if err := a.Engine.Start(ctx); err != nil {
		a.Engine.Close()
		return nil, err
	}
	return a, nil
}

func wire(cfg *config.Config, st *store.Store, clk clock.Clock) *App {
	transport := remote.NewHTTPTransport(cfg.Remote.BaseURL, cfg.Remote.Timeout)
	transport.Headers = cfg.Remote.Headers
	if token := cfg.Remote.Token; token != "" {
		transport.Token = func(context.Context) (string, error) { return token, nil }
	}

	engine := syncpkg.NewEngine(st, transport, remote.NewAPI(transport, cfg.Paths()), syncpkg.Config{
		Queue:  cfg.QueueConfig(),
		Clock:  clk,
		Online: cfg.Remote.StartOnline,
	})
	return &App{
		Config:    cfg,
		Store:     st,
		Transport: transport,
		Engine:    engine,
		Scheduler: scheduler.NewScheduler(engine, cfg.SchedulerConfig(), clk),
	}
}

// Close stops the scheduler and engine and closes the database.
func (a *App) Close() error {
	a.Scheduler.Stop()
	a.Engine.Close()
	if a.DB != nil {
		return a.DB.Close()
	}
	return nil
}
