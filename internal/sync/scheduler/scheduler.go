// Package scheduler runs sync cycles on an adaptive cadence driven by failures, app lifecycle,
// connectivity and device pressure signals.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/offlinesync/internal/clock"
	"github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	syncpkg "github.com/kimhsiao/offlinesync/internal/sync"
)

// Engine is the part of the orchestrator the scheduler drives.
type Engine interface {
	PerformSync(ctx context.Context) (*syncpkg.SyncResult, error)
	ClearCompletedItems(ctx context.Context) (int, error)
	SetOnline(online bool) bool
	IsOnline() bool
	IsSyncing() bool
}

// Multipliers applied on top of the adaptive interval.
const (
	backgroundFactor      = 2
	batteryLowFactor      = 4
	storagePressureFactor = 2
)

// SchedulerConfig holds scheduler configuration.
type SchedulerConfig struct {
	BaseInterval     time.Duration // cadence after a successful sync (default: 30 seconds)
	MaxInterval      time.Duration // upper bound of the effective interval (default: 5 minutes)
	FailureThreshold int           // consecutive failures before backing off (default: 5)
	ForegroundDelay  time.Duration // delay before the sync triggered by returning to foreground
	TickInterval     time.Duration // how often the due check runs
	SyncTimeout      time.Duration // bound on one cycle
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		BaseInterval:     30 * time.Second,
		MaxInterval:      5 * time.Minute,
		FailureThreshold: 5,
		ForegroundDelay:  2 * time.Second,
		TickInterval:     time.Second,
		SyncTimeout:      5 * time.Minute,
	}
}

func (c *SchedulerConfig) withDefaults() SchedulerConfig {
	def := DefaultSchedulerConfig()
	out := *def
	if c == nil {
		return out
	}
	if c.BaseInterval > 0 {
		out.BaseInterval = c.BaseInterval
	}
	if c.MaxInterval > 0 {
		out.MaxInterval = c.MaxInterval
	}
	if out.MaxInterval < out.BaseInterval {
		out.MaxInterval = out.BaseInterval
	}
	if c.FailureThreshold > 0 {
		out.FailureThreshold = c.FailureThreshold
	}
	if c.ForegroundDelay > 0 {
		out.ForegroundDelay = c.ForegroundDelay
	}
	if c.TickInterval > 0 {
		out.TickInterval = c.TickInterval
	}
	if c.SyncTimeout > 0 {
		out.SyncTimeout = c.SyncTimeout
	}
	return out
}

// Status is a snapshot of the scheduler.
type Status struct {
	IsRunning           bool          `json:"is_running"`
	IsOnline            bool          `json:"is_online"`
	Foreground          bool          `json:"foreground"`
	BatteryLow          bool          `json:"battery_low"`
	StoragePressure     bool          `json:"storage_pressure"`
	Interval            time.Duration `json:"interval"`
	AdaptiveInterval    time.Duration `json:"adaptive_interval"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastSyncTime        *time.Time    `json:"last_sync_time,omitempty"`
	LastAttemptTime     *time.Time    `json:"last_attempt_time,omitempty"`
	SyncInProgress      bool          `json:"sync_in_progress"`
}

// Scheduler manages background sync operations.
type Scheduler struct {
	engine Engine
	clock  clock.Clock
	cfg    SchedulerConfig

	mu                  sync.RWMutex
	adaptive            time.Duration
	consecutiveFailures int
	foreground          bool
	batteryLow          bool
	storagePressure     bool
	lastAttempt         time.Time
	lastSuccess         time.Time
	isRunning           bool
	runCtx              context.Context
	cancel              context.CancelFunc

	inFlight atomic.Bool
	wg       sync.WaitGroup
}

// NewScheduler creates a Scheduler. A nil config selects the defaults and a nil clock the
// wall clock.
func NewScheduler(engine Engine, config *SchedulerConfig, clk clock.Clock) *Scheduler {
	cfg := config.withDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		engine:     engine,
		clock:      clk,
		cfg:        cfg,
		adaptive:   cfg.BaseInterval,
		foreground: true,
	}
}

// Start starts the background loop. It is a no-op if already running.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.wg.Add(1)
	s.mu.Unlock()

	go s.loop(runCtx)

	logging.Info("Background sync scheduler started", map[string]interface{}{
		"interval_ms": s.Interval().Milliseconds(),
	})
}

// Stop stops the loop and waits for in-flight work started by the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()

	logging.Info("Background sync scheduler stopped")
}

// IsRunning returns whether the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	s.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs a sync if one is due: online, nothing in flight and the interval has elapsed since
// the last attempt. It reports whether a sync ran.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.engine.IsOnline() || s.engine.IsSyncing() || s.inFlight.Load() {
		return false
	}
	s.mu.RLock()
	last := s.lastAttempt
	s.mu.RUnlock()
	if !last.IsZero() && s.clock.Now().Sub(last) < s.Interval() {
		return false
	}
	return s.runSync(ctx)
}

// TriggerSync starts a sync in the background unless one is already running or the scheduler
// is not running. It returns whether a sync was started. The sync runs on the scheduler's own
// context, so Stop cancels it; ctx only gates the call.
func (s *Scheduler) TriggerSync(ctx context.Context) bool {
	if ctx.Err() != nil || s.engine.IsSyncing() || s.inFlight.Load() {
		return false
	}
	return s.spawn(func(runCtx context.Context) {
		s.runSync(runCtx)
	})
}

// spawn runs fn in a goroutine tracked by Stop. It refuses before Start and once Stop has
// begun; wg.Add happens under the same lock Stop takes to flip isRunning.
func (s *Scheduler) spawn(fn func(ctx context.Context)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.isRunning {
		return false
	}
	runCtx := s.runCtx
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn(runCtx)
	}()
	return true
}

func (s *Scheduler) runSync(ctx context.Context) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		return false
	}
	defer s.inFlight.Store(false)

	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.SyncTimeout)
	defer cancel()

	result, err := s.engine.PerformSync(syncCtx)
	if err == nil && result != nil && result.Skipped {
		return false
	}
	s.recordOutcome(err)
	return true
}

// recordOutcome adapts the interval to the result of a sync attempt.
func (s *Scheduler) recordOutcome(err error) {
	s.mu.Lock()
	now := s.clock.Now()
	s.lastAttempt = now
	before := s.adaptive

	if err == nil {
		s.lastSuccess = now
		s.consecutiveFailures = 0
		s.adaptive = s.cfg.BaseInterval
	} else {
		s.consecutiveFailures++
		if s.consecutiveFailures >= s.cfg.FailureThreshold {
			s.adaptive = min(s.adaptive*2, s.cfg.MaxInterval)
		}
	}
	failures := s.consecutiveFailures
	after := s.adaptive
	s.mu.Unlock()

	if err != nil {
		logging.ErrorWithCode("Scheduled sync failed", string(errors.CodeOf(err)), err, map[string]interface{}{
			"consecutive_failures": failures,
		})
	}
	if before != after {
		logging.Info("Sync interval changed", map[string]interface{}{
			"from_ms":              before.Milliseconds(),
			"to_ms":                after.Milliseconds(),
			"consecutive_failures": failures,
		})
	}
}

// Interval returns the effective interval: the adaptive interval times the lifecycle and
// device-pressure multipliers, capped at MaxInterval.
func (s *Scheduler) Interval() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.intervalLocked()
}

func (s *Scheduler) intervalLocked() time.Duration {
	d := s.adaptive
	if !s.foreground {
		d *= backgroundFactor
	}
	if s.batteryLow {
		d *= batteryLowFactor
	}
	if s.storagePressure {
		d *= storagePressureFactor
	}
	return min(d, s.cfg.MaxInterval)
}

// SetOnline forwards connectivity to the engine. Coming online triggers a sync while the
// scheduler runs.
func (s *Scheduler) SetOnline(ctx context.Context, online bool) {
	was := s.engine.SetOnline(online)
	if was == online {
		return
	}
	logging.Info("Online status changed", map[string]interface{}{
		"was_online": was,
		"is_online":  online,
	})
	if online {
		s.TriggerSync(ctx)
	}
}

// SetForeground records an app lifecycle transition. Returning to the foreground halves the
// interval back and, while the scheduler runs, syncs after ForegroundDelay. Going to the
// background doubles it.
func (s *Scheduler) SetForeground(ctx context.Context, foreground bool) {
	s.mu.Lock()
	changed := s.foreground != foreground
	s.foreground = foreground
	interval := s.intervalLocked()
	s.mu.Unlock()
	if !changed {
		return
	}

	logging.Info("App lifecycle changed", map[string]interface{}{
		"foreground":  foreground,
		"interval_ms": interval.Milliseconds(),
	})
	if !foreground {
		return
	}

	if ctx.Err() != nil {
		return
	}
	s.spawn(func(ctx context.Context) {
		timer := time.NewTimer(s.cfg.ForegroundDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if s.engine.IsOnline() {
			s.runSync(ctx)
		}
	})
}

// SetBatteryLow records the battery signal. Entering low battery stretches the interval and
// purges completed queue items.
func (s *Scheduler) SetBatteryLow(ctx context.Context, low bool) {
	s.setPressure(ctx, &s.batteryLow, low, "battery_low")
}

// SetStoragePressure records the storage signal. Entering storage pressure stretches the
// interval and purges completed queue items.
func (s *Scheduler) SetStoragePressure(ctx context.Context, pressure bool) {
	s.setPressure(ctx, &s.storagePressure, pressure, "storage_pressure")
}

func (s *Scheduler) setPressure(ctx context.Context, flag *bool, on bool, name string) {
	s.mu.Lock()
	changed := *flag != on
	*flag = on
	interval := s.intervalLocked()
	s.mu.Unlock()
	if !changed {
		return
	}

	logging.Info("Device signal changed", map[string]interface{}{
		name:          on,
		"interval_ms": interval.Milliseconds(),
	})
	if on {
		s.cleanup(ctx)
	}
}

func (s *Scheduler) cleanup(ctx context.Context) {
	n, err := s.engine.ClearCompletedItems(ctx)
	if err != nil {
		logging.Error("Queue cleanup failed", err)
		return
	}
	logging.Info("Queue cleanup completed", map[string]interface{}{"removed": n})
}

// Status returns a snapshot of the scheduler state.
func (s *Scheduler) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		IsRunning:           s.isRunning,
		IsOnline:            s.engine.IsOnline(),
		Foreground:          s.foreground,
		BatteryLow:          s.batteryLow,
		StoragePressure:     s.storagePressure,
		Interval:            s.intervalLocked(),
		AdaptiveInterval:    s.adaptive,
		ConsecutiveFailures: s.consecutiveFailures,
		SyncInProgress:      s.inFlight.Load() || s.engine.IsSyncing(),
	}
	if !s.lastSuccess.IsZero() {
		t := s.lastSuccess
		st.LastSyncTime = &t
	}
	if !s.lastAttempt.IsZero() {
		t := s.lastAttempt
		st.LastAttemptTime = &t
	}
	return st
}
