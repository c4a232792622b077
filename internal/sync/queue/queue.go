// Package queue processes the durable outbox of deferred requests: priority ordering,
// dependency gating, exponential backoff and crash recovery.
package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kimhsiao/offlinesync/internal/clock"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	"github.com/kimhsiao/offlinesync/internal/models"
	"github.com/kimhsiao/offlinesync/internal/store"
	"github.com/kimhsiao/offlinesync/internal/sync/remote"
	"github.com/kimhsiao/offlinesync/internal/uuid"
)

var (
	errNotClaimable = errors.New("queue item not claimable")
	errNoChange     = errors.New("no change")
)

// Config tunes the processor.
type Config struct {
	BatchSize         int
	DefaultMaxRetries int
	BackoffBase       time.Duration
	BackoffMax        time.Duration
}

// DefaultConfig returns the stock queue settings.
func DefaultConfig() Config {
	return Config{
		BatchSize:         10,
		DefaultMaxRetries: 3,
		BackoffBase:       time.Second,
		BackoffMax:        5 * time.Minute,
	}
}

// Options are the optional attributes of a new queue item.
type Options struct {
	Priority     int
	MaxRetries   int // 0 selects Config.DefaultMaxRetries
	Headers      map[string]string
	ScheduledAt  *time.Time
	Dependencies []string
	Tags         []string
	Timeout      time.Duration
}

// Result summarizes one ProcessQueue call.
type Result struct {
	Attempted int  `json:"attempted"`
	Succeeded int  `json:"succeeded"`
	Failed    int  `json:"failed"` // attempts that errored, whether rescheduled or terminal
	Skipped   int  `json:"skipped"`
	Busy      bool `json:"busy"` // another pass was already running
}

// Listener observes items that finished an attempt.
type Listener func(item models.QueueItem)

// Processor drains the queue through a remote.Transport.
type Processor struct {
	store     *store.Store
	transport remote.Transport
	clock     clock.Clock
	cfg       Config

	isProcessing atomic.Bool

	listenerMu sync.RWMutex
	listener   Listener
}

// New creates a processor. A nil clock selects the wall clock.
func New(st *store.Store, transport remote.Transport, clk clock.Clock, cfg Config) *Processor {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = def.DefaultMaxRetries
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = def.BackoffBase
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = def.BackoffMax
	}
	if clk == nil {
		clk = clock.Real{}
	}
	return &Processor{store: st, transport: transport, clock: clk, cfg: cfg}
}

// SetListener registers the callback invoked after each attempt.
func (p *Processor) SetListener(l Listener) {
	p.listenerMu.Lock()
	defer p.listenerMu.Unlock()
	p.listener = l
}

func (p *Processor) notify(item models.QueueItem) {
	p.listenerMu.RLock()
	l := p.listener
	p.listenerMu.RUnlock()
	if l != nil {
		l(item)
	}
}

// Backoff returns the delay before retry number retryCount using the stock settings:
// min(1s * 2^retryCount, 5m).
func Backoff(retryCount int) time.Duration {
	def := DefaultConfig()
	return backoff(retryCount, def.BackoffBase, def.BackoffMax)
}

// Backoff returns the delay before retry number retryCount using p's settings.
func (p *Processor) Backoff(retryCount int) time.Duration {
	return backoff(retryCount, p.cfg.BackoffBase, p.cfg.BackoffMax)
}

func backoff(retryCount int, base, max time.Duration) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	if retryCount >= 62 {
		return max
	}
	d := base << uint(retryCount)
	if d <= 0 || d > max || d/base != time.Duration(1)<<uint(retryCount) {
		return max
	}
	return d
}

// IsProcessing reports whether a pass is running.
func (p *Processor) IsProcessing() bool {
	return p.isProcessing.Load()
}

// AddToQueue appends a pending item and returns its id.
func (p *Processor) AddToQueue(ctx context.Context, method models.Method, url string, payload []byte, opts Options) (string, error) {
	if !method.Valid() {
		return "", apperrors.Newf(apperrors.ErrInvalid, "unsupported method %q", method)
	}
	if url == "" {
		return "", apperrors.New(apperrors.ErrInvalid, "url is required")
	}
	if err := uuid.ValidateAll(opts.Dependencies); err != nil {
		return "", apperrors.Wrap(apperrors.ErrInvalid, "invalid dependency id", err)
	}

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = p.cfg.DefaultMaxRetries
	}

	item := models.QueueItem{
		ID:           uuid.New(),
		Method:       method,
		URL:          url,
		Payload:      append([]byte(nil), payload...),
		Priority:     opts.Priority,
		MaxRetries:   maxRetries,
		Timeout:      opts.Timeout,
		CreatedAt:    p.clock.Now(),
		Dependencies: append([]string(nil), opts.Dependencies...),
		Tags:         append([]string(nil), opts.Tags...),
		Status:       models.QueueStatusPending,
	}
	if len(payload) == 0 {
		item.Payload = nil
	}
	if len(opts.Headers) > 0 {
		item.Headers = make(map[string]string, len(opts.Headers))
		for k, v := range opts.Headers {
			item.Headers[k] = v
		}
	}
	if opts.ScheduledAt != nil {
		t := *opts.ScheduledAt
		item.ScheduledAt = &t
	}

	err := p.store.UpdateQueue(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		return append(items, item), nil
	})
	if err != nil {
		return "", err
	}

	logging.Debug("Queued request", map[string]interface{}{
		"item_id":  item.ID,
		"method":   string(item.Method),
		"url":      item.URL,
		"priority": item.Priority,
	})
	return item.ID, nil
}

// ProcessQueue runs one pass over the eligible items. A call made while another pass is
// running returns immediately with Busy set. Item failures are recorded on the items; only
// store failures and context cancellation are returned.
func (p *Processor) ProcessQueue(ctx context.Context) (Result, error) {
	if !p.isProcessing.CompareAndSwap(false, true) {
		return Result{Busy: true}, nil
	}
	defer p.isProcessing.Store(false)

	items, err := p.store.GetQueue(ctx)
	if err != nil {
		return Result{}, err
	}

	now := p.clock.Now()
	statuses := statusIndex(items)
	dependents := dependencyGraph(items)

	eligible := make([]models.QueueItem, 0, len(items))
	for _, item := range items {
		if item.Eligible(now) {
			eligible = append(eligible, item)
		}
	}
	sortForProcessing(eligible)

	var res Result
	attempted := make(map[string]bool)
	var woken []string

	for _, item := range eligible {
		if res.Attempted >= p.cfg.BatchSize {
			break
		}
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if !dependenciesMet(item, statuses) {
			res.Skipped++
			continue
		}

		done, ran, err := p.attempt(ctx, item.ID, &res)
		if err != nil {
			return res, err
		}
		if !ran {
			continue
		}
		attempted[item.ID] = true
		statuses[item.ID] = done.Status
		if done.Status == models.QueueStatusCompleted {
			woken = append(woken, dependents[item.ID]...)
		}
	}

	if len(woken) == 0 {
		return res, nil
	}

	// One extra pass for dependents unblocked above.
	items, err = p.store.GetQueue(ctx)
	if err != nil {
		return res, err
	}
	statuses = statusIndex(items)
	byID := make(map[string]models.QueueItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	now = p.clock.Now()

	var extra []models.QueueItem
	for _, id := range woken {
		item, ok := byID[id]
		if !ok || attempted[id] || !item.Eligible(now) || !dependenciesMet(item, statuses) {
			continue
		}
		attempted[id] = true
		extra = append(extra, item)
	}
	sortForProcessing(extra)

	for _, item := range extra {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		if _, _, err := p.attempt(ctx, item.ID, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

// attempt moves one item through processing to its next state. ran is false when the item
// was no longer pending by the time it was claimed.
func (p *Processor) attempt(ctx context.Context, id string, res *Result) (models.QueueItem, bool, error) {
	var claimed models.QueueItem
	err := p.store.UpdateQueue(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			if items[i].Status != models.QueueStatusPending {
				return nil, errNotClaimable
			}
			items[i].Status = models.QueueStatusProcessing
			claimed = items[i].Clone()
			return items, nil
		}
		return nil, errNotClaimable
	})
	if err == errNotClaimable {
		return models.QueueItem{}, false, nil
	}
	if err != nil {
		return models.QueueItem{}, false, err
	}

	res.Attempted++
	logging.Debug("Processing queue item", map[string]interface{}{
		"item_id": claimed.ID,
		"method":  string(claimed.Method),
		"url":     claimed.URL,
		"attempt": claimed.RetryCount + 1,
	})

	_, execErr := p.transport.Do(ctx, remote.Request{
		Method:  claimed.Method,
		URL:     claimed.URL,
		Payload: claimed.Payload,
		Headers: claimed.Headers,
		Timeout: claimed.Timeout,
	})

	// Persist the outcome even if ctx was cancelled mid-request.
	persistCtx := context.WithoutCancel(ctx)

	if execErr != nil && ctx.Err() != nil {
		// Shutdown interrupted the request: release the item without spending a retry.
		_ = p.store.UpdateQueue(persistCtx, func(items []models.QueueItem) ([]models.QueueItem, error) {
			for i := range items {
				if items[i].ID == id && items[i].Status == models.QueueStatusProcessing {
					items[i].Status = models.QueueStatusPending
				}
			}
			return items, nil
		})
		return models.QueueItem{}, false, ctx.Err()
	}

	var done models.QueueItem
	err = p.store.UpdateQueue(persistCtx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			if execErr == nil {
				items[i].Status = models.QueueStatusCompleted
				items[i].ErrorMessage = ""
				items[i].ScheduledAt = nil
			} else {
				p.recordFailure(&items[i], execErr)
			}
			done = items[i].Clone()
			return items, nil
		}
		return nil, errNotClaimable
	})
	if err == errNotClaimable {
		// Removed while in flight.
		return models.QueueItem{}, false, nil
	}
	if err != nil {
		return models.QueueItem{}, false, err
	}

	ctxMap := map[string]interface{}{
		"item_id":     done.ID,
		"status":      string(done.Status),
		"retry_count": done.RetryCount,
	}
	switch {
	case execErr == nil:
		res.Succeeded++
		logging.Info("Queue item completed", ctxMap)
	case done.Status == models.QueueStatusFailed:
		res.Failed++
		logging.ErrorWithCode("Queue item failed permanently", string(apperrors.CodeOf(execErr)), execErr, ctxMap)
	default:
		res.Failed++
		ctxMap["scheduled_at"] = done.ScheduledAt
		logging.Warn("Queue item failed, retry scheduled", ctxMap, map[string]interface{}{"error": execErr.Error()})
	}

	p.notify(done)
	return done, true, nil
}

func (p *Processor) recordFailure(item *models.QueueItem, err error) {
	item.RetryCount++
	item.ErrorMessage = err.Error()
	if item.RetryCount >= item.MaxRetries {
		item.Status = models.QueueStatusFailed
		item.ScheduledAt = nil
		return
	}
	next := p.clock.Now().Add(p.Backoff(item.RetryCount))
	item.Status = models.QueueStatusPending
	item.ScheduledAt = &next
}

// RecoverInterrupted resets items left in processing by a crash back to pending.
func (p *Processor) RecoverInterrupted(ctx context.Context) (int, error) {
	n := 0
	err := p.store.UpdateQueue(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			if items[i].Status == models.QueueStatusProcessing {
				items[i].Status = models.QueueStatusPending
				n++
			}
		}
		if n == 0 {
			return nil, errNoChange
		}
		return items, nil
	})
	if err != nil && err != errNoChange {
		return 0, err
	}
	if n > 0 {
		logging.Info("Recovered interrupted queue items", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RetryFailedItems returns failed items to pending. Items that still had retries left keep
// their retry count; exhausted items start over from zero.
func (p *Processor) RetryFailedItems(ctx context.Context) (int, error) {
	n := 0
	err := p.store.UpdateQueue(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			if items[i].Status != models.QueueStatusFailed {
				continue
			}
			if items[i].RetryCount >= items[i].MaxRetries {
				items[i].RetryCount = 0
			}
			resetToPending(&items[i])
			n++
		}
		if n == 0 {
			return nil, errNoChange
		}
		return items, nil
	})
	if err != nil && err != errNoChange {
		return 0, err
	}
	if n > 0 {
		logging.Info("Reset failed items for retry", map[string]interface{}{"count": n})
	}
	return n, nil
}

// RetryItem returns a single failed item to pending with a fresh retry budget.
func (p *Processor) RetryItem(ctx context.Context, id string) error {
	err := p.store.UpdateQueue(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			if items[i].Status != models.QueueStatusFailed {
				return nil, apperrors.Newf(apperrors.ErrInvalid, "queue item %s is %s, not failed", id, items[i].Status)
			}
			items[i].RetryCount = 0
			resetToPending(&items[i])
			return items, nil
		}
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", id)
	})
	if err != nil {
		return err
	}
	logging.Info("Reset queue item for retry", map[string]interface{}{"item_id": id})
	return nil
}

func resetToPending(item *models.QueueItem) {
	item.Status = models.QueueStatusPending
	item.ScheduledAt = nil
	item.ErrorMessage = ""
}

// ClearCompletedItems removes completed items and returns how many were removed. A completed
// item that another unfinished item depends on is kept until that dependent completes.
func (p *Processor) ClearCompletedItems(ctx context.Context) (int, error) {
	return p.remove(ctx, func(items []models.QueueItem) func(models.QueueItem) bool {
		awaited := awaitedIDs(items)
		return func(item models.QueueItem) bool {
			return item.Status == models.QueueStatusCompleted && !awaited[item.ID]
		}
	}, "Cleared completed queue items")
}

// CancelItem removes a pending item. Items already processing or finished cannot be cancelled.
func (p *Processor) CancelItem(ctx context.Context, id string) error {
	err := p.store.UpdateQueue(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		for i := range items {
			if items[i].ID != id {
				continue
			}
			if items[i].Status != models.QueueStatusPending {
				return nil, apperrors.Newf(apperrors.ErrInvalid, "queue item %s is %s, only pending items can be cancelled", id, items[i].Status)
			}
			return append(items[:i], items[i+1:]...), nil
		}
		return nil, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", id)
	})
	if err != nil {
		return err
	}
	logging.Info("Cancelled queue item", map[string]interface{}{"item_id": id})
	return nil
}

// CancelByTag removes every pending item carrying tag.
func (p *Processor) CancelByTag(ctx context.Context, tag string) (int, error) {
	return p.remove(ctx, func([]models.QueueItem) func(models.QueueItem) bool {
		return func(item models.QueueItem) bool {
			return item.Status == models.QueueStatusPending && item.HasTag(tag)
		}
	}, "Cancelled queue items by tag")
}

// remove drops the items selected by the matcher newMatch builds from the loaded queue.
func (p *Processor) remove(ctx context.Context, newMatch func([]models.QueueItem) func(models.QueueItem) bool, msg string) (int, error) {
	n := 0
	err := p.store.UpdateQueue(ctx, func(items []models.QueueItem) ([]models.QueueItem, error) {
		n = 0
		match := newMatch(items)
		kept := items[:0]
		for _, item := range items {
			if match(item) {
				n++
				continue
			}
			kept = append(kept, item)
		}
		if n == 0 {
			return nil, errNoChange
		}
		return kept, nil
	})
	if err != nil && err != errNoChange {
		return 0, err
	}
	if n > 0 {
		logging.Info(msg, map[string]interface{}{"count": n})
	}
	return n, nil
}

// GetQueueStats counts items by status.
func (p *Processor) GetQueueStats(ctx context.Context) (models.QueueStats, error) {
	items, err := p.store.GetQueue(ctx)
	if err != nil {
		return models.QueueStats{}, err
	}
	return models.CountQueue(items), nil
}

// GetItem returns one item by id.
func (p *Processor) GetItem(ctx context.Context, id string) (models.QueueItem, error) {
	items, err := p.store.GetQueue(ctx)
	if err != nil {
		return models.QueueItem{}, err
	}
	for _, item := range items {
		if item.ID == id {
			return item, nil
		}
	}
	return models.QueueItem{}, apperrors.Newf(apperrors.ErrNotFound, "queue item %s not found", id)
}

// sortForProcessing orders by priority descending, then creation time ascending.
func sortForProcessing(items []models.QueueItem) {
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
}

func statusIndex(items []models.QueueItem) map[string]models.QueueStatus {
	idx := make(map[string]models.QueueStatus, len(items))
	for _, item := range items {
		idx[item.ID] = item.Status
	}
	return idx
}

// dependencyGraph maps an item id to the pending items that depend on it.
func dependencyGraph(items []models.QueueItem) map[string][]string {
	graph := make(map[string][]string)
	for _, item := range items {
		if item.Status != models.QueueStatusPending {
			continue
		}
		for _, dep := range item.Dependencies {
			graph[dep] = append(graph[dep], item.ID)
		}
	}
	return graph
}

// awaitedIDs returns the ids that items not yet completed list as dependencies.
func awaitedIDs(items []models.QueueItem) map[string]bool {
	ids := make(map[string]bool)
	for _, item := range items {
		if item.Status == models.QueueStatusCompleted {
			continue
		}
		for _, dep := range item.Dependencies {
			ids[dep] = true
		}
	}
	return ids
}

// dependenciesMet reports whether every dependency is completed. Unknown ids block.
func dependenciesMet(item models.QueueItem, statuses map[string]models.QueueStatus) bool {
	for _, dep := range item.Dependencies {
		if statuses[dep] != models.QueueStatusCompleted {
			return false
		}
	}
	return true
}
