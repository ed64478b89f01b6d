// Package refresh implements the process-wide scrape-state singleton
// (§4.E): at most one scrape runs at a time, manual refresh requests honor
// a cooldown, and readers can ask whether the store is stale.
//
// Re-architected per §9 "Singletons → explicit controller": an instance
// created once at process start and passed explicitly to every
// collaborator, never a package-level global.
//
// The background auto-refresh loop is grounded on
// internal/maintenance/maintenance.go's ticker-per-task shape (a
// time.Ticker driving a periodic check in its own goroutine, stopped on
// context cancellation); the mutex-guarded state tuple is grounded on the
// recovered cache.Cache pattern (a single mutex covering every field read
// or written by more than one goroutine).
package refresh

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/albapepper/hoopcal/internal/scrape"
)

// State is the controller's two-state machine (§4.E).
type State int

const (
	StateIdle State = iota
	StateScraping
)

func (s State) String() string {
	if s == StateScraping {
		return "scraping"
	}
	return "idle"
}

// RefreshOutcome is the result of a requestRefresh call.
type RefreshOutcome string

const (
	RefreshStarted     RefreshOutcome = "started"
	RefreshInProgress  RefreshOutcome = "in_progress"
	RefreshRateLimited RefreshOutcome = "rate_limited"
)

// RefreshResponse is returned by RequestRefresh.
type RefreshResponse struct {
	Outcome    RefreshOutcome
	RetryAfter time.Duration // only meaningful when Outcome == RefreshRateLimited
}

// ScrapeFunc performs one scrape pass. It is usually *scrape.Orchestrator.Run.
type ScrapeFunc func(ctx context.Context, onProgress func(scrape.Progress)) (scrape.Result, error)

// Controller is the refresh singleton (§4.E, §5). Every field below is
// guarded by mu; no goroutine reads or writes any of them outside a lock.
type Controller struct {
	mu sync.Mutex

	state           State
	lastStartedAt   *time.Time
	lastCompletedAt *time.Time
	lastError       string
	progress        scrape.Progress

	cooldown time.Duration
	ttl      time.Duration

	scrapeFn ScrapeFunc
	logger   *slog.Logger
}

// New creates a Controller. cooldown gates manual refresh requests; ttl
// is the staleness threshold for IsStale.
func New(scrapeFn ScrapeFunc, cooldown, ttl time.Duration, logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		scrapeFn: scrapeFn,
		cooldown: cooldown,
		ttl:      ttl,
		logger:   logger,
	}
}

// IsScraping reports whether a scrape is currently running.
func (c *Controller) IsScraping() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == StateScraping
}

// LastCompletedAt returns the timestamp of the last successful scrape, or
// nil if none has ever completed.
func (c *Controller) LastCompletedAt() *time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCompletedAt == nil {
		return nil
	}
	t := *c.lastCompletedAt
	return &t
}

// LastError returns the error from the most recent failed scrape, cleared
// on the next successful completion (§4.E).
func (c *Controller) LastError() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastError
}

// Progress returns the most recently reported scrape progress. Zero value
// when idle or before the first group completes.
func (c *Controller) Progress() scrape.Progress {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.progress
}

// IsStale reports true when no scrape has ever completed, or the last
// completion is older than the configured TTL (§4.E, GLOSSARY).
func (c *Controller) IsStale() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.lastCompletedAt == nil {
		return true
	}
	return time.Since(*c.lastCompletedAt) > c.ttl
}

// RequestRefresh is the manual-refresh entry point (§4.E). The
// in-progress/cooldown/start decision and the state transition happen
// under a single lock acquisition so concurrent callers cannot both
// observe Idle and both start a scrape.
func (c *Controller) RequestRefresh(ctx context.Context) RefreshResponse {
	c.mu.Lock()
	if c.state == StateScraping {
		c.mu.Unlock()
		return RefreshResponse{Outcome: RefreshInProgress}
	}
	if c.lastStartedAt != nil {
		elapsed := time.Since(*c.lastStartedAt)
		if elapsed < c.cooldown {
			retryAfter := c.cooldown - elapsed
			c.mu.Unlock()
			return RefreshResponse{Outcome: RefreshRateLimited, RetryAfter: retryAfter}
		}
	}
	c.beginLocked()
	c.mu.Unlock()

	go c.runScrape(ctx)
	return RefreshResponse{Outcome: RefreshStarted}
}

// TriggerAutoRefresh starts a scrape bypassing the cooldown (e.g. an empty
// store on boot) while still honoring the single-writer invariant. Returns
// false if a scrape was already running.
func (c *Controller) TriggerAutoRefresh(ctx context.Context) bool {
	c.mu.Lock()
	if c.state == StateScraping {
		c.mu.Unlock()
		return false
	}
	c.beginLocked()
	c.mu.Unlock()

	go c.runScrape(ctx)
	return true
}

// beginLocked transitions Idle -> Scraping. Caller must hold mu.
func (c *Controller) beginLocked() {
	now := time.Now().UTC()
	c.state = StateScraping
	c.lastStartedAt = &now
	c.progress = scrape.Progress{}
}

func (c *Controller) runScrape(ctx context.Context) {
	result, err := c.scrapeFn(ctx, func(p scrape.Progress) {
		c.mu.Lock()
		c.progress = p
		c.mu.Unlock()
	})

	c.mu.Lock()
	defer c.mu.Unlock()
	if err != nil {
		c.lastError = err.Error()
		c.logger.Error("scrape failed", "error", err)
	} else {
		c.lastError = ""
		completed := time.Now().UTC()
		c.lastCompletedAt = &completed
		c.logger.Info("scrape succeeded", "summary", result.Summary())
	}
	c.state = StateIdle
}

// AwaitIdle blocks until the controller returns to Idle, or ctx is done.
// Intended for tests (§4.E).
func (c *Controller) AwaitIdle(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()
	for {
		if !c.IsScraping() {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// StartAutoStaleCheckLoop polls IsStale on checkInterval and triggers an
// auto-refresh when true, bypassing the manual cooldown. Blocks until ctx
// is cancelled; intended to be launched with `go`.
//
// Checks once immediately before entering the ticker loop: time.Ticker only
// fires after the first full interval elapses, and §8 scenario S1 requires
// an empty store to start scraping immediately on boot rather than sitting
// un-scraped for the whole interval.
func (c *Controller) StartAutoStaleCheckLoop(ctx context.Context, checkInterval time.Duration) {
	if checkInterval <= 0 {
		return
	}

	c.logger.Info("auto stale-check loop started", "interval", checkInterval)
	if c.IsStale() {
		c.logger.Info("store stale on startup, triggering auto refresh")
		c.TriggerAutoRefresh(ctx)
	}

	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("auto stale-check loop stopped")
			return
		case <-ticker.C:
			if c.IsStale() {
				c.logger.Info("store stale, triggering auto refresh")
				c.TriggerAutoRefresh(ctx)
			}
		}
	}
}
