// Package guard serializes scrapes per workflow. A lock left behind by a
// crashed run auto-expires after a staleness window so a workflow can never
// be wedged permanently.
package guard

import (
	"fmt"
	"time"

	"github.com/nbarger/crest/internal/logging"
	"github.com/nbarger/crest/internal/store"
)

// DefaultStaleAfter is how long a held lock is trusted before it is treated
// as abandoned.
const DefaultStaleAfter = 10 * time.Minute

// ErrScrapeInProgress is returned when another scrape currently holds the
// workflow's lock.
var ErrScrapeInProgress = fmt.Errorf("a scrape is already in progress")

// Guard coordinates scrape exclusivity through the store's lock table.
type Guard struct {
	store      *store.Store
	staleAfter time.Duration
	now        func() time.Time
}

// New creates a Guard. A non-positive staleAfter falls back to
// DefaultStaleAfter.
func New(s *store.Store, staleAfter time.Duration) *Guard {
	if staleAfter <= 0 {
		staleAfter = DefaultStaleAfter
	}
	return &Guard{store: s, staleAfter: staleAfter, now: time.Now}
}

// TryStart claims the scrape lock for a workflow and marks it as scraping.
// Expired locks are reaped first, so a crash during a previous scrape only
// blocks the workflow for the staleness window. Returns ErrScrapeInProgress
// when a live lock is held.
func (g *Guard) TryStart(workflowID string) error {
	now := g.now()
	if err := g.reapStale(now); err != nil {
		return fmt.Errorf("reap stale locks: %w", err)
	}

	ok, err := g.store.TryAcquireLock(workflowID, now)
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return ErrScrapeInProgress
	}

	if err := g.store.SetScrapeState(workflowID, true, now, ""); err != nil {
		g.store.ReleaseLock(workflowID)
		return fmt.Errorf("mark scraping: %w", err)
	}
	return nil
}

// Finish releases the workflow's lock and clears the scraping flag. A
// non-empty failure is recorded on the workflow.
func (g *Guard) Finish(workflowID, failure string) error {
	if err := g.store.SetScrapeState(workflowID, false, time.Time{}, failure); err != nil {
		logging.Error("Failed to clear scrape state", "workflow", workflowID, "error", err)
	}
	return g.store.ReleaseLock(workflowID)
}

// IsRunning reports whether a scrape currently holds the target's lock. The
// answer can go stale immediately; use TryStart to actually claim the lock.
func (g *Guard) IsRunning(workflowID string) (bool, error) {
	return g.store.HoldsLock(workflowID)
}

// reapStale releases every lock older than the staleness window and marks
// the orphaned workflows as no longer scraping.
func (g *Guard) reapStale(now time.Time) error {
	stale, err := g.store.StaleLocks(now.Add(-g.staleAfter))
	if err != nil {
		return err
	}
	for _, l := range stale {
		logging.Warn("Releasing expired scrape lock",
			"workflow", l.TargetID, "held_for", now.Sub(l.AcquiredAt))
		if err := g.store.SetScrapeState(l.TargetID, false, time.Time{}, "scrape abandoned: lock expired"); err != nil && err != store.ErrNotFound {
			return err
		}
		if err := g.store.ReleaseLock(l.TargetID); err != nil {
			return err
		}
	}
	return nil
}
