package scheduler

import (
	"context"
	"log"
	"time"

	"github.com/ignite/campaign-notifier/internal/pkg/distlock"
)

// =============================================================================
// SWEEPER: seals abandoned runs and expires stale queued messages
// =============================================================================
// A worker that crashes mid-run leaves its SchedulerRun unsealed and may
// leave messages queued under a lease. Leases expire on their own, so a
// later run in the same window reclaims those messages. What never expires
// on its own is:
//   - the unsealed run record, sealed here as abandoned
//   - queued messages whose window has long passed, failed here so they
//     stop counting towards queue depth

// SweepStore is the subset of Store the sweeper uses.
type SweepStore interface {
	AbandonStaleRuns(ctx context.Context, campaignID string, olderThan, at time.Time) (int, error)
	ExpireQueued(ctx context.Context, olderThan, at time.Time) (int, error)
}

// Sweeper periodically runs recovery. Only one instance across the fleet
// sweeps at a time when a distributed lock is supplied.
type Sweeper struct {
	store    SweepStore
	lock     distlock.DistLock
	interval time.Duration
	staleRun time.Duration
	maxAge   time.Duration
	now      func() time.Time
}

// NewSweeper creates a sweeper from the scheduler config. lock may be nil.
func NewSweeper(store SweepStore, lock distlock.DistLock, cfg Config) *Sweeper {
	cfg = cfg.withDefaults()
	return &Sweeper{
		store:    store,
		lock:     lock,
		interval: cfg.SweepInterval,
		staleRun: cfg.RunStaleAfter,
		maxAge:   cfg.QueuedMaxAge,
		now:      time.Now,
	}
}

// Start runs the sweep loop. It blocks until ctx is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	log.Printf("[Sweeper] Starting (interval=%s, stale_run=%s, queued_max_age=%s)",
		sw.interval, sw.staleRun, sw.maxAge)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Println("[Sweeper] Stopping")
			return
		case <-ticker.C:
			sw.Sweep(ctx)
		}
	}
}

// Sweep performs one recovery pass.
func (sw *Sweeper) Sweep(ctx context.Context) {
	if sw.lock == nil {
		sw.sweep(ctx)
		return
	}
	ran, err := distlock.WithLock(ctx, sw.lock, func(ctx context.Context) error {
		sw.sweep(ctx)
		return nil
	})
	if err != nil {
		log.Printf("[Sweeper] Lock error: %v", err)
	} else if !ran {
		log.Printf("[Sweeper] Another instance holds the sweep lock, skipping")
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	queryCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	now := sw.now().UTC()

	n, err := sw.store.AbandonStaleRuns(queryCtx, "", now.Add(-sw.staleRun), now)
	if err != nil {
		log.Printf("[Sweeper] Abandon runs error: %v", err)
	} else if n > 0 {
		log.Printf("[Sweeper] Sealed %d abandoned runs", n)
	}

	n, err = sw.store.ExpireQueued(queryCtx, now.Add(-sw.maxAge), now)
	if err != nil {
		log.Printf("[Sweeper] Expire queued error: %v", err)
	} else if n > 0 {
		log.Printf("[Sweeper] Expired %d stale queued messages", n)
	}
}
