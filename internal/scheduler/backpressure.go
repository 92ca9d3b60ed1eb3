package scheduler

import (
	"context"
	"log"
	"sync"
	"time"
)

// DepthSource reports the number of messages still queued.
type DepthSource interface {
	QueuedDepth(ctx context.Context) (int64, error)
}

// BackpressureMonitor checks queued depth and pauses new runs when the
// provider is not keeping up. It pauses at maxDepth and resumes once depth
// drains below half of it.
type BackpressureMonitor struct {
	source        DepthSource
	maxDepth      int64
	checkInterval time.Duration
	paused        bool
	depth         int64
	mu            sync.RWMutex
}

// NewBackpressureMonitor creates a monitor. maxDepth <= 0 defaults to 50,000.
func NewBackpressureMonitor(source DepthSource, maxDepth int64, checkInterval time.Duration) *BackpressureMonitor {
	if maxDepth <= 0 {
		maxDepth = 50000
	}
	if checkInterval <= 0 {
		checkInterval = 10 * time.Second
	}
	return &BackpressureMonitor{
		source:        source,
		maxDepth:      maxDepth,
		checkInterval: checkInterval,
	}
}

// Start runs the periodic depth check loop. It blocks until ctx is cancelled.
func (bp *BackpressureMonitor) Start(ctx context.Context) {
	bp.Check(ctx)

	ticker := time.NewTicker(bp.checkInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			bp.Check(ctx)
		}
	}
}

// Check queries the current depth and updates the paused flag.
func (bp *BackpressureMonitor) Check(ctx context.Context) {
	depth, err := bp.source.QueuedDepth(ctx)
	if err != nil {
		log.Printf("[Backpressure] Check error: %v", err)
		return
	}

	bp.mu.Lock()
	defer bp.mu.Unlock()

	bp.depth = depth
	wasPaused := bp.paused
	if depth >= bp.maxDepth {
		bp.paused = true
		if !wasPaused {
			log.Printf("[Backpressure] Queued depth %d reached threshold %d, pausing runs", depth, bp.maxDepth)
		}
	} else if depth < bp.maxDepth/2 {
		bp.paused = false
		if wasPaused {
			log.Printf("[Backpressure] Queued depth %d below resume threshold %d, resuming runs", depth, bp.maxDepth/2)
		}
	}
}

// IsPaused implements Gate.
func (bp *BackpressureMonitor) IsPaused() bool {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.paused
}

// QueueDepth returns the depth seen by the last check.
func (bp *BackpressureMonitor) QueueDepth() int64 {
	bp.mu.RLock()
	defer bp.mu.RUnlock()
	return bp.depth
}
