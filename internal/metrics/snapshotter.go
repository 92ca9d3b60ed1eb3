package metrics

import (
	"context"
	"log"
	"sync"
	"time"
)

// SnapshotSink persists periodic campaign reports.
type SnapshotSink interface {
	PutSnapshots(ctx context.Context, reports []Report) error
}

// Snapshotter periodically writes per-campaign reports covering a trailing
// window to a SnapshotSink.
type Snapshotter struct {
	agg      *Aggregator
	sink     SnapshotSink
	interval time.Duration
	lookback time.Duration

	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewSnapshotter creates a snapshotter. lookback <= 0 snapshots all time.
func NewSnapshotter(agg *Aggregator, sink SnapshotSink, interval, lookback time.Duration) *Snapshotter {
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Snapshotter{agg: agg, sink: sink, interval: interval, lookback: lookback}
}

// Start begins the snapshot loop.
func (s *Snapshotter) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())

	log.Printf("[Snapshotter] Starting with interval %v", s.interval)

	s.wg.Add(1)
	go s.runLoop()
}

// Stop gracefully stops the loop.
func (s *Snapshotter) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Println("[Snapshotter] Stopping...")
	s.cancel()
	s.wg.Wait()
}

func (s *Snapshotter) runLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Snapshot(s.ctx); err != nil {
				log.Printf("[Snapshotter] Snapshot error: %v", err)
			}
		}
	}
}

// Snapshot takes one snapshot now and returns how many reports were written.
func (s *Snapshotter) Snapshot(ctx context.Context) (int, error) {
	var f Filter
	if s.lookback > 0 {
		f.From = s.agg.now().UTC().Add(-s.lookback)
	}
	reports, err := s.agg.ByCampaign(ctx, f)
	if err != nil {
		return 0, err
	}
	if len(reports) == 0 {
		return 0, nil
	}
	if err := s.sink.PutSnapshots(ctx, reports); err != nil {
		return 0, err
	}
	return len(reports), nil
}
