// Package scheduler drives due campaigns through segmentation, dedup
// admission, throttled dispatch and run sealing.
//
// Overlapping invocations are safe without a global lock: every send is
// preceded by an atomic insert-if-absent on the message dedup key
// (campaign, recipient, cooldown window), so at most one message exists per
// key no matter how many runs race.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-notifier/internal/channel"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/segmentation"
)

var (
	ErrCampaignNotActive = errors.New("campaign is not active")
	ErrAlreadyRunning    = errors.New("scheduler already running")
)

// Resolver compiles targeting rules and resolves them into segments.
type Resolver interface {
	Compile(src string) (*segmentation.Node, error)
	Resolve(ctx context.Context, rule *segmentation.Node) (*segmentation.Segment, error)
}

// Renderer resolves a campaign template for one recipient.
type Renderer interface {
	RenderTemplate(c *domain.Campaign, r domain.Recipient) (domain.RenderedTemplate, error)
}

// Gate pauses new runs, e.g. under backpressure.
type Gate interface {
	IsPaused() bool
}

// RunObserver is notified after a run is sealed.
type RunObserver interface {
	RunSealed(ctx context.Context, c *domain.Campaign, run domain.SchedulerRun) error
}

// Stats is a point-in-time copy of the scheduler counters.
type Stats struct {
	Runs             int64 `json:"runs"`
	Sent             int64 `json:"sent"`
	SkippedDuplicate int64 `json:"skipped_duplicate"`
	Deferred         int64 `json:"deferred"`
	Failed           int64 `json:"failed"`
	Halts            int64 `json:"halts"`
}

// Scheduler runs due campaigns.
type Scheduler struct {
	store    Store
	segments Resolver
	renderer Renderer
	sender   channel.Sender
	limiter  Limiter
	gate     Gate
	observer RunObserver
	cfg      Config

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	runs, sent, duplicates, deferred, failed, halts int64

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
	mu      sync.Mutex
}

// Option customises a Scheduler.
type Option func(*Scheduler)

// WithLimiter sets the sliding-window rate limiter shared across workers.
func WithLimiter(l Limiter) Option { return func(s *Scheduler) { s.limiter = l } }

// WithGate sets a gate consulted before every RunDue.
func WithGate(g Gate) Option { return func(s *Scheduler) { s.gate = g } }

// WithObserver sets the sealed-run observer.
func WithObserver(o RunObserver) Option { return func(s *Scheduler) { s.observer = o } }

// WithClock replaces the wall clock and sleep function.
func WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
		if sleep != nil {
			s.sleep = sleep
		}
	}
}

// New creates a scheduler. Without WithLimiter an in-process limiter of
// BatchSize sends per MinBatchInterval is used.
func New(store Store, segments Resolver, renderer Renderer, sender channel.Sender, cfg Config, opts ...Option) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		store:    store,
		segments: segments,
		renderer: renderer,
		sender:   sender,
		cfg:      cfg,
		now:      time.Now,
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.limiter == nil {
		s.limiter = NewLocalLimiter(cfg.MinBatchInterval, cfg.BatchSize, 0, s.now)
	}
	return s
}

// Start begins the polling loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.mu.Unlock()

	log.Printf("[Scheduler] Starting with poll interval: %v", s.cfg.PollInterval)

	s.wg.Add(1)
	go s.loop()
	return nil
}

// Stop cancels in-flight runs and waits for them to seal.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	log.Printf("[Scheduler] Stopping...")
	s.cancel()
	s.wg.Wait()
	st := s.Stats()
	log.Printf("[Scheduler] Stopped. Runs: %d, Sent: %d, Failed: %d", st.Runs, st.Sent, st.Failed)
}

func (s *Scheduler) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := s.RunDue(s.ctx, domain.TriggerCron); err != nil {
			log.Printf("[Scheduler] RunDue error: %v", err)
		}
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Stats returns the scheduler counters.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Runs:             atomic.LoadInt64(&s.runs),
		Sent:             atomic.LoadInt64(&s.sent),
		SkippedDuplicate: atomic.LoadInt64(&s.duplicates),
		Deferred:         atomic.LoadInt64(&s.deferred),
		Failed:           atomic.LoadInt64(&s.failed),
		Halts:            atomic.LoadInt64(&s.halts),
	}
}

// RunDue runs every due campaign once. A failing campaign never stops the
// others; only the due-campaign query itself returns an error.
func (s *Scheduler) RunDue(ctx context.Context, trigger domain.RunTrigger) ([]domain.SchedulerRun, error) {
	if s.gate != nil && s.gate.IsPaused() {
		log.Printf("[Scheduler] Backpressure active, skipping due campaigns")
		return nil, nil
	}

	campaigns, err := s.store.DueCampaigns(ctx, s.now(), s.cfg.DueLimit)
	if err != nil {
		return nil, fmt.Errorf("due campaigns: %w", err)
	}

	var runs []domain.SchedulerRun
	for _, c := range campaigns {
		if ctx.Err() != nil {
			break
		}
		// Earlier runs in this loop can take long enough for an operator
		// to pause or edit the campaign, so start from a fresh read.
		fresh, err := s.store.GetCampaign(ctx, c.ID)
		if err != nil {
			log.Printf("[Scheduler] Campaign %s reload failed: %v", c.ID, err)
			continue
		}
		if !fresh.IsDue(s.now()) {
			log.Printf("[Scheduler] Campaign %s is %s and no longer due, skipping", c.ID, fresh.Status)
			continue
		}
		run, err := s.runCampaign(ctx, fresh, trigger, true)
		if err != nil {
			log.Printf("[Scheduler] Campaign %s run error: %v", c.ID, err)
		}
		if run != nil {
			runs = append(runs, *run)
		}
	}
	return runs, nil
}

// RunCampaign runs one active campaign now, whether or not it is due.
func (s *Scheduler) RunCampaign(ctx context.Context, campaignID string, trigger domain.RunTrigger) (*domain.SchedulerRun, error) {
	c, err := s.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Status != domain.CampaignActive {
		return nil, fmt.Errorf("%w: %s is %s", ErrCampaignNotActive, c.ID, c.Status)
	}
	return s.runCampaign(ctx, c, trigger, c.IsDue(s.now()))
}

func (s *Scheduler) runCampaign(ctx context.Context, c *domain.Campaign, trigger domain.RunTrigger, due bool) (*domain.SchedulerRun, error) {
	now := s.now().UTC()

	if n, err := s.store.AbandonStaleRuns(ctx, c.ID, now.Add(-s.cfg.RunStaleAfter), now); err != nil {
		log.Printf("[Scheduler] Abandon stale runs for %s: %v", c.ID, err)
	} else if n > 0 {
		log.Printf("[Scheduler] Campaign %s: abandoned %d unsealed runs", c.ID, n)
	}

	run := &domain.SchedulerRun{
		ID:         uuid.NewString(),
		CampaignID: c.ID,
		Trigger:    trigger,
		StartedAt:  now,
	}
	if err := s.store.StartRun(ctx, run); err != nil {
		return nil, fmt.Errorf("start run: %w", err)
	}
	atomic.AddInt64(&s.runs, 1)

	rule, err := s.segments.Compile(c.Rule)
	if err != nil {
		reason := fmt.Sprintf("invalid rule: %v", err)
		s.halt(ctx, c, reason)
		return s.seal(ctx, c, run, domain.RunHalted, reason, due)
	}

	exclusions, err := s.store.ListExclusions(ctx, c.ID)
	if err != nil {
		return s.seal(ctx, c, run, domain.RunFailed, fmt.Sprintf("load exclusions: %v", err), due)
	}

	seg, err := s.segments.Resolve(ctx, rule)
	if err != nil {
		return s.seal(ctx, c, run, domain.RunFailed, err.Error(), due)
	}
	run.Summary.Targeted = len(seg.Recipients)

	candidates := make([]domain.Recipient, 0, len(seg.Recipients))
	for _, r := range seg.Recipients {
		if exclusions[r.ID] {
			run.Summary.Excluded++
			continue
		}
		candidates = append(candidates, r)
	}

	st := newRunState(c.WindowKey(now))
	outcome := s.dispatch(ctx, c, candidates, st)
	st.addTo(&run.Summary)

	return s.seal(ctx, c, run, outcome, st.haltReason(), due)
}

// seal closes the run, advances the schedule after a completed due run and
// notifies the observer.
func (s *Scheduler) seal(ctx context.Context, c *domain.Campaign, run *domain.SchedulerRun, outcome domain.RunOutcome, reason string, due bool) (*domain.SchedulerRun, error) {
	// A cancelled run still gets sealed.
	sealCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	ended := s.now().UTC()
	run.EndedAt = &ended
	run.Outcome = outcome
	run.Sealed = true
	run.Error = reason
	if err := s.store.SealRun(sealCtx, run); err != nil {
		return run, fmt.Errorf("seal run %s: %w", run.ID, err)
	}

	log.Printf("[Scheduler] Campaign %s run %s %s: targeted=%d sent=%d dup=%d deferred=%d failed=%d excluded=%d",
		c.ID, run.ID, outcome, run.Summary.Targeted, run.Summary.Sent, run.Summary.SkippedDuplicate,
		run.Summary.Deferred, run.Summary.Failed, run.Summary.Excluded)

	if outcome == domain.RunCompleted && due && c.NextFireAt != nil {
		s.advance(sealCtx, c, run.StartedAt)
	}

	if s.observer != nil {
		if err := s.observer.RunSealed(sealCtx, c, *run); err != nil {
			log.Printf("[Scheduler] Run observer error for %s: %v", run.ID, err)
		}
	}

	var runErr error
	if outcome == domain.RunFailed {
		runErr = errors.New(reason)
	}
	return run, runErr
}

func (s *Scheduler) advance(ctx context.Context, c *domain.Campaign, firedAt time.Time) {
	prev := *c.NextFireAt
	next, again := c.Schedule.Advance(prev, s.now())
	var nextPtr *time.Time
	if again {
		nextPtr = &next
	}
	ok, err := s.store.AdvanceSchedule(ctx, c.ID, prev, nextPtr, !again, firedAt)
	switch {
	case err != nil:
		log.Printf("[Scheduler] Advance schedule for %s: %v", c.ID, err)
	case !ok:
		log.Printf("[Scheduler] Campaign %s schedule already advanced by a concurrent run", c.ID)
	case !again:
		log.Printf("[Scheduler] Campaign %s one-shot fired, marked completed", c.ID)
	}
}

func (s *Scheduler) halt(ctx context.Context, c *domain.Campaign, reason string) {
	atomic.AddInt64(&s.halts, 1)
	if err := s.store.HaltCampaign(context.WithoutCancel(ctx), c.ID, reason, s.now().UTC()); err != nil {
		log.Printf("[Scheduler] Halt campaign %s: %v", c.ID, err)
		return
	}
	log.Printf("[Scheduler] Campaign %s halted: %s", c.ID, reason)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
