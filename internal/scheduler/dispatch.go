package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-notifier/internal/channel"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/pkg/logger"
)

// limiterKey is the sliding-window bucket shared by every campaign sending
// through the same provider number.
const limiterKey = "whatsapp"

// runState is shared by the workers of one run.
type runState struct {
	window string

	sent, duplicates, deferred, failed, excluded int64

	halted     atomic.Bool
	mu         sync.Mutex
	reason     string
	pauseUntil time.Time
}

func newRunState(window string) *runState {
	return &runState{window: window}
}

func (st *runState) halt(reason string) bool {
	if !st.halted.CompareAndSwap(false, true) {
		return false
	}
	st.mu.Lock()
	st.reason = reason
	st.mu.Unlock()
	return true
}

func (st *runState) haltReason() string {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.reason
}

// pause pushes the shared batch pause out to until.
func (st *runState) pause(until time.Time) {
	st.mu.Lock()
	if until.After(st.pauseUntil) {
		st.pauseUntil = until
	}
	st.mu.Unlock()
}

func (st *runState) pausedUntil() time.Time {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.pauseUntil
}

func (st *runState) addTo(sum *domain.RunSummary) {
	sum.Sent += int(atomic.LoadInt64(&st.sent))
	sum.SkippedDuplicate += int(atomic.LoadInt64(&st.duplicates))
	sum.Deferred += int(atomic.LoadInt64(&st.deferred))
	sum.Failed += int(atomic.LoadInt64(&st.failed))
	sum.Excluded += int(atomic.LoadInt64(&st.excluded))
}

// dispatch sends to candidates in batches of BatchSize with at most
// MaxInFlight concurrent workers. Before each batch the campaign status and
// halt flag are re-checked, the minimum inter-batch delay is observed and
// the limiter reserves capacity for the whole batch.
func (s *Scheduler) dispatch(ctx context.Context, c *domain.Campaign, candidates []domain.Recipient, st *runState) domain.RunOutcome {
	var lastBatch time.Time

	for start := 0; start < len(candidates); start += s.cfg.BatchSize {
		end := start + s.cfg.BatchSize
		if end > len(candidates) {
			end = len(candidates)
		}
		batch := candidates[start:end]

		if ctx.Err() != nil {
			return domain.RunInterrupted
		}
		if st.halted.Load() {
			return domain.RunHalted
		}
		current, err := s.store.GetCampaign(ctx, c.ID)
		if err != nil {
			log.Printf("[Scheduler] Campaign %s status check failed: %v", c.ID, err)
			return domain.RunInterrupted
		}
		if current.Status != domain.CampaignActive {
			log.Printf("[Scheduler] Campaign %s is %s, no new batches", c.ID, current.Status)
			return domain.RunInterrupted
		}

		if !lastBatch.IsZero() {
			if err := s.sleep(ctx, lastBatch.Add(s.cfg.MinBatchInterval).Sub(s.now())); err != nil {
				return domain.RunInterrupted
			}
		}
		if err := s.waitPause(ctx, st); err != nil {
			return domain.RunInterrupted
		}
		if err := s.reserve(ctx, len(batch)); err != nil {
			log.Printf("[Scheduler] Campaign %s: %v", c.ID, err)
			return domain.RunInterrupted
		}
		lastBatch = s.now()

		sem := make(chan struct{}, s.cfg.MaxInFlight)
		var wg sync.WaitGroup
		for _, r := range batch {
			sem <- struct{}{}
			wg.Add(1)
			go func(r domain.Recipient) {
				defer wg.Done()
				defer func() { <-sem }()
				s.deliver(ctx, c, r, st)
			}(r)
		}
		wg.Wait()
	}

	switch {
	case st.halted.Load():
		return domain.RunHalted
	case ctx.Err() != nil:
		return domain.RunInterrupted
	}
	return domain.RunCompleted
}

// reserve blocks until the limiter admits n sends.
func (s *Scheduler) reserve(ctx context.Context, n int) error {
	for {
		ok, wait, err := s.limiter.Reserve(ctx, limiterKey, n)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if ok {
			return nil
		}
		if wait <= 0 {
			wait = 10 * time.Millisecond
		}
		if err := s.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

func (s *Scheduler) waitPause(ctx context.Context, st *runState) error {
	for {
		d := st.pausedUntil().Sub(s.now())
		if d <= 0 {
			return ctx.Err()
		}
		if err := s.sleep(ctx, d); err != nil {
			return err
		}
	}
}

// deliver runs render, admission, send and record for one recipient. It
// never returns an error: every outcome is counted on st.
func (s *Scheduler) deliver(ctx context.Context, c *domain.Campaign, r domain.Recipient, st *runState) {
	if st.halted.Load() || ctx.Err() != nil {
		atomic.AddInt64(&st.deferred, 1)
		atomic.AddInt64(&s.deferred, 1)
		return
	}

	tpl, err := s.renderer.RenderTemplate(c, r)
	if err != nil {
		atomic.AddInt64(&st.excluded, 1)
		logger.Warn("template render failed, recipient excluded", "campaign_id", c.ID, "recipient_id", r.ID, "error", err.Error())
		return
	}

	adm, err := s.store.AdmitMessage(ctx, AdmitRequest{
		CampaignID:      c.ID,
		RecipientID:     r.ID,
		WindowKey:       st.window,
		Phone:           r.Phone,
		RenderedContent: tpl.Body,
		Now:             s.now().UTC(),
		Lease:           s.cfg.SendLease,
		Ceiling:         s.cfg.RetryCeiling,
	})
	if err != nil {
		atomic.AddInt64(&st.deferred, 1)
		logger.Error("message admission failed", "campaign_id", c.ID, "recipient_id", r.ID, "error", err.Error())
		return
	}
	if adm.Outcome == AdmitDuplicate {
		atomic.AddInt64(&st.duplicates, 1)
		atomic.AddInt64(&s.duplicates, 1)
		return
	}
	msg := adm.Message

	for rl := 0; ; rl++ {
		if st.halted.Load() || s.waitPause(ctx, st) != nil {
			s.release(ctx, msg, "not sent")
			atomic.AddInt64(&st.deferred, 1)
			atomic.AddInt64(&s.deferred, 1)
			return
		}
		if rl > 0 {
			if err := s.reserve(ctx, 1); err != nil {
				s.release(ctx, msg, "not sent")
				atomic.AddInt64(&st.deferred, 1)
				atomic.AddInt64(&s.deferred, 1)
				return
			}
		}

		res, err := s.sender.Send(ctx, r.Phone, tpl)
		if err == nil {
			s.markSent(ctx, msg, res)
			atomic.AddInt64(&st.sent, 1)
			atomic.AddInt64(&s.sent, 1)
			return
		}

		kind := channel.KindOf(err)
		if ctx.Err() != nil && kind != channel.ErrInvalidRecipient && kind != channel.ErrTemplateRejected {
			// Cut off by shutdown, not rejected by the provider.
			s.release(ctx, msg, "send cancelled")
			atomic.AddInt64(&st.deferred, 1)
			atomic.AddInt64(&s.deferred, 1)
			return
		}

		switch kind {
		case channel.ErrRateLimited:
			if rl < s.cfg.RateLimitRetries {
				delay := s.cfg.RateLimitBackoff.Delay(rl + 1)
				if ra := channel.RetryAfter(err); ra > delay {
					delay = ra
				}
				st.pause(s.now().Add(delay))
				logger.Warn("provider rate limit, pausing batch", "campaign_id", c.ID, "delay_ms", delay.Milliseconds())
				continue
			}
			s.transientFailure(ctx, c, msg, err, st)

		case channel.ErrInvalidRecipient:
			s.invalidRecipient(ctx, c, msg, err, st)

		case channel.ErrTemplateRejected:
			s.release(ctx, msg, err.Error())
			atomic.AddInt64(&st.deferred, 1)
			atomic.AddInt64(&s.deferred, 1)
			if st.halt(fmt.Sprintf("template rejected: %v", err)) {
				s.halt(ctx, c, st.haltReason())
			}

		default:
			s.transientFailure(ctx, c, msg, err, st)
		}
		return
	}
}

const (
	markSentAttempts = 3
	markSentBackoff  = 100 * time.Millisecond
)

func (s *Scheduler) markSent(ctx context.Context, msg *domain.Message, res *channel.SendResult) {
	at := res.AcceptedAt
	if at.IsZero() {
		at = s.now().UTC()
	}
	// The message is out; recording it must survive a cancelled run.
	recordCtx := context.WithoutCancel(ctx)
	var err error
	for attempt := 1; attempt <= markSentAttempts; attempt++ {
		if err = s.store.MarkSent(recordCtx, msg.ID, res.ProviderMessageID, at); err == nil {
			return
		}
		if attempt == markSentAttempts {
			break
		}
		// A cancelled run stops backing off but still makes its last attempt.
		if s.sleep(ctx, time.Duration(attempt)*markSentBackoff) != nil {
			attempt = markSentAttempts - 1
		}
	}
	logger.Error("failed to record sent message", "message_id", msg.ID, "provider_message_id", res.ProviderMessageID, "error", err.Error())
}

func (s *Scheduler) transientFailure(ctx context.Context, c *domain.Campaign, msg *domain.Message, sendErr error, st *runState) {
	now := s.now().UTC()
	attempts := msg.Attempts + 1
	f := Failure{
		MessageID:    msg.ID,
		Code:         channel.Code(sendErr),
		Reason:       sendErr.Error(),
		At:           now,
		CountAttempt: true,
		Terminal:     attempts >= s.cfg.RetryCeiling,
	}
	if !f.Terminal {
		f.NextAttemptAt = now.Add(s.cfg.RetryBackoff.Delay(attempts))
	}
	if err := s.store.RecordFailure(context.WithoutCancel(ctx), f); err != nil {
		logger.Error("failed to record send failure", "message_id", msg.ID, "error", err.Error())
	}
	if f.Terminal {
		atomic.AddInt64(&st.failed, 1)
		atomic.AddInt64(&s.failed, 1)
		logger.Warn("message failed after retry ceiling", "campaign_id", c.ID, "message_id", msg.ID, "attempts", attempts)
		return
	}
	atomic.AddInt64(&st.deferred, 1)
	atomic.AddInt64(&s.deferred, 1)
}

func (s *Scheduler) invalidRecipient(ctx context.Context, c *domain.Campaign, msg *domain.Message, sendErr error, st *runState) {
	now := s.now().UTC()
	recordCtx := context.WithoutCancel(ctx)
	if err := s.store.RecordFailure(recordCtx, Failure{
		MessageID:    msg.ID,
		Code:         channel.Code(sendErr),
		Reason:       sendErr.Error(),
		At:           now,
		CountAttempt: true,
		Terminal:     true,
	}); err != nil {
		logger.Error("failed to record invalid recipient", "message_id", msg.ID, "error", err.Error())
	}
	if err := s.store.AddExclusion(recordCtx, c.ID, msg.RecipientID, sendErr.Error(), now); err != nil {
		logger.Error("failed to exclude recipient", "campaign_id", c.ID, "recipient_id", msg.RecipientID, "error", err.Error())
	}
	atomic.AddInt64(&st.failed, 1)
	atomic.AddInt64(&s.failed, 1)
}

// release hands the message back without counting an attempt so a later
// run can pick it up.
func (s *Scheduler) release(ctx context.Context, msg *domain.Message, reason string) {
	now := s.now().UTC()
	err := s.store.RecordFailure(context.WithoutCancel(ctx), Failure{
		MessageID:     msg.ID,
		Reason:        reason,
		At:            now,
		NextAttemptAt: now,
	})
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		logger.Error("failed to release message", "message_id", msg.ID, "error", err.Error())
	}
}
