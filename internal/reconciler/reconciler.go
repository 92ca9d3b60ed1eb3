// Package reconciler applies asynchronous delivery-status callbacks to
// message records.
//
// Callbacks arrive unordered and at least once. Every update is a
// compare-and-set on the message's current status and only moves forward in
// the partial order queued < sent < delivered < read, with failed reachable
// from any non-terminal status. Anything else is a logged no-op, which makes
// applying callbacks idempotent and order-insensitive.
package reconciler

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/ignite/campaign-notifier/internal/channel"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/pkg/logger"
)

var (
	ErrMessageNotFound = fmt.Errorf("message %w", domain.ErrNotFound)
	ErrContention      = errors.New("status update lost too many races")
)

// Outcome says what Apply did with a callback.
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeStale     Outcome = "stale"
	OutcomeUnknown   Outcome = "unknown"
)

// Store is the message persistence the reconciler needs.
type Store interface {
	// GetMessageByProviderID returns ErrMessageNotFound (or any error
	// matching domain.ErrNotFound) for unknown ids.
	GetMessageByProviderID(ctx context.Context, providerMessageID string) (*domain.Message, error)
	// CompareAndSetStatus writes msg's status, status timestamps and error
	// fields only if the stored status still equals from.
	CompareAndSetStatus(ctx context.Context, msg *domain.Message, from domain.MessageStatus) (bool, error)
}

// Report summarises one HandlePayload call.
type Report struct {
	Callbacks int  `json:"callbacks"`
	Applied   int  `json:"applied"`
	Duplicate int  `json:"duplicate"`
	Stale     int  `json:"stale"`
	Unknown   int  `json:"unknown"`
	Malformed bool `json:"malformed"`
}

// Stats are cumulative reconciler counters.
type Stats struct {
	Received  int64 `json:"received"`
	Applied   int64 `json:"applied"`
	Duplicate int64 `json:"duplicate"`
	Stale     int64 `json:"stale"`
	Unknown   int64 `json:"unknown"`
	Malformed int64 `json:"malformed"`
	Errors    int64 `json:"errors"`
}

// Reconciler applies status callbacks.
type Reconciler struct {
	store      Store
	parser     channel.CallbackParser
	maxRetries int
	now        func() time.Time

	received, applied, duplicate, stale, unknown, malformed, errs int64
}

// New creates a reconciler. parser may be nil when only Apply is used.
func New(store Store, parser channel.CallbackParser) *Reconciler {
	return &Reconciler{store: store, parser: parser, maxRetries: 5, now: time.Now}
}

// Apply applies one callback. Unknown provider ids, duplicates and stale
// callbacks are not errors; only store failures are returned.
func (r *Reconciler) Apply(ctx context.Context, cb domain.StatusCallback) (Outcome, error) {
	atomic.AddInt64(&r.received, 1)

	if cb.ProviderMessageID == "" || !cb.Status.Valid() || cb.Status == domain.MessageQueued {
		atomic.AddInt64(&r.malformed, 1)
		logger.Warn("dropping malformed status callback", "provider_message_id", cb.ProviderMessageID, "status", string(cb.Status))
		return "", fmt.Errorf("%w: status %q for %q", channel.ErrMalformedCallback, cb.Status, cb.ProviderMessageID)
	}
	at := cb.Timestamp
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()

	for attempt := 0; attempt < r.maxRetries; attempt++ {
		msg, err := r.store.GetMessageByProviderID(ctx, cb.ProviderMessageID)
		if errors.Is(err, domain.ErrNotFound) {
			atomic.AddInt64(&r.unknown, 1)
			logger.Warn("status callback for unknown message dropped", "provider_message_id", cb.ProviderMessageID, "status", string(cb.Status))
			return OutcomeUnknown, nil
		}
		if err != nil {
			atomic.AddInt64(&r.errs, 1)
			return "", fmt.Errorf("load message %s: %w", cb.ProviderMessageID, err)
		}

		if !domain.CanTransition(msg.Status, cb.Status) {
			if msg.Status == cb.Status {
				atomic.AddInt64(&r.duplicate, 1)
				logger.Debug("duplicate status callback", "message_id", msg.ID, "status", string(cb.Status))
				return OutcomeDuplicate, nil
			}
			atomic.AddInt64(&r.stale, 1)
			logger.Info("stale status callback ignored", "message_id", msg.ID, "current", string(msg.Status), "callback", string(cb.Status))
			return OutcomeStale, nil
		}

		from := msg.Status
		msg.Status = cb.Status
		msg.StampStatus(cb.Status, at)
		msg.NextAttemptAt = nil
		msg.UpdatedAt = r.now().UTC()
		if cb.Status == domain.MessageFailed {
			msg.LastErrorCode = cb.ErrorCode
			msg.LastError = cb.ErrorTitle
		}

		ok, err := r.store.CompareAndSetStatus(ctx, msg, from)
		if err != nil {
			atomic.AddInt64(&r.errs, 1)
			return "", fmt.Errorf("update message %s: %w", msg.ID, err)
		}
		if ok {
			atomic.AddInt64(&r.applied, 1)
			logger.Debug("status callback applied", "message_id", msg.ID, "from", string(from), "to", string(cb.Status))
			return OutcomeApplied, nil
		}
		// Lost a race with another callback or the scheduler; re-check.
	}

	atomic.AddInt64(&r.errs, 1)
	return "", fmt.Errorf("%w: %s", ErrContention, cb.ProviderMessageID)
}

// HandlePayload parses a raw webhook payload and applies every callback in
// it. Malformed payloads are logged and reported, never returned. The
// returned error is non-nil only when a store operation failed, in which
// case the caller should let the payload be redelivered.
func (r *Reconciler) HandlePayload(ctx context.Context, payload []byte) (Report, error) {
	var rep Report

	callbacks, err := r.parser.ParseStatusCallback(payload)
	if err != nil {
		atomic.AddInt64(&r.malformed, 1)
		rep.Malformed = true
		logger.Warn("dropping malformed callback payload", "error", err.Error(), "bytes", len(payload))
		return rep, nil
	}

	var firstErr error
	for _, cb := range callbacks {
		rep.Callbacks++
		outcome, err := r.Apply(ctx, cb)
		if err != nil {
			if errors.Is(err, channel.ErrMalformedCallback) {
				rep.Malformed = true
				continue
			}
			logger.Error("status callback failed", "provider_message_id", cb.ProviderMessageID, "error", err.Error())
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		switch outcome {
		case OutcomeApplied:
			rep.Applied++
		case OutcomeDuplicate:
			rep.Duplicate++
		case OutcomeStale:
			rep.Stale++
		case OutcomeUnknown:
			rep.Unknown++
		}
	}
	return rep, firstErr
}

// Stats returns the cumulative counters.
func (r *Reconciler) Stats() Stats {
	return Stats{
		Received:  atomic.LoadInt64(&r.received),
		Applied:   atomic.LoadInt64(&r.applied),
		Duplicate: atomic.LoadInt64(&r.duplicate),
		Stale:     atomic.LoadInt64(&r.stale),
		Unknown:   atomic.LoadInt64(&r.unknown),
		Malformed: atomic.LoadInt64(&r.malformed),
		Errors:    atomic.LoadInt64(&r.errs),
	}
}
