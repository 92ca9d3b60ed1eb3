package scheduler

import (
	"context"
	"time"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// AdmitOutcome says what an admission attempt did with the dedup key.
type AdmitOutcome string

const (
	// AdmitCreated means a new message was inserted for the key.
	AdmitCreated AdmitOutcome = "created"
	// AdmitRetry means an existing queued message was claimed for another attempt.
	AdmitRetry AdmitOutcome = "retry"
	// AdmitDuplicate means the key is already taken; nothing may be sent.
	AdmitDuplicate AdmitOutcome = "duplicate"
)

// AdmitRequest describes one dedup admission check.
type AdmitRequest struct {
	CampaignID      string
	RecipientID     string
	WindowKey       string
	Phone           string
	RenderedContent string
	Now             time.Time
	// Lease is how long the caller owns the message once admitted.
	Lease time.Duration
	// Ceiling is the retry ceiling; messages at it are never reclaimed.
	Ceiling int
}

// Admission is the result of AdmitMessage.
type Admission struct {
	Message *domain.Message
	Outcome AdmitOutcome
}

// Failure records an unsuccessful send attempt.
type Failure struct {
	MessageID string
	Code      string
	Reason    string
	At        time.Time
	// CountAttempt increments the attempt counter.
	CountAttempt bool
	// Terminal moves the message to failed; otherwise it stays queued and
	// becomes eligible again at NextAttemptAt.
	Terminal      bool
	NextAttemptAt time.Time
}

// Store is the persistence the scheduler needs. AdmitMessage must be an
// atomic insert-if-absent on (campaign, recipient, window).
type Store interface {
	DueCampaigns(ctx context.Context, now time.Time, limit int) ([]*domain.Campaign, error)
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)
	// AdvanceSchedule moves next_fire_at from prev to next (or completes a
	// one-shot campaign). It reports false when prev no longer matches.
	AdvanceSchedule(ctx context.Context, id string, prev time.Time, next *time.Time, complete bool, firedAt time.Time) (bool, error)
	// HaltCampaign pauses an active campaign and records why.
	HaltCampaign(ctx context.Context, id, reason string, at time.Time) error

	StartRun(ctx context.Context, run *domain.SchedulerRun) error
	SealRun(ctx context.Context, run *domain.SchedulerRun) error
	// AbandonStaleRuns seals unsealed runs started before olderThan. An
	// empty campaignID matches every campaign.
	AbandonStaleRuns(ctx context.Context, campaignID string, olderThan, at time.Time) (int, error)

	AdmitMessage(ctx context.Context, req AdmitRequest) (*Admission, error)
	MarkSent(ctx context.Context, messageID, providerMessageID string, at time.Time) error
	RecordFailure(ctx context.Context, f Failure) error

	ListExclusions(ctx context.Context, campaignID string) (map[string]bool, error)
	AddExclusion(ctx context.Context, campaignID, recipientID, reason string, at time.Time) error

	// ExpireQueued fails queued messages first queued before olderThan.
	ExpireQueued(ctx context.Context, olderThan, at time.Time) (int, error)
	QueuedDepth(ctx context.Context) (int64, error)
}
