package domain

import "time"

// MessageStatus enumerates the lifecycle of a single outbound message.
type MessageStatus string

const (
	MessageQueued    MessageStatus = "queued"
	MessageSent      MessageStatus = "sent"
	MessageDelivered MessageStatus = "delivered"
	MessageRead      MessageStatus = "read"
	MessageFailed    MessageStatus = "failed"
)

// AllMessageStatuses lists statuses in partial order, failed last.
var AllMessageStatuses = []MessageStatus{
	MessageQueued, MessageSent, MessageDelivered, MessageRead, MessageFailed,
}

// messageRank totally orders statuses so callbacks commute: the higher rank
// wins whatever order they arrive in. A read receipt proves the message
// reached the user, so it outranks a failure report.
var messageRank = map[MessageStatus]int{
	MessageQueued:    0,
	MessageSent:      1,
	MessageDelivered: 2,
	MessageFailed:    3,
	MessageRead:      4,
}

// Valid reports whether s is a known message status.
func (s MessageStatus) Valid() bool {
	_, ok := messageRank[s]
	return ok
}

// IsTerminal reports whether the scheduler is done with the message. A
// failed message may still be upgraded to read by a late receipt.
func (s MessageStatus) IsTerminal() bool {
	return s == MessageRead || s == MessageFailed
}

// CanTransition reports whether a message in from may move to to:
// queued < sent < delivered < failed < read. Equal or lower statuses are
// never transitions.
func CanTransition(from, to MessageStatus) bool {
	fr, ok := messageRank[from]
	if !ok || from == to {
		return false
	}
	tr, ok := messageRank[to]
	return ok && tr > fr
}

// Message is one outbound send to one recipient for one campaign window.
type Message struct {
	ID                string        `json:"id" db:"id"`
	CampaignID        string        `json:"campaign_id" db:"campaign_id"`
	RecipientID       string        `json:"recipient_id" db:"recipient_id"`
	WindowKey         string        `json:"window_key" db:"window_key"`
	Phone             string        `json:"phone" db:"phone"`
	RenderedContent   string        `json:"rendered_content" db:"rendered_content"`
	ProviderMessageID string        `json:"provider_message_id,omitempty" db:"provider_message_id"`
	Status            MessageStatus `json:"status" db:"status"`
	Attempts          int           `json:"attempts" db:"attempts"`
	NextAttemptAt     *time.Time    `json:"next_attempt_at,omitempty" db:"next_attempt_at"`
	LastErrorCode     string        `json:"last_error_code,omitempty" db:"last_error_code"`
	LastError         string        `json:"last_error,omitempty" db:"last_error"`

	QueuedAt    time.Time  `json:"queued_at" db:"queued_at"`
	SentAt      *time.Time `json:"sent_at,omitempty" db:"sent_at"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty" db:"delivered_at"`
	ReadAt      *time.Time `json:"read_at,omitempty" db:"read_at"`
	FailedAt    *time.Time `json:"failed_at,omitempty" db:"failed_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Eligible reports whether a queued message may be retried at now under
// the given attempt ceiling.
func (m *Message) Eligible(now time.Time, ceiling int) bool {
	if m.Status != MessageQueued || m.Attempts >= ceiling {
		return false
	}
	return m.NextAttemptAt == nil || !m.NextAttemptAt.After(now)
}

// StampStatus sets the timestamp for status to at and backfills the
// timestamps implied by the partial order when they are still empty.
func (m *Message) StampStatus(status MessageStatus, at time.Time) {
	set := func(p **time.Time) {
		if *p == nil {
			t := at
			*p = &t
		}
	}
	switch status {
	case MessageRead:
		set(&m.ReadAt)
		set(&m.DeliveredAt)
		set(&m.SentAt)
	case MessageDelivered:
		set(&m.DeliveredAt)
		set(&m.SentAt)
	case MessageSent:
		set(&m.SentAt)
	case MessageFailed:
		set(&m.FailedAt)
	}
}

// StatusCallback is one asynchronous delivery-status report from the
// channel provider.
type StatusCallback struct {
	ProviderMessageID string        `json:"provider_message_id"`
	Status            MessageStatus `json:"status"`
	Timestamp         time.Time     `json:"timestamp"`
	ErrorCode         string        `json:"error_code,omitempty"`
	ErrorTitle        string        `json:"error_title,omitempty"`
}
