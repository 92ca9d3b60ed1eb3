package domain

import (
	"errors"
	"fmt"
	"time"
)

// CampaignStatus enumerates the lifecycle states of a campaign.
type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignActive    CampaignStatus = "active"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
)

// Valid reports whether s is a known campaign status.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignActive, CampaignPaused, CampaignCompleted:
		return true
	}
	return false
}

// ScheduleKind selects how a campaign fires.
type ScheduleKind string

const (
	ScheduleOnce     ScheduleKind = "once"
	ScheduleInterval ScheduleKind = "interval"
)

// Schedule is the schedule descriptor of a campaign. A one-shot schedule
// fires once at At; an interval schedule fires at StartAt and then every
// EverySeconds.
type Schedule struct {
	Kind         ScheduleKind `json:"kind"`
	At           *time.Time   `json:"at,omitempty"`
	StartAt      *time.Time   `json:"start_at,omitempty"`
	EverySeconds int64        `json:"every_seconds,omitempty"`
}

// Every returns the cadence of an interval schedule.
func (s Schedule) Every() time.Duration {
	return time.Duration(s.EverySeconds) * time.Second
}

// Validate checks the descriptor for structural well-formedness.
func (s Schedule) Validate() error {
	switch s.Kind {
	case ScheduleOnce:
		if s.At == nil || s.At.IsZero() {
			return errors.New("once schedule requires at")
		}
	case ScheduleInterval:
		if s.EverySeconds < 60 {
			return fmt.Errorf("interval schedule requires every_seconds >= 60, got %d", s.EverySeconds)
		}
	default:
		return fmt.Errorf("unknown schedule kind %q", s.Kind)
	}
	return nil
}

// FirstFire returns the first fire time for a schedule being activated at now.
func (s Schedule) FirstFire(now time.Time) time.Time {
	switch s.Kind {
	case ScheduleOnce:
		return s.At.UTC()
	default:
		if s.StartAt != nil && !s.StartAt.IsZero() {
			return s.StartAt.UTC()
		}
		return now.UTC()
	}
}

// Advance returns the fire time following a run that fired at fired.
// Missed fires are coalesced: the result is the first slot of the cadence
// strictly after now. The second return value is false for one-shot
// schedules, which never fire again.
func (s Schedule) Advance(fired, now time.Time) (time.Time, bool) {
	if s.Kind != ScheduleInterval || s.EverySeconds <= 0 {
		return time.Time{}, false
	}
	every := s.Every()
	next := fired.Add(every)
	if !next.After(now) {
		missed := now.Sub(next)/every + 1
		next = next.Add(missed * every)
	}
	return next.UTC(), true
}

// TemplateRef identifies a provider-approved WhatsApp template plus the
// Liquid sources used to fill its body parameters.
type TemplateRef struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Body     string   `json:"body,omitempty"`
	Params   []string `json:"params,omitempty"`
}

// RenderedTemplate is a TemplateRef resolved for one recipient.
type RenderedTemplate struct {
	Name     string   `json:"name"`
	Language string   `json:"language"`
	Params   []string `json:"params,omitempty"`
	Body     string   `json:"body,omitempty"`
}

// Campaign is a configured notification intent with a targeting rule,
// a template and a schedule.
type Campaign struct {
	ID       string      `json:"id" db:"id"`
	Name     string      `json:"name" db:"name"`
	Segment  string      `json:"segment" db:"segment"`
	Rule     string      `json:"rule" db:"rule"`
	Template TemplateRef `json:"template" db:"template"`
	Schedule Schedule    `json:"schedule" db:"schedule"`

	// Cooldown is the minimum spacing between repeat sends to one recipient.
	CooldownSeconds int64     `json:"cooldown_seconds" db:"cooldown_seconds"`
	CooldownEpoch   int       `json:"cooldown_epoch" db:"cooldown_epoch"`
	CooldownAnchor  time.Time `json:"cooldown_anchor" db:"cooldown_anchor"`

	Status     CampaignStatus `json:"status" db:"status"`
	HaltReason string         `json:"halt_reason,omitempty" db:"halt_reason"`

	NextFireAt  *time.Time `json:"next_fire_at,omitempty" db:"next_fire_at"`
	LastFiredAt *time.Time `json:"last_fired_at,omitempty" db:"last_fired_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// Cooldown returns the cooldown window length.
func (c *Campaign) Cooldown() time.Duration {
	return time.Duration(c.CooldownSeconds) * time.Second
}

// WindowKey returns the cooldown window that now falls into. Together with
// the campaign and recipient ids it forms the message dedup key. A zero
// cooldown yields a single window per epoch.
func (c *Campaign) WindowKey(now time.Time) string {
	cd := c.Cooldown()
	if cd <= 0 {
		return fmt.Sprintf("e%d:w0", c.CooldownEpoch)
	}
	elapsed := now.Sub(c.CooldownAnchor)
	if elapsed < 0 {
		elapsed = 0
	}
	return fmt.Sprintf("e%d:w%d", c.CooldownEpoch, int64(elapsed/cd))
}

// IsDue reports whether the campaign should run at now.
func (c *Campaign) IsDue(now time.Time) bool {
	return c.Status == CampaignActive && c.NextFireAt != nil && !c.NextFireAt.After(now)
}

// IsTerminal returns true if the campaign is retired.
func (c *Campaign) IsTerminal() bool {
	return c.Status == CampaignCompleted
}
