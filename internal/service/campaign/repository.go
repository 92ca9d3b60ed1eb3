package campaign

import (
	"context"
	"strings"
	"time"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// Repository defines the data access contract for campaigns.
// Implementations must be safe for concurrent use.
type Repository interface {
	// GetCampaign returns a single campaign. Returns ErrNotFound if it doesn't exist.
	GetCampaign(ctx context.Context, id string) (*domain.Campaign, error)

	// ListCampaigns returns campaigns matching the filter, ordered by
	// created_at DESC, plus the total before pagination.
	ListCampaigns(ctx context.Context, f ListFilter) ([]domain.Campaign, int, error)

	// CreateCampaign inserts a new campaign.
	CreateCampaign(ctx context.Context, c *domain.Campaign) error

	// UpdateCampaign writes c only if the stored row still matches expect.
	// It reports false when the status or the fire times have moved on.
	UpdateCampaign(ctx context.Context, c *domain.Campaign, expect Expect) (bool, error)

	// ListRuns returns the most recent runs of a campaign, newest first.
	ListRuns(ctx context.Context, campaignID string, limit int) ([]domain.SchedulerRun, error)
}

// Expect is the stored state an UpdateCampaign is conditioned on. The fire
// times are owned by the scheduler, which advances them without going
// through the service.
type Expect struct {
	Status      domain.CampaignStatus
	NextFireAt  *time.Time
	LastFiredAt *time.Time
}

// ExpectOf captures the guarded fields of c as read.
func ExpectOf(c *domain.Campaign) Expect {
	e := Expect{Status: c.Status}
	if c.NextFireAt != nil {
		t := *c.NextFireAt
		e.NextFireAt = &t
	}
	if c.LastFiredAt != nil {
		t := *c.LastFiredAt
		e.LastFiredAt = &t
	}
	return e
}

// Matches reports whether c is still in the expected state.
func (e Expect) Matches(c *domain.Campaign) bool {
	return c.Status == e.Status && sameTime(c.NextFireAt, e.NextFireAt) && sameTime(c.LastFiredAt, e.LastFiredAt)
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}

// ListFilter controls pagination and filtering for campaign lists.
// Status may hold several comma-separated statuses.
type ListFilter struct {
	Status  string
	Segment string
	Search  string
	Limit   int
	Offset  int
}

// Statuses splits the status filter into its members.
func (f ListFilter) Statuses() []string {
	var out []string
	for _, s := range strings.Split(f.Status, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}
