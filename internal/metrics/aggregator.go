// Package metrics derives per-campaign and per-segment delivery counts and
// rates from message records. It never mutates message state.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// Filter selects the messages a report covers. The time range applies to
// queued_at and is half-open: [From, To). Zero values mean unbounded.
type Filter struct {
	From       time.Time `json:"from,omitempty"`
	To         time.Time `json:"to,omitempty"`
	CampaignID string    `json:"campaign_id,omitempty"`
	Segment    string    `json:"segment,omitempty"`
}

// Validate rejects inverted ranges.
func (f Filter) Validate() error {
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return fmt.Errorf("from (%s) must be before to (%s)", f.From.Format(time.RFC3339), f.To.Format(time.RFC3339))
	}
	return nil
}

// Bucket is one (campaign, current status) group. Sent, Delivered and Read
// count messages that ever reached that status, whatever their current one.
type Bucket struct {
	CampaignID string
	Status     domain.MessageStatus
	Count      int64
	Sent       int64
	Delivered  int64
	Read       int64
}

// Store is the read-only view the aggregator needs.
type Store interface {
	StatusBuckets(ctx context.Context, f Filter) ([]Bucket, error)
}

// Counts are messages by their current status.
type Counts struct {
	Queued    int64 `json:"queued"`
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
	Failed    int64 `json:"failed"`
}

// Reached are messages that got at least as far as each status.
type Reached struct {
	Sent      int64 `json:"sent"`
	Delivered int64 `json:"delivered"`
	Read      int64 `json:"read"`
}

// Report is the result of one aggregation.
type Report struct {
	CampaignID   string    `json:"campaign_id,omitempty"`
	Segment      string    `json:"segment,omitempty"`
	Total        int64     `json:"total"`
	Counts       Counts    `json:"counts"`
	Reached      Reached   `json:"reached"`
	DeliveryRate float64   `json:"delivery_rate"`
	ReadRate     float64   `json:"read_rate"`
	GeneratedAt  time.Time `json:"generated_at"`
}

func (r *Report) add(b Bucket) {
	r.Total += b.Count
	switch b.Status {
	case domain.MessageQueued:
		r.Counts.Queued += b.Count
	case domain.MessageSent:
		r.Counts.Sent += b.Count
	case domain.MessageDelivered:
		r.Counts.Delivered += b.Count
	case domain.MessageRead:
		r.Counts.Read += b.Count
	case domain.MessageFailed:
		r.Counts.Failed += b.Count
	}
	r.Reached.Sent += b.Sent
	r.Reached.Delivered += b.Delivered
	r.Reached.Read += b.Read
}

func (r *Report) finish(now time.Time) {
	r.DeliveryRate = rate(r.Reached.Delivered, r.Reached.Sent)
	r.ReadRate = rate(r.Reached.Read, r.Reached.Delivered)
	r.GeneratedAt = now
}

func rate(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// Aggregator computes reports on demand.
type Aggregator struct {
	store Store
	now   func() time.Time
}

// NewAggregator creates an aggregator over store.
func NewAggregator(store Store) *Aggregator {
	return &Aggregator{store: store, now: time.Now}
}

// Summarize returns one report over every message matching f.
func (a *Aggregator) Summarize(ctx context.Context, f Filter) (*Report, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buckets, err := a.store.StatusBuckets(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("status buckets: %w", err)
	}
	r := &Report{CampaignID: f.CampaignID, Segment: f.Segment}
	for _, b := range buckets {
		r.add(b)
	}
	r.finish(a.now().UTC())
	return r, nil
}

// ByCampaign returns one report per campaign, ordered by campaign id.
func (a *Aggregator) ByCampaign(ctx context.Context, f Filter) ([]Report, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	buckets, err := a.store.StatusBuckets(ctx, f)
	if err != nil {
		return nil, fmt.Errorf("status buckets: %w", err)
	}

	byID := make(map[string]*Report)
	for _, b := range buckets {
		r, ok := byID[b.CampaignID]
		if !ok {
			r = &Report{CampaignID: b.CampaignID, Segment: f.Segment}
			byID[b.CampaignID] = r
		}
		r.add(b)
	}

	now := a.now().UTC()
	out := make([]Report, 0, len(byID))
	for _, r := range byID {
		r.finish(now)
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CampaignID < out[j].CampaignID })
	return out, nil
}
