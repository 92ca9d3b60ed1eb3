// Package memory is an in-process implementation of every store interface.
// It backs unit tests and single-node development runs; all state is lost
// on restart.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/reconciler"
	"github.com/ignite/campaign-notifier/internal/scheduler"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

var (
	_ scheduler.Store     = (*Store)(nil)
	_ campaign.Repository = (*Store)(nil)
	_ reconciler.Store    = (*Store)(nil)
	_ metrics.Store       = (*Store)(nil)
)

// Store holds campaigns, runs, messages and exclusions behind one mutex so
// every operation is atomic.
type Store struct {
	mu sync.Mutex

	campaigns  map[string]*domain.Campaign
	runs       map[string]*domain.SchedulerRun
	messages   map[string]*domain.Message
	byKey      map[string]string // dedup key -> message id
	byProvider map[string]string // provider message id -> message id
	exclusions map[string]map[string]string
}

// New creates an empty store.
func New() *Store {
	return &Store{
		campaigns:  make(map[string]*domain.Campaign),
		runs:       make(map[string]*domain.SchedulerRun),
		messages:   make(map[string]*domain.Message),
		byKey:      make(map[string]string),
		byProvider: make(map[string]string),
		exclusions: make(map[string]map[string]string),
	}
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

// CreateCampaign implements campaign.Repository.
func (s *Store) CreateCampaign(_ context.Context, c *domain.Campaign) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.ID == "" {
		return fmt.Errorf("create campaign: id required")
	}
	if _, ok := s.campaigns[c.ID]; ok {
		return fmt.Errorf("create campaign: %s already exists", c.ID)
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return nil
}

// GetCampaign implements campaign.Repository and scheduler.Store.
func (s *Store) GetCampaign(_ context.Context, id string) (*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return nil, campaign.ErrNotFound
	}
	return cloneCampaign(c), nil
}

// ListCampaigns implements campaign.Repository.
func (s *Store) ListCampaigns(_ context.Context, f campaign.ListFilter) ([]domain.Campaign, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	search := strings.ToLower(f.Search)
	statuses := f.Statuses()
	var out []domain.Campaign
	for _, c := range s.campaigns {
		if len(statuses) > 0 && !containsString(statuses, string(c.Status)) {
			continue
		}
		if f.Segment != "" && c.Segment != f.Segment {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(c.Name), search) {
			continue
		}
		out = append(out, *cloneCampaign(c))
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})

	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) || f.Limit <= 0 {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

// UpdateCampaign implements campaign.Repository.
func (s *Store) UpdateCampaign(_ context.Context, c *domain.Campaign, expect campaign.Expect) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.campaigns[c.ID]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if !expect.Matches(cur) {
		return false, nil
	}
	s.campaigns[c.ID] = cloneCampaign(c)
	return true, nil
}

// DueCampaigns implements scheduler.Store.
func (s *Store) DueCampaigns(_ context.Context, now time.Time, limit int) ([]*domain.Campaign, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Campaign
	for _, c := range s.campaigns {
		if c.IsDue(now) {
			out = append(out, cloneCampaign(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].NextFireAt.Equal(*out[j].NextFireAt) {
			return out[i].NextFireAt.Before(*out[j].NextFireAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// AdvanceSchedule implements scheduler.Store.
func (s *Store) AdvanceSchedule(_ context.Context, id string, prev time.Time, next *time.Time, complete bool, firedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return false, campaign.ErrNotFound
	}
	if c.Status != domain.CampaignActive || c.NextFireAt == nil || !c.NextFireAt.Equal(prev) {
		return false, nil
	}
	fired := firedAt
	c.LastFiredAt = &fired
	c.UpdatedAt = firedAt
	if complete {
		c.Status = domain.CampaignCompleted
		c.NextFireAt = nil
		return true, nil
	}
	n := *next
	c.NextFireAt = &n
	return true, nil
}

// HaltCampaign implements scheduler.Store.
func (s *Store) HaltCampaign(_ context.Context, id, reason string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.campaigns[id]
	if !ok {
		return campaign.ErrNotFound
	}
	if c.Status != domain.CampaignActive {
		return nil
	}
	c.Status = domain.CampaignPaused
	c.HaltReason = reason
	c.UpdatedAt = at
	return nil
}

// =============================================================================
// RUNS
// =============================================================================

// StartRun implements scheduler.Store.
func (s *Store) StartRun(_ context.Context, run *domain.SchedulerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; ok {
		return fmt.Errorf("start run: %s already exists", run.ID)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// SealRun implements scheduler.Store.
func (s *Store) SealRun(_ context.Context, run *domain.SchedulerRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[run.ID]; !ok {
		return fmt.Errorf("seal run %s: %w", run.ID, domain.ErrNotFound)
	}
	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

// AbandonStaleRuns implements scheduler.Store.
func (s *Store) AbandonStaleRuns(_ context.Context, campaignID string, olderThan, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.runs {
		if r.Sealed || (campaignID != "" && r.CampaignID != campaignID) || !r.StartedAt.Before(olderThan) {
			continue
		}
		ended := at
		r.EndedAt = &ended
		r.Outcome = domain.RunAbandoned
		r.Sealed = true
		n++
	}
	return n, nil
}

// ListRuns implements campaign.Repository.
func (s *Store) ListRuns(_ context.Context, campaignID string, limit int) ([]domain.SchedulerRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.SchedulerRun
	for _, r := range s.runs {
		if r.CampaignID == campaignID {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].StartedAt.After(out[j].StartedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// Runs returns every run, oldest first.
func (s *Store) Runs() []domain.SchedulerRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.SchedulerRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// =============================================================================
// MESSAGES
// =============================================================================

func dedupKey(campaignID, recipientID, window string) string {
	return campaignID + "\x00" + recipientID + "\x00" + window
}

// AdmitMessage implements scheduler.Store as an atomic insert-if-absent.
func (s *Store) AdmitMessage(_ context.Context, req scheduler.AdmitRequest) (*scheduler.Admission, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	lease := req.Now.Add(req.Lease)
	key := dedupKey(req.CampaignID, req.RecipientID, req.WindowKey)
	if id, ok := s.byKey[key]; ok {
		m := s.messages[id]
		if !m.Eligible(req.Now, req.Ceiling) {
			return &scheduler.Admission{Message: cloneMessage(m), Outcome: scheduler.AdmitDuplicate}, nil
		}
		m.NextAttemptAt = &lease
		m.RenderedContent = req.RenderedContent
		m.UpdatedAt = req.Now
		return &scheduler.Admission{Message: cloneMessage(m), Outcome: scheduler.AdmitRetry}, nil
	}

	m := &domain.Message{
		ID:              uuid.New().String(),
		CampaignID:      req.CampaignID,
		RecipientID:     req.RecipientID,
		WindowKey:       req.WindowKey,
		Phone:           req.Phone,
		RenderedContent: req.RenderedContent,
		Status:          domain.MessageQueued,
		NextAttemptAt:   &lease,
		QueuedAt:        req.Now,
		UpdatedAt:       req.Now,
	}
	s.messages[m.ID] = m
	s.byKey[key] = m.ID
	return &scheduler.Admission{Message: cloneMessage(m), Outcome: scheduler.AdmitCreated}, nil
}

// MarkSent implements scheduler.Store.
func (s *Store) MarkSent(_ context.Context, messageID, providerMessageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[messageID]
	if !ok {
		return fmt.Errorf("mark sent %s: %w", messageID, domain.ErrNotFound)
	}
	if m.Status != domain.MessageQueued {
		return nil
	}
	m.Status = domain.MessageSent
	m.Attempts++
	m.ProviderMessageID = providerMessageID
	m.NextAttemptAt = nil
	m.StampStatus(domain.MessageSent, at)
	m.UpdatedAt = at
	if providerMessageID != "" {
		s.byProvider[providerMessageID] = m.ID
	}
	return nil
}

// RecordFailure implements scheduler.Store.
func (s *Store) RecordFailure(_ context.Context, f scheduler.Failure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[f.MessageID]
	if !ok {
		return fmt.Errorf("record failure %s: %w", f.MessageID, domain.ErrNotFound)
	}
	if m.Status != domain.MessageQueued {
		return nil
	}
	if f.CountAttempt {
		m.Attempts++
	}
	if f.Code != "" || f.CountAttempt {
		m.LastErrorCode = f.Code
	}
	m.LastError = f.Reason
	m.UpdatedAt = f.At
	if f.Terminal {
		m.Status = domain.MessageFailed
		m.NextAttemptAt = nil
		m.StampStatus(domain.MessageFailed, f.At)
		return nil
	}
	next := f.NextAttemptAt
	m.NextAttemptAt = &next
	return nil
}

// ExpireQueued implements scheduler.Store.
func (s *Store) ExpireQueued(_ context.Context, olderThan, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.messages {
		if m.Status != domain.MessageQueued || !m.QueuedAt.Before(olderThan) {
			continue
		}
		m.Status = domain.MessageFailed
		m.LastErrorCode = "expired"
		m.LastError = "queued message expired"
		m.NextAttemptAt = nil
		m.StampStatus(domain.MessageFailed, at)
		m.UpdatedAt = at
		n++
	}
	return n, nil
}

// QueuedDepth implements scheduler.Store.
func (s *Store) QueuedDepth(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, m := range s.messages {
		if m.Status == domain.MessageQueued {
			n++
		}
	}
	return n, nil
}

// GetMessageByProviderID implements reconciler.Store.
func (s *Store) GetMessageByProviderID(_ context.Context, providerMessageID string) (*domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byProvider[providerMessageID]
	if !ok {
		return nil, reconciler.ErrMessageNotFound
	}
	return cloneMessage(s.messages[id]), nil
}

// CompareAndSetStatus implements reconciler.Store.
func (s *Store) CompareAndSetStatus(_ context.Context, msg *domain.Message, from domain.MessageStatus) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[msg.ID]
	if !ok {
		return false, reconciler.ErrMessageNotFound
	}
	if m.Status != from {
		return false, nil
	}
	m.Status = msg.Status
	m.SentAt = cloneTime(msg.SentAt)
	m.DeliveredAt = cloneTime(msg.DeliveredAt)
	m.ReadAt = cloneTime(msg.ReadAt)
	m.FailedAt = cloneTime(msg.FailedAt)
	m.NextAttemptAt = cloneTime(msg.NextAttemptAt)
	m.LastErrorCode = msg.LastErrorCode
	m.LastError = msg.LastError
	m.UpdatedAt = msg.UpdatedAt
	return true, nil
}

// Message returns one message by id.
func (s *Store) Message(id string) (*domain.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, false
	}
	return cloneMessage(m), true
}

// Messages returns every message ordered by recipient then window.
func (s *Store) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Message, 0, len(s.messages))
	for _, m := range s.messages {
		out = append(out, *cloneMessage(m))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CampaignID != out[j].CampaignID {
			return out[i].CampaignID < out[j].CampaignID
		}
		if out[i].RecipientID != out[j].RecipientID {
			return out[i].RecipientID < out[j].RecipientID
		}
		return out[i].WindowKey < out[j].WindowKey
	})
	return out
}

// PutMessage inserts or replaces a message, indexing its dedup key and
// provider id. Used to seed fixtures.
func (s *Store) PutMessage(m domain.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	s.messages[m.ID] = cloneMessage(&m)
	s.byKey[dedupKey(m.CampaignID, m.RecipientID, m.WindowKey)] = m.ID
	if m.ProviderMessageID != "" {
		s.byProvider[m.ProviderMessageID] = m.ID
	}
}

// =============================================================================
// EXCLUSIONS
// =============================================================================

// ListExclusions implements scheduler.Store.
func (s *Store) ListExclusions(_ context.Context, campaignID string) (map[string]bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]bool, len(s.exclusions[campaignID]))
	for id := range s.exclusions[campaignID] {
		out[id] = true
	}
	return out, nil
}

// AddExclusion implements scheduler.Store.
func (s *Store) AddExclusion(_ context.Context, campaignID, recipientID, reason string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exclusions[campaignID] == nil {
		s.exclusions[campaignID] = make(map[string]string)
	}
	if _, ok := s.exclusions[campaignID][recipientID]; !ok {
		s.exclusions[campaignID][recipientID] = reason
	}
	return nil
}

// =============================================================================
// METRICS
// =============================================================================

// StatusBuckets implements metrics.Store.
func (s *Store) StatusBuckets(_ context.Context, f metrics.Filter) ([]metrics.Bucket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	type key struct {
		campaign string
		status   domain.MessageStatus
	}
	agg := make(map[key]*metrics.Bucket)
	for _, m := range s.messages {
		if f.CampaignID != "" && m.CampaignID != f.CampaignID {
			continue
		}
		if f.Segment != "" {
			c, ok := s.campaigns[m.CampaignID]
			if !ok || c.Segment != f.Segment {
				continue
			}
		}
		if !f.From.IsZero() && m.QueuedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && !m.QueuedAt.Before(f.To) {
			continue
		}
		k := key{m.CampaignID, m.Status}
		b, ok := agg[k]
		if !ok {
			b = &metrics.Bucket{CampaignID: m.CampaignID, Status: m.Status}
			agg[k] = b
		}
		b.Count++
		if m.SentAt != nil {
			b.Sent++
		}
		if m.DeliveredAt != nil {
			b.Delivered++
		}
		if m.ReadAt != nil {
			b.Read++
		}
	}

	out := make([]metrics.Bucket, 0, len(agg))
	for _, b := range agg {
		out = append(out, *b)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CampaignID != out[j].CampaignID {
			return out[i].CampaignID < out[j].CampaignID
		}
		return out[i].Status < out[j].Status
	})
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func containsString(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneCampaign(c *domain.Campaign) *domain.Campaign {
	cp := *c
	cp.NextFireAt = cloneTime(c.NextFireAt)
	cp.LastFiredAt = cloneTime(c.LastFiredAt)
	cp.Schedule.At = cloneTime(c.Schedule.At)
	cp.Schedule.StartAt = cloneTime(c.Schedule.StartAt)
	cp.Template.Params = append([]string(nil), c.Template.Params...)
	return &cp
}

func cloneMessage(m *domain.Message) *domain.Message {
	cp := *m
	cp.NextAttemptAt = cloneTime(m.NextAttemptAt)
	cp.SentAt = cloneTime(m.SentAt)
	cp.DeliveredAt = cloneTime(m.DeliveredAt)
	cp.ReadAt = cloneTime(m.ReadAt)
	cp.FailedAt = cloneTime(m.FailedAt)
	return &cp
}
