package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/scheduler"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func admit(t *testing.T, s *Store, recipient string, now time.Time) *scheduler.Admission {
	t.Helper()
	a, err := s.AdmitMessage(context.Background(), scheduler.AdmitRequest{
		CampaignID:  "C",
		RecipientID: recipient,
		WindowKey:   "e0:w0",
		Phone:       "+15550001",
		Now:         now,
		Lease:       time.Minute,
		Ceiling:     3,
	})
	require.NoError(t, err)
	return a
}

func TestAdmitMessage_Outcomes(t *testing.T) {
	s := New()
	ctx := context.Background()

	first := admit(t, s, "r1", t0)
	assert.Equal(t, scheduler.AdmitCreated, first.Outcome)
	require.NotNil(t, first.Message.NextAttemptAt)
	assert.Equal(t, t0.Add(time.Minute), *first.Message.NextAttemptAt)

	// Leased by the first caller.
	assert.Equal(t, scheduler.AdmitDuplicate, admit(t, s, "r1", t0.Add(30*time.Second)).Outcome)

	require.NoError(t, s.RecordFailure(ctx, scheduler.Failure{
		MessageID:     first.Message.ID,
		Code:          "131000",
		At:            t0,
		CountAttempt:  true,
		NextAttemptAt: t0.Add(10 * time.Second),
	}))
	retry := admit(t, s, "r1", t0.Add(10*time.Second))
	assert.Equal(t, scheduler.AdmitRetry, retry.Outcome)
	assert.Equal(t, first.Message.ID, retry.Message.ID)
	assert.Equal(t, 1, retry.Message.Attempts)

	require.NoError(t, s.MarkSent(ctx, first.Message.ID, "wamid.1", t0.Add(11*time.Second)))
	assert.Equal(t, scheduler.AdmitDuplicate, admit(t, s, "r1", t0.Add(time.Hour)).Outcome)

	m, ok := s.Message(first.Message.ID)
	require.True(t, ok)
	assert.Equal(t, domain.MessageSent, m.Status)
	assert.Equal(t, 2, m.Attempts)

	byProvider, err := s.GetMessageByProviderID(ctx, "wamid.1")
	require.NoError(t, err)
	assert.Equal(t, m.ID, byProvider.ID)
}

func TestAdmitMessage_CeilingBlocksReclaim(t *testing.T) {
	s := New()
	a := admit(t, s, "r1", t0)
	s.messages[a.Message.ID].Attempts = 3
	s.messages[a.Message.ID].NextAttemptAt = nil

	assert.Equal(t, scheduler.AdmitDuplicate, admit(t, s, "r1", t0.Add(time.Hour)).Outcome)
}

func TestAdmitMessage_Concurrent(t *testing.T) {
	s := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
	)
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a := admit(t, s, "r1", t0)
			if a.Outcome == scheduler.AdmitCreated {
				mu.Lock()
				created++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, created)
	assert.Len(t, s.Messages(), 1)
}

func TestRecordFailure_TerminalIgnoresLaterWrites(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := admit(t, s, "r1", t0)

	require.NoError(t, s.RecordFailure(ctx, scheduler.Failure{MessageID: a.Message.ID, Code: "131026", Reason: "undeliverable", At: t0, CountAttempt: true, Terminal: true}))
	require.NoError(t, s.MarkSent(ctx, a.Message.ID, "wamid.late", t0))

	m, _ := s.Message(a.Message.ID)
	assert.Equal(t, domain.MessageFailed, m.Status)
	assert.Equal(t, "131026", m.LastErrorCode)
	assert.NotNil(t, m.FailedAt)
	assert.Empty(t, m.ProviderMessageID)
}

func TestMarkSent_WithoutProviderID(t *testing.T) {
	s := New()
	ctx := context.Background()
	a := admit(t, s, "R1", t0)
	b := admit(t, s, "R2", t0)

	require.NoError(t, s.MarkSent(ctx, a.Message.ID, "", t0))
	require.NoError(t, s.MarkSent(ctx, b.Message.ID, "", t0))

	for _, id := range []string{a.Message.ID, b.Message.ID} {
		m, _ := s.Message(id)
		assert.Equal(t, domain.MessageSent, m.Status)
	}
	_, err := s.GetMessageByProviderID(ctx, "")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateCampaign_CompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateCampaign(ctx, &domain.Campaign{ID: "C", Status: domain.CampaignDraft}))
	assert.Error(t, s.CreateCampaign(ctx, &domain.Campaign{ID: "C"}))

	c, err := s.GetCampaign(ctx, "C")
	require.NoError(t, err)
	c.Status = domain.CampaignActive

	ok, err := s.UpdateCampaign(ctx, c, campaign.Expect{Status: domain.CampaignPaused})
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.UpdateCampaign(ctx, c, campaign.Expect{Status: domain.CampaignDraft})
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = s.UpdateCampaign(ctx, &domain.Campaign{ID: "missing"}, campaign.Expect{Status: domain.CampaignDraft})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestUpdateCampaign_LosesToScheduleAdvance(t *testing.T) {
	s := New()
	ctx := context.Background()
	fire := t0
	require.NoError(t, s.CreateCampaign(ctx, &domain.Campaign{ID: "C", Status: domain.CampaignActive, NextFireAt: &fire}))

	stale, err := s.GetCampaign(ctx, "C")
	require.NoError(t, err)
	expect := campaign.ExpectOf(stale)

	next := t0.Add(time.Hour)
	ok, err := s.AdvanceSchedule(ctx, "C", t0, &next, false, t0)
	require.NoError(t, err)
	require.True(t, ok)

	stale.CooldownEpoch++
	ok, err = s.UpdateCampaign(ctx, stale, expect)
	require.NoError(t, err)
	assert.False(t, ok)

	c, _ := s.GetCampaign(ctx, "C")
	assert.Equal(t, next, *c.NextFireAt)
	assert.Equal(t, t0, *c.LastFiredAt)
	assert.Zero(t, c.CooldownEpoch)
}

func TestAdvanceSchedule_SkipsPaused(t *testing.T) {
	s := New()
	ctx := context.Background()
	fire := t0
	require.NoError(t, s.CreateCampaign(ctx, &domain.Campaign{ID: "C", Status: domain.CampaignActive, NextFireAt: &fire}))
	require.NoError(t, s.HaltCampaign(ctx, "C", "operator", t0))

	ok, err := s.AdvanceSchedule(ctx, "C", t0, nil, true, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	c, _ := s.GetCampaign(ctx, "C")
	assert.Equal(t, domain.CampaignPaused, c.Status)
	assert.Equal(t, t0, *c.NextFireAt)
	assert.Nil(t, c.LastFiredAt)
}

func TestAdvanceSchedule(t *testing.T) {
	s := New()
	ctx := context.Background()
	fire := t0
	require.NoError(t, s.CreateCampaign(ctx, &domain.Campaign{ID: "C", Status: domain.CampaignActive, NextFireAt: &fire}))

	next := t0.Add(time.Hour)
	ok, err := s.AdvanceSchedule(ctx, "C", t0, &next, false, t0)
	require.NoError(t, err)
	assert.True(t, ok)

	// A second run holding the old fire time loses.
	ok, err = s.AdvanceSchedule(ctx, "C", t0, &next, false, t0)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = s.AdvanceSchedule(ctx, "C", next, nil, true, next)
	require.NoError(t, err)
	assert.True(t, ok)

	c, _ := s.GetCampaign(ctx, "C")
	assert.Equal(t, domain.CampaignCompleted, c.Status)
	assert.Nil(t, c.NextFireAt)
	assert.Equal(t, next, *c.LastFiredAt)
}

func TestGetCampaign_ReturnsCopy(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.CreateCampaign(ctx, &domain.Campaign{ID: "C", Name: "a"}))

	c, _ := s.GetCampaign(ctx, "C")
	c.Name = "mutated"

	again, _ := s.GetCampaign(ctx, "C")
	assert.Equal(t, "a", again.Name)
}

func TestExclusions(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.AddExclusion(ctx, "C", "r1", "invalid recipient", t0))
	require.NoError(t, s.AddExclusion(ctx, "C", "r1", "again", t0))

	ex, err := s.ListExclusions(ctx, "C")
	require.NoError(t, err)
	assert.Equal(t, map[string]bool{"r1": true}, ex)

	other, err := s.ListExclusions(ctx, "D")
	require.NoError(t, err)
	assert.Empty(t, other)
	assert.Equal(t, "invalid recipient", s.exclusions["C"]["r1"])
}
