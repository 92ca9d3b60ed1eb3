package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/campaign-notifier/internal/auth"
	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/render"
	"github.com/ignite/campaign-notifier/internal/repository/memory"
	"github.com/ignite/campaign-notifier/internal/scheduler"
	"github.com/ignite/campaign-notifier/internal/segmentation"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeRunner struct {
	run *domain.SchedulerRun
	err error
	ids []string
}

func (f *fakeRunner) RunCampaign(_ context.Context, id string, trigger domain.RunTrigger) (*domain.SchedulerRun, error) {
	f.ids = append(f.ids, id)
	if f.err != nil {
		return nil, f.err
	}
	run := *f.run
	run.CampaignID, run.Trigger = id, trigger
	return &run, nil
}

type fakeSnapshots struct {
	reports  []metrics.Report
	from, to time.Time
}

func (f *fakeSnapshots) ListSnapshots(_ context.Context, _ string, from, to time.Time) ([]metrics.Report, error) {
	f.from, f.to = from, to
	return f.reports, nil
}

type testServer struct {
	handler   http.Handler
	store     *memory.Store
	runner    *fakeRunner
	snapshots *fakeSnapshots
}

func newTestServer(t *testing.T, am *auth.AuthManager) *testServer {
	t.Helper()
	store := memory.New()
	svc := campaign.NewService(store, segmentation.NewEngine(nil, nil), render.NewEngine()).
		WithClock(func() time.Time { return t0 })
	runner := &fakeRunner{run: &domain.SchedulerRun{ID: "R1", Outcome: domain.RunCompleted, Sealed: true}}
	snaps := &fakeSnapshots{}

	srv := NewServer(config.ServerConfig{}, Deps{
		Campaigns: svc,
		Runner:    runner,
		Metrics:   metrics.NewAggregator(store),
		Snapshots: snaps,
		Auth:      am,
	})
	return &testServer{handler: srv.Handler(), store: store, runner: runner, snapshots: snaps}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dst interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dst), rec.Body.String())
}

func validCampaign() map[string]interface{} {
	return map[string]interface{}{
		"name":    "Trial nudge",
		"segment": "trial",
		"rule":    `tier = "trial" AND usage_count >= 5`,
		"template": map[string]interface{}{
			"name":     "trial_nudge",
			"language": "en_US",
			"params":   []string{"{{ first_name }}"},
		},
		"schedule":         map[string]interface{}{"kind": "interval", "every_seconds": 3600},
		"cooldown_seconds": 86400,
	}
}

func createCampaign(t *testing.T, ts *testServer) domain.Campaign {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/api/campaigns", validCampaign())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var c domain.Campaign
	decode(t, rec, &c)
	return c
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

func TestCreateAndGetCampaign(t *testing.T) {
	ts := newTestServer(t, nil)
	c := createCampaign(t, ts)
	assert.Equal(t, domain.CampaignDraft, c.Status)

	rec := ts.do(t, http.MethodGet, "/api/campaigns/"+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got domain.Campaign
	decode(t, rec, &got)
	assert.Equal(t, c.ID, got.ID)
	assert.Equal(t, "trial_nudge", got.Template.Name)
}

func TestCreateCampaign_Validation(t *testing.T) {
	ts := newTestServer(t, nil)
	body := validCampaign()
	body["rule"] = `tier = `
	body["name"] = ""

	rec := ts.do(t, http.MethodPost, "/api/campaigns", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp struct {
		Code    string   `json:"code"`
		Details []string `json:"details"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, "validation_failed", resp.Code)
	assert.GreaterOrEqual(t, len(resp.Details), 2)
}

func TestCreateCampaign_BadJSON(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodPost, "/api/campaigns", map[string]interface{}{"unknown": 1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetCampaign_NotFound(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := ts.do(t, http.MethodGet, "/api/campaigns/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLifecycle(t *testing.T) {
	ts := newTestServer(t, nil)
	c := createCampaign(t, ts)
	base := "/api/campaigns/" + c.ID

	steps := []struct {
		action string
		code   int
		status domain.CampaignStatus
	}{
		{"pause", http.StatusConflict, ""},
		{"activate", http.StatusOK, domain.CampaignActive},
		{"activate", http.StatusConflict, ""},
		{"pause", http.StatusOK, domain.CampaignPaused},
		{"resume", http.StatusOK, domain.CampaignActive},
		{"reset-cooldown", http.StatusOK, domain.CampaignActive},
		{"complete", http.StatusOK, domain.CampaignCompleted},
		{"resume", http.StatusConflict, ""},
	}
	for _, s := range steps {
		rec := ts.do(t, http.MethodPost, base+"/"+s.action, nil)
		require.Equal(t, s.code, rec.Code, "%s: %s", s.action, rec.Body.String())
		if s.code != http.StatusOK {
			continue
		}
		var got domain.Campaign
		decode(t, rec, &got)
		assert.Equal(t, s.status, got.Status, s.action)
		if s.action == "reset-cooldown" {
			assert.Equal(t, 1, got.CooldownEpoch)
		}
	}
}

func TestListCampaigns(t *testing.T) {
	ts := newTestServer(t, nil)
	a := createCampaign(t, ts)
	createCampaign(t, ts)
	createCampaign(t, ts)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/api/campaigns/"+a.ID+"/activate", nil).Code)

	var page struct {
		Data       []domain.Campaign `json:"data"`
		Pagination PaginationMeta    `json:"pagination"`
	}
	rec := ts.do(t, http.MethodGet, "/api/campaigns?limit=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &page)
	assert.Len(t, page.Data, 2)
	assert.Equal(t, int64(3), page.Pagination.Total)
	assert.True(t, page.Pagination.HasMore)

	rec = ts.do(t, http.MethodGet, "/api/campaigns?status=active", nil)
	decode(t, rec, &page)
	require.Len(t, page.Data, 1)
	assert.Equal(t, a.ID, page.Data[0].ID)

	rec = ts.do(t, http.MethodGet, "/api/campaigns?status=active,archived", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t, nil)
	c := createCampaign(t, ts)

	rec := ts.do(t, http.MethodGet, "/api/campaigns/"+c.ID+"/runs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Runs  []domain.SchedulerRun `json:"runs"`
		Count int                   `json:"count"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 0, resp.Count)
	assert.NotNil(t, resp.Runs)

	assert.Equal(t, http.StatusNotFound, ts.do(t, http.MethodGet, "/api/campaigns/missing/runs", nil).Code)
}

func TestRunCampaign(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/campaigns/C1/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var run domain.SchedulerRun
	decode(t, rec, &run)
	assert.Equal(t, "C1", run.CampaignID)
	assert.Equal(t, domain.TriggerManual, run.Trigger)

	ts.runner.err = errors.New("provider unavailable")
	assert.Equal(t, http.StatusInternalServerError, ts.do(t, http.MethodPost, "/api/campaigns/C1/run", nil).Code)

	ts.runner.err = scheduler.ErrCampaignNotActive
	assert.Equal(t, http.StatusConflict, ts.do(t, http.MethodPost, "/api/campaigns/C1/run", nil).Code)
}

func TestValidateRule(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := ts.do(t, http.MethodPost, "/api/rules/validate", map[string]string{"rule": `tier = "trial"`})
	require.Equal(t, http.StatusOK, rec.Code)
	var ok campaign.RuleReport
	decode(t, rec, &ok)
	assert.True(t, ok.Valid)

	rec = ts.do(t, http.MethodPost, "/api/rules/validate", map[string]string{"rule": `tier >`})
	require.Equal(t, http.StatusOK, rec.Code)
	var bad campaign.RuleReport
	decode(t, rec, &bad)
	assert.False(t, bad.Valid)
	assert.NotEmpty(t, bad.Problems)
}

// =============================================================================
// METRICS
// =============================================================================

func TestMetrics(t *testing.T) {
	ts := newTestServer(t, nil)
	c := createCampaign(t, ts)
	sent := t0.Add(time.Minute)
	ts.store.PutMessage(domain.Message{ID: "m1", CampaignID: c.ID, RecipientID: "r1", Status: domain.MessageDelivered, QueuedAt: t0, SentAt: &sent, DeliveredAt: &sent})
	ts.store.PutMessage(domain.Message{ID: "m2", CampaignID: c.ID, RecipientID: "r2", Status: domain.MessageSent, QueuedAt: t0, SentAt: &sent})

	rec := ts.do(t, http.MethodGet, "/api/metrics?campaign_id="+c.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report metrics.Report
	decode(t, rec, &report)
	assert.Equal(t, int64(2), report.Total)
	assert.InDelta(t, 0.5, report.DeliveryRate, 1e-9)

	rec = ts.do(t, http.MethodGet, "/api/metrics/campaigns", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var by struct {
		Campaigns []metrics.Report `json:"campaigns"`
	}
	decode(t, rec, &by)
	require.Len(t, by.Campaigns, 1)
	assert.Equal(t, c.ID, by.Campaigns[0].CampaignID)
}

func TestMetrics_BadRange(t *testing.T) {
	ts := newTestServer(t, nil)
	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/metrics?from=yesterday", nil).Code)
	assert.Equal(t, http.StatusBadRequest,
		ts.do(t, http.MethodGet, "/api/metrics?from=2026-03-02T00:00:00Z&to=2026-03-01T00:00:00Z", nil).Code)
}

func TestSnapshots(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.snapshots.reports = []metrics.Report{{CampaignID: "C1", Total: 7}}

	assert.Equal(t, http.StatusBadRequest, ts.do(t, http.MethodGet, "/api/metrics/snapshots", nil).Code)

	rec := ts.do(t, http.MethodGet, "/api/metrics/snapshots?campaign_id=C1&to=2026-03-02T00:00:00Z", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 7*24*time.Hour, ts.snapshots.to.Sub(ts.snapshots.from))
	assert.Contains(t, rec.Body.String(), `"total":7`)
}

// =============================================================================
// AUTH
// =============================================================================

func TestAPIRequiresToken(t *testing.T) {
	am := auth.NewAuthManager(config.AuthConfig{Enabled: true, JWTSecret: "s3cret", Issuer: "campaign-notifier"})
	ts := newTestServer(t, am)

	assert.Equal(t, http.StatusUnauthorized, ts.do(t, http.MethodGet, "/api/campaigns", nil).Code)
	assert.Equal(t, http.StatusOK, ts.do(t, http.MethodGet, "/health", nil).Code)

	tok, err := am.Issue("op-1", "", "", time.Hour)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, "/api/campaigns", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec := httptest.NewRecorder()
	ts.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}
