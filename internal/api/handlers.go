package api

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/pkg/httputil"
	"github.com/ignite/campaign-notifier/internal/scheduler"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

// Handlers contains all HTTP handlers
type Handlers struct {
	campaigns *campaign.Service
	runner    Runner
	metrics   *metrics.Aggregator
	snapshots SnapshotReader
}

// NewHandlers creates a new Handlers instance
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{
		campaigns: deps.Campaigns,
		runner:    deps.Runner,
		metrics:   deps.Metrics,
		snapshots: deps.Snapshots,
	}
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

// writeError maps service and scheduler errors onto HTTP statuses. Anything
// unrecognised is logged and answered with a generic 500.
func writeError(w http.ResponseWriter, err error) {
	var ve *campaign.ValidationError
	switch {
	case errors.As(err, &ve):
		httputil.ErrorWithDetails(w, http.StatusBadRequest, "validation failed", "validation_failed", ve.Problems)
	case errors.Is(err, domain.ErrNotFound):
		httputil.NotFound(w, "campaign not found")
	case errors.Is(err, campaign.ErrInvalidTransition):
		httputil.ErrorWithDetails(w, http.StatusConflict, err.Error(), "invalid_transition", nil)
	case errors.Is(err, campaign.ErrConflict):
		httputil.ErrorWithDetails(w, http.StatusConflict, err.Error(), "conflict", nil)
	case errors.Is(err, scheduler.ErrCampaignNotActive):
		httputil.ErrorWithDetails(w, http.StatusConflict, err.Error(), "campaign_not_active", nil)
	default:
		httputil.InternalError(w, err)
	}
}

// =============================================================================
// CAMPAIGNS
// =============================================================================

// ListCampaigns handles GET /api/campaigns
func (h *Handlers) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	filter, page, err := parseCampaignFilter(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}

	list, total, err := h.campaigns.List(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, NewPaginatedResponse(list, page, int64(total)))
}

// CreateCampaign handles POST /api/campaigns
func (h *Handlers) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var input campaign.CreateInput
	if !httputil.Decode(w, r, &input) {
		return
	}

	c, err := h.campaigns.Create(r.Context(), input)
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.Created(w, c)
}

// GetCampaign handles GET /api/campaigns/{id}
func (h *Handlers) GetCampaign(w http.ResponseWriter, r *http.Request) {
	c, err := h.campaigns.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// ListRuns handles GET /api/campaigns/{id}/runs
func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	runs, err := h.campaigns.Runs(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if runs == nil {
		runs = []domain.SchedulerRun{}
	}
	httputil.OK(w, map[string]interface{}{"runs": runs, "count": len(runs)})
}

// ActivateCampaign handles POST /api/campaigns/{id}/activate
func (h *Handlers) ActivateCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Activate)
}

// PauseCampaign handles POST /api/campaigns/{id}/pause
func (h *Handlers) PauseCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Pause)
}

// ResumeCampaign handles POST /api/campaigns/{id}/resume
func (h *Handlers) ResumeCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Resume)
}

// CompleteCampaign handles POST /api/campaigns/{id}/complete
func (h *Handlers) CompleteCampaign(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.Complete)
}

// ResetCooldown handles POST /api/campaigns/{id}/reset-cooldown
func (h *Handlers) ResetCooldown(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, h.campaigns.ResetCooldown)
}

func (h *Handlers) transition(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) (*domain.Campaign, error)) {
	c, err := op(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	httputil.OK(w, c)
}

// RunCampaign handles POST /api/campaigns/{id}/run. The run executes
// synchronously and its sealed record is returned.
func (h *Handlers) RunCampaign(w http.ResponseWriter, r *http.Request) {
	if h.runner == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "manual runs are not available on this instance")
		return
	}
	id := chi.URLParam(r, "id")
	run, err := h.runner.RunCampaign(r.Context(), id, domain.TriggerManual)
	if err != nil {
		writeError(w, err)
		return
	}
	log.Printf("[API] Manual run %s of campaign %s: %s (sent=%d)", run.ID, id, run.Outcome, run.Summary.Sent)
	httputil.OK(w, run)
}

// ValidateRule handles POST /api/rules/validate
func (h *Handlers) ValidateRule(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Rule string `json:"rule"`
	}
	if !httputil.Decode(w, r, &req) {
		return
	}
	httputil.OK(w, h.campaigns.ValidateRule(req.Rule))
}
