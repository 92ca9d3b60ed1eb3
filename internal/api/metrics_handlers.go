package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/ignite/campaign-notifier/internal/metrics"
	"github.com/ignite/campaign-notifier/internal/pkg/httputil"
)

// parseFilter reads from, to (RFC 3339), campaign_id and segment.
func parseFilter(r *http.Request) (metrics.Filter, error) {
	q := r.URL.Query()
	f := metrics.Filter{
		CampaignID: q.Get("campaign_id"),
		Segment:    q.Get("segment"),
	}
	var err error
	if v := q.Get("from"); v != "" {
		if f.From, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("invalid from: %q is not RFC 3339", v)
		}
	}
	if v := q.Get("to"); v != "" {
		if f.To, err = time.Parse(time.RFC3339, v); err != nil {
			return f, fmt.Errorf("invalid to: %q is not RFC 3339", v)
		}
	}
	return f, f.Validate()
}

// GetSummary handles GET /api/metrics
func (h *Handlers) GetSummary(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	report, err := h.metrics.Summarize(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, report)
}

// GetCampaignMetrics handles GET /api/metrics/campaigns
func (h *Handlers) GetCampaignMetrics(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	reports, err := h.metrics.ByCampaign(r.Context(), f)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	if reports == nil {
		reports = []metrics.Report{}
	}
	httputil.OK(w, map[string]interface{}{"campaigns": reports, "count": len(reports)})
}

// GetSnapshots handles GET /api/metrics/snapshots?campaign_id=...; the
// range defaults to the last seven days.
func (h *Handlers) GetSnapshots(w http.ResponseWriter, r *http.Request) {
	if h.snapshots == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "snapshot storage is not configured")
		return
	}
	f, err := parseFilter(r)
	if err != nil {
		httputil.BadRequest(w, err.Error())
		return
	}
	if f.CampaignID == "" {
		httputil.BadRequest(w, "campaign_id is required")
		return
	}
	if f.To.IsZero() {
		f.To = time.Now().UTC()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-7 * 24 * time.Hour)
	}

	reports, err := h.snapshots.ListSnapshots(r.Context(), f.CampaignID, f.From, f.To)
	if err != nil {
		httputil.InternalError(w, err)
		return
	}
	httputil.OK(w, map[string]interface{}{"snapshots": reports, "count": len(reports)})
}
