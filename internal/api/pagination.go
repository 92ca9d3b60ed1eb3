package api

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/service/campaign"
)

// PaginationParams holds parsed pagination values from query params.
type PaginationParams struct {
	Page   int
	Limit  int
	Offset int
}

// PaginatedResponse wraps a list page with its metadata.
type PaginatedResponse[T any] struct {
	Data       []T            `json:"data"`
	Pagination PaginationMeta `json:"pagination"`
}

// PaginationMeta contains pagination metadata for the response.
type PaginationMeta struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int   `json:"total_pages"`
	HasMore    bool  `json:"has_more"`
}

// ParsePagination extracts page and limit with defaults. limit is capped at
// maxLimit.
func ParsePagination(r *http.Request, defaultLimit, maxLimit int) PaginationParams {
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return PaginationParams{Page: page, Limit: limit, Offset: (page - 1) * limit}
}

// parseCampaignFilter reads status (comma separated), segment and search
// alongside the page. Unknown statuses are rejected rather than matching
// nothing.
func parseCampaignFilter(r *http.Request) (campaign.ListFilter, PaginationParams, error) {
	page := ParsePagination(r, 50, 200)
	q := r.URL.Query()
	f := campaign.ListFilter{
		Status:  q.Get("status"),
		Segment: q.Get("segment"),
		Search:  q.Get("search"),
		Limit:   page.Limit,
		Offset:  page.Offset,
	}
	for _, s := range f.Statuses() {
		if !domain.CampaignStatus(s).Valid() {
			return f, page, fmt.Errorf("unknown status %q", s)
		}
	}
	return f, page, nil
}

// NewPaginatedResponse builds a page from items and the unpaged total.
// A nil slice is emitted as [].
func NewPaginatedResponse[T any](items []T, params PaginationParams, total int64) PaginatedResponse[T] {
	if items == nil {
		items = []T{}
	}
	totalPages := 1
	if params.Limit > 0 && total > 0 {
		totalPages = int((total + int64(params.Limit) - 1) / int64(params.Limit))
	}
	return PaginatedResponse[T]{
		Data: items,
		Pagination: PaginationMeta{
			Page:       params.Page,
			Limit:      params.Limit,
			Total:      total,
			TotalPages: totalPages,
			HasMore:    params.Page < totalPages,
		},
	}
}
