package attributes

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/pkg/httpretry"
)

// HTTPSource pages through the subscription collaborator's recipient API.
type HTTPSource struct {
	baseURL    string
	token      string
	pageSize   int
	maxPages   int
	httpClient httpretry.HTTPDoer
}

type recipientPage struct {
	Recipients []domain.Recipient `json:"recipients"`
	NextCursor string             `json:"next_cursor"`
}

// NewHTTPSource creates an HTTP attribute source
func NewHTTPSource(cfg config.AttributesConfig) *HTTPSource {
	return NewHTTPSourceWithDoer(cfg, httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, 3))
}

// NewHTTPSourceWithDoer creates an HTTP attribute source over doer.
func NewHTTPSourceWithDoer(cfg config.AttributesConfig, doer httpretry.HTTPDoer) *HTTPSource {
	return &HTTPSource{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      cfg.Token,
		pageSize:   cfg.PageSize,
		maxPages:   cfg.MaxPages,
		httpClient: doer,
	}
}

// Snapshot implements segmentation.AttributeSource. It fails rather than
// returning a partial snapshot when the page limit is exceeded.
func (s *HTTPSource) Snapshot(ctx context.Context) ([]domain.Recipient, error) {
	var (
		out    []domain.Recipient
		cursor string
	)
	for page := 0; ; page++ {
		if s.maxPages > 0 && page >= s.maxPages {
			return nil, fmt.Errorf("recipient snapshot exceeded %d pages", s.maxPages)
		}
		p, err := s.fetch(ctx, cursor)
		if err != nil {
			return nil, err
		}
		out = append(out, p.Recipients...)
		if p.NextCursor == "" {
			return out, nil
		}
		cursor = p.NextCursor
	}
}

func (s *HTTPSource) fetch(ctx context.Context, cursor string) (*recipientPage, error) {
	q := url.Values{}
	if s.pageSize > 0 {
		q.Set("limit", strconv.Itoa(s.pageSize))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	fullURL := s.baseURL + "/v1/recipients"
	if enc := q.Encode(); enc != "" {
		fullURL += "?" + enc
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fullURL, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("attribute API error (status %d): %s", resp.StatusCode, string(body))
	}

	var page recipientPage
	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	if err := dec.Decode(&page); err != nil {
		return nil, fmt.Errorf("decoding recipients: %w", err)
	}
	return &page, nil
}
