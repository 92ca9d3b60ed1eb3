// Package whatsapp implements the delivery channel over the WhatsApp
// Business Cloud API: templated sends, status webhook parsing and
// webhook authenticity checks.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-notifier/internal/channel"
	"github.com/ignite/campaign-notifier/internal/config"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/pkg/httpretry"
	"github.com/ignite/campaign-notifier/internal/pkg/logger"
)

// Client is a WhatsApp Cloud API client
type Client struct {
	baseURL       string
	version       string
	phoneNumberID string
	token         string
	httpClient    httpretry.HTTPDoer
	now           func() time.Time
}

// NewClient creates a new WhatsApp Cloud API client. 5xx responses and
// network failures are retried in-client; 429 is surfaced so the scheduler
// can apply its own backoff.
func NewClient(cfg config.WhatsAppConfig) *Client {
	doer := httpretry.NewRetryClient(&http.Client{Timeout: cfg.Timeout()}, cfg.MaxRetries,
		httpretry.WithStatuses(http.StatusInternalServerError, http.StatusBadGateway,
			http.StatusServiceUnavailable, http.StatusGatewayTimeout),
		httpretry.WithBackoff(500*time.Millisecond, 5*time.Second))
	return NewClientWithDoer(cfg, doer)
}

// NewClientWithDoer creates a client over an arbitrary HTTPDoer.
func NewClientWithDoer(cfg config.WhatsAppConfig, doer httpretry.HTTPDoer) *Client {
	return &Client{
		baseURL:       strings.TrimRight(cfg.BaseURL, "/"),
		version:       cfg.APIVersion,
		phoneNumberID: cfg.PhoneNumberID,
		token:         cfg.AccessToken,
		httpClient:    doer,
		now:           time.Now,
	}
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type sendRequest struct {
	MessagingProduct string          `json:"messaging_product"`
	RecipientType    string          `json:"recipient_type"`
	To               string          `json:"to"`
	Type             string          `json:"type"`
	Template         templatePayload `json:"template"`
}

type templatePayload struct {
	Name       string      `json:"name"`
	Language   language    `json:"language"`
	Components []component `json:"components,omitempty"`
}

type language struct {
	Code string `json:"code"`
}

type component struct {
	Type       string      `json:"type"`
	Parameters []parameter `json:"parameters"`
}

type parameter struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type sendResponse struct {
	Messages []struct {
		ID string `json:"id"`
	} `json:"messages"`
	Error *apiError `json:"error,omitempty"`
}

type apiError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
	ErrorData    struct {
		Details string `json:"details"`
	} `json:"error_data"`
	FBTraceID string `json:"fbtrace_id"`
}

// =============================================================================
// SEND
// =============================================================================

// Send delivers a template message to one phone number.
func (c *Client) Send(ctx context.Context, to string, tpl domain.RenderedTemplate) (*channel.SendResult, error) {
	addr := normalizeAddress(to)
	if addr == "" {
		return nil, channel.NewError(channel.ErrInvalidRecipient, "", "empty or non-numeric address")
	}

	payload := sendRequest{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               addr,
		Type:             "template",
		Template: templatePayload{
			Name:     tpl.Name,
			Language: language{Code: tpl.Language},
		},
	}
	if len(tpl.Params) > 0 {
		params := make([]parameter, len(tpl.Params))
		for i, p := range tpl.Params {
			params[i] = parameter{Type: "text", Text: p}
		}
		payload.Template.Components = []component{{Type: "body", Parameters: params}}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	url := fmt.Sprintf("%s/%s/%s/messages", c.baseURL, c.version, c.phoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &channel.DeliveryError{Kind: channel.ErrTransientNetwork, Message: "executing request", Err: err}
	}
	defer resp.Body.Close()

	accepted := resp.StatusCode >= 200 && resp.StatusCode < 300
	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil && !accepted {
		return nil, &channel.DeliveryError{Kind: channel.ErrTransientNetwork, Message: "reading response", Err: err}
	}

	var parsed sendResponse
	_ = json.Unmarshal(respBody, &parsed)

	if !accepted || parsed.Error != nil {
		return nil, classify(resp.StatusCode, parsed.Error, resp.Header.Get("Retry-After"), respBody)
	}
	// A 2xx means the provider took the message. Retrying would send it
	// twice, so an unreadable body only costs status tracking.
	if len(parsed.Messages) == 0 || parsed.Messages[0].ID == "" {
		logger.Warn("provider accepted message without a message id", "status", resp.StatusCode, "to", addr)
		return &channel.SendResult{AcceptedAt: c.now().UTC()}, nil
	}

	return &channel.SendResult{
		ProviderMessageID: parsed.Messages[0].ID,
		AcceptedAt:        c.now().UTC(),
	}, nil
}

var (
	rateLimitCodes        = map[int]bool{4: true, 80007: true, 130429: true, 131048: true, 131056: true}
	invalidRecipientCodes = map[int]bool{131026: true, 131030: true, 131021: true, 133010: true}
	transientCodes        = map[int]bool{1: true, 2: true, 131000: true, 131016: true}
)

// classify maps an HTTP status and Graph API error into the delivery error
// taxonomy.
func classify(status int, apiErr *apiError, retryAfter string, raw []byte) *channel.DeliveryError {
	de := &channel.DeliveryError{}
	code := 0
	if apiErr != nil {
		code = apiErr.Code
		de.Code = strconv.Itoa(code)
		de.Message = apiErr.Message
		if apiErr.ErrorData.Details != "" {
			de.Message += ": " + apiErr.ErrorData.Details
		}
	} else {
		de.Message = fmt.Sprintf("status %d: %s", status, truncate(string(raw), 200))
	}

	switch {
	case status == http.StatusTooManyRequests || rateLimitCodes[code]:
		de.Kind = channel.ErrRateLimited
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs > 0 {
			de.RetryAfter = time.Duration(secs) * time.Second
		}
	case invalidRecipientCodes[code]:
		de.Kind = channel.ErrInvalidRecipient
	case transientCodes[code] || status >= 500:
		de.Kind = channel.ErrTransientNetwork
	case code >= 132000 && code < 133000:
		de.Kind = channel.ErrTemplateRejected
	case status >= 400:
		de.Kind = channel.ErrTemplateRejected
	default:
		de.Kind = channel.ErrTransientNetwork
	}
	return de
}

// normalizeAddress strips formatting from an E.164 number; the API expects
// digits only.
func normalizeAddress(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	if b.Len() < 7 {
		return ""
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
