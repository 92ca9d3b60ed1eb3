package tracking

import (
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/campaign-notifier/internal/channel/whatsapp"
	"github.com/ignite/campaign-notifier/internal/pkg/httputil"
	"github.com/ignite/campaign-notifier/internal/pkg/logger"
)

// DefaultMaxBodyBytes caps webhook bodies read by the handler.
const DefaultMaxBodyBytes = 1 << 20

// Stats counts webhook requests by outcome.
type Stats struct {
	Received  int64 `json:"received"`
	Forwarded int64 `json:"forwarded"`
	Rejected  int64 `json:"rejected"`
	Failed    int64 `json:"failed"`
}

// Handler is the public webhook ingress. It verifies each delivery and
// forwards the raw payload to a Sink.
type Handler struct {
	sink        Sink
	appSecret   string
	verifyToken string
	maxBody     int64

	received  atomic.Int64
	forwarded atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
}

// NewHandler creates a webhook handler. maxBody <= 0 uses DefaultMaxBodyBytes.
func NewHandler(sink Sink, appSecret, verifyToken string, maxBody int64) *Handler {
	if maxBody <= 0 {
		maxBody = DefaultMaxBodyBytes
	}
	return &Handler{sink: sink, appSecret: appSecret, verifyToken: verifyToken, maxBody: maxBody}
}

func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/webhooks/whatsapp", h.HandleVerify)
	r.Post("/webhooks/whatsapp", h.HandleCallback)
	r.Get("/health", h.HandleHealth)
	return r
}

// HandleVerify answers the provider's subscription handshake.
func (h *Handler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	challenge, err := whatsapp.VerifyHandshake(q.Get("hub.mode"), q.Get("hub.verify_token"), q.Get("hub.challenge"), h.verifyToken)
	if err != nil {
		log.Printf("[tracking] Webhook handshake rejected (mode=%q)", q.Get("hub.mode"))
		httputil.Error(w, http.StatusForbidden, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(challenge))
}

// HandleCallback verifies a status webhook and forwards it. A forwarding
// failure answers 500 so the provider redelivers.
func (h *Handler) HandleCallback(w http.ResponseWriter, r *http.Request) {
	h.received.Add(1)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		h.rejected.Add(1)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			httputil.Error(w, http.StatusRequestEntityTooLarge, "payload too large")
			return
		}
		httputil.BadRequest(w, "unreadable body")
		return
	}

	if err := whatsapp.VerifySignature(body, r.Header.Get(whatsapp.SignatureHeader), h.appSecret); err != nil {
		h.rejected.Add(1)
		logger.Warn("webhook signature rejected", "remote_addr", realIP(r), "bytes", len(body))
		httputil.Unauthorized(w, err.Error())
		return
	}

	if err := h.sink.Forward(r.Context(), body); err != nil {
		h.failed.Add(1)
		httputil.InternalError(w, err)
		return
	}
	h.forwarded.Add(1)
	httputil.OK(w, map[string]string{"status": "ok"})
}

func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.OK(w, map[string]any{"status": "ok", "webhooks": h.Stats()})
}

// Stats returns a snapshot of the request counters.
func (h *Handler) Stats() Stats {
	return Stats{
		Received:  h.received.Load(),
		Forwarded: h.forwarded.Load(),
		Rejected:  h.rejected.Load(),
		Failed:    h.failed.Load(),
	}
}

func realIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if idx := strings.Index(xff, ","); idx > 0 {
			return strings.TrimSpace(xff[:idx])
		}
		return xff
	}
	if xri := r.Header.Get("X-Real-Ip"); xri != "" {
		return xri
	}
	return r.RemoteAddr
}
