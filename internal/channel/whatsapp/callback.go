package whatsapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/campaign-notifier/internal/channel"
	"github.com/ignite/campaign-notifier/internal/domain"
	"github.com/ignite/campaign-notifier/internal/pkg/logger"
)

// SignatureHeader carries the HMAC of a webhook body.
const SignatureHeader = "X-Hub-Signature-256"

var (
	ErrInvalidSignature = errors.New("invalid webhook signature")
	ErrHandshakeFailed  = errors.New("webhook verification failed")
)

type webhookEnvelope struct {
	Object string `json:"object"`
	Entry  []struct {
		ID      string `json:"id"`
		Changes []struct {
			Field string `json:"field"`
			Value struct {
				MessagingProduct string          `json:"messaging_product"`
				Statuses         []webhookStatus `json:"statuses"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

type webhookStatus struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Timestamp   string `json:"timestamp"`
	RecipientID string `json:"recipient_id"`
	Errors      []struct {
		Code  int    `json:"code"`
		Title string `json:"title"`
	} `json:"errors"`
}

// Parser implements channel.CallbackParser for WhatsApp webhooks.
type Parser struct{}

// ParseStatusCallback implements channel.CallbackParser.
func (Parser) ParseStatusCallback(payload []byte) ([]domain.StatusCallback, error) {
	return ParseStatusCallback(payload)
}

// ParseStatusCallback extracts delivery status reports from a webhook
// payload. Inbound-message notifications carry no statuses and yield an
// empty result. Status values other than sent, delivered, read and failed
// are skipped, as are entries missing an id or carrying a bad timestamp.
// Only a payload that is not a WhatsApp envelope at all is an error.
func ParseStatusCallback(payload []byte) ([]domain.StatusCallback, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &channel.DeliveryError{Kind: channel.ErrMalformedCallback, Message: "invalid JSON", Err: err}
	}
	if env.Object != "whatsapp_business_account" {
		return nil, channel.NewError(channel.ErrMalformedCallback, "", "unexpected object %q", env.Object)
	}

	out := []domain.StatusCallback{}
	for _, entry := range env.Entry {
		for _, change := range entry.Changes {
			for _, st := range change.Value.Statuses {
				status := domain.MessageStatus(strings.ToLower(st.Status))
				if status == domain.MessageQueued || !status.Valid() {
					continue
				}
				if st.ID == "" {
					logger.Warn("skipping status callback without message id", "status", string(status))
					continue
				}
				secs, err := strconv.ParseInt(st.Timestamp, 10, 64)
				if err != nil {
					logger.Warn("skipping status callback with bad timestamp", "provider_message_id", st.ID, "timestamp", st.Timestamp)
					continue
				}
				cb := domain.StatusCallback{
					ProviderMessageID: st.ID,
					Status:            status,
					Timestamp:         time.Unix(secs, 0).UTC(),
				}
				if len(st.Errors) > 0 {
					cb.ErrorCode = strconv.Itoa(st.Errors[0].Code)
					cb.ErrorTitle = st.Errors[0].Title
				}
				out = append(out, cb)
			}
		}
	}
	return out, nil
}

// Sign returns the signature header value for payload.
func Sign(payload []byte, appSecret string) string {
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the X-Hub-Signature-256 header against the body.
func VerifySignature(payload []byte, header, appSecret string) error {
	if appSecret == "" || !strings.HasPrefix(header, "sha256=") {
		return ErrInvalidSignature
	}
	got, err := hex.DecodeString(strings.TrimPrefix(header, "sha256="))
	if err != nil {
		return ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(appSecret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidSignature
	}
	return nil
}

// VerifyHandshake answers the GET subscription check and returns the
// challenge to echo back.
func VerifyHandshake(mode, token, challenge, expected string) (string, error) {
	if mode != "subscribe" || expected == "" || !hmac.Equal([]byte(token), []byte(expected)) {
		return "", ErrHandshakeFailed
	}
	return challenge, nil
}
