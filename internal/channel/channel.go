// Package channel defines the uniform contract between the scheduler and
// an external messaging provider, plus the delivery error taxonomy.
package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/ignite/campaign-notifier/internal/domain"
)

// Sender delivers one rendered template to one address.
type Sender interface {
	Send(ctx context.Context, to string, tpl domain.RenderedTemplate) (*SendResult, error)
}

// SendResult is returned for an accepted send.
type SendResult struct {
	ProviderMessageID string    `json:"provider_message_id"`
	AcceptedAt        time.Time `json:"accepted_at"`
}

// CallbackParser turns a raw provider webhook payload into status callbacks.
type CallbackParser interface {
	ParseStatusCallback(payload []byte) ([]domain.StatusCallback, error)
}

// =============================================================================
// ERROR TAXONOMY
// =============================================================================

// Sentinel kinds, matched with errors.Is against a *DeliveryError.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrInvalidRecipient  = errors.New("invalid recipient")
	ErrTransientNetwork  = errors.New("transient network error")
	ErrTemplateRejected  = errors.New("template rejected")
	ErrMalformedCallback = errors.New("malformed callback")
)

// DeliveryError is a classified provider failure.
type DeliveryError struct {
	Kind       error
	Code       string
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *DeliveryError) Error() string {
	msg := e.Kind.Error()
	if e.Code != "" {
		msg += " (" + e.Code + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Is matches the sentinel kind.
func (e *DeliveryError) Is(target error) bool {
	return target == e.Kind
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// NewError builds a DeliveryError of the given kind.
func NewError(kind error, code, format string, args ...any) *DeliveryError {
	return &DeliveryError{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf classifies any error into one of the sentinel kinds. Context
// cancellation and unknown errors are treated as transient.
func KindOf(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range []error{ErrRateLimited, ErrInvalidRecipient, ErrTemplateRejected, ErrMalformedCallback, ErrTransientNetwork} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return ErrTransientNetwork
}

// Retryable reports whether err may succeed on a later attempt.
func Retryable(err error) bool {
	kind := KindOf(err)
	return kind == ErrRateLimited || kind == ErrTransientNetwork
}

// RetryAfter returns the provider supplied retry hint, if any.
func RetryAfter(err error) time.Duration {
	var de *DeliveryError
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// Code returns the provider error code carried by err, or the kind name.
func Code(err error) string {
	var de *DeliveryError
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return "timeout"
	}
	switch KindOf(err) {
	case ErrRateLimited:
		return "rate_limited"
	case ErrInvalidRecipient:
		return "invalid_recipient"
	case ErrTemplateRejected:
		return "template_rejected"
	case ErrMalformedCallback:
		return "malformed_callback"
	}
	return "transient"
}
