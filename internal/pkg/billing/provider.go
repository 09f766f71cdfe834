package billing

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
)

var (
	ErrUnknownProvider       = errors.New("unknown payment provider")
	ErrProviderNotConfigured = errors.New("payment provider not configured")
	ErrInvalidSignature      = errors.New("invalid webhook signature")
	ErrMalformedPayload      = errors.New("malformed webhook payload")
	// ErrIgnoredEvent marks provider event types outside the mapping table.
	ErrIgnoredEvent    = errors.New("event type not handled")
	ErrContextNotFound = errors.New("no subscription or organization matches the event")
	ErrEventNotFound   = errors.New("payment event not found")
)

// Delivery is the transport metadata of one webhook delivery that some
// providers send outside the body.
type Delivery struct {
	Type       string
	ID         string
	ReceivedAt time.Time
}

// Provider verifies and normalizes the webhooks of one payment provider.
type Provider interface {
	Name() string
	Configured() bool
	Verify(body []byte, header http.Header) error
	Delivery(header http.Header) Delivery
	// Parse returns ErrIgnoredEvent for types that do not affect access.
	Parse(body []byte, d Delivery) (*access.Event, error)
}

func firstHeaderValue(header http.Header, keys ...string) string {
	for _, key := range keys {
		if v := strings.TrimSpace(header.Get(key)); v != "" {
			return v
		}
	}
	return ""
}
