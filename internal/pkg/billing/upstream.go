package billing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/invoice"
)

// Upstream answers the indirect lookups the resolver cannot do locally.
type Upstream interface {
	SubscriptionForInvoice(ctx context.Context, invoiceID string) (string, error)
	InvoiceForCharge(ctx context.Context, chargeID string) (string, error)
}

// StripeClient is a read-only Stripe API client with its own backend, so
// the process-wide stripe.Key is never touched.
type StripeClient struct {
	key      string
	backend  stripe.Backend
	invoices invoice.Client
}

func NewStripeClient(apiKey, baseURL string) *StripeClient {
	apiKey = strings.TrimSpace(apiKey)
	cfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: 15 * time.Second},
		MaxNetworkRetries: stripe.Int64(0),
		LeveledLogger:     &stripe.LeveledLogger{Level: stripe.LevelError},
	}
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		cfg.URL = stripe.String(baseURL)
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, cfg)
	return &StripeClient{
		key:      apiKey,
		backend:  backend,
		invoices: invoice.Client{B: backend, Key: apiKey},
	}
}

// SubscriptionForInvoice returns the subscription an invoice bills, or "".
func (c *StripeClient) SubscriptionForInvoice(ctx context.Context, invoiceID string) (string, error) {
	if c.key == "" {
		return "", errors.New("STRIPE_API_KEY is not configured")
	}
	params := &stripe.InvoiceParams{}
	params.Context = ctx
	inv, err := c.invoices.Get(invoiceID, params)
	if err != nil {
		return "", fmt.Errorf("stripe invoice %s: %w", invoiceID, err)
	}
	if inv.Parent == nil || inv.Parent.SubscriptionDetails == nil || inv.Parent.SubscriptionDetails.Subscription == nil {
		return "", nil
	}
	return inv.Parent.SubscriptionDetails.Subscription.ID, nil
}

// chargeInvoice is the part of a charge the resolver needs. stripe.Charge
// follows the pinned API version, which no longer carries the invoice link;
// accounts on older versions still return it.
type chargeInvoice struct {
	stripe.APIResource
	ID      string    `json:"id"`
	Invoice stripeRef `json:"invoice"`
}

// InvoiceForCharge returns the invoice a charge paid, or "".
func (c *StripeClient) InvoiceForCharge(ctx context.Context, chargeID string) (string, error) {
	if c.key == "" {
		return "", errors.New("STRIPE_API_KEY is not configured")
	}
	params := &stripe.ChargeParams{}
	params.Context = ctx
	var ch chargeInvoice
	path := stripe.FormatURLPath("/v1/charges/%s", chargeID)
	if err := c.backend.Call(http.MethodGet, path, c.key, params, &ch); err != nil {
		return "", fmt.Errorf("stripe charge %s: %w", chargeID, err)
	}
	return string(ch.Invoice), nil
}
