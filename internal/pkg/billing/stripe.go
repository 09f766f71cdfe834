package billing

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
)

// StripeProvider handles Stripe webhooks.
type StripeProvider struct {
	secret string
}

func NewStripeProvider(webhookSecret string) *StripeProvider {
	return &StripeProvider{secret: strings.TrimSpace(webhookSecret)}
}

func (p *StripeProvider) Name() string { return models.ProviderStripe }

func (p *StripeProvider) Configured() bool { return p.secret != "" }

// Verify checks the Stripe-Signature header including its timestamp tolerance.
func (p *StripeProvider) Verify(body []byte, header http.Header) error {
	sig := strings.TrimSpace(header.Get("Stripe-Signature"))
	if sig == "" {
		return fmt.Errorf("%w: missing Stripe-Signature", ErrInvalidSignature)
	}
	if _, err := webhook.ConstructEventWithOptions(body, sig, p.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}
	return nil
}

// Delivery is empty for Stripe; id and type travel in the body.
func (p *StripeProvider) Delivery(http.Header) Delivery {
	return Delivery{ReceivedAt: time.Now().UTC()}
}

// stripeRef is an expandable Stripe field: either an id string or an object
// with an id.
type stripeRef string

func (r *stripeRef) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = ""
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = stripeRef(s)
		return nil
	default:
		var obj struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*r = stripeRef(obj.ID)
		return nil
	}
}

// stripeObject holds the union of fields read from the data.object of the
// handled event types. Older and newer API versions place the subscription
// and period end differently; both are read.
type stripeObject struct {
	ID                string            `json:"id"`
	Object            string            `json:"object"`
	Customer          stripeRef         `json:"customer"`
	Subscription      stripeRef         `json:"subscription"`
	Invoice           stripeRef         `json:"invoice"`
	Charge            stripeRef         `json:"charge"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	CurrentPeriodEnd  int64             `json:"current_period_end"`
	Items             struct {
		Data []struct {
			CurrentPeriodEnd int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
	Parent struct {
		SubscriptionDetails struct {
			Subscription stripeRef         `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	SubscriptionDetails struct {
		Metadata map[string]string `json:"metadata"`
	} `json:"subscription_details"`
	Refunded bool `json:"refunded"`
}

func (o *stripeObject) subscriptionID() string {
	if o.Subscription != "" {
		return string(o.Subscription)
	}
	return string(o.Parent.SubscriptionDetails.Subscription)
}

func (o *stripeObject) periodEnd() *time.Time {
	end := o.CurrentPeriodEnd
	for _, item := range o.Items.Data {
		if item.CurrentPeriodEnd > end {
			end = item.CurrentPeriodEnd
		}
	}
	if end <= 0 {
		return nil
	}
	t := time.Unix(end, 0).UTC()
	return &t
}

// Parse normalizes a Stripe event body.
func (p *StripeProvider) Parse(body []byte, _ Delivery) (*access.Event, error) {
	var ev stripe.Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if strings.TrimSpace(ev.ID) == "" || ev.Type == "" {
		return nil, fmt.Errorf("%w: missing event id or type", ErrMalformedPayload)
	}

	canonical, ok := StripeCanonicalType(string(ev.Type))
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrIgnoredEvent, ev.Type)
	}
	if ev.Data == nil || len(ev.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: missing data.object", ErrMalformedPayload)
	}

	var obj stripeObject
	if err := json.Unmarshal(ev.Data.Raw, &obj); err != nil {
		return nil, fmt.Errorf("%w: decode %s: %v", ErrMalformedPayload, ev.Type, err)
	}

	out := &access.Event{
		Provider:           models.ProviderStripe,
		ExternalID:         ev.ID,
		ProviderType:       string(ev.Type),
		Type:               canonical,
		OccurredAt:         time.Unix(ev.Created, 0).UTC(),
		ProviderCustomerID: string(obj.Customer),
		ProviderAccountID:  ev.Account,
		Metadata:           mergeMetadata(obj.Metadata, obj.Parent.SubscriptionDetails.Metadata, obj.SubscriptionDetails.Metadata),
		RawPayload:         body,
	}
	if ev.Created == 0 {
		out.OccurredAt = time.Now().UTC()
	}

	switch obj.Object {
	case "subscription":
		out.ProviderSubscriptionID = obj.ID
		out.CurrentPeriodEnd = obj.periodEnd()
	case "checkout.session":
		out.ProviderSubscriptionID = obj.subscriptionID()
		out.InvoiceID = string(obj.Invoice)
		if ref := strings.TrimSpace(obj.ClientReferenceID); ref != "" {
			out.Metadata["client_reference_id"] = ref
		}
	case "invoice":
		out.ProviderSubscriptionID = obj.subscriptionID()
		out.InvoiceID = obj.ID
	case "charge":
		out.ChargeID = obj.ID
		out.InvoiceID = string(obj.Invoice)
		out.PartialRefund = !obj.Refunded
	case "refund":
		out.ChargeID = string(obj.Charge)
		// The refund object carries no charge totals; charge.refunded for the
		// same refund decides whether access ends.
		out.PartialRefund = true
	default:
		out.ProviderSubscriptionID = obj.subscriptionID()
	}
	return out, nil
}

func mergeMetadata(sources ...map[string]string) map[string]string {
	out := make(map[string]string)
	for _, src := range sources {
		for k, v := range src {
			if _, exists := out[k]; !exists && strings.TrimSpace(v) != "" {
				out[k] = strings.TrimSpace(v)
			}
		}
	}
	return out
}
