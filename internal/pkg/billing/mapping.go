package billing

import (
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/AccessGate/app/models"
)

var stripeEventTypes = map[stripe.EventType]models.EventType{
	stripe.EventTypeCheckoutSessionCompleted:    models.EventCheckoutCompleted,
	stripe.EventTypeCustomerSubscriptionCreated: models.EventSubscriptionCreated,
	stripe.EventTypeCustomerSubscriptionUpdated: models.EventSubscriptionUpdated,
	stripe.EventTypeCustomerSubscriptionDeleted: models.EventSubscriptionCanceled,
	stripe.EventTypeInvoicePaid:                 models.EventInvoicePaid,
	stripe.EventTypeInvoicePaymentSucceeded:     models.EventInvoicePaid,
	stripe.EventTypeInvoicePaymentFailed:        models.EventInvoicePaymentFailed,
	stripe.EventTypeChargeRefunded:              models.EventRefundCreated,
	stripe.EventTypeRefundCreated:               models.EventRefundCreated,
}

// StripeCanonicalType maps a Stripe event type to the canonical vocabulary.
func StripeCanonicalType(eventType string) (models.EventType, bool) {
	t, ok := stripeEventTypes[stripe.EventType(eventType)]
	return t, ok
}

// Patreon membership triggers as sent in X-Patreon-Event.
const (
	patreonMemberCreate = "members:create"
	patreonMemberUpdate = "members:update"
	patreonMemberDelete = "members:delete"
	patreonPledgeCreate = "members:pledge:create"
	patreonPledgeUpdate = "members:pledge:update"
	patreonPledgeDelete = "members:pledge:delete"
)

// PatreonCanonicalType maps a Patreon trigger, refined by the member's
// patron_status for updates, to the canonical vocabulary.
func PatreonCanonicalType(trigger, patronStatus string) (models.EventType, bool) {
	switch strings.ToLower(strings.TrimSpace(trigger)) {
	case patreonMemberCreate, patreonPledgeCreate:
		return models.EventSubscriptionCreated, true
	case patreonMemberDelete, patreonPledgeDelete:
		return models.EventSubscriptionCanceled, true
	case patreonMemberUpdate, patreonPledgeUpdate:
		switch strings.ToLower(strings.TrimSpace(patronStatus)) {
		case "active_patron":
			return models.EventSubscriptionUpdated, true
		case "declined_patron":
			return models.EventInvoicePaymentFailed, true
		case "former_patron":
			return models.EventSubscriptionCanceled, true
		}
	}
	return "", false
}
