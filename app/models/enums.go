package models

// Payment provider constants.
const (
	ProviderStripe  = "stripe"
	ProviderPatreon = "patreon"
)

// EventType is the canonical, provider-neutral payment event type.
type EventType string

const (
	EventCheckoutCompleted    EventType = "checkout_completed"
	EventSubscriptionCreated  EventType = "subscription_created"
	EventSubscriptionUpdated  EventType = "subscription_updated"
	EventSubscriptionCanceled EventType = "subscription_canceled"
	EventInvoicePaid          EventType = "invoice_paid"
	EventInvoicePaymentFailed EventType = "invoice_payment_failed"
	EventRefundCreated        EventType = "refund_created"
)

// SubscriptionStatus mirrors the billing status of a subscription.
type SubscriptionStatus string

const (
	SubscriptionIncomplete SubscriptionStatus = "incomplete"
	SubscriptionActive     SubscriptionStatus = "active"
	SubscriptionPastDue    SubscriptionStatus = "past_due"
	SubscriptionCanceled   SubscriptionStatus = "canceled"
	SubscriptionExpired    SubscriptionStatus = "expired"
	SubscriptionTrialing   SubscriptionStatus = "trialing"
)

// IsTerminal reports whether no further payment can revive the subscription
// without an explicit activation event.
func (s SubscriptionStatus) IsTerminal() bool {
	return s == SubscriptionCanceled || s == SubscriptionExpired
}

// AccessStatus is the lifecycle state of one channel membership.
type AccessStatus string

const (
	AccessPending       AccessStatus = "pending"
	AccessGranted       AccessStatus = "granted"
	AccessRevokePending AccessStatus = "revoke_pending"
	AccessRevoked       AccessStatus = "revoked"
)
