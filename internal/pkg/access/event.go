package access

import (
	"errors"
	"time"

	"github.com/ManuelReschke/AccessGate/app/models"
)

// Event is a provider webhook normalized to the canonical vocabulary. Raw
// provider payload shapes never travel past the ingestion layer.
type Event struct {
	Provider     string
	ExternalID   string
	ProviderType string
	Type         models.EventType
	OccurredAt   time.Time

	ProviderSubscriptionID string
	ProviderCustomerID     string
	ProviderAccountID      string
	InvoiceID              string
	ChargeID               string
	Metadata               map[string]string

	PartialRefund    bool
	CurrentPeriodEnd *time.Time

	RawPayload []byte
}

// Context is the internal scope an event applies to. SubscriptionID is empty
// when only the organization could be determined.
type Context struct {
	OrganizationID string
	SubscriptionID string
}

// OrganizationOnly reports whether no subscription was resolved.
func (c Context) OrganizationOnly() bool {
	return c.SubscriptionID == ""
}

// TargetStatus maps a canonical event type to the subscription status it implies.
func TargetStatus(t models.EventType) (models.SubscriptionStatus, bool) {
	switch t {
	case models.EventCheckoutCompleted,
		models.EventSubscriptionCreated,
		models.EventSubscriptionUpdated,
		models.EventInvoicePaid:
		return models.SubscriptionActive, true
	case models.EventSubscriptionCanceled:
		return models.SubscriptionCanceled, true
	case models.EventInvoicePaymentFailed:
		return models.SubscriptionPastDue, true
	case models.EventRefundCreated:
		return models.SubscriptionExpired, true
	default:
		return "", false
	}
}

var (
	ErrEventNotRecorded     = errors.New("payment event not recorded")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrAlreadySatisfied     = errors.New("already satisfied")
	ErrUnknownEventType     = errors.New("unknown canonical event type")
)
