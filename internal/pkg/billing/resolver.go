package billing

import (
	"context"
	"errors"
	"strings"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
)

// Historical metadata key variants, in lookup order.
var (
	subscriptionMetadataKeys = []string{"subscriptionId", "subscription_id", "internal_subscription_id", "subId", "client_reference_id"}
	organizationMetadataKeys = []string{"organizationId", "organization_id", "orgId", "org_id"}
)

// Resolver maps a normalized event to the internal organization and
// subscription it concerns.
type Resolver struct {
	db       *gorm.DB
	upstream Upstream
}

// NewResolver creates a resolver. upstream may be nil, which disables the
// invoice and charge lookups.
func NewResolver(db *gorm.DB, upstream Upstream) *Resolver {
	return &Resolver{db: db, upstream: upstream}
}

// Resolve returns the first match of: provider subscription id, metadata
// subscription id, upstream invoice/charge lookup, organization only.
// A provider subscription id found upstream is written back to ev.
func (r *Resolver) Resolve(ctx context.Context, ev *access.Event) (access.Context, error) {
	if sub, err := r.byExternalID(ctx, ev.Provider, ev.ProviderSubscriptionID); err != nil || sub != nil {
		return contextOf(sub), err
	}

	for _, key := range subscriptionMetadataKeys {
		id, ok := metadataUUID(ev.Metadata, key)
		if !ok {
			continue
		}
		var sub models.Subscription
		err := r.db.WithContext(ctx).Where("id = ?", id).First(&sub).Error
		if err == nil {
			return contextOf(&sub), nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return access.Context{}, err
		}
	}

	if externalID := r.lookupUpstream(ctx, ev); externalID != "" {
		sub, err := r.byExternalID(ctx, ev.Provider, externalID)
		if err != nil {
			return access.Context{}, err
		}
		if sub != nil {
			if ev.ProviderSubscriptionID == "" {
				ev.ProviderSubscriptionID = externalID
			}
			return contextOf(sub), nil
		}
	}

	return r.organizationOnly(ctx, ev)
}

func (r *Resolver) byExternalID(ctx context.Context, provider, externalID string) (*models.Subscription, error) {
	externalID = strings.TrimSpace(externalID)
	if externalID == "" {
		return nil, nil
	}
	var sub models.Subscription
	err := r.db.WithContext(ctx).Where("provider = ? AND external_id = ?", provider, externalID).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &sub, nil
}

// lookupUpstream resolves invoice (or charge, then invoice) to a provider
// subscription id. Failures count as no match.
func (r *Resolver) lookupUpstream(ctx context.Context, ev *access.Event) string {
	if r.upstream == nil || ev.Provider != models.ProviderStripe {
		return ""
	}

	invoiceID := ev.InvoiceID
	if invoiceID == "" && ev.ChargeID != "" {
		id, err := r.upstream.InvoiceForCharge(ctx, ev.ChargeID)
		if err != nil {
			log.Warnf("[Resolver] Charge lookup %s failed: %v", ev.ChargeID, err)
			return ""
		}
		invoiceID = id
	}
	if invoiceID == "" {
		return ""
	}

	subID, err := r.upstream.SubscriptionForInvoice(ctx, invoiceID)
	if err != nil {
		log.Warnf("[Resolver] Invoice lookup %s failed: %v", invoiceID, err)
		return ""
	}
	return subID
}

func (r *Resolver) organizationOnly(ctx context.Context, ev *access.Event) (access.Context, error) {
	for _, key := range organizationMetadataKeys {
		id, ok := metadataUUID(ev.Metadata, key)
		if !ok {
			continue
		}
		var count int64
		if err := r.db.WithContext(ctx).Model(&models.Organization{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return access.Context{}, err
		}
		if count > 0 {
			return access.Context{OrganizationID: id}, nil
		}
	}

	if accountID := strings.TrimSpace(ev.ProviderAccountID); accountID != "" {
		var pa models.ProviderAccount
		err := r.db.WithContext(ctx).
			Where("provider = ? AND provider_account_id = ?", ev.Provider, accountID).
			First(&pa).Error
		if err == nil {
			return access.Context{OrganizationID: pa.OrganizationID}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return access.Context{}, err
		}
	}

	return access.Context{}, ErrContextNotFound
}

func metadataUUID(metadata map[string]string, key string) (string, bool) {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return "", false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", false
	}
	return id.String(), true
}

func contextOf(sub *models.Subscription) access.Context {
	if sub == nil {
		return access.Context{}
	}
	return access.Context{OrganizationID: sub.OrganizationID, SubscriptionID: sub.ID}
}
