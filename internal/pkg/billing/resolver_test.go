package billing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
)

type seed struct {
	org  models.Organization
	plan models.Plan
	sub  models.Subscription
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "billing.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

func seedSubscription(t *testing.T, db *gorm.DB, externalID string) seed {
	t.Helper()
	var s seed
	s.org = models.Organization{Name: "Acme"}
	require.NoError(t, db.Create(&s.org).Error)
	s.plan = models.Plan{OrganizationID: s.org.ID, Name: "Pro", Recurring: true}
	require.NoError(t, db.Create(&s.plan).Error)
	ch := models.Channel{OrganizationID: s.org.ID, ExternalChatID: "-1001"}
	require.NoError(t, db.Create(&ch).Error)
	require.NoError(t, db.Create(&models.PlanChannel{PlanID: s.plan.ID, ChannelID: ch.ID}).Error)
	cust := models.Customer{OrganizationID: s.org.ID, ExternalUserID: "42"}
	require.NoError(t, db.Create(&cust).Error)

	s.sub = models.Subscription{
		OrganizationID: s.org.ID,
		CustomerID:     cust.ID,
		PlanID:         s.plan.ID,
		Provider:       models.ProviderStripe,
		Status:         models.SubscriptionIncomplete,
	}
	if externalID != "" {
		s.sub.ExternalID = &externalID
	}
	require.NoError(t, db.Create(&s.sub).Error)
	return s
}

type fakeUpstream struct {
	invoices map[string]string
	charges  map[string]string
	err      error
}

func (f *fakeUpstream) SubscriptionForInvoice(_ context.Context, invoiceID string) (string, error) {
	return f.invoices[invoiceID], f.err
}

func (f *fakeUpstream) InvoiceForCharge(_ context.Context, chargeID string) (string, error) {
	return f.charges[chargeID], f.err
}

func TestResolver_DirectReference(t *testing.T) {
	db := newTestDB(t)
	s := seedSubscription(t, db, "sub_ext")
	r := NewResolver(db, nil)

	rc, err := r.Resolve(context.Background(), &access.Event{Provider: models.ProviderStripe, ProviderSubscriptionID: "sub_ext"})
	require.NoError(t, err)
	assert.Equal(t, s.sub.ID, rc.SubscriptionID)
	assert.Equal(t, s.org.ID, rc.OrganizationID)
}

func TestResolver_MetadataKeyVariants(t *testing.T) {
	db := newTestDB(t)
	s := seedSubscription(t, db, "")
	r := NewResolver(db, nil)

	for _, key := range subscriptionMetadataKeys {
		t.Run(key, func(t *testing.T) {
			ev := &access.Event{
				Provider: models.ProviderStripe,
				Metadata: map[string]string{key: s.sub.ID},
			}
			rc, err := r.Resolve(context.Background(), ev)
			require.NoError(t, err)
			assert.Equal(t, s.sub.ID, rc.SubscriptionID)
		})
	}

	// Non-UUID values are skipped, not errors
	ev := &access.Event{Provider: models.ProviderStripe, Metadata: map[string]string{"subscriptionId": "not-a-uuid"}}
	_, err := r.Resolve(context.Background(), ev)
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestResolver_UpstreamInvoiceAndCharge(t *testing.T) {
	db := newTestDB(t)
	s := seedSubscription(t, db, "sub_ext")
	up := &fakeUpstream{
		invoices: map[string]string{"in_1": "sub_ext"},
		charges:  map[string]string{"ch_1": "in_1"},
	}
	r := NewResolver(db, up)

	ev := &access.Event{Provider: models.ProviderStripe, ChargeID: "ch_1"}
	rc, err := r.Resolve(context.Background(), ev)
	require.NoError(t, err)
	assert.Equal(t, s.sub.ID, rc.SubscriptionID)
	assert.Equal(t, "sub_ext", ev.ProviderSubscriptionID)

	up.err = assert.AnError
	_, err = r.Resolve(context.Background(), &access.Event{Provider: models.ProviderStripe, InvoiceID: "in_1"})
	assert.ErrorIs(t, err, ErrContextNotFound, "upstream failure is a miss")
}

func TestResolver_OrganizationOnly(t *testing.T) {
	db := newTestDB(t)
	s := seedSubscription(t, db, "")
	require.NoError(t, db.Create(&models.ProviderAccount{
		OrganizationID:    s.org.ID,
		Provider:          models.ProviderStripe,
		ProviderAccountID: "acct_1",
	}).Error)
	r := NewResolver(db, nil)

	rc, err := r.Resolve(context.Background(), &access.Event{
		Provider: models.ProviderStripe,
		Metadata: map[string]string{"orgId": s.org.ID},
	})
	require.NoError(t, err)
	assert.Equal(t, s.org.ID, rc.OrganizationID)
	assert.True(t, rc.OrganizationOnly())

	rc, err = r.Resolve(context.Background(), &access.Event{Provider: models.ProviderStripe, ProviderAccountID: "acct_1"})
	require.NoError(t, err)
	assert.Equal(t, s.org.ID, rc.OrganizationID)

	_, err = r.Resolve(context.Background(), &access.Event{Provider: models.ProviderStripe, ProviderAccountID: "acct_unknown"})
	assert.ErrorIs(t, err, ErrContextNotFound)
}

func TestStripeClient_Lookups(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.Header.Get("Authorization") != "Bearer sk_test" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		switch r.URL.Path {
		case "/v1/charges/ch_1":
			_, _ = w.Write([]byte(`{"id":"ch_1","object":"charge","invoice":"in_1"}`))
		case "/v1/invoices/in_1":
			_, _ = w.Write([]byte(`{"id":"in_1","object":"invoice","parent":{"type":"subscription_details","subscription_details":{"subscription":"sub_ext"}}}`))
		case "/v1/invoices/in_oneoff":
			_, _ = w.Write([]byte(`{"id":"in_oneoff","object":"invoice","parent":null}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error"}}`))
		}
	}))
	defer srv.Close()

	c := NewStripeClient("sk_test", srv.URL)
	invoiceID, err := c.InvoiceForCharge(context.Background(), "ch_1")
	require.NoError(t, err)
	assert.Equal(t, "in_1", invoiceID)

	subID, err := c.SubscriptionForInvoice(context.Background(), "in_1")
	require.NoError(t, err)
	assert.Equal(t, "sub_ext", subID)

	subID, err = c.SubscriptionForInvoice(context.Background(), "in_oneoff")
	require.NoError(t, err)
	assert.Empty(t, subID)

	_, err = c.SubscriptionForInvoice(context.Background(), "in_missing")
	var stripeErr *stripe.Error
	require.ErrorAs(t, err, &stripeErr)
	assert.Equal(t, http.StatusNotFound, stripeErr.HTTPStatusCode)
	assert.Equal(t, int32(4), calls.Load(), "no retries on a 404")

	_, err = NewStripeClient("", srv.URL).InvoiceForCharge(context.Background(), "ch_1")
	assert.Error(t, err)
	assert.Equal(t, int32(4), calls.Load(), "no request without an API key")
}
