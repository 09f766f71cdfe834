package billing

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
)

type captureEnqueuer struct {
	mu   sync.Mutex
	jobs []jobqueue.AccessJob
}

func (c *captureEnqueuer) Enqueue(_ context.Context, job *jobqueue.AccessJob) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobs = append(c.jobs, *job)
	return nil
}

func (c *captureEnqueuer) count(d jobqueue.Direction) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, j := range c.jobs {
		if j.Direction == d {
			n++
		}
	}
	return n
}

type pipelineHarness struct {
	db       *gorm.DB
	seed     seed
	jobs     *captureEnqueuer
	pipeline *Pipeline
}

func newPipelineHarness(t *testing.T) *pipelineHarness {
	t.Helper()
	return newPipelineHarnessWithUpstream(t, nil)
}

func newPipelineHarnessWithUpstream(t *testing.T, upstream Upstream) *pipelineHarness {
	t.Helper()
	db := newTestDB(t)
	h := &pipelineHarness{
		db:   db,
		seed: seedSubscription(t, db, "sub_ext"),
		jobs: &captureEnqueuer{},
	}
	reconciler := access.NewReconciler(db, h.jobs, nil, nil, access.Config{GracePeriod: 5 * 24 * time.Hour})
	h.pipeline = NewPipeline(
		NewEventStore(db),
		NewResolver(db, upstream),
		reconciler,
		NewStripeProvider(testStripeSecret),
		NewPatreonProvider(""),
	)
	return h
}

func (h *pipelineHarness) ingestStripe(t *testing.T, body []byte) (*Result, error) {
	t.Helper()
	return h.pipeline.Ingest(context.Background(), "stripe", body, signedStripeHeader(body, testStripeSecret))
}

func subscriptionEvent(id, typ string, created int64) []byte {
	return []byte(fmt.Sprintf(`{"id":%q,"object":"event","type":%q,"created":%d,"data":{"object":{"id":"in_x","object":"invoice","subscription":"sub_ext"}}}`, id, typ, created))
}

func (h *pipelineHarness) status(t *testing.T) models.SubscriptionStatus {
	t.Helper()
	var sub models.Subscription
	require.NoError(t, h.db.Where("id = ?", h.seed.sub.ID).First(&sub).Error)
	return sub.Status
}

func TestPipeline_IngestAndDeduplicate(t *testing.T) {
	h := newPipelineHarness(t)
	body := subscriptionEvent("evt_1", "invoice.paid", time.Now().Unix())

	res, err := h.ingestStripe(t, body)
	require.NoError(t, err)
	assert.False(t, res.Duplicate)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.SubscriptionActive, res.Outcome.Status)
	assert.Equal(t, models.SubscriptionActive, h.status(t))
	assert.Equal(t, 1, h.jobs.count(jobqueue.DirectionGrant))

	again, err := h.ingestStripe(t, body)
	require.NoError(t, err)
	assert.True(t, again.Duplicate)
	assert.Equal(t, res.EventID, again.EventID)
	assert.Equal(t, 1, h.jobs.count(jobqueue.DirectionGrant), "redelivery creates no jobs")

	var count int64
	require.NoError(t, h.db.Model(&models.PaymentEvent{}).Count(&count).Error)
	assert.Equal(t, int64(1), count)
}

func TestPipeline_Rejections(t *testing.T) {
	h := newPipelineHarness(t)
	body := subscriptionEvent("evt_1", "invoice.paid", time.Now().Unix())

	_, err := h.pipeline.Ingest(context.Background(), "paypal", body, http.Header{})
	assert.ErrorIs(t, err, ErrUnknownProvider)

	_, err = h.pipeline.Ingest(context.Background(), "patreon", body, http.Header{})
	assert.ErrorIs(t, err, ErrProviderNotConfigured)

	_, err = h.pipeline.Ingest(context.Background(), "stripe", body, signedStripeHeader(body, "whsec_wrong"))
	assert.ErrorIs(t, err, ErrInvalidSignature)

	var count int64
	require.NoError(t, h.db.Model(&models.PaymentEvent{}).Count(&count).Error)
	assert.Zero(t, count, "rejected deliveries leave no trace")
	assert.Equal(t, models.SubscriptionIncomplete, h.status(t))
}

func TestPipeline_IgnoredTypeIsNotStored(t *testing.T) {
	h := newPipelineHarness(t)
	body := []byte(`{"id":"evt_x","object":"event","type":"customer.created","created":1,"data":{"object":{"id":"cus_1","object":"customer"}}}`)

	res, err := h.ingestStripe(t, body)
	require.NoError(t, err)
	assert.True(t, res.Ignored)

	var count int64
	require.NoError(t, h.db.Model(&models.PaymentEvent{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestPipeline_UnresolvedThenReprocess(t *testing.T) {
	h := newPipelineHarness(t)
	body := []byte(fmt.Sprintf(`{"id":"evt_u","object":"event","type":"invoice.paid","created":%d,"data":{"object":{"id":"in_1","object":"invoice","subscription":"sub_unknown"}}}`, time.Now().Unix()))

	res, err := h.ingestStripe(t, body)
	require.NoError(t, err)
	assert.True(t, res.Unresolved)

	var stored models.PaymentEvent
	require.NoError(t, h.db.Where("id = ?", res.EventID).First(&stored).Error)
	assert.False(t, stored.IsProcessed())
	assert.Contains(t, stored.ProcessingError, ErrContextNotFound.Error())
	assert.Equal(t, 1, stored.Attempts)

	failed, err := h.pipeline.Store().ListFailed(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, failed, 1)

	// The operator links the subscription, then reprocesses
	require.NoError(t, h.db.Model(&models.Subscription{}).Where("id = ?", h.seed.sub.ID).Update("external_id", "sub_unknown").Error)
	again, err := h.pipeline.Reprocess(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.False(t, again.Unresolved)
	require.NotNil(t, again.Outcome)
	assert.Equal(t, models.SubscriptionActive, again.Outcome.Status)

	done, err := h.pipeline.Reprocess(context.Background(), res.EventID)
	require.NoError(t, err)
	assert.True(t, done.Duplicate)

	_, err = h.pipeline.Reprocess(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

// A customer pays, fails a renewal, recovers inside grace, fails again and
// never pays: access survives the first failure and ends after the second
// grace window.
func TestPipeline_RenewalFailureScenario(t *testing.T) {
	h := newPipelineHarness(t)
	base := time.Now().Add(-time.Hour).Unix()

	_, err := h.ingestStripe(t, subscriptionEvent("evt_paid", "invoice.paid", base))
	require.NoError(t, err)
	require.NoError(t, h.db.Model(&models.ChannelAccess{}).Where("subscription_id = ?", h.seed.sub.ID).
		Updates(map[string]interface{}{"status": models.AccessGranted, "granted_at": time.Now()}).Error)

	res, err := h.ingestStripe(t, subscriptionEvent("evt_fail", "invoice.payment_failed", base+60))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionPastDue, res.Outcome.Status)
	assert.Zero(t, h.jobs.count(jobqueue.DirectionRevoke), "grace keeps access")

	res, err = h.ingestStripe(t, subscriptionEvent("evt_recover", "invoice.paid", base+120))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionActive, res.Outcome.Status)

	var rows []models.ChannelAccess
	require.NoError(t, h.db.Where("subscription_id = ?", h.seed.sub.ID).Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, models.AccessGranted, rows[0].Status)

	res, err = h.ingestStripe(t, subscriptionEvent("evt_cancel", "customer.subscription.deleted", base+180))
	require.NoError(t, err)
	assert.Equal(t, models.SubscriptionCanceled, res.Outcome.Status)
	assert.Equal(t, 1, h.jobs.count(jobqueue.DirectionRevoke))
}

// A paid subscription is fully refunded. The charge carries only its
// invoice, so the subscription is found through the Stripe API, and access
// ends on every channel at once.
func TestPipeline_FullRefundScenario(t *testing.T) {
	var invoiceLookups atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/invoices/in_refunded" {
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error"}}`))
			return
		}
		invoiceLookups.Add(1)
		_, _ = w.Write([]byte(`{"id":"in_refunded","object":"invoice","parent":{"type":"subscription_details","subscription_details":{"subscription":"sub_ext"}}}`))
	}))
	defer srv.Close()

	h := newPipelineHarnessWithUpstream(t, NewStripeClient("sk_test", srv.URL))
	second := models.Channel{OrganizationID: h.seed.org.ID, ExternalChatID: "-1002"}
	require.NoError(t, h.db.Create(&second).Error)
	require.NoError(t, h.db.Create(&models.PlanChannel{PlanID: h.seed.plan.ID, ChannelID: second.ID}).Error)

	base := time.Now().Add(-time.Hour).Unix()
	_, err := h.ingestStripe(t, subscriptionEvent("evt_paid", "invoice.paid", base))
	require.NoError(t, err)
	require.Equal(t, 2, h.jobs.count(jobqueue.DirectionGrant))
	require.NoError(t, h.db.Model(&models.ChannelAccess{}).Where("subscription_id = ?", h.seed.sub.ID).
		Updates(map[string]interface{}{"status": models.AccessGranted, "granted_at": time.Now()}).Error)

	refund := []byte(fmt.Sprintf(`{"id":"evt_refund","object":"event","type":"charge.refunded","created":%d,"data":{"object":{"id":"ch_1","object":"charge","invoice":"in_refunded","refunded":true,"amount":1000,"amount_refunded":1000}}}`, base+60))
	res, err := h.ingestStripe(t, refund)
	require.NoError(t, err)
	assert.Empty(t, res.Error)
	assert.False(t, res.Unresolved)
	require.NotNil(t, res.Outcome)
	assert.Equal(t, models.SubscriptionExpired, res.Outcome.Status)
	assert.Equal(t, models.SubscriptionExpired, h.status(t))
	assert.Equal(t, int32(1), invoiceLookups.Load())

	var rows []models.ChannelAccess
	require.NoError(t, h.db.Where("subscription_id = ?", h.seed.sub.ID).Find(&rows).Error)
	require.Len(t, rows, 2)
	for _, row := range rows {
		assert.Equal(t, models.AccessRevoked, row.Status, row.ChannelID)
	}
	assert.Equal(t, 2, h.jobs.count(jobqueue.DirectionRevoke), "one revoke job per channel")
}
