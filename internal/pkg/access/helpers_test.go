package access

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/audit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/AccessGate/internal/pkg/notify"
)

type fakeEnqueuer struct {
	mu   sync.Mutex
	jobs []jobqueue.AccessJob
	err  error
}

func (f *fakeEnqueuer) Enqueue(_ context.Context, job *jobqueue.AccessJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, *job)
	return nil
}

func (f *fakeEnqueuer) byDirection(d jobqueue.Direction) []jobqueue.AccessJob {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []jobqueue.AccessJob
	for _, j := range f.jobs {
		if j.Direction == d {
			out = append(out, j)
		}
	}
	return out
}

func (f *fakeEnqueuer) reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = nil
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
}

func (r *recordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return nil
}

func (r *recordingNotifier) kinds() []notify.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []notify.Kind
	for _, n := range r.sent {
		out = append(out, n.Kind)
	}
	return out
}

type memoryRecorder struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (m *memoryRecorder) Record(_ context.Context, e audit.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

func (m *memoryRecorder) last() audit.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return audit.Entry{}
	}
	return m.entries[len(m.entries)-1]
}

type fixture struct {
	t        *testing.T
	db       *gorm.DB
	jobs     *fakeEnqueuer
	notifier *recordingNotifier
	recorder *memoryRecorder
	rec      *Reconciler
	now      time.Time

	plan     models.Plan
	channels []models.Channel
	customer models.Customer
	sub      models.Subscription
	seq      int
}

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "access.db")), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(models.All()...))
	return db
}

// newFixture seeds one organization, a plan with the given number of
// channels, a customer and an incomplete subscription.
func newFixture(t *testing.T, channelCount int, plan models.Plan) *fixture {
	t.Helper()
	f := &fixture{
		t:        t,
		db:       newTestDB(t),
		jobs:     &fakeEnqueuer{},
		notifier: &recordingNotifier{},
		recorder: &memoryRecorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.rec = NewReconciler(f.db, f.jobs, f.notifier, f.recorder, Config{GracePeriod: 5 * 24 * time.Hour})
	f.rec.now = func() time.Time { return f.now }

	org := models.Organization{Name: "Acme"}
	require.NoError(t, f.db.Create(&org).Error)

	plan.OrganizationID = org.ID
	if plan.Name == "" {
		plan.Name = "Pro"
	}
	require.NoError(t, f.db.Create(&plan).Error)
	f.plan = plan

	for i := 0; i < channelCount; i++ {
		ch := models.Channel{OrganizationID: org.ID, Title: fmt.Sprintf("chan-%d", i), ExternalChatID: fmt.Sprintf("-100%d", i)}
		require.NoError(t, f.db.Create(&ch).Error)
		require.NoError(t, f.db.Create(&models.PlanChannel{PlanID: plan.ID, ChannelID: ch.ID}).Error)
		f.channels = append(f.channels, ch)
	}

	f.customer = models.Customer{OrganizationID: org.ID, ExternalUserID: "4242"}
	require.NoError(t, f.db.Create(&f.customer).Error)

	f.sub = models.Subscription{
		OrganizationID: org.ID,
		CustomerID:     f.customer.ID,
		PlanID:         plan.ID,
		Provider:       models.ProviderStripe,
		Status:         models.SubscriptionIncomplete,
	}
	require.NoError(t, f.db.Create(&f.sub).Error)
	return f
}

func recurringPlan() models.Plan {
	return models.Plan{Recurring: true}
}

// event records a payment event occurring at the fixture clock and returns
// its canonical form.
func (f *fixture) event(typ models.EventType) *Event {
	f.t.Helper()
	f.seq++
	ev := &Event{
		Provider:               models.ProviderStripe,
		ExternalID:             fmt.Sprintf("evt_%d", f.seq),
		ProviderType:           string(typ),
		Type:                   typ,
		OccurredAt:             f.now,
		ProviderSubscriptionID: "sub_ext_1",
	}
	f.store(ev)
	return ev
}

func (f *fixture) store(ev *Event) {
	f.t.Helper()
	require.NoError(f.t, f.db.Create(&models.PaymentEvent{
		Provider:      ev.Provider,
		ExternalID:    ev.ExternalID,
		ProviderType:  ev.ProviderType,
		CanonicalType: ev.Type,
		OccurredAt:    ev.OccurredAt,
		RawPayload:    "{}",
	}).Error)
}

func (f *fixture) context() Context {
	return Context{OrganizationID: f.sub.OrganizationID, SubscriptionID: f.sub.ID}
}

func (f *fixture) reconcile(typ models.EventType) *Outcome {
	f.t.Helper()
	out, err := f.rec.Reconcile(context.Background(), f.event(typ), f.context())
	require.NoError(f.t, err)
	return out
}

func (f *fixture) subscription() models.Subscription {
	f.t.Helper()
	var sub models.Subscription
	require.NoError(f.t, f.db.Where("id = ?", f.sub.ID).First(&sub).Error)
	return sub
}

func (f *fixture) rows() []models.ChannelAccess {
	f.t.Helper()
	var rows []models.ChannelAccess
	require.NoError(f.t, f.db.Where("subscription_id = ?", f.sub.ID).Order("channel_id").Find(&rows).Error)
	return rows
}

func (f *fixture) entitlements() []models.Entitlement {
	f.t.Helper()
	var ents []models.Entitlement
	require.NoError(f.t, f.db.Where("subscription_id = ?", f.sub.ID).Find(&ents).Error)
	return ents
}

// markGranted simulates successful grant jobs for every row.
func (f *fixture) markGranted() {
	f.t.Helper()
	require.NoError(f.t, f.db.Model(&models.ChannelAccess{}).
		Where("subscription_id = ?", f.sub.ID).
		Updates(map[string]interface{}{"status": models.AccessGranted, "granted_at": f.now}).Error)
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

type fakeAccessClient struct {
	mu      sync.Mutex
	grants  []string
	revokes []string
	err     error
}

func (c *fakeAccessClient) Grant(_ context.Context, chatID, userID string) (*GrantResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return nil, c.err
	}
	c.grants = append(c.grants, chatID+"/"+userID)
	return &GrantResult{InviteLink: "https://t.me/+invite-" + chatID}, nil
}

func (c *fakeAccessClient) Revoke(_ context.Context, chatID, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.revokes = append(c.revokes, chatID+"/"+userID)
	return nil
}

var errPlatformDown = errors.New("platform unavailable")
