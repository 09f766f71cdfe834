package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
)

func TestSweepExpiredGrace(t *testing.T) {
	f := newFixture(t, 2, recurringPlan())
	sweeper := NewSweeper(f.db, f.rec)

	f.reconcile(models.EventCheckoutCompleted)
	f.markGranted()
	f.reconcile(models.EventInvoicePaymentFailed)
	f.jobs.reset()

	n, err := sweeper.SweepExpiredGrace(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(5*24*time.Hour + time.Minute)
	n, err = sweeper.SweepExpiredGrace(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	sub := f.subscription()
	assert.Equal(t, models.SubscriptionCanceled, sub.Status)
	assert.Nil(t, sub.GraceUntil)
	for _, row := range f.rows() {
		assert.Equal(t, models.AccessRevoked, row.Status)
	}
	assert.Len(t, f.jobs.byDirection(jobqueue.DirectionRevoke), 2)

	// Second run finds nothing
	n, err = sweeper.SweepExpiredGrace(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepExpiredGrace_SkipsRecovered(t *testing.T) {
	f := newFixture(t, 1, recurringPlan())
	sweeper := NewSweeper(f.db, f.rec)

	f.reconcile(models.EventCheckoutCompleted)
	f.markGranted()
	f.reconcile(models.EventInvoicePaymentFailed)
	f.advance(time.Hour)
	f.reconcile(models.EventInvoicePaid)

	f.advance(6 * 24 * time.Hour)
	n, err := sweeper.SweepExpiredGrace(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Equal(t, models.SubscriptionActive, f.subscription().Status)
}

func TestSweepExpiredAccess_NonRecurringPlan(t *testing.T) {
	days := 30
	f := newFixture(t, 1, models.Plan{Recurring: false, AccessDurationDays: &days})
	sweeper := NewSweeper(f.db, f.rec)

	f.reconcile(models.EventCheckoutCompleted)
	f.markGranted()
	f.jobs.reset()

	ents := f.entitlements()
	require.Len(t, ents, 1)
	require.NotNil(t, ents[0].ExpiresAt)
	assert.True(t, ents[0].ExpiresAt.Equal(f.now.Add(30*24*time.Hour)))

	f.advance(29 * 24 * time.Hour)
	n, err := sweeper.SweepExpiredAccess(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	f.advance(2 * 24 * time.Hour)
	n, err = sweeper.SweepExpiredAccess(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.SubscriptionExpired, f.subscription().Status)
	assert.Len(t, f.jobs.byDirection(jobqueue.DirectionRevoke), 1)
}

func TestSweeperTasks(t *testing.T) {
	f := newFixture(t, 1, recurringPlan())
	tasks := NewSweeper(f.db, f.rec).Tasks(time.Minute)
	require.Len(t, tasks, 2)
	assert.Equal(t, TaskGraceSweep, tasks[0].Name)
	assert.Equal(t, TaskAccessExpirySweep, tasks[1].Name)
	for _, task := range tasks {
		assert.NoError(t, task.Run(context.Background()))
	}
}
