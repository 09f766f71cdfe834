package access

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/AccessGate/internal/pkg/notify"
)

func newTestProcessor(f *fixture, client AccessClient) *JobProcessor {
	p := NewJobProcessor(f.db, client, f.notifier, nil, time.Second)
	p.now = func() time.Time { return f.now }
	return p
}

func TestJobProcessor_Grant(t *testing.T) {
	f := newFixture(t, 1, recurringPlan())
	f.reconcile(models.EventCheckoutCompleted)
	client := &fakeAccessClient{}
	p := newTestProcessor(f, client)

	jobs := f.jobs.byDirection(jobqueue.DirectionGrant)
	require.Len(t, jobs, 1)
	require.NoError(t, p.Process(context.Background(), &jobs[0]))

	assert.Equal(t, []string{"-1000/4242"}, client.grants)
	rows := f.rows()
	require.Len(t, rows, 1)
	assert.Equal(t, models.AccessGranted, rows[0].Status)
	assert.NotNil(t, rows[0].GrantedAt)

	var invite string
	for _, n := range f.notifier.sent {
		if n.Kind == notify.KindAccessGranted {
			invite = n.Data["invite_link"]
		}
	}
	assert.Equal(t, "https://t.me/+invite--1000", invite)

	// Redelivery after success is satisfied and skips the platform
	state, err := p.CheckState(context.Background(), &jobs[0])
	require.NoError(t, err)
	assert.Equal(t, jobqueue.StateSatisfied, state)
	require.NoError(t, p.Process(context.Background(), &jobs[0]))
	assert.Len(t, client.grants, 1)
}

func TestJobProcessor_GrantObsoleteAfterRevoke(t *testing.T) {
	f := newFixture(t, 1, recurringPlan())
	f.reconcile(models.EventCheckoutCompleted)
	grant := f.jobs.byDirection(jobqueue.DirectionGrant)[0]
	f.reconcile(models.EventSubscriptionCanceled)

	client := &fakeAccessClient{}
	p := newTestProcessor(f, client)
	require.NoError(t, p.Process(context.Background(), &grant))
	assert.Empty(t, client.grants)
}

func TestJobProcessor_Revoke(t *testing.T) {
	f := newFixture(t, 1, recurringPlan())
	f.reconcile(models.EventCheckoutCompleted)
	f.markGranted()
	f.reconcile(models.EventSubscriptionCanceled)

	client := &fakeAccessClient{}
	p := newTestProcessor(f, client)
	revokes := f.jobs.byDirection(jobqueue.DirectionRevoke)
	require.Len(t, revokes, 1)
	require.NoError(t, p.Process(context.Background(), &revokes[0]))

	assert.Equal(t, []string{"-1000/4242"}, client.revokes)
	rows := f.rows()
	assert.Equal(t, models.AccessRevoked, rows[0].Status)
	assert.NotNil(t, rows[0].RevokedAt)
}

func TestJobProcessor_FailureRecordsLastError(t *testing.T) {
	f := newFixture(t, 1, recurringPlan())
	f.reconcile(models.EventCheckoutCompleted)

	p := newTestProcessor(f, &fakeAccessClient{err: errPlatformDown})
	job := f.jobs.byDirection(jobqueue.DirectionGrant)[0]
	err := p.Process(context.Background(), &job)
	require.Error(t, err)
	assert.ErrorIs(t, err, errPlatformDown)

	rows := f.rows()
	assert.Equal(t, models.AccessPending, rows[0].Status)
	assert.Contains(t, rows[0].LastError, "platform unavailable")
}

func TestJobState(t *testing.T) {
	now := time.Now()
	tests := []struct {
		name      string
		direction jobqueue.Direction
		row       models.ChannelAccess
		want      jobqueue.JobState
	}{
		{"grant pending", jobqueue.DirectionGrant, models.ChannelAccess{Status: models.AccessPending}, jobqueue.StateNeeded},
		{"grant granted", jobqueue.DirectionGrant, models.ChannelAccess{Status: models.AccessGranted, GrantedAt: &now}, jobqueue.StateSatisfied},
		{"grant in grace", jobqueue.DirectionGrant, models.ChannelAccess{Status: models.AccessRevokePending, GrantedAt: &now}, jobqueue.StateSatisfied},
		{"grant revoked", jobqueue.DirectionGrant, models.ChannelAccess{Status: models.AccessRevoked}, jobqueue.StateObsolete},
		{"revoke requested", jobqueue.DirectionRevoke, models.ChannelAccess{Status: models.AccessRevoked}, jobqueue.StateNeeded},
		{"revoke done", jobqueue.DirectionRevoke, models.ChannelAccess{Status: models.AccessRevoked, RevokedAt: &now}, jobqueue.StateSatisfied},
		{"revoke after reactivation", jobqueue.DirectionRevoke, models.ChannelAccess{Status: models.AccessPending}, jobqueue.StateObsolete},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			row := tt.row
			assert.Equal(t, tt.want, jobState(tt.direction, &row))
		})
	}
}

func TestQueueEnqueuer_RejectsUnknownDirection(t *testing.T) {
	e := NewQueueEnqueuer(nil, nil)
	err := e.Enqueue(context.Background(), &jobqueue.AccessJob{Direction: "sideways"})
	assert.ErrorIs(t, err, jobqueue.ErrInvalidJob)
}
