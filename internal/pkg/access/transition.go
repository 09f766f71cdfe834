package access

import (
	"time"

	"github.com/ManuelReschke/AccessGate/app/models"
)

// Reasons an event leaves the subscription untouched.
const (
	skipStaleEvent       = "stale_event"
	skipTerminal         = "subscription_terminal"
	skipGraceAlreadyOpen = "grace_already_open"
	skipPartialRefund    = "partial_refund"
	skipNoChange         = "no_change"
)

type transitionInput struct {
	Sub          *models.Subscription
	Rows         []models.ChannelAccess
	PlanChannels []string
	Target       models.SubscriptionStatus
	OccurredAt   time.Time
	Now          time.Time
	GracePeriod  time.Duration
}

// intent is the full effect of one transition, computed without I/O.
type intent struct {
	status     models.SubscriptionStatus
	skip       string
	openGrace  bool
	graceUntil time.Time
	clearGrace bool
	revoke     bool

	rows    []*models.ChannelAccess
	grants  []string
	revokes []string
	reopen  []string
}

func (in intent) changesRows() bool {
	return len(in.rows) > 0
}

// planTransition decides what an event with target status does to a
// subscription and its channel rows.
func planTransition(p transitionInput) intent {
	sub := p.Sub
	changedAt := sub.StatusChangedAt
	stale := changedAt != nil && !p.OccurredAt.IsZero() && p.OccurredAt.Before(*changedAt)

	switch p.Target {
	case models.SubscriptionActive:
		if sub.Status.IsTerminal() && stale {
			return intent{status: sub.Status, skip: skipStaleEvent}
		}
		in := planGrant(p.Rows, p.PlanChannels, p.Now)
		in.status = models.SubscriptionActive
		in.clearGrace = sub.GraceUntil != nil
		if !in.changesRows() && len(in.grants) == 0 && !in.clearGrace && sub.Status == models.SubscriptionActive {
			in.skip = skipNoChange
		}
		return in

	case models.SubscriptionPastDue:
		if sub.Status.IsTerminal() {
			return intent{status: sub.Status, skip: skipTerminal}
		}
		if sub.Status == models.SubscriptionActive && stale {
			return intent{status: sub.Status, skip: skipStaleEvent}
		}
		if sub.Status == models.SubscriptionPastDue && sub.GraceUntil != nil {
			if p.Now.Before(*sub.GraceUntil) {
				return intent{status: sub.Status, skip: skipGraceAlreadyOpen}
			}
			// Window lapsed but the sweeper has not run yet
			in := planRevoke(p.Rows, p.Now)
			in.status = models.SubscriptionCanceled
			in.clearGrace = true
			return in
		}
		in := planGraceOpen(p.Rows)
		in.status = models.SubscriptionPastDue
		in.openGrace = true
		in.graceUntil = p.Now.Add(p.GracePeriod)
		return in

	case models.SubscriptionCanceled, models.SubscriptionExpired:
		in := planRevoke(p.Rows, p.Now)
		in.status = p.Target
		in.clearGrace = sub.GraceUntil != nil
		if !in.changesRows() && sub.Status == p.Target {
			in.skip = skipNoChange
		}
		return in
	}

	return intent{status: sub.Status, skip: skipNoChange}
}

// planGrant brings every plan channel to pending or granted. Rows of
// channels no longer in the plan are left alone.
func planGrant(rows []models.ChannelAccess, planChannels []string, now time.Time) intent {
	byChannel := make(map[string]*models.ChannelAccess, len(rows))
	for i := range rows {
		byChannel[rows[i].ChannelID] = &rows[i]
	}

	var in intent
	for _, channelID := range planChannels {
		row, ok := byChannel[channelID]
		if !ok {
			in.rows = append(in.rows, &models.ChannelAccess{
				ChannelID: channelID,
				Status:    models.AccessPending,
			})
			in.grants = append(in.grants, channelID)
			in.reopen = append(in.reopen, channelID)
			continue
		}

		switch row.Status {
		case models.AccessPending:
			// Re-enqueue; the processor skips satisfied jobs
			in.grants = append(in.grants, channelID)
		case models.AccessRevokePending:
			// Restored in place. A grant job still in flight settles GrantedAt.
			row.Status = models.AccessGranted
			row.RevokeRequestedAt = nil
			in.rows = append(in.rows, row)
		case models.AccessRevoked:
			row.Status = models.AccessPending
			row.GrantedAt = nil
			row.RevokeRequestedAt = nil
			row.RevokedAt = nil
			row.LastError = ""
			in.rows = append(in.rows, row)
			in.grants = append(in.grants, channelID)
			in.reopen = append(in.reopen, channelID)
		}
	}
	return in
}

// planGraceOpen keeps access but marks every live row as revoke_pending.
// No jobs are produced.
func planGraceOpen(rows []models.ChannelAccess) intent {
	var in intent
	for i := range rows {
		row := &rows[i]
		if row.Status == models.AccessPending || row.Status == models.AccessGranted {
			row.Status = models.AccessRevokePending
			in.rows = append(in.rows, row)
		}
	}
	return in
}

// planRevoke marks every non-revoked row revoked and produces one revoke
// job per row.
func planRevoke(rows []models.ChannelAccess, now time.Time) intent {
	in := intent{revoke: true}
	for i := range rows {
		row := &rows[i]
		if row.Status == models.AccessRevoked {
			continue
		}
		requested := now
		row.Status = models.AccessRevoked
		row.RevokeRequestedAt = &requested
		row.RevokedAt = nil
		in.rows = append(in.rows, row)
		in.revokes = append(in.revokes, row.ChannelID)
	}
	return in
}
