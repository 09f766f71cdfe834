package access

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/audit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/AccessGate/internal/pkg/metrics"
	"github.com/ManuelReschke/AccessGate/internal/pkg/notify"
)

const skipOrganizationOnly = "organization_only"

// JobEnqueuer accepts grant and revoke jobs after a transaction committed.
type JobEnqueuer interface {
	Enqueue(ctx context.Context, job *jobqueue.AccessJob) error
}

// Config holds the reconciler policy knobs.
type Config struct {
	GracePeriod          time.Duration
	RefundPartialRevokes bool
}

// Outcome describes what one reconciliation did.
type Outcome struct {
	EventID        string                    `json:"event_id,omitempty"`
	SubscriptionID string                    `json:"subscription_id,omitempty"`
	Duplicate      bool                      `json:"duplicate,omitempty"`
	Skipped        string                    `json:"skipped,omitempty"`
	PreviousStatus models.SubscriptionStatus `json:"previous_status,omitempty"`
	Status         models.SubscriptionStatus `json:"status,omitempty"`
	GraceUntil     *time.Time                `json:"grace_until,omitempty"`
	Jobs           []jobqueue.AccessJob      `json:"jobs,omitempty"`
}

// Actor identifies who triggered a change, for the audit log.
type Actor struct {
	Name          string
	CorrelationID string
}

// Reconciler is the subscription/access state machine. Every change runs in
// one transaction holding row locks on the payment event and the
// subscription; jobs are enqueued only after commit.
type Reconciler struct {
	db       *gorm.DB
	jobs     JobEnqueuer
	notifier notify.Notifier
	recorder audit.Recorder
	cfg      Config
	now      func() time.Time
}

// NewReconciler wires the state machine. nil notifier or recorder disable
// those side channels.
func NewReconciler(db *gorm.DB, jobs JobEnqueuer, notifier notify.Notifier, recorder audit.Recorder, cfg Config) *Reconciler {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 5 * 24 * time.Hour
	}
	return &Reconciler{
		db:       db,
		jobs:     jobs,
		notifier: notifier,
		recorder: recorder,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// applied carries the committed result of a transition to the post-commit
// side effects.
type applied struct {
	sub      models.Subscription
	previous models.SubscriptionStatus
	in       intent
	jobs     []jobqueue.AccessJob
	eventID  string
	result   string
}

// Reconcile applies a recorded event to the resolved context. A processed
// event is reported as duplicate and changes nothing.
func (r *Reconciler) Reconcile(ctx context.Context, ev *Event, rc Context) (*Outcome, error) {
	target, ok := TargetStatus(ev.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEventType, ev.Type)
	}

	now := r.now()
	changedAt := ev.OccurredAt.UTC()
	if ev.OccurredAt.IsZero() {
		changedAt = now
	}

	out := &Outcome{}
	var res *applied
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var pe models.PaymentEvent
		if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("provider = ? AND external_id = ?", ev.Provider, ev.ExternalID).
			First(&pe).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrEventNotRecorded
			}
			return err
		}
		out.EventID = pe.ID
		if pe.IsProcessed() {
			out.Duplicate = true
			return nil
		}

		updates := map[string]interface{}{
			"organization_id":  rc.OrganizationID,
			"processed_at":     now,
			"processing_error": "",
			"attempts":         gorm.Expr("attempts + 1"),
		}
		if rc.OrganizationOnly() {
			out.Skipped = skipOrganizationOnly
			return tx.Model(&pe).Updates(updates).Error
		}

		sub, err := lockSubscription(tx, rc.SubscriptionID)
		if err != nil {
			return err
		}
		previous := sub.Status
		if ev.ProviderSubscriptionID != "" && sub.ExternalID == nil {
			externalID := ev.ProviderSubscriptionID
			sub.ExternalID = &externalID
		}
		if ev.CurrentPeriodEnd != nil {
			end := ev.CurrentPeriodEnd.UTC()
			sub.CurrentPeriodEnd = &end
		}

		var in intent
		if ev.Type == models.EventRefundCreated && ev.PartialRefund && !r.cfg.RefundPartialRevokes {
			in = intent{status: sub.Status, skip: skipPartialRefund}
		} else {
			rows, err := loadRows(tx, sub.ID)
			if err != nil {
				return err
			}
			var channels []string
			if target == models.SubscriptionActive {
				if channels, err = planChannels(tx, sub.PlanID); err != nil {
					return err
				}
			}
			in = planTransition(transitionInput{
				Sub:          sub,
				Rows:         rows,
				PlanChannels: channels,
				Target:       target,
				OccurredAt:   ev.OccurredAt,
				Now:          now,
				GracePeriod:  r.cfg.GracePeriod,
			})
		}

		jobs, err := r.persist(tx, sub, in, now, changedAt, true)
		if err != nil {
			return err
		}

		updates["subscription_id"] = sub.ID
		if err := tx.Model(&pe).Updates(updates).Error; err != nil {
			return err
		}
		res = &applied{sub: *sub, previous: previous, in: in, jobs: jobs, eventID: pe.ID}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if res != nil {
		action := audit.ActionStatusChanged
		if res.in.openGrace {
			action = audit.ActionGraceOpened
		}
		r.afterCommit(ctx, res, Actor{Name: models.ActorSystem, CorrelationID: res.eventID}, action)
		out.fill(res)
	}
	return out, nil
}

// ExpireGrace revokes a past-due subscription whose grace window lapsed. The
// condition is re-checked under the row lock, so racing with a recovery
// event resolves to a no-op for whichever transaction comes second.
func (r *Reconciler) ExpireGrace(ctx context.Context, subscriptionID string) (bool, error) {
	now := r.now()
	var res *applied
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status != models.SubscriptionPastDue || sub.GraceUntil == nil || now.Before(*sub.GraceUntil) {
			return nil
		}
		rows, err := loadRows(tx, sub.ID)
		if err != nil {
			return err
		}

		previous := sub.Status
		in := planRevoke(rows, now)
		in.status = models.SubscriptionCanceled
		in.clearGrace = true
		jobs, err := r.persist(tx, sub, in, now, now, true)
		if err != nil {
			return err
		}
		res = &applied{sub: *sub, previous: previous, in: in, jobs: jobs}
		return nil
	})
	if err != nil || res == nil {
		return false, err
	}
	r.afterCommit(ctx, res, Actor{Name: models.ActorSweeper}, audit.ActionGraceExpired)
	return true, nil
}

// ExpireAccess moves a subscription to expired once every open entitlement
// of it is past its expiry (non-recurring plans).
func (r *Reconciler) ExpireAccess(ctx context.Context, subscriptionID string) (bool, error) {
	now := r.now()
	var res *applied
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, subscriptionID)
		if err != nil {
			return err
		}
		if sub.Status.IsTerminal() {
			return nil
		}

		var expired, live int64
		if err := tx.Model(&models.Entitlement{}).
			Where("subscription_id = ? AND revoked_at IS NULL AND expires_at IS NOT NULL AND expires_at <= ?", sub.ID, now).
			Count(&expired).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Entitlement{}).
			Where("subscription_id = ? AND revoked_at IS NULL AND (expires_at IS NULL OR expires_at > ?)", sub.ID, now).
			Count(&live).Error; err != nil {
			return err
		}
		if expired == 0 || live > 0 {
			return nil
		}

		rows, err := loadRows(tx, sub.ID)
		if err != nil {
			return err
		}
		previous := sub.Status
		in := planRevoke(rows, now)
		in.status = models.SubscriptionExpired
		in.clearGrace = sub.GraceUntil != nil
		jobs, err := r.persist(tx, sub, in, now, now, true)
		if err != nil {
			return err
		}
		res = &applied{sub: *sub, previous: previous, in: in, jobs: jobs}
		return nil
	})
	if err != nil || res == nil {
		return false, err
	}
	r.afterCommit(ctx, res, Actor{Name: models.ActorSweeper}, audit.ActionAccessExpired)
	return true, nil
}

// ManualGrant applies the grant branch for every plan channel without
// touching the subscription status.
func (r *Reconciler) ManualGrant(ctx context.Context, subscriptionID string, actor Actor) (*Outcome, error) {
	return r.manual(ctx, subscriptionID, actor, audit.ActionManualGrant, func(tx *gorm.DB, sub *models.Subscription, rows []models.ChannelAccess, now time.Time) (intent, error) {
		channels, err := planChannels(tx, sub.PlanID)
		if err != nil {
			return intent{}, err
		}
		return planGrant(rows, channels, now), nil
	})
}

// ManualRevoke applies the revoke branch to every live row without touching
// the subscription status.
func (r *Reconciler) ManualRevoke(ctx context.Context, subscriptionID string, actor Actor) (*Outcome, error) {
	return r.manual(ctx, subscriptionID, actor, audit.ActionManualRevoke, func(_ *gorm.DB, _ *models.Subscription, rows []models.ChannelAccess, now time.Time) (intent, error) {
		return planRevoke(rows, now), nil
	})
}

type manualPlanner func(tx *gorm.DB, sub *models.Subscription, rows []models.ChannelAccess, now time.Time) (intent, error)

func (r *Reconciler) manual(ctx context.Context, subscriptionID string, actor Actor, action string, plan manualPlanner) (*Outcome, error) {
	now := r.now()
	var res *applied
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		sub, err := lockSubscription(tx, subscriptionID)
		if err != nil {
			return err
		}
		rows, err := loadRows(tx, sub.ID)
		if err != nil {
			return err
		}
		in, err := plan(tx, sub, rows, now)
		if err != nil {
			return err
		}
		if !in.changesRows() && len(in.grants) == 0 && len(in.revokes) == 0 {
			return ErrAlreadySatisfied
		}
		in.status = sub.Status
		jobs, err := r.persist(tx, sub, in, now, now, false)
		if err != nil {
			return err
		}
		res = &applied{sub: *sub, previous: sub.Status, in: in, jobs: jobs, result: string(jobqueue.ReplayRequeued)}
		return nil
	})
	if err != nil {
		r.auditUnapplied(ctx, subscriptionID, actor, action, err)
		return nil, err
	}
	r.afterCommit(ctx, res, actor, action)

	out := &Outcome{}
	out.fill(res)
	return out, nil
}

// persist writes the intent inside tx and returns the jobs to enqueue after
// commit. changeStatus=false leaves the subscription row untouched.
func (r *Reconciler) persist(tx *gorm.DB, sub *models.Subscription, in intent, now, changedAt time.Time, changeStatus bool) ([]jobqueue.AccessJob, error) {
	if changeStatus {
		if in.skip == "" {
			if in.status != sub.Status {
				sub.Status = in.status
				sub.StatusChangedAt = &changedAt
			}
			if sub.Status == models.SubscriptionActive && sub.StartedAt == nil {
				sub.StartedAt = &now
			}
			if sub.Status == models.SubscriptionCanceled && sub.CanceledAt == nil {
				sub.CanceledAt = &now
			}
			if in.openGrace {
				graceUntil := in.graceUntil
				sub.GraceUntil = &graceUntil
				sub.LastPaymentFailedAt = &now
			}
			if in.clearGrace {
				sub.GraceUntil = nil
			}
		}
		if err := tx.Save(sub).Error; err != nil {
			return nil, fmt.Errorf("save subscription: %w", err)
		}
	}

	for _, row := range in.rows {
		row.SubscriptionID = sub.ID
		if err := tx.Save(row).Error; err != nil {
			return nil, fmt.Errorf("save channel access: %w", err)
		}
	}

	if len(in.reopen) > 0 {
		if err := reopenEntitlements(tx, sub, in.reopen, now); err != nil {
			return nil, err
		}
	}
	if in.revoke {
		if err := tx.Model(&models.Entitlement{}).
			Where("subscription_id = ? AND revoked_at IS NULL", sub.ID).
			Update("revoked_at", now).Error; err != nil {
			return nil, fmt.Errorf("revoke entitlements: %w", err)
		}
	}

	jobs := make([]jobqueue.AccessJob, 0, len(in.grants)+len(in.revokes))
	for _, channelID := range in.grants {
		jobs = append(jobs, newJob(jobqueue.DirectionGrant, sub, channelID))
	}
	for _, channelID := range in.revokes {
		jobs = append(jobs, newJob(jobqueue.DirectionRevoke, sub, channelID))
	}
	return jobs, nil
}

func newJob(direction jobqueue.Direction, sub *models.Subscription, channelID string) jobqueue.AccessJob {
	return jobqueue.AccessJob{
		Direction:      direction,
		SubscriptionID: sub.ID,
		ChannelID:      channelID,
		CustomerID:     sub.CustomerID,
		ProviderHint:   sub.Provider,
	}
}

// auditUnapplied records a manual action that changed nothing, so every
// operator request leaves a trace.
func (r *Reconciler) auditUnapplied(ctx context.Context, subscriptionID string, actor Actor, action string, err error) {
	details := map[string]interface{}{}
	if errors.Is(err, ErrAlreadySatisfied) {
		details["result"] = string(jobqueue.ReplayAlreadySatisfied)
	} else {
		details["error"] = err.Error()
	}
	audit.BestEffort(context.WithoutCancel(ctx), r.recorder, audit.Entry{
		Actor:          actor.Name,
		Action:         action,
		CorrelationID:  actor.CorrelationID,
		SubscriptionID: subscriptionID,
		Details:        details,
	})
}

// afterCommit runs the best-effort side effects of a committed transition.
// None of them can undo or fail the transition.
func (r *Reconciler) afterCommit(ctx context.Context, res *applied, actor Actor, action string) {
	ctx = context.WithoutCancel(ctx)

	for i := range res.jobs {
		if err := r.jobs.Enqueue(ctx, &res.jobs[i]); err != nil {
			log.Errorf("[Access] Failed to enqueue %s job for subscription %s channel %s: %v",
				res.jobs[i].Direction, res.sub.ID, res.jobs[i].ChannelID, err)
		}
	}

	if res.in.skip != "" {
		return
	}

	if res.previous != res.sub.Status {
		metrics.SubscriptionTransitions.WithLabelValues(string(res.previous), string(res.sub.Status)).Inc()
		log.Infof("[Access] Subscription %s: %s -> %s", res.sub.ID, res.previous, res.sub.Status)
	}

	details := map[string]interface{}{
		"from": res.previous,
		"to":   res.sub.Status,
	}
	if res.eventID != "" {
		details["event_id"] = res.eventID
	}
	if len(res.in.grants) > 0 {
		details["grants"] = res.in.grants
	}
	if len(res.in.revokes) > 0 {
		details["revokes"] = res.in.revokes
	}
	if res.sub.GraceUntil != nil {
		details["grace_until"] = res.sub.GraceUntil.Format(time.RFC3339)
	}
	if res.result != "" {
		details["result"] = res.result
	}
	audit.BestEffort(ctx, r.recorder, audit.Entry{
		Actor:          actor.Name,
		Action:         action,
		CorrelationID:  actor.CorrelationID,
		SubscriptionID: res.sub.ID,
		Details:        details,
	})

	base := notify.Notification{
		OrganizationID: res.sub.OrganizationID,
		SubscriptionID: res.sub.ID,
		CustomerID:     res.sub.CustomerID,
	}
	if res.in.openGrace && res.sub.GraceUntil != nil {
		n := base
		n.Kind = notify.KindGraceOpened
		n.Data = map[string]string{"grace_until": res.sub.GraceUntil.Format(time.RFC3339)}
		_ = r.notifier.Notify(ctx, n)
	}
	if len(res.in.revokes) > 0 {
		n := base
		n.Kind = notify.KindAccessRevoked
		n.Data = map[string]string{"status": string(res.sub.Status)}
		_ = r.notifier.Notify(ctx, n)
	}
}

func (o *Outcome) fill(res *applied) {
	o.SubscriptionID = res.sub.ID
	o.PreviousStatus = res.previous
	o.Status = res.sub.Status
	o.GraceUntil = res.sub.GraceUntil
	o.Skipped = res.in.skip
	o.Jobs = res.jobs
}

func lockSubscription(tx *gorm.DB, id string) (*models.Subscription, error) {
	var sub models.Subscription
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).Where("id = ?", id).First(&sub).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubscriptionNotFound
		}
		return nil, err
	}
	return &sub, nil
}

func loadRows(tx *gorm.DB, subscriptionID string) ([]models.ChannelAccess, error) {
	var rows []models.ChannelAccess
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("subscription_id = ?", subscriptionID).
		Order("channel_id").
		Find(&rows).Error
	return rows, err
}

func planChannels(tx *gorm.DB, planID string) ([]string, error) {
	var ids []string
	if err := tx.Model(&models.PlanChannel{}).Where("plan_id = ?", planID).Pluck("channel_id", &ids).Error; err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// reopenEntitlements opens (or re-opens) the entitlement of each channel.
// Non-recurring plans get a materialized expiry.
func reopenEntitlements(tx *gorm.DB, sub *models.Subscription, channels []string, now time.Time) error {
	var expiresAt *time.Time
	var plan models.Plan
	err := tx.Where("id = ?", sub.PlanID).First(&plan).Error
	switch {
	case err == nil:
		if !plan.Recurring && plan.AccessDurationDays != nil && *plan.AccessDurationDays > 0 {
			t := now.Add(time.Duration(*plan.AccessDurationDays) * 24 * time.Hour)
			expiresAt = &t
		}
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return err
	}

	for _, channelID := range channels {
		var ent models.Entitlement
		err := tx.Where("subscription_id = ? AND channel_id = ?", sub.ID, channelID).First(&ent).Error
		switch {
		case err == nil:
			ent.CustomerID = sub.CustomerID
			ent.RevokedAt = nil
			ent.ExpiresAt = expiresAt
			if err := tx.Save(&ent).Error; err != nil {
				return fmt.Errorf("reopen entitlement: %w", err)
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			ent = models.Entitlement{
				SubscriptionID: sub.ID,
				CustomerID:     sub.CustomerID,
				ChannelID:      channelID,
				ExpiresAt:      expiresAt,
			}
			if err := tx.Create(&ent).Error; err != nil {
				return fmt.Errorf("create entitlement: %w", err)
			}
		default:
			return err
		}
	}
	return nil
}
