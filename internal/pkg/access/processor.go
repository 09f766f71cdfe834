package access

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/audit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/AccessGate/internal/pkg/notify"
)

// GrantResult is what the chat platform hands back for a grant.
type GrantResult struct {
	InviteLink string
}

// AccessClient performs membership changes on the chat platform. Both calls
// must be idempotent: granting a member or removing a non-member succeeds.
type AccessClient interface {
	Grant(ctx context.Context, chatID, userID string) (*GrantResult, error)
	Revoke(ctx context.Context, chatID, userID string) error
}

// JobProcessor executes grant and revoke jobs against the chat platform and
// records the outcome on the channel access row.
type JobProcessor struct {
	db       *gorm.DB
	client   AccessClient
	notifier notify.Notifier
	recorder audit.Recorder
	timeout  time.Duration
	now      func() time.Time
}

func NewJobProcessor(db *gorm.DB, client AccessClient, notifier notify.Notifier, recorder audit.Recorder, timeout time.Duration) *JobProcessor {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &JobProcessor{
		db:       db,
		client:   client,
		notifier: notifier,
		recorder: recorder,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// CheckState implements jobqueue.StateChecker.
func (p *JobProcessor) CheckState(ctx context.Context, job *jobqueue.AccessJob) (jobqueue.JobState, error) {
	var row models.ChannelAccess
	err := p.db.WithContext(ctx).
		Where("subscription_id = ? AND channel_id = ?", job.SubscriptionID, job.ChannelID).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return jobqueue.StateObsolete, nil
		}
		return "", err
	}
	return jobState(job.Direction, &row), nil
}

func jobState(direction jobqueue.Direction, row *models.ChannelAccess) jobqueue.JobState {
	switch direction {
	case jobqueue.DirectionGrant:
		switch row.Status {
		case models.AccessRevoked:
			return jobqueue.StateObsolete
		case models.AccessGranted, models.AccessRevokePending:
			if row.GrantedAt != nil {
				return jobqueue.StateSatisfied
			}
		}
		return jobqueue.StateNeeded
	case jobqueue.DirectionRevoke:
		if row.Status != models.AccessRevoked {
			return jobqueue.StateObsolete
		}
		if row.RevokedAt != nil {
			return jobqueue.StateSatisfied
		}
		return jobqueue.StateNeeded
	default:
		return jobqueue.StateObsolete
	}
}

// Process implements jobqueue.Processor. Jobs whose row no longer wants the
// side effect complete without calling the platform.
func (p *JobProcessor) Process(ctx context.Context, job *jobqueue.AccessJob) error {
	state, err := p.CheckState(ctx, job)
	if err != nil {
		return fmt.Errorf("check state: %w", err)
	}
	if state != jobqueue.StateNeeded {
		log.Infof("[AccessProcessor] Skipping %s job %s: %s", job.Direction, job.ID, state)
		return nil
	}

	var channel models.Channel
	if err := p.db.WithContext(ctx).Where("id = ?", job.ChannelID).First(&channel).Error; err != nil {
		return fmt.Errorf("load channel %s: %w", job.ChannelID, err)
	}
	var customer models.Customer
	if err := p.db.WithContext(ctx).Where("id = ?", job.CustomerID).First(&customer).Error; err != nil {
		return fmt.Errorf("load customer %s: %w", job.CustomerID, err)
	}

	callCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var grant *GrantResult
	switch job.Direction {
	case jobqueue.DirectionGrant:
		grant, err = p.client.Grant(callCtx, channel.ExternalChatID, customer.ExternalUserID)
	case jobqueue.DirectionRevoke:
		err = p.client.Revoke(callCtx, channel.ExternalChatID, customer.ExternalUserID)
	default:
		return fmt.Errorf("%w: direction %q", jobqueue.ErrInvalidJob, job.Direction)
	}
	if err != nil {
		p.recordError(ctx, job, err)
		return fmt.Errorf("%s chat %s user %s: %w", job.Direction, channel.ExternalChatID, customer.ExternalUserID, err)
	}

	if err := p.settle(ctx, job); err != nil {
		return fmt.Errorf("settle %s: %w", job.Direction, err)
	}
	p.report(ctx, job, grant)
	return nil
}

// settle records a successful platform call on the row. A row that moved on
// meanwhile keeps its status; the opposite job reconciles it.
func (p *JobProcessor) settle(ctx context.Context, job *jobqueue.AccessJob) error {
	now := p.now()
	return p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var row models.ChannelAccess
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("subscription_id = ? AND channel_id = ?", job.SubscriptionID, job.ChannelID).
			First(&row).Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}

		switch job.Direction {
		case jobqueue.DirectionGrant:
			switch row.Status {
			case models.AccessPending:
				row.Status = models.AccessGranted
				row.GrantedAt = &now
			case models.AccessGranted, models.AccessRevokePending:
				if row.GrantedAt == nil {
					row.GrantedAt = &now
				}
			default:
				return nil
			}
		case jobqueue.DirectionRevoke:
			if row.Status != models.AccessRevoked {
				return nil
			}
			row.RevokedAt = &now
		}
		row.LastError = ""
		return tx.Save(&row).Error
	})
}

func (p *JobProcessor) recordError(ctx context.Context, job *jobqueue.AccessJob, cause error) {
	err := p.db.WithContext(ctx).Model(&models.ChannelAccess{}).
		Where("subscription_id = ? AND channel_id = ?", job.SubscriptionID, job.ChannelID).
		Update("last_error", cause.Error()).Error
	if err != nil {
		log.Warnf("[AccessProcessor] Failed to record error for job %s: %v", job.ID, err)
	}
}

func (p *JobProcessor) report(ctx context.Context, job *jobqueue.AccessJob, grant *GrantResult) {
	action := audit.ActionAccessGranted
	kind := notify.KindAccessGranted
	if job.Direction == jobqueue.DirectionRevoke {
		action = audit.ActionAccessRevoked
		kind = ""
	}

	audit.BestEffort(ctx, p.recorder, audit.Entry{
		Actor:          models.ActorWorker,
		Action:         action,
		CorrelationID:  job.ID,
		SubscriptionID: job.SubscriptionID,
		JobID:          job.ID,
		Details: map[string]interface{}{
			"channel_id": job.ChannelID,
			"attempt":    job.Attempt + 1,
		},
	})

	if kind == "" {
		return
	}
	n := notify.Notification{
		Kind:           kind,
		SubscriptionID: job.SubscriptionID,
		CustomerID:     job.CustomerID,
		ChannelID:      job.ChannelID,
	}
	if grant != nil && grant.InviteLink != "" {
		n.Data = map[string]string{"invite_link": grant.InviteLink}
	}
	_ = p.notifier.Notify(ctx, n)
}
