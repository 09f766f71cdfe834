package access

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/AccessGate/app/models"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/AccessGate/internal/pkg/metrics"
)

const (
	TaskGraceSweep        = "grace_sweep"
	TaskAccessExpirySweep = "access_expiry_sweep"

	defaultSweepBatch = 500
)

// Sweeper finds subscriptions whose time-based condition elapsed and hands
// each one to the reconciler, which re-checks under lock.
type Sweeper struct {
	db         *gorm.DB
	reconciler *Reconciler
	batchSize  int
}

func NewSweeper(db *gorm.DB, reconciler *Reconciler) *Sweeper {
	return &Sweeper{db: db, reconciler: reconciler, batchSize: defaultSweepBatch}
}

// SweepExpiredGrace cancels past-due subscriptions whose grace window ended.
// It returns how many subscriptions changed.
func (s *Sweeper) SweepExpiredGrace(ctx context.Context) (int, error) {
	now := s.reconciler.now()
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Subscription{}).
		Where("status = ? AND grace_until IS NOT NULL AND grace_until <= ?", models.SubscriptionPastDue, now).
		Order("grace_until").
		Limit(s.batchSize).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, err
	}
	return s.apply(ctx, "grace", ids, s.reconciler.ExpireGrace)
}

// SweepExpiredAccess expires subscriptions of non-recurring plans whose
// entitlements all ran out.
func (s *Sweeper) SweepExpiredAccess(ctx context.Context) (int, error) {
	now := s.reconciler.now()
	var ids []string
	err := s.db.WithContext(ctx).Model(&models.Entitlement{}).
		Joins("JOIN subscriptions ON subscriptions.id = entitlements.subscription_id").
		Where("entitlements.revoked_at IS NULL AND entitlements.expires_at IS NOT NULL AND entitlements.expires_at <= ?", now).
		Where("subscriptions.status NOT IN ?", []models.SubscriptionStatus{models.SubscriptionCanceled, models.SubscriptionExpired}).
		Distinct().
		Limit(s.batchSize).
		Pluck("entitlements.subscription_id", &ids).Error
	if err != nil {
		return 0, err
	}
	return s.apply(ctx, "access_expiry", ids, s.reconciler.ExpireAccess)
}

func (s *Sweeper) apply(ctx context.Context, sweep string, ids []string, fn func(context.Context, string) (bool, error)) (int, error) {
	changed := 0
	var errs []error
	for _, id := range ids {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		ok, err := fn(ctx, id)
		if err != nil {
			log.Errorf("[Sweeper] %s sweep failed for subscription %s: %v", sweep, id, err)
			errs = append(errs, err)
			continue
		}
		if ok {
			changed++
		}
	}

	metrics.SweepsTotal.WithLabelValues(sweep).Add(float64(changed))
	if changed > 0 {
		log.Infof("[Sweeper] %s sweep changed %d of %d subscriptions", sweep, changed, len(ids))
	}
	return changed, errors.Join(errs...)
}

// Tasks returns both sweeps as periodic manager tasks.
func (s *Sweeper) Tasks(interval time.Duration) []jobqueue.Task {
	return []jobqueue.Task{
		{
			Name:     TaskGraceSweep,
			Interval: interval,
			Run: func(ctx context.Context) error {
				_, err := s.SweepExpiredGrace(ctx)
				return err
			},
		},
		{
			Name:     TaskAccessExpirySweep,
			Interval: interval,
			Run: func(ctx context.Context) error {
				_, err := s.SweepExpiredAccess(ctx)
				return err
			},
		},
	}
}
