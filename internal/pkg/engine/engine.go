package engine

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/AccessGate/internal/pkg/access"
	"github.com/ManuelReschke/AccessGate/internal/pkg/audit"
	"github.com/ManuelReschke/AccessGate/internal/pkg/billing"
	"github.com/ManuelReschke/AccessGate/internal/pkg/chataccess"
	"github.com/ManuelReschke/AccessGate/internal/pkg/config"
	"github.com/ManuelReschke/AccessGate/internal/pkg/entitlements"
	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
	"github.com/ManuelReschke/AccessGate/internal/pkg/notify"
)

const (
	promoteInterval = time.Second
	stuckMaxAge     = 5 * time.Minute
	stuckScanEvery  = time.Minute
	notifyTimeout   = 10 * time.Second
)

// Engine holds the wired components shared by the server and the CLI.
type Engine struct {
	Pipeline     *billing.Pipeline
	Reconciler   *access.Reconciler
	Sweeper      *access.Sweeper
	Processor    *access.JobProcessor
	Manager      *jobqueue.Manager
	Entitlements *entitlements.Checker
	Recorder     audit.Recorder

	notifier *notify.FireAndForget
}

// New wires the engine. The AWS SDK is only touched when an SNS topic is
// configured.
func New(ctx context.Context, cfg *config.Config, db *gorm.DB, client *redis.Client) (*Engine, error) {
	notifier, err := newNotifier(ctx, cfg)
	if err != nil {
		return nil, err
	}
	recorder := audit.NewGormRecorder(db)

	opts := func(workers int) jobqueue.Options {
		return jobqueue.Options{
			Workers:     workers,
			MaxAttempts: cfg.RetryMaxAttempts,
			Backoff:     jobqueue.BackoffConfig{BaseDelay: cfg.RetryBaseDelay, MaxDelay: cfg.RetryMaxDelay},
		}
	}
	grant := jobqueue.NewQueue(client, jobqueue.DirectionGrant, opts(cfg.GrantWorkers))
	revoke := jobqueue.NewQueue(client, jobqueue.DirectionRevoke, opts(cfg.RevokeWorkers))

	telegram := chataccess.NewTelegramClient(cfg.TelegramBotToken, cfg.TelegramAPIBaseURL)
	if telegram.Token == "" {
		log.Warn("[Engine] TELEGRAM_BOT_TOKEN is empty, access jobs will fail until it is set")
	}
	processor := access.NewJobProcessor(db, telegram, notifier, recorder, cfg.AccessCallTimeout)
	grant.SetProcessor(processor)
	revoke.SetProcessor(processor)

	reconciler := access.NewReconciler(db, access.NewQueueEnqueuer(grant, revoke), notifier, recorder, access.Config{
		GracePeriod:          cfg.GracePeriod(),
		RefundPartialRevokes: cfg.RefundPartialRevokes,
	})
	sweeper := access.NewSweeper(db, reconciler)

	var upstream billing.Upstream
	if cfg.StripeAPIKey != "" {
		upstream = billing.NewStripeClient(cfg.StripeAPIKey, cfg.StripeAPIBaseURL)
	}
	pipeline := billing.NewPipeline(
		billing.NewEventStore(db),
		billing.NewResolver(db, upstream),
		reconciler,
		billing.NewStripeProvider(cfg.StripeWebhookSecret),
		billing.NewPatreonProvider(cfg.PatreonWebhookSecret),
	)

	queues := []*jobqueue.Queue{grant, revoke}
	manager := jobqueue.NewManager(queues,
		jobqueue.PromoterTask(grant, promoteInterval),
		jobqueue.PromoterTask(revoke, promoteInterval),
		jobqueue.StuckRecoveryTask(grant, stuckMaxAge, stuckScanEvery),
		jobqueue.StuckRecoveryTask(revoke, stuckMaxAge, stuckScanEvery),
		jobqueue.MetricsTask(queues, cfg.MetricsInterval),
	)
	for _, task := range sweeper.Tasks(cfg.SweepInterval) {
		manager.AddTask(task)
	}

	return &Engine{
		Pipeline:     pipeline,
		Reconciler:   reconciler,
		Sweeper:      sweeper,
		Processor:    processor,
		Manager:      manager,
		Entitlements: entitlements.NewChecker(db),
		Recorder:     recorder,
		notifier:     notifier,
	}, nil
}

func newNotifier(ctx context.Context, cfg *config.Config) (*notify.FireAndForget, error) {
	if cfg.NotifySNSTopicARN == "" {
		return notify.NewFireAndForget(notify.LogNotifier{}, notifyTimeout), nil
	}
	sns, err := notify.NewSNSNotifier(ctx, cfg.AWSRegion, cfg.NotifySNSTopicARN)
	if err != nil {
		return nil, err
	}
	log.Infof("[Engine] Publishing notifications to %s", cfg.NotifySNSTopicARN)
	return notify.NewFireAndForget(sns, notifyTimeout), nil
}

// Start runs the queue workers and periodic tasks.
func (e *Engine) Start() {
	e.Manager.Start()
}

// Stop stops workers and tasks and waits for pending notifications.
func (e *Engine) Stop() {
	e.Manager.Stop()
	e.notifier.Wait()
}
