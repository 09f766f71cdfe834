package jobqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/AccessGate/internal/pkg/metrics"
)

const (
	// Redis key prefixes
	JobKeyPrefix   = "access_job:"
	QueueKeyPrefix = "access:"

	// Job settings
	DefaultMaxAttempts = 5
	DefaultWorkers     = 3
	JobTTL             = 24 * time.Hour // Job blobs expire after 24 hours
)

// Stats hash fields
const (
	statEnqueued     = "enqueued"
	statCompleted    = "completed"
	statRetried      = "retried"
	statDeadLettered = "dead_lettered"
)

// Options configures one queue.
type Options struct {
	Workers     int
	MaxAttempts int
	Backoff     BackoffConfig
	PollTimeout time.Duration
}

// Queue is a Redis-backed grant or revoke queue. Pending jobs live in a list,
// in-flight jobs in a processing list, backoff retries in a sorted set and
// exhausted jobs in a dead-letter hash keyed by DeadLetterID.
type Queue struct {
	client    *redis.Client
	direction Direction
	opts      Options
	processor Processor

	now   func() time.Time
	rngMu sync.Mutex
	rng   *rand.Rand

	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewQueue creates a queue for one direction.
func NewQueue(client *redis.Client, direction Direction, opts Options) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.Backoff.BaseDelay <= 0 || opts.Backoff.MaxDelay <= 0 {
		opts.Backoff = DefaultBackoff()
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = time.Second
	}

	return &Queue{
		client:    client,
		direction: direction,
		opts:      opts,
		now:       time.Now,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:    make(chan struct{}),
	}
}

// Direction returns the queue direction.
func (q *Queue) Direction() Direction {
	return q.direction
}

// SetProcessor installs the side-effect processor used by the workers.
func (q *Queue) SetProcessor(p Processor) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.processor = p
}

func (q *Queue) key(suffix string) string {
	return QueueKeyPrefix + string(q.direction) + ":" + suffix
}

// PendingKey, ProcessingKey, DelayedKey, DeadLetterKey and StatsKey name the
// Redis structures of this queue.
func (q *Queue) PendingKey() string { return q.key("pending") }
func (q *Queue) ProcessingKey() string { return q.key("processing") }
func (q *Queue) DelayedKey() string { return q.key("delayed") }
func (q *Queue) DeadLetterKey() string { return q.key("dlq") }

// DeadLetterFailuresKey counts dead-letterings per entry. The count lives
// outside the entry JSON so concurrent writers can HINCRBY it.
func (q *Queue) DeadLetterFailuresKey() string { return q.key("dlq:failures") }
func (q *Queue) StatsKey() string { return q.key("stats") }

// Start starts the queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}
	if q.processor == nil {
		log.Errorf("[JobQueue] %s queue has no processor, not starting", q.direction)
		return
	}

	q.stopCh = make(chan struct{})
	q.running = true
	log.Infof("[JobQueue] Starting %d %s workers", q.opts.Workers, q.direction)

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}
}

// Stop stops the workers and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	log.Infof("[JobQueue] Stopping %s workers...", q.direction)
	close(q.stopCh)
	q.running = false
	q.mu.Unlock()

	q.wg.Wait()
	log.Infof("[JobQueue] All %s workers stopped", q.direction)
}

// IsRunning reports whether workers are active.
func (q *Queue) IsRunning() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// worker consumes one job at a time until Stop is called.
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Debugf("[JobQueue] %s worker %d started", q.direction, id)

	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			log.Debugf("[JobQueue] %s worker %d stopping", q.direction, id)
			return
		default:
		}

		job, err := q.Consume(ctx, q.opts.PollTimeout)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] %s worker %d: error dequeuing job: %v", q.direction, id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		q.ProcessJob(ctx, job)
	}
}

// Enqueue stores a job and appends it to the pending list.
func (q *Queue) Enqueue(ctx context.Context, job *AccessJob) error {
	if job.Direction == "" {
		job.Direction = q.direction
	}
	if job.Direction != q.direction || job.SubscriptionID == "" || job.ChannelID == "" {
		return fmt.Errorf("%w: direction=%s subscription=%q channel=%q", ErrInvalidJob, job.Direction, job.SubscriptionID, job.ChannelID)
	}

	now := q.now()
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = q.opts.MaxAttempts
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.Status = JobStatusPending
	job.UpdatedAt = now
	job.NextAttemptAt = nil

	jobData, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, q.PendingKey(), job.ID)
	pipe.HIncrBy(ctx, q.StatsKey(), statEnqueued, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[JobQueue] Enqueued %s job %s (subscription=%s channel=%s)", q.direction, job.ID, job.SubscriptionID, job.ChannelID)
	return nil
}

// Consume moves the next pending job to the processing list. It returns
// redis.Nil when no job arrived within timeout.
func (q *Queue) Consume(ctx context.Context, timeout time.Duration) (*AccessJob, error) {
	jobID, err := q.client.BRPopLPush(ctx, q.PendingKey(), q.ProcessingKey(), timeout).Result()
	if err != nil {
		return nil, err
	}

	job, err := q.GetJob(ctx, jobID)
	if err != nil {
		// Job data missing or corrupt, drop the reference
		q.client.LRem(ctx, q.ProcessingKey(), 1, jobID)
		return nil, fmt.Errorf("load job %s: %w", jobID, err)
	}

	job.MarkAsProcessing(q.now())
	q.updateJob(ctx, job)
	return job, nil
}

// ProcessJob runs the processor for one consumed job and settles it.
func (q *Queue) ProcessJob(ctx context.Context, job *AccessJob) {
	q.mu.Lock()
	processor := q.processor
	q.mu.Unlock()

	started := time.Now()
	err := processor.Process(ctx, job)
	took := time.Since(started)

	if err == nil {
		if cerr := q.Complete(ctx, job); cerr != nil {
			log.Errorf("[JobQueue] Failed to complete %s job %s: %v", q.direction, job.ID, cerr)
		}
		metrics.ObserveJob(string(q.direction), statCompleted, took)
		return
	}

	log.Warnf("[JobQueue] %s job %s failed (attempt %d/%d): %v", q.direction, job.ID, job.Attempt+1, job.MaxAttempts, err)
	dead, ferr := q.Fail(ctx, job, err)
	if ferr != nil {
		log.Errorf("[JobQueue] Failed to settle failed %s job %s: %v", q.direction, job.ID, ferr)
		return
	}
	if dead {
		metrics.ObserveJob(string(q.direction), statDeadLettered, took)
	} else {
		metrics.ObserveJob(string(q.direction), statRetried, took)
	}
}

// Complete removes a finished job from Redis.
func (q *Queue) Complete(ctx context.Context, job *AccessJob) error {
	job.MarkAsCompleted(q.now())

	pipe := q.client.TxPipeline()
	pipe.LRem(ctx, q.ProcessingKey(), 1, job.ID)
	pipe.Del(ctx, JobKeyPrefix+job.ID)
	pipe.HIncrBy(ctx, q.StatsKey(), statCompleted, 1)
	_, err := pipe.Exec(ctx)
	if err == nil {
		log.Infof("[JobQueue] %s job %s completed", q.direction, job.ID)
	}
	return err
}

// Fail records a failed attempt. Below the attempt ceiling the job is
// scheduled on the delayed set; at the ceiling it is written to the
// dead-letter hash and dead is true.
func (q *Queue) Fail(ctx context.Context, job *AccessJob, cause error) (dead bool, err error) {
	now := q.now()
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	job.MarkAsFailed(now, msg)

	if job.IsRetryable() {
		next := q.nextRetryAt(now, job.Attempt)
		job.MarkAsRetrying(next)

		jobData, err := json.Marshal(job)
		if err != nil {
			return false, fmt.Errorf("failed to marshal job: %w", err)
		}
		pipe := q.client.TxPipeline()
		pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
		pipe.ZAdd(ctx, q.DelayedKey(), redis.Z{Score: float64(next.UnixMilli()), Member: job.ID})
		pipe.LRem(ctx, q.ProcessingKey(), 1, job.ID)
		pipe.HIncrBy(ctx, q.StatsKey(), statRetried, 1)
		if _, err := pipe.Exec(ctx); err != nil {
			return false, fmt.Errorf("failed to schedule retry: %w", err)
		}
		log.Infof("[JobQueue] Retrying %s job %s at %s (attempt %d/%d)", q.direction, job.ID, next.Format(time.RFC3339), job.Attempt, job.MaxAttempts)
		return false, nil
	}

	if err := q.deadLetter(ctx, job, msg, now); err != nil {
		return false, err
	}
	return true, nil
}

func (q *Queue) deadLetter(ctx context.Context, job *AccessJob, msg string, now time.Time) error {
	job.MarkAsDead(now)
	dlqID := job.DeadLetterID()

	data, err := json.Marshal(DeadLetter{
		ID:       dlqID,
		Job:      *job,
		Error:    msg,
		FailedAt: now,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.DeadLetterKey(), dlqID, data)
	failures := pipe.HIncrBy(ctx, q.DeadLetterFailuresKey(), dlqID, 1)
	pipe.LRem(ctx, q.ProcessingKey(), 1, job.ID)
	pipe.Del(ctx, JobKeyPrefix+job.ID)
	pipe.HIncrBy(ctx, q.StatsKey(), statDeadLettered, 1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to dead-letter job: %w", err)
	}
	log.Errorf("[JobQueue] %s job %s dead-lettered as %s after %d attempts (failure %d): %s",
		q.direction, job.ID, dlqID, job.Attempt, failures.Val(), msg)
	return nil
}

func (q *Queue) nextRetryAt(now time.Time, attempt int) time.Time {
	q.rngMu.Lock()
	defer q.rngMu.Unlock()
	return NextRetryAt(now, attempt, q.opts.Backoff, q.rng)
}

// PromoteDue moves delayed jobs whose retry time has passed back to the
// pending list. Concurrent promoters are safe: only the caller whose ZREM
// succeeds pushes the job.
func (q *Queue) PromoteDue(ctx context.Context) (int, error) {
	maxScore := strconv.FormatInt(q.now().UnixMilli(), 10)
	ids, err := q.client.ZRangeByScore(ctx, q.DelayedKey(), &redis.ZRangeBy{Min: "-inf", Max: maxScore}).Result()
	if err != nil {
		return 0, err
	}

	promoted := 0
	for _, id := range ids {
		removed, err := q.client.ZRem(ctx, q.DelayedKey(), id).Result()
		if err != nil {
			return promoted, err
		}
		if removed == 0 {
			continue
		}
		job, err := q.GetJob(ctx, id)
		if err != nil {
			log.Warnf("[JobQueue] Dropping delayed %s job %s: %v", q.direction, id, err)
			continue
		}
		job.Status = JobStatusPending
		job.NextAttemptAt = nil
		job.UpdatedAt = q.now()
		q.updateJob(ctx, job)
		if err := q.client.LPush(ctx, q.PendingKey(), id).Err(); err != nil {
			return promoted, err
		}
		promoted++
	}
	return promoted, nil
}

// RecoverStuck requeues jobs left in the processing list longer than maxAge,
// typically by a crashed worker.
func (q *Queue) RecoverStuck(ctx context.Context, maxAge time.Duration) (int, error) {
	ids, err := q.client.LRange(ctx, q.ProcessingKey(), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	now := q.now()
	recovered := 0
	for _, id := range ids {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			if !errors.Is(err, redis.Nil) {
				log.Errorf("[JobQueue] Sweeper failed to load %s job %s: %v", q.direction, id, err)
			}
			_ = q.client.LRem(ctx, q.ProcessingKey(), 1, id).Err()
			continue
		}
		if job.Status != JobStatusProcessing {
			_ = q.client.LRem(ctx, q.ProcessingKey(), 1, id).Err()
			continue
		}
		started := job.UpdatedAt
		if job.ProcessedAt != nil {
			started = *job.ProcessedAt
		}
		if now.Sub(started) <= maxAge {
			continue
		}

		log.Warnf("[JobQueue] Recovering stuck %s job %s, age=%s", q.direction, job.ID, now.Sub(started))
		job.Status = JobStatusPending
		job.LastError = "recovered by sweeper"
		job.UpdatedAt = now
		q.updateJob(ctx, job)
		_ = q.client.LRem(ctx, q.ProcessingKey(), 1, id).Err()
		if err := q.client.RPush(ctx, q.PendingKey(), id).Err(); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

// Replay re-drives a dead-lettered job after checking the current state of
// its ChannelAccess row. Satisfied and obsolete entries are removed without
// requeueing.
func (q *Queue) Replay(ctx context.Context, dlqID string, checker StateChecker) (ReplayResult, error) {
	entry, err := q.GetDeadLetter(ctx, dlqID)
	if err != nil {
		return "", err
	}

	job := entry.Job
	state, err := checker.CheckState(ctx, &job)
	if err != nil {
		return "", fmt.Errorf("check state for %s: %w", dlqID, err)
	}

	// HDEL decides which of two concurrent replays wins
	removed, err := q.client.HDel(ctx, q.DeadLetterKey(), dlqID).Result()
	if err != nil {
		return "", err
	}
	if removed == 0 {
		return "", ErrDeadLetterNotFound
	}
	_ = q.client.HDel(ctx, q.DeadLetterFailuresKey(), dlqID).Err()

	switch state {
	case StateSatisfied:
		log.Infof("[JobQueue] Dead letter %s already satisfied, removed", dlqID)
		return ReplayAlreadySatisfied, nil
	case StateObsolete:
		log.Infof("[JobQueue] Dead letter %s obsolete, removed", dlqID)
		return ReplayObsolete, nil
	}

	fresh := &AccessJob{
		Direction:      job.Direction,
		SubscriptionID: job.SubscriptionID,
		ChannelID:      job.ChannelID,
		CustomerID:     job.CustomerID,
		ProviderHint:   job.ProviderHint,
		Payload:        job.Payload,
		MaxAttempts:    q.opts.MaxAttempts,
	}
	if err := q.Enqueue(ctx, fresh); err != nil {
		// Put the entry back so the operator can retry the replay
		if data, merr := json.Marshal(entry); merr == nil {
			pipe := q.client.TxPipeline()
			pipe.HSet(ctx, q.DeadLetterKey(), dlqID, data)
			pipe.HSet(ctx, q.DeadLetterFailuresKey(), dlqID, entry.Failures)
			_, _ = pipe.Exec(ctx)
		}
		return "", err
	}
	log.Infof("[JobQueue] Dead letter %s replayed as job %s", dlqID, fresh.ID)
	return ReplayRequeued, nil
}

// GetDeadLetter loads one dead-letter entry.
func (q *Queue) GetDeadLetter(ctx context.Context, dlqID string) (*DeadLetter, error) {
	pipe := q.client.Pipeline()
	data := pipe.HGet(ctx, q.DeadLetterKey(), dlqID)
	failures := pipe.HGet(ctx, q.DeadLetterFailuresKey(), dlqID)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	if errors.Is(data.Err(), redis.Nil) {
		return nil, ErrDeadLetterNotFound
	}
	entry, err := decodeDeadLetter(data.Val(), failures.Val())
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ListDeadLetters returns all dead-letter entries, newest first.
func (q *Queue) ListDeadLetters(ctx context.Context) ([]DeadLetter, error) {
	pipe := q.client.Pipeline()
	entries := pipe.HGetAll(ctx, q.DeadLetterKey())
	failures := pipe.HGetAll(ctx, q.DeadLetterFailuresKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}

	counts := failures.Val()
	out := make([]DeadLetter, 0, len(entries.Val()))
	for id, data := range entries.Val() {
		entry, err := decodeDeadLetter(data, counts[id])
		if err != nil {
			log.Warnf("[JobQueue] Skipping corrupt dead letter %s: %v", id, err)
			continue
		}
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return out, nil
}

// decodeDeadLetter merges an entry with its failure counter. Entries written
// before the counter existed keep their embedded count, at least one.
func decodeDeadLetter(data, failures string) (*DeadLetter, error) {
	var entry DeadLetter
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("failed to unmarshal dead letter: %w", err)
	}
	if n := parseCounter(failures); n > 0 {
		entry.Failures = int(n)
	}
	if entry.Failures < 1 {
		entry.Failures = 1
	}
	return &entry, nil
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *AccessJob) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[JobQueue] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[JobQueue] Failed to update job %s: %v", job.ID, err)
	}
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*AccessJob, error) {
	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		return nil, err
	}

	var job AccessJob
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Stats returns queue sizes and lifetime counters.
func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.client.Pipeline()
	pending := pipe.LLen(ctx, q.PendingKey())
	processing := pipe.LLen(ctx, q.ProcessingKey())
	delayed := pipe.ZCard(ctx, q.DelayedKey())
	dead := pipe.HLen(ctx, q.DeadLetterKey())
	counters := pipe.HGetAll(ctx, q.StatsKey())
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Stats{}, err
	}

	c := counters.Val()
	return Stats{
		Queue:        q.direction,
		Pending:      pending.Val(),
		Processing:   processing.Val(),
		Delayed:      delayed.Val(),
		Dead:         dead.Val(),
		Enqueued:     parseCounter(c[statEnqueued]),
		Completed:    parseCounter(c[statCompleted]),
		Retried:      parseCounter(c[statRetried]),
		DeadLettered: parseCounter(c[statDeadLettered]),
	}, nil
}

func parseCounter(raw string) int64 {
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0
	}
	return v
}
