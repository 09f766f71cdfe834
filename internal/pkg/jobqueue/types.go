package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Direction selects the grant or the revoke queue.
type Direction string

const (
	DirectionGrant  Direction = "grant"
	DirectionRevoke Direction = "revoke"
)

// Valid reports whether d names a known queue.
func (d Direction) Valid() bool {
	return d == DirectionGrant || d == DirectionRevoke
}

// JobStatus defines the status of a job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusDead       JobStatus = "dead"
)

// AccessJob is one grant or revoke side effect for a (subscription, channel)
// pair. Jobs are derived from ChannelAccess rows and can always be rebuilt.
type AccessJob struct {
	ID             string            `json:"id"`
	Direction      Direction         `json:"direction"`
	SubscriptionID string            `json:"subscription_id"`
	ChannelID      string            `json:"channel_id"`
	CustomerID     string            `json:"customer_id"`
	ProviderHint   string            `json:"provider_hint,omitempty"`
	Status         JobStatus         `json:"status"`
	Attempt        int               `json:"attempt"`
	MaxAttempts    int               `json:"max_attempts"`
	Payload        map[string]string `json:"payload,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	NextAttemptAt  *time.Time        `json:"next_attempt_at,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
}

// DeadLetterID is the deterministic dead-letter key. Repeated failures for
// the same pair and direction share one entry.
func (j *AccessJob) DeadLetterID() string {
	return DeadLetterID(j.Direction, j.SubscriptionID, j.ChannelID)
}

// DeadLetterID builds the dead-letter key for a pair and direction.
func DeadLetterID(direction Direction, subscriptionID, channelID string) string {
	return fmt.Sprintf("%s:%s:%s", direction, subscriptionID, channelID)
}

// IsRetryable reports whether another attempt is allowed after a failure.
func (j *AccessJob) IsRetryable() bool {
	return j.Attempt < j.MaxAttempts
}

// MarkAsProcessing updates the job status to processing
func (j *AccessJob) MarkAsProcessing(now time.Time) {
	j.Status = JobStatusProcessing
	j.UpdatedAt = now
	j.ProcessedAt = &now
}

// MarkAsCompleted updates the job status to completed
func (j *AccessJob) MarkAsCompleted(now time.Time) {
	j.Status = JobStatusCompleted
	j.UpdatedAt = now
	j.LastError = ""
}

// MarkAsFailed records a failed attempt.
func (j *AccessJob) MarkAsFailed(now time.Time, errorMsg string) {
	j.Attempt++
	j.UpdatedAt = now
	j.LastError = errorMsg
}

// MarkAsRetrying schedules the next attempt.
func (j *AccessJob) MarkAsRetrying(next time.Time) {
	j.Status = JobStatusRetrying
	j.NextAttemptAt = &next
}

// MarkAsDead moves the job to the terminal dead-letter state.
func (j *AccessJob) MarkAsDead(now time.Time) {
	j.Status = JobStatusDead
	j.UpdatedAt = now
	j.NextAttemptAt = nil
}

// DeadLetter is a job that exhausted its attempts.
type DeadLetter struct {
	ID       string    `json:"id"`
	Job      AccessJob `json:"job"`
	Error    string    `json:"error"`
	Failures int       `json:"failures"`
	FailedAt time.Time `json:"failed_at"`
}

// JobState is the answer of a StateChecker about a job's underlying row.
type JobState string

const (
	// StateNeeded means the side effect still has to happen.
	StateNeeded JobState = "needed"
	// StateSatisfied means the desired state is already reached.
	StateSatisfied JobState = "satisfied"
	// StateObsolete means the direction is no longer desired.
	StateObsolete JobState = "obsolete"
)

// ReplayResult distinguishes the outcomes of a manual replay.
type ReplayResult string

const (
	ReplayRequeued         ReplayResult = "requeued"
	ReplayAlreadySatisfied ReplayResult = "already_satisfied"
	ReplayObsolete         ReplayResult = "obsolete"
)

// Processor performs the side effect of a job. A returned error counts as a
// failed attempt.
type Processor interface {
	Process(ctx context.Context, job *AccessJob) error
}

// StateChecker inspects the current database state behind a job.
type StateChecker interface {
	CheckState(ctx context.Context, job *AccessJob) (JobState, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, job *AccessJob) error

func (f ProcessorFunc) Process(ctx context.Context, job *AccessJob) error {
	return f(ctx, job)
}

// Stats is a snapshot of one queue.
type Stats struct {
	Queue        Direction `json:"queue"`
	Pending      int64     `json:"pending"`
	Processing   int64     `json:"processing"`
	Delayed      int64     `json:"delayed"`
	Dead         int64     `json:"dead"`
	Enqueued     int64     `json:"enqueued"`
	Completed    int64     `json:"completed"`
	Retried      int64     `json:"retried"`
	DeadLettered int64     `json:"dead_lettered"`
}

var (
	ErrDeadLetterNotFound = errors.New("dead letter not found")
	ErrInvalidJob         = errors.New("invalid access job")
)
