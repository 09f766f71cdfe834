package access

import (
	"context"
	"fmt"

	"github.com/ManuelReschke/AccessGate/internal/pkg/jobqueue"
)

// QueueEnqueuer routes access jobs to the grant or revoke queue.
type QueueEnqueuer struct {
	grant  *jobqueue.Queue
	revoke *jobqueue.Queue
}

func NewQueueEnqueuer(grant, revoke *jobqueue.Queue) *QueueEnqueuer {
	return &QueueEnqueuer{grant: grant, revoke: revoke}
}

// Enqueue implements JobEnqueuer.
func (e *QueueEnqueuer) Enqueue(ctx context.Context, job *jobqueue.AccessJob) error {
	switch job.Direction {
	case jobqueue.DirectionGrant:
		return e.grant.Enqueue(ctx, job)
	case jobqueue.DirectionRevoke:
		return e.revoke.Enqueue(ctx, job)
	default:
		return fmt.Errorf("%w: direction %q", jobqueue.ErrInvalidJob, job.Direction)
	}
}
