package jobqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

// testClock is a manually advanced clock for queue tests.
type testClock struct {
	t time.Time
}

func (c *testClock) Now() time.Time { return c.t }
func (c *testClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestRedis(t *testing.T) (*redis.Client, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client, mr
}

func newTestQueue(t *testing.T, direction Direction, opts Options) (*Queue, *testClock) {
	t.Helper()

	client, _ := newTestRedis(t)
	clock := &testClock{t: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)}
	q := NewQueue(client, direction, opts)
	q.now = clock.Now
	return q, clock
}

type stateCheckerFunc func(ctx context.Context, job *AccessJob) (JobState, error)

func (f stateCheckerFunc) CheckState(ctx context.Context, job *AccessJob) (JobState, error) {
	return f(ctx, job)
}

func fixedState(state JobState) StateChecker {
	return stateCheckerFunc(func(context.Context, *AccessJob) (JobState, error) { return state, nil })
}
