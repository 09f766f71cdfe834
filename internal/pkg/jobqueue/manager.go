package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/AccessGate/internal/pkg/metrics"
)

// Task is a periodic background job owned by the Manager.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Manager owns the grant and revoke queues plus the periodic tasks (grace
// sweeper, retry promoter, stuck recovery, metrics) and ties them to the
// process lifecycle through Start and Stop.
type Manager struct {
	queues []*Queue
	tasks  []Task

	stopCh  chan struct{}
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
}

// NewManager creates a manager for the given queues and tasks.
func NewManager(queues []*Queue, tasks ...Task) *Manager {
	return &Manager{
		queues: queues,
		tasks:  tasks,
		stopCh: make(chan struct{}),
	}
}

// AddTask registers a periodic task. Tasks added while running start with
// the next Start.
func (m *Manager) AddTask(t Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append(m.tasks, t)
}

// Queue returns the managed queue for a direction, or nil.
func (m *Manager) Queue(direction Direction) *Queue {
	for _, q := range m.queues {
		if q.Direction() == direction {
			return q
		}
	}
	return nil
}

// Queues returns all managed queues.
func (m *Manager) Queues() []*Queue {
	return m.queues
}

// Start starts the queue workers and periodic tasks
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return
	}

	// Recreate stop channel for each start cycle so manager can be restarted safely.
	m.stopCh = make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.running = true
	log.Info("[JobQueue Manager] Starting queues and background tasks")

	for _, q := range m.queues {
		q.Start()
	}

	for _, t := range m.tasks {
		if t.Interval <= 0 || t.Run == nil {
			log.Warnf("[JobQueue Manager] Skipping task %q without interval", t.Name)
			continue
		}
		m.wg.Add(1)
		go m.runTask(ctx, t, m.stopCh)
	}

	log.Info("[JobQueue Manager] Started successfully")
}

// Stop stops the periodic tasks, then the queue workers.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	log.Info("[JobQueue Manager] Stopping queues and background tasks...")
	close(m.stopCh)
	m.cancel()
	m.running = false
	m.mu.Unlock()

	m.wg.Wait()
	for _, q := range m.queues {
		q.Stop()
	}
	log.Info("[JobQueue Manager] Stopped successfully")
}

// IsRunning returns whether the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

func (m *Manager) runTask(ctx context.Context, t Task, stopCh chan struct{}) {
	defer m.wg.Done()
	log.Infof("[JobQueue Manager] Started task %s (interval: %s)", t.Name, t.Interval)

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stopCh:
			log.Infof("[JobQueue Manager] Task %s stopping", t.Name)
			return
		case <-ticker.C:
			if err := t.Run(ctx); err != nil {
				log.Errorf("[JobQueue Manager] Task %s error: %v", t.Name, err)
			}
		}
	}
}

// RunTaskOnce runs a registered task immediately (admin use).
func (m *Manager) RunTaskOnce(ctx context.Context, name string) error {
	m.mu.Lock()
	var task *Task
	for i := range m.tasks {
		if m.tasks[i].Name == name {
			task = &m.tasks[i]
			break
		}
	}
	m.mu.Unlock()

	if task == nil {
		return fmt.Errorf("unknown task %q", name)
	}
	return task.Run(ctx)
}

// PromoterTask moves due backoff retries of q back to pending.
func PromoterTask(q *Queue, interval time.Duration) Task {
	return Task{
		Name:     "promote_" + string(q.Direction()),
		Interval: interval,
		Run: func(ctx context.Context) error {
			n, err := q.PromoteDue(ctx)
			if n > 0 {
				log.Debugf("[JobQueue Manager] Promoted %d delayed %s jobs", n, q.Direction())
			}
			return err
		},
	}
}

// StuckRecoveryTask requeues jobs of q stuck in processing longer than maxAge.
func StuckRecoveryTask(q *Queue, maxAge, interval time.Duration) Task {
	return Task{
		Name:     "recover_" + string(q.Direction()),
		Interval: interval,
		Run: func(ctx context.Context) error {
			_, err := q.RecoverStuck(ctx, maxAge)
			return err
		},
	}
}

// MetricsTask publishes queue depths as Prometheus gauges.
func MetricsTask(queues []*Queue, interval time.Duration) Task {
	return Task{
		Name:     "queue_metrics",
		Interval: interval,
		Run: func(ctx context.Context) error {
			for _, q := range queues {
				s, err := q.Stats(ctx)
				if err != nil {
					return err
				}
				name := string(q.Direction())
				metrics.SetQueueDepth(name, "pending", s.Pending)
				metrics.SetQueueDepth(name, "processing", s.Processing)
				metrics.SetQueueDepth(name, "delayed", s.Delayed)
				metrics.SetQueueDepth(name, "dead", s.Dead)
			}
			return nil
		},
	}
}
