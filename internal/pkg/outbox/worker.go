package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/openkindness/givecore/app/models"
	"github.com/openkindness/givecore/internal/pkg/gateway"
	"github.com/openkindness/givecore/internal/pkg/ledger"
)

const (
	DefaultWorkers      = 3
	DefaultPollInterval = 15 * time.Second
	DefaultMaxAttempts  = 8
	defaultBatchSize    = 50
	baseBackoff         = 30 * time.Second
)

// Worker drains pending gateway tasks. Tasks are written in the same
// transaction as the subscription transition they mirror, so the gateway
// side-effect survives crashes and is retried until it goes through or the
// attempt bound is reached.
type Worker struct {
	repo        ledger.Repository
	adapter     gateway.Adapter
	workers     int
	interval    time.Duration
	maxAttempts int
	ticker      *time.Ticker
	stopCh      chan struct{}
	wg          sync.WaitGroup
	mu          sync.Mutex
	running     bool
}

// NewWorker creates an outbox worker with the default pool size and poll
// interval.
func NewWorker(repo ledger.Repository, adapter gateway.Adapter) *Worker {
	return &Worker{
		repo:        repo,
		adapter:     adapter,
		workers:     DefaultWorkers,
		interval:    DefaultPollInterval,
		maxAttempts: DefaultMaxAttempts,
	}
}

// WithWorkers sets the pool size.
func (w *Worker) WithWorkers(n int) *Worker {
	if n > 0 {
		w.workers = n
	}
	return w
}

// WithPollInterval sets how often the pending table is polled.
func (w *Worker) WithPollInterval(d time.Duration) *Worker {
	if d > 0 {
		w.interval = d
	}
	return w
}

// Start launches the poll loop and worker pool.
func (w *Worker) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return
	}

	// Recreate stop channel for each start cycle so the worker can be restarted safely.
	w.stopCh = make(chan struct{})
	w.running = true
	w.ticker = time.NewTicker(w.interval)

	log.Infof("[Outbox] Starting %d workers, polling every %s", w.workers, w.interval)

	tasks := make(chan *models.GatewayTask)
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.worker(i, tasks)
	}

	w.wg.Add(1)
	go w.pollLoop(tasks)
}

// Stop stops polling and waits for in-flight tasks to finish.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	log.Info("[Outbox] Stopping workers...")
	w.ticker.Stop()
	close(w.stopCh)
	w.running = false
	w.wg.Wait()
	log.Info("[Outbox] All workers stopped")
}

// RunOnce claims and processes one batch of due tasks. Used by the poll loop
// and directly by tests.
func (w *Worker) RunOnce(ctx context.Context) int {
	tasks, err := w.repo.ClaimDueGatewayTasks(ctx, time.Now(), defaultBatchSize)
	if err != nil {
		log.Errorf("[Outbox] claiming tasks: %v", err)
		return 0
	}
	for i := range tasks {
		w.process(ctx, &tasks[i])
	}
	return len(tasks)
}

func (w *Worker) pollLoop(tasks chan<- *models.GatewayTask) {
	defer w.wg.Done()
	defer close(tasks)

	for {
		select {
		case <-w.stopCh:
			return
		case <-w.ticker.C:
			claimed, err := w.repo.ClaimDueGatewayTasks(context.Background(), time.Now(), defaultBatchSize)
			if err != nil {
				log.Errorf("[Outbox] claiming tasks: %v", err)
				continue
			}
			for i := range claimed {
				select {
				case tasks <- &claimed[i]:
				case <-w.stopCh:
					// Push the claim back to pending; it is picked up on restart.
					w.requeue(&claimed[i])
					return
				}
			}
		}
	}
}

func (w *Worker) worker(id int, tasks <-chan *models.GatewayTask) {
	defer w.wg.Done()
	log.Debugf("[Outbox] Worker %d started", id)
	for task := range tasks {
		w.process(context.Background(), task)
	}
	log.Debugf("[Outbox] Worker %d stopped", id)
}

func (w *Worker) process(ctx context.Context, task *models.GatewayTask) {
	callCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	err := w.dispatch(callCtx, task)
	if err == nil {
		if err := w.repo.CompleteGatewayTask(ctx, task.ID); err != nil {
			log.Errorf("[Outbox] completing task %d: %v", task.ID, err)
		}
		log.Infof("[Outbox] task %d (%s) for schedule %s done", task.ID, task.Kind, task.GatewayScheduleID)
		return
	}

	attemptsMade := task.Attempts + 1
	if attemptsMade >= w.maxAttempts {
		log.Errorf("[Outbox] task %d (%s) failed terminally after %d attempts: %v", task.ID, task.Kind, attemptsMade, err)
		if rErr := w.repo.RescheduleGatewayTask(ctx, task.ID, time.Time{}, err.Error(), true); rErr != nil {
			log.Errorf("[Outbox] marking task %d failed: %v", task.ID, rErr)
		}
		return
	}

	next := time.Now().Add(baseBackoff * (1 << uint(task.Attempts)))
	log.Warnf("[Outbox] task %d (%s) attempt %d failed, retrying at %s: %v", task.ID, task.Kind, attemptsMade, next.Format(time.RFC3339), err)
	if rErr := w.repo.RescheduleGatewayTask(ctx, task.ID, next, err.Error(), false); rErr != nil {
		log.Errorf("[Outbox] rescheduling task %d: %v", task.ID, rErr)
	}
}

func (w *Worker) dispatch(ctx context.Context, task *models.GatewayTask) error {
	switch task.Kind {
	case models.GatewayTaskCancelSchedule:
		return w.adapter.CancelSchedule(ctx, task.GatewayScheduleID)
	case models.GatewayTaskSuspendSchedule:
		return w.adapter.SuspendSchedule(ctx, task.GatewayScheduleID)
	case models.GatewayTaskResumeSchedule:
		return w.adapter.ResumeSchedule(ctx, task.GatewayScheduleID)
	default:
		return fmt.Errorf("unknown task kind %q", task.Kind)
	}
}

func (w *Worker) requeue(task *models.GatewayTask) {
	if err := w.repo.ReleaseGatewayTask(context.Background(), task.ID); err != nil {
		log.Errorf("[Outbox] requeueing task %d: %v", task.ID, err)
	}
}
