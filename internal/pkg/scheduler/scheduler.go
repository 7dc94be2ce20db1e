package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"

	"github.com/openkindness/givecore/internal/pkg/cache"
	"github.com/openkindness/givecore/internal/pkg/donation"
)

const (
	DefaultSweepInterval = 1 * time.Minute
	leaseKey             = "scheduler:cycle_sweep_lease"
	leaseTTL             = 2 * time.Minute
)

// Scheduler periodically sweeps due recurring donations and starts their next
// charge cycle. A Redis lease keeps the sweep single-flight when several
// instances run.
type Scheduler struct {
	svc      *donation.Service
	interval time.Duration
	holder   string
	ticker   *time.Ticker
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

// NewScheduler creates a scheduler around the donation service.
func NewScheduler(svc *donation.Service) *Scheduler {
	return &Scheduler{
		svc:      svc,
		interval: DefaultSweepInterval,
		holder:   uuid.New().String(),
	}
}

// WithInterval sets the sweep interval.
func (s *Scheduler) WithInterval(d time.Duration) *Scheduler {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Start launches the sweep loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}

	s.stopCh = make(chan struct{})
	s.running = true
	s.ticker = time.NewTicker(s.interval)

	log.Infof("[Scheduler] Starting cycle sweep every %s", s.interval)

	s.wg.Add(1)
	go s.loop()
}

// Stop stops the sweep loop and waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	log.Info("[Scheduler] Stopping...")
	s.ticker.Stop()
	close(s.stopCh)
	s.running = false
	s.wg.Wait()
	log.Info("[Scheduler] Stopped")
}

func (s *Scheduler) loop() {
	defer s.wg.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case <-s.ticker.C:
			s.Sweep(context.Background())
		}
	}
}

// Sweep runs one leased pass over due donations. Exposed for tests and
// one-shot invocations.
func (s *Scheduler) Sweep(ctx context.Context) {
	acquired, err := cache.AcquireLease(leaseKey, s.holder, leaseTTL)
	if err != nil {
		log.Errorf("[Scheduler] acquiring sweep lease: %v", err)
		return
	}
	if !acquired {
		log.Debug("[Scheduler] sweep lease held elsewhere, skipping")
		return
	}
	defer func() {
		if err := cache.ReleaseLease(leaseKey, s.holder); err != nil {
			log.Warnf("[Scheduler] releasing sweep lease: %v", err)
		}
	}()

	started, err := s.svc.AdvanceDueCycles(ctx, time.Now())
	if err != nil {
		log.Errorf("[Scheduler] cycle sweep: %v", err)
		return
	}
	if started > 0 {
		log.Infof("[Scheduler] started %d charge cycles", started)
	}
}
