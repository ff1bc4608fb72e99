package cluster

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Scheduler runs recluster batches on a fixed interval in the
// background. All public methods are safe for concurrent use.
type Scheduler struct {
	interval  time.Duration
	clusterer *Clusterer
	logger    *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewScheduler creates a scheduler. It does not start automatically;
// call Start.
func NewScheduler(clusterer *Clusterer, interval time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if clusterer == nil {
		return nil, fmt.Errorf("clusterer cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = time.Hour
	}
	return &Scheduler{
		interval:  interval,
		clusterer: clusterer,
		logger:    logger,
	}, nil
}

// Start begins periodic reclustering. Returns an error if already
// running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("recluster scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.running = true

	s.logger.Info("recluster scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh, s.doneCh)
	return nil
}

// Stop signals the scheduler to stop and waits for the current run to
// finish. Idempotent.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.doneCh
	s.mu.Unlock()

	<-done
	s.logger.Info("recluster scheduler stopped")
}

func (s *Scheduler) run(stopCh, doneCh chan struct{}) {
	defer close(doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRecluster()
		case <-stopCh:
			return
		}
	}
}

// safeRecluster guards a batch with panic recovery so one bad run does
// not kill the scheduler.
func (s *Scheduler) safeRecluster() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recluster run panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()
	s.clusterer.Recluster()
}
