package sync

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers incremental account syncs at a fixed interval. Ticks
// that land while a run is still in flight are skipped, not queued.
type Scheduler struct {
	coord    *Coordinator
	interval time.Duration
	logger   *zap.Logger
	cancel   context.CancelFunc
}

// NewScheduler creates a scheduler. A nil logger disables logging.
func NewScheduler(coord *Coordinator, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{coord: coord, interval: interval, logger: logger}
}

// Start begins the polling loop.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	go s.loop(ctx)
}

// Stop stops the polling loop. In-flight runs finish on their own budget.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *Scheduler) loop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.tick()
		case <-ctx.Done():
			return
		}
	}
}

func (s *Scheduler) tick() {
	syncID, err := s.coord.Trigger(Scope{})
	if err != nil {
		var running *AlreadyRunningError
		if errors.As(err, &running) {
			s.logger.Debug("skipping scheduled sync, previous run still active")
			return
		}
		s.logger.Error("scheduled sync failed to start", zap.Error(err))
		return
	}
	s.logger.Info("scheduled sync started", zap.String("sync_id", syncID))
}
