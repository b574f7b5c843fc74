package backup

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Scheduler triggers automatic snapshots on a fixed interval.
type Scheduler struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger
}

// NewScheduler wires the periodic snapshot loop. Disabling the schedule is
// a configuration decision made by not starting it.
func NewScheduler(service *Service, interval time.Duration, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = noOpLogger
	}
	return &Scheduler{service: service, interval: interval, logger: logger}
}

// Run snapshots on every tick until ctx is cancelled. Runs as a long-lived
// goroutine started from main.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entry, err := s.service.Create(ctx, TypeAuto, "")
			if err != nil {
				s.logger.Error("scheduled backup failed", zap.Error(err))
				continue
			}
			if entry == nil {
				// Another snapshot is still running; skip this tick.
				continue
			}
			if err := s.service.EnforceRetention(ctx); err != nil {
				s.logger.Error("backup retention failed", zap.Error(err))
			}
		}
	}
}
