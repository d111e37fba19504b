// Package scheduler drives periodic synchronization and cleanup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/satishbabariya/meshsync/internal/monitoring"
	"github.com/satishbabariya/meshsync/internal/pool"
	"github.com/sirupsen/logrus"
)

// Syncer offers local content to every connected peer.
type Syncer interface {
	SyncAll(ctx context.Context) error
}

// Sweeper evicts stalled transfer participants.
type Sweeper interface {
	Sweep()
}

// Scheduler runs a sync pass every interval followed by a low priority
// sweep. A failing iteration is logged and the loop continues.
type Scheduler struct {
	interval time.Duration
	syncer   Syncer
	sweeper  Sweeper
	tasks    pool.Submitter
	metrics  *monitoring.Metrics
	logger   *logrus.Entry
}

func New(interval time.Duration, syncer Syncer, sweeper Sweeper, tasks pool.Submitter, metrics *monitoring.Metrics, logger *logrus.Entry) *Scheduler {
	return &Scheduler{
		interval: interval,
		syncer:   syncer,
		sweeper:  sweeper,
		tasks:    tasks,
		metrics:  metrics,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.WithField("interval", s.interval.String()).Info("Starting scheduler")

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return nil
		case <-ticker.C:
			if err := s.tick(ctx); err != nil {
				s.metrics.RecordSyncPass("error")
				s.logger.WithError(err).Warn("Sync pass failed")
			} else {
				s.metrics.RecordSyncPass("ok")
			}
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sync pass panicked: %v", r)
		}
	}()

	syncErr := s.syncer.SyncAll(ctx)

	if err := s.tasks.Submit("sweep transfers", pool.Low, func(context.Context) {
		s.sweeper.Sweep()
	}); err != nil {
		s.logger.WithError(err).Debug("Could not schedule sweep")
	}

	return syncErr
}
