package cluster

import (
	"context"
	"fmt"
	"time"

	"github.com/lumadb/sqlcluster/pkg/store"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// snapshotter is the part of Node the scheduler drives.
type snapshotter interface {
	Snapshot(ctx context.Context) (*store.SnapshotMeta, error)
}

// SnapshotScheduler takes snapshots on a cron schedule.
type SnapshotScheduler struct {
	target  snapshotter
	logger  *zap.Logger
	cron    *cron.Cron
	timeout time.Duration
}

// NewSnapshotScheduler parses schedule (standard cron or a descriptor such as
// "@every 10m") and returns a stopped scheduler.
func NewSnapshotScheduler(target snapshotter, schedule string, logger *zap.Logger) (*SnapshotScheduler, error) {
	s := &SnapshotScheduler{
		target:  target,
		logger:  logger,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		timeout: 5 * time.Minute,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("invalid snapshot schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins the scheduler
func (s *SnapshotScheduler) Start() {
	s.logger.Info("Starting snapshot scheduler")
	s.cron.Start()
}

// Stop stops the scheduler and waits for a running snapshot to finish.
func (s *SnapshotScheduler) Stop() {
	<-s.cron.Stop().Done()
}

func (s *SnapshotScheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	meta, err := s.target.Snapshot(ctx)
	if err != nil {
		s.logger.Error("Scheduled snapshot failed", zap.Error(err))
		return
	}
	if meta != nil {
		s.logger.Info("Scheduled snapshot done", zap.String("snapshot_id", meta.SnapshotID))
	}
}
