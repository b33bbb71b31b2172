package worker

import (
	"context"
	"time"

	"escrow-service/internal/resilience"
	"escrow-service/internal/service"
	"escrow-service/internal/util"

	"go.uber.org/zap"
)

// Releaser runs one auto-release pass
type Releaser interface {
	AutoRelease(ctx context.Context) (*service.AutoReleaseResult, error)
}

// QueueProcessor retries deferred operations
type QueueProcessor interface {
	ProcessAll(ctx context.Context) []resilience.ProcessResult
}

// Sweeper drives the periodic background jobs: auto-releasing escrow past
// its grace period and retrying the failed-operation queue
type Sweeper struct {
	releaser        Releaser
	queue           QueueProcessor
	releaseInterval time.Duration
	queueInterval   time.Duration
	logger          *zap.Logger
}

// NewSweeper creates a new sweeper
func NewSweeper(releaser Releaser, queue QueueProcessor, releaseInterval, queueInterval time.Duration) *Sweeper {
	if releaseInterval <= 0 {
		releaseInterval = time.Minute
	}
	if queueInterval <= 0 {
		queueInterval = 30 * time.Second
	}
	return &Sweeper{
		releaser:        releaser,
		queue:           queue,
		releaseInterval: releaseInterval,
		queueInterval:   queueInterval,
		logger:          util.GetLogger(),
	}
}

// Start runs both jobs until ctx is done
func (s *Sweeper) Start(ctx context.Context) error {
	s.logger.Info("Starting sweeper",
		zap.Duration("release_interval", s.releaseInterval),
		zap.Duration("queue_interval", s.queueInterval))

	releaseTicker := time.NewTicker(s.releaseInterval)
	defer releaseTicker.Stop()
	queueTicker := time.NewTicker(s.queueInterval)
	defer queueTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stopping sweeper")
			return ctx.Err()
		case <-releaseTicker.C:
			s.RunAutoRelease(ctx)
		case <-queueTicker.C:
			s.RunQueue(ctx)
		}
	}
}

// RunAutoRelease runs one auto-release pass and logs the outcome
func (s *Sweeper) RunAutoRelease(ctx context.Context) *service.AutoReleaseResult {
	res, err := s.releaser.AutoRelease(ctx)
	if err != nil {
		s.logger.Error("Auto-release sweep failed", zap.Error(err))
		return nil
	}
	if res.LockHeld {
		s.logger.Debug("Auto-release sweep skipped, lock held elsewhere")
		return res
	}
	if res.Scanned > 0 {
		s.logger.Info("Auto-release sweep finished",
			zap.Int("scanned", res.Scanned),
			zap.Int("released", res.Released),
			zap.Int("skipped", res.Skipped),
			zap.Int("failed", res.Failed))
	}
	return res
}

// RunQueue retries every queued operation once
func (s *Sweeper) RunQueue(ctx context.Context) []resilience.ProcessResult {
	results := s.queue.ProcessAll(ctx)
	for _, r := range results {
		if r.Processed == 0 {
			continue
		}
		s.logger.Info("Failed-operation queue processed",
			zap.String("queue", r.Queue),
			zap.Int("succeeded", r.Succeeded),
			zap.Int("failed", r.Failed),
			zap.Int("dropped", r.Dropped),
			zap.Int("remaining", r.Remaining))
	}
	return results
}
