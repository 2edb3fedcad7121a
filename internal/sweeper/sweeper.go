// Package sweeper runs the periodic reclaim of stale in-progress items.
package sweeper

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Frontier is the subset of the frontier service the sweeper drives.
type Frontier interface {
	Sweep(ctx context.Context, timeout time.Duration) (int, error)
}

// Config controls sweep cadence and staleness detection.
type Config struct {
	// Interval is how often the sweep runs.
	Interval time.Duration
	// Timeout is how long an item may sit in_progress before its owner is
	// presumed dead.
	Timeout time.Duration
}

// Sweeper periodically returns abandoned work to the eligible pool. It is
// the only recovery path for workers that crash mid-task; there is no
// heartbeat channel.
type Sweeper struct {
	frontier Frontier
	cfg      Config
	logger   *zap.Logger
}

// New constructs a Sweeper.
func New(frontier Frontier, cfg Config, logger *zap.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Sweeper{frontier: frontier, cfg: cfg, logger: logger}
}

// Run blocks, sweeping on the configured interval until the context ends.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.logger.Info("sweeper started",
		zap.Duration("interval", s.cfg.Interval),
		zap.Duration("timeout", s.cfg.Timeout),
	)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single sweep pass.
func (s *Sweeper) RunOnce(ctx context.Context) {
	reclaimed, err := s.frontier.Sweep(ctx, s.cfg.Timeout)
	if err != nil {
		s.logger.Error("sweep failed", zap.Error(err))
		return
	}
	if reclaimed > 0 {
		s.logger.Info("sweep reclaimed stale items", zap.Int("count", reclaimed))
	}
}
