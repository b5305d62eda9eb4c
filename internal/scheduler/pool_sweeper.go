package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/MrSnakeDoc/apiregistry/internal/logger"
)

// Sweeper closes pools nothing references any more.
type Sweeper interface {
	Sweep() (ran bool, closed int)
}

// PoolSweeper periodically sweeps unreferenced pools, catching any the
// reconciler missed.
type PoolSweeper struct {
	pools    Sweeper
	logger   logger.Logger
	interval time.Duration
	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewPoolSweeper creates a sweeper running every interval.
func NewPoolSweeper(pools Sweeper, log logger.Logger, interval time.Duration) *PoolSweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &PoolSweeper{
		pools:    pools,
		logger:   log,
		interval: interval,
		stopCh:   make(chan struct{}),
	}
}

// Start begins the periodic sweep. The first sweep happens one interval in.
func (ps *PoolSweeper) Start(ctx context.Context) {
	timer := time.NewTimer(ps.interval)
	go func() {
		defer timer.Stop()
		for {
			select {
			case <-timer.C:
				ps.Sweep()
				timer.Reset(ps.interval)
			case <-ps.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop stops the sweeper.
func (ps *PoolSweeper) Stop() {
	ps.stopOnce.Do(func() { close(ps.stopCh) })
}

// Sweep runs one sweep now. It returns false when another sweep is running.
func (ps *PoolSweeper) Sweep() (ran bool, closed int) {
	ran, closed = ps.pools.Sweep()
	switch {
	case !ran:
		ps.logger.Warn("pool sweep already in progress, skipped")
	case closed > 0:
		ps.logger.Info("pool sweep completed",
			logger.Int("closed", closed))
	default:
		ps.logger.Debug("pool sweep found nothing to close")
	}
	return ran, closed
}
