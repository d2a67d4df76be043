/*
sweeper.go - Periodic retention sweeper

PURPOSE:
  Drives Gateway.Sweep on a fixed period. Replaces the original
  system's per-VM scheduled release/notify jobs with one loop: every
  tick expires elapsed bookings, warns soon-to-expire holders, and
  prunes aged-out history.

DESIGN:
  - Runs a background goroutine with a configurable tick interval
  - Sweeps once immediately on Start
  - A tick that fires while an interactive mutation holds the gateway
    queues on the same lock and runs right after it
  - Errors (persistence failures) are logged and retried on the next
    tick; nothing here ever stops the loop

USAGE:
  sweeper := pool.NewSweeper(gw, logger)
  sweeper.Start()
  // ... later
  sweeper.Stop()

SEE ALSO:
  - gateway.go: Sweep() itself
*/
package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DefaultSweepInterval matches the original monitor's cadence.
const DefaultSweepInterval = time.Minute

// Sweeper periodically invokes the gateway's sweep.
type Sweeper struct {
	Gateway  *Gateway
	Interval time.Duration

	// OnSweep, if set, observes every successful sweep (metrics hook).
	OnSweep func(SweepResult)

	logger *zap.Logger
	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// NewSweeper creates a sweeper with the default interval.
func NewSweeper(gw *Gateway, logger *zap.Logger) *Sweeper {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sweeper{
		Gateway:  gw,
		Interval: DefaultSweepInterval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Start begins the background loop.
func (sw *Sweeper) Start() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker != nil {
		return
	}
	sw.ticker = time.NewTicker(sw.Interval)
	sw.wg.Add(1)
	go sw.run()
	sw.logger.Info("sweeper started", zap.Duration("interval", sw.Interval))
}

// Stop halts the loop and waits for an in-flight sweep to finish.
func (sw *Sweeper) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()

	if sw.ticker == nil {
		return
	}
	sw.ticker.Stop()
	close(sw.stop)
	sw.wg.Wait()
	sw.ticker = nil
	sw.logger.Info("sweeper stopped")
}

func (sw *Sweeper) run() {
	defer sw.wg.Done()

	// Catch up immediately on start; bookings may have expired while
	// the process was down.
	sw.RunNow()

	for {
		select {
		case <-sw.ticker.C:
			sw.RunNow()
		case <-sw.stop:
			return
		}
	}
}

// RunNow triggers one sweep synchronously (also used by tests/admin).
func (sw *Sweeper) RunNow() {
	res, err := sw.Gateway.Sweep(context.Background())
	if err != nil {
		sw.logger.Error("sweep failed, will retry next tick", zap.Error(err))
		return
	}
	if res.Expired > 0 || res.Warned > 0 || res.Pruned > 0 {
		sw.logger.Info("sweep completed",
			zap.Int("expired", res.Expired),
			zap.Int("warned", res.Warned),
			zap.Int("pruned", res.Pruned))
	}
	if sw.OnSweep != nil {
		sw.OnSweep(res)
	}
}
