/*
scheduler.go - Automated period generation scheduler

PURPOSE:
  Periodically runs period generation for every contract that is not
  cancelled. Generation is idempotent, so each tick only creates periods
  that became due (open-ended contracts roll their horizon forward) or
  were added by a configuration change.

DESIGN:
  - Runs a background goroutine with configurable check interval
  - Runs once immediately on start
  - A failing contract is logged and skipped; the others still run

CONFIGURATION:
  - Interval: How often to check (generator.interval, default: 1 hour)
  - Enabled:  Whether scheduler is active (generator.enabled, default: true)

USAGE:
  scheduler := NewPeriodScheduler(svc, store, logger)
  scheduler.Start()
  // ... later
  scheduler.Stop()

SEE ALSO:
  - handlers.go: GeneratePeriods endpoint (manual trigger)
  - engine/deliverable.go: Service.GeneratePeriods
*/
package api

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/warp/deliverables-engine/engine"
)

// PeriodScheduler handles automated period generation.
type PeriodScheduler struct {
	Service   *engine.Service
	Directory engine.ContractDirectory
	Logger    *zap.Logger
	Interval  time.Duration
	Enabled   bool

	ticker *time.Ticker
	stop   chan struct{}
	wg     sync.WaitGroup
	mu     sync.Mutex
}

// RunSummary reports one scheduler pass.
type RunSummary struct {
	Contracts int
	Created   int
	Skipped   int
	Failed    int
}

// NewPeriodScheduler creates a new scheduler.
func NewPeriodScheduler(svc *engine.Service, directory engine.ContractDirectory, logger *zap.Logger) *PeriodScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PeriodScheduler{
		Service:   svc,
		Directory: directory,
		Logger:    logger,
		Interval:  time.Hour,
		Enabled:   true,
	}
}

// Start begins the scheduler.
func (ps *PeriodScheduler) Start() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if !ps.Enabled {
		ps.Logger.Info("period scheduler disabled, not starting")
		return
	}
	if ps.ticker != nil {
		return
	}

	ps.ticker = time.NewTicker(ps.Interval)
	ps.stop = make(chan struct{})
	ps.wg.Add(1)

	go ps.run(ps.ticker, ps.stop)

	ps.Logger.Info("period scheduler started", zap.Duration("interval", ps.Interval))
}

// Stop stops the scheduler and waits for an in-flight pass.
func (ps *PeriodScheduler) Stop() {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	if ps.ticker != nil {
		ps.ticker.Stop()
		close(ps.stop)
		ps.wg.Wait()
		ps.ticker = nil
		ps.Logger.Info("period scheduler stopped")
	}
}

func (ps *PeriodScheduler) run(ticker *time.Ticker, stop <-chan struct{}) {
	defer ps.wg.Done()

	// Run immediately on start
	ps.RunNow(context.Background())

	for {
		select {
		case <-ticker.C:
			ps.RunNow(context.Background())
		case <-stop:
			return
		}
	}
}

// RunNow generates periods for every active contract.
func (ps *PeriodScheduler) RunNow(ctx context.Context) RunSummary {
	var summary RunSummary

	contracts, err := ps.Directory.ListContracts(ctx)
	if err != nil {
		ps.Logger.Error("failed to list contracts", zap.Error(err))
		return summary
	}

	asOf := engine.DateOf(ps.Service.Now())
	for _, c := range contracts {
		if c.Cancelled {
			summary.Skipped++
			continue
		}
		summary.Contracts++

		result, err := ps.Service.GeneratePeriods(ctx, c.ID, asOf)
		if err != nil {
			summary.Failed++
			ps.Logger.Warn("period generation failed",
				zap.String("contract_id", string(c.ID)), zap.Error(err))
			continue
		}
		summary.Created += len(result.Created)
	}

	if summary.Created > 0 || summary.Failed > 0 {
		ps.Logger.Info("period generation pass completed",
			zap.Int("contracts", summary.Contracts),
			zap.Int("created", summary.Created),
			zap.Int("failed", summary.Failed),
			zap.Int("skipped", summary.Skipped))
	}
	return summary
}
