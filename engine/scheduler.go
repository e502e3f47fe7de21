package engine

import (
	"context"
	"time"

	"porsche-tracker/utils"
)

// Scheduler starts due cycles on a bounded worker pool. Every Tick syncs the
// active criteria from storage, then starts each (criteria, cadence) pair
// whose next run has come. Time is passed in, so tests drive it directly.
type Scheduler struct {
	engine *Engine
	pool   *utils.WorkerPool
	every  time.Duration
	logger *utils.Logger
}

func newScheduler(e *Engine, workers int, every time.Duration) *Scheduler {
	if every <= 0 {
		every = 15 * time.Second
	}
	return &Scheduler{
		engine: e,
		pool:   utils.NewWorkerPool(workers),
		every:  every,
		logger: e.logger,
	}
}

// Tick starts the cycles due at now and returns how many were started.
// Pairs still running are skipped; pairs that find no free worker stay due
// for the next tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) int {
	reg := s.engine.registry

	active, err := s.engine.store.ListActiveCriteria(ctx)
	if err != nil {
		s.logger.Warn("[scheduler] Listing active criteria failed, keeping the current set: %v", err)
	} else {
		reg.Sync(active, now)
	}

	started := 0
	for _, due := range reg.Due(now) {
		if ctx.Err() != nil {
			break
		}
		c, ok := reg.Criteria(due.CriteriaID)
		if !ok {
			continue
		}
		if err := reg.TryBegin(c.ID, due.Cadence, now); err != nil {
			continue
		}
		cad := due.Cadence
		if !s.pool.TrySubmit(func() { _, _ = s.engine.execute(ctx, c, cad) }) {
			reg.Abort(c.ID, cad)
			s.logger.Debug("[scheduler] All %d workers busy, %s %s waits", s.pool.Size(), c.ID, cad)
			break
		}
		started++
	}
	return started
}

// Run ticks until ctx is done, then waits for running cycles.
func (s *Scheduler) Run(ctx context.Context) {
	s.Tick(ctx, s.engine.now())

	ticker := time.NewTicker(s.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.pool.Wait()
			return
		case <-ticker.C:
			s.Tick(ctx, s.engine.now())
		}
	}
}

// Wait blocks until every started cycle has finished.
func (s *Scheduler) Wait() {
	s.pool.Wait()
}
