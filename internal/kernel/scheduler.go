package kernel

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"

	"cogkernel/internal/consolidation"
	"cogkernel/internal/logging"
)

// ConsolidationScheduler drives periodic Consolidate calls on its own
// cron.Cron runner, independent of meta.Scheduler's sampling cadence and
// of request-handling goroutines — the two background jobs C13 names run
// on separate cron instances so a slow consolidation pass never delays a
// scheduled sample, and vice versa.
type ConsolidationScheduler struct {
	kernel   *Kernel
	cron     *cron.Cron
	cadence  string
	projects []int64
	strategy string
}

// cronSpecForHours renders an integer hour interval as a cron spec
// ("@every Nh"), matching spec.md §6's consolidation.interval_hours knob.
func cronSpecForHours(hours int) string {
	if hours <= 0 {
		hours = 24
	}
	return "@every " + time.Duration(hours*int(time.Hour)).String()
}

// NewConsolidationScheduler builds a scheduler that runs Consolidate for
// every project in projects on the cadence config.Consolidation.IntervalHours
// names.
func NewConsolidationScheduler(k *Kernel, intervalHours int, strategy string, projects []int64) *ConsolidationScheduler {
	return &ConsolidationScheduler{
		kernel:   k,
		cron:     cron.New(),
		cadence:  cronSpecForHours(intervalHours),
		projects: projects,
		strategy: strategy,
	}
}

// Start registers the consolidation job and begins the cron runner on its
// own goroutine.
func (s *ConsolidationScheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cadence, func() {
		for _, projectID := range s.projects {
			window := consolidation.TimeWindow{} // unbounded: all unsealed events
			if _, err := s.kernel.Consolidation.Consolidate(ctx, projectID, window, s.strategy); err != nil {
				logging.Get(logging.CategoryKernel).Warn("scheduled consolidation failed for project %d: %v", projectID, err)
			}
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight run to finish.
func (s *ConsolidationScheduler) Stop() {
	<-s.cron.Stop().Done()
}
