package meta

import (
	"context"

	"github.com/robfig/cron/v3"

	"cogkernel/internal/logging"
)

// DefaultSampleCadence is the default passive-sampling interval from
// spec.md §4.9 ("sampled on a fixed cadence... default 60s").
const DefaultSampleCadence = "@every 60s"

// Scheduler drives periodic SampleOnce calls for a fixed set of projects
// using a standard cron.Cron runner.
type Scheduler struct {
	layer    *Layer
	cron     *cron.Cron
	cadence  string
	projects []int64
}

// NewScheduler builds a Scheduler that samples every project in projects
// on the given cron spec (use DefaultSampleCadence if cadence is empty).
func NewScheduler(l *Layer, cadence string, projects []int64) *Scheduler {
	if cadence == "" {
		cadence = DefaultSampleCadence
	}
	return &Scheduler{
		layer:    l,
		cron:     cron.New(),
		cadence:  cadence,
		projects: projects,
	}
}

// Start registers the sampling job and begins the cron runner in its own
// goroutine. Call Stop to drain it.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.cadence, func() {
		for _, projectID := range s.projects {
			if _, err := s.layer.SampleOnce(ctx, projectID); err != nil {
				logging.Get(logging.CategoryMeta).Warn("scheduled SampleOnce failed for project %d: %v", projectID, err)
			}
		}
	})
	if err != nil {
		return err
	}
	s.cron.Start()
	return nil
}

// Stop halts the cron runner, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
