// Package sched runs recurring leaderboard refreshes on cron schedules.
package sched

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/nbarger/crest/internal/logging"
)

// Job represents a scheduled task
type Job func(ctx context.Context) error

// DefaultJobTimeout bounds a single job run.
const DefaultJobTimeout = 30 * time.Minute

// Scheduler manages periodic tasks
type Scheduler struct {
	cron *cron.Cron
	jobs map[string]cron.EntryID
}

// New creates a new scheduler
func New() *Scheduler {
	return &Scheduler{
		cron: cron.New(),
		jobs: make(map[string]cron.EntryID),
	}
}

// AddJob adds a job with a cron schedule ("@every 6h" or "0 7 * * *")
func (s *Scheduler) AddJob(name, schedule string, job Job) error {
	entryID, err := s.cron.AddFunc(schedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), DefaultJobTimeout)
		defer cancel()

		logging.Info("Starting scheduled job", "job", name)
		start := time.Now()

		if err := job(ctx); err != nil {
			logging.Error("Scheduled job failed", "job", name, "error", err)
		} else {
			logging.Info("Scheduled job completed", "job", name, "duration", time.Since(start))
		}
	})
	if err != nil {
		return fmt.Errorf("schedule job %s: %w", name, err)
	}

	s.jobs[name] = entryID
	logging.Debug("Added scheduled job", "job", name, "schedule", schedule)
	return nil
}

// AddRefreshJob schedules a leaderboard refresh every intervalHours.
func (s *Scheduler) AddRefreshJob(name string, intervalHours int, job Job) error {
	if intervalHours <= 0 {
		return fmt.Errorf("refresh interval must be positive, got %d", intervalHours)
	}
	schedule := fmt.Sprintf("@every %dh", intervalHours)
	return s.AddJob(name, schedule, job)
}

// RemoveJob removes a scheduled job
func (s *Scheduler) RemoveJob(name string) {
	if entryID, ok := s.jobs[name]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, name)
		logging.Debug("Removed scheduled job", "job", name)
	}
}

// Start begins running scheduled jobs
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler. The returned context is done once running jobs
// have finished.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// JobInfo contains information about a scheduled job
type JobInfo struct {
	Name    string
	NextRun time.Time
	LastRun time.Time
}

// ListJobs returns info about scheduled jobs
func (s *Scheduler) ListJobs() []JobInfo {
	entries := s.cron.Entries()
	infos := make([]JobInfo, 0, len(entries))

	for name, entryID := range s.jobs {
		for _, entry := range entries {
			if entry.ID == entryID {
				infos = append(infos, JobInfo{
					Name:    name,
					NextRun: entry.Next,
					LastRun: entry.Prev,
				})
				break
			}
		}
	}
	return infos
}
