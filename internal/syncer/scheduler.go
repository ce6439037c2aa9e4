// Package syncer runs the background sync jobs, both on a cron schedule and
// on demand.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

const scheduledRunTimeout = 2 * time.Minute

// Job is one unit of background sync work.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

type funcJob struct {
	name string
	fn   func(ctx context.Context) error
}

func (j funcJob) Name() string                  { return j.name }
func (j funcJob) Run(ctx context.Context) error { return j.fn(ctx) }

// JobFunc adapts fn into a named Job.
func JobFunc(name string, fn func(ctx context.Context) error) Job {
	return funcJob{name: name, fn: fn}
}

// Scheduler runs registered jobs. Runs never overlap.
type Scheduler struct {
	cron     *cron.Cron
	schedule string
	logger   *slog.Logger

	mu   sync.Mutex
	jobs []Job

	runMu sync.Mutex
}

// NewScheduler creates a scheduler for the given cron expression.
func NewScheduler(schedule string, logger *slog.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:     c,
		schedule: schedule,
		logger:   logger,
	}
}

// Register appends jobs; they run in registration order.
func (s *Scheduler) Register(jobs ...Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, jobs...)
}

// SyncImmediately runs every job once, in order, and joins their failures.
// A failing job does not stop the ones after it.
func (s *Scheduler) SyncImmediately(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	s.mu.Lock()
	jobs := append([]Job(nil), s.jobs...)
	s.mu.Unlock()

	var errs []error
	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		start := time.Now()
		if err := job.Run(ctx); err != nil {
			s.logger.Warn("sync job failed", "job", job.Name(), "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", job.Name(), err))
			continue
		}
		s.logger.Debug("sync job finished", "job", job.Name(), "duration", time.Since(start))
	}
	return errors.Join(errs...)
}

// Start schedules periodic syncs and starts the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.schedule, s.runScheduled); err != nil {
		return fmt.Errorf("schedule sync %q: %w", s.schedule, err)
	}
	s.logger.Info("scheduled background sync", "schedule", s.schedule)
	s.cron.Start()
	return nil
}

// Stop stops the cron runner; the returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

func (s *Scheduler) runScheduled() {
	ctx, cancel := context.WithTimeout(context.Background(), scheduledRunTimeout)
	defer cancel()
	if err := s.SyncImmediately(ctx); err != nil {
		s.logger.Error("scheduled sync failed", "error", err)
	}
}
