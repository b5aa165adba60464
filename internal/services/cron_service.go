package services

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// Sweeper re-queries stale payment attempts
type Sweeper interface {
	SweepStaleAttempts(ctx context.Context) (*SweepReport, error)
}

// CronService manages scheduled background jobs
type CronService struct {
	cron          *cron.Cron
	sweeper       Sweeper
	sweepSchedule string
	jobTimeout    time.Duration
	running       atomic.Bool
	logger        *logrus.Logger
}

// NewCronService creates a new CronService. sweepSchedule uses the six-field format with seconds.
func NewCronService(sweeper Sweeper, sweepSchedule string, logger *logrus.Logger) *CronService {
	return &CronService{
		cron:          cron.New(cron.WithSeconds()),
		sweeper:       sweeper,
		sweepSchedule: sweepSchedule,
		jobTimeout:    2 * time.Minute,
		logger:        logger,
	}
}

// Start starts all cron jobs
func (s *CronService) Start() error {
	s.logger.Info("Starting cron service...")

	// Cron format: second minute hour day month weekday
	// "0 */5 * * * *" = every 5 minutes
	_, err := s.cron.AddFunc(s.sweepSchedule, s.sweepStaleAttemptsJob)
	if err != nil {
		return fmt.Errorf("failed to schedule stale attempt sweep: %w", err)
	}
	s.logger.WithField("schedule", s.sweepSchedule).Info("✓ Scheduled: Stale payment attempt sweep")

	s.cron.Start()
	s.logger.Info("✓ Cron service started successfully")
	return nil
}

// Stop stops all cron jobs and waits for a running job to finish
func (s *CronService) Stop() {
	s.logger.Info("Stopping cron service...")
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("✓ Cron service stopped")
}

// sweepStaleAttemptsJob re-queries attempts whose callback never arrived.
// Overlapping runs are skipped.
func (s *CronService) sweepStaleAttemptsJob() {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("[CRON] Previous sweep still running, skipping")
		return
	}
	defer s.running.Store(false)

	startTime := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), s.jobTimeout)
	defer cancel()

	report, err := s.sweeper.SweepStaleAttempts(ctx)
	if err != nil {
		s.logger.WithError(err).Error("[CRON ERROR] Failed to sweep stale payment attempts")
		return
	}

	s.logger.WithFields(logrus.Fields{
		"checked":  report.Checked,
		"applied":  report.Applied,
		"failed":   report.Failed,
		"duration": time.Since(startTime).String(),
	}).Info("[CRON] ✓ Stale payment attempt sweep finished")
}

// RunSweepNow runs the sweep immediately (operator endpoint)
func (s *CronService) RunSweepNow() {
	s.logger.Info("[MANUAL] Running stale payment attempt sweep now...")
	s.sweepStaleAttemptsJob()
}

// GetJobStatus returns the status of scheduled jobs
func (s *CronService) GetJobStatus() map[string]interface{} {
	entries := s.cron.Entries()

	jobs := make([]map[string]interface{}, 0, len(entries))
	for _, entry := range entries {
		jobs = append(jobs, map[string]interface{}{
			"id":       entry.ID,
			"next_run": entry.Next,
			"prev_run": entry.Prev,
		})
	}

	return map[string]interface{}{
		"running":         len(entries) > 0,
		"job_count":       len(entries),
		"sweep_in_flight": s.running.Load(),
		"jobs":            jobs,
	}
}
