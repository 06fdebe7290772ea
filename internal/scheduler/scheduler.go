// Package scheduler runs TalkBridge's periodic maintenance, such as closing sessions that stayed
// PAUSED too long, on cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// DefaultSweepSpec runs the expiry sweep at the top of every hour.
const DefaultSweepSpec = "0 * * * *"

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler creates and starts a cron scheduler with the standard 5-field parser. A panicking
// job is recovered and logged.
func NewScheduler() *Scheduler {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	c := cron.New(cron.WithParser(parser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	c.Start()
	return &Scheduler{cron: c}
}

// AddJob schedules task on expr. It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// ScheduleSweep runs sweep on expr until the scheduler stops. Each run gets ctx.
func (s *Scheduler) ScheduleSweep(ctx context.Context, expr string, sweep *ExpirySweep) error {
	if expr == "" {
		expr = DefaultSweepSpec
	}
	err := s.AddJob(expr, func() {
		if ctx.Err() != nil {
			return
		}
		if _, err := sweep.Run(ctx); err != nil {
			slog.Error("Scheduler expiry sweep failed", "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", expr, err)
	}
	slog.Info("Scheduler expiry sweep scheduled", "spec", expr, "max_age", sweep.MaxAge())
	return nil
}

// Len returns the number of scheduled jobs.
func (s *Scheduler) Len() int {
	return len(s.cron.Entries())
}

// Stop stops the cron scheduler and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
