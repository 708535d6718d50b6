package sla

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
)

// TimerRunner fires due workflow timers; the engine implements it.
type TimerRunner interface {
	RunDueTimers(ctx context.Context) (int, error)
}

// Scheduler runs the SLA scan and the timer sweep on cron schedules.
// Hosts that already have a scheduler can skip this and call
// Monitor.CheckBreaches / RunDueTimers themselves.
type Scheduler struct {
	cron   *cron.Cron
	logger *slog.Logger
}

// NewScheduler wires the monitor scan and optional timer sweep into a
// cron runner. Specs use the standard five-field cron syntax; an empty
// spec skips that job. The scheduler is inert until Start.
func NewScheduler(monitor *Monitor, timers TimerRunner, scanSpec, timerSpec string, logger *slog.Logger) (*Scheduler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := cron.New()

	if scanSpec != "" {
		_, err := c.AddFunc(scanSpec, func() {
			acted, err := monitor.CheckBreaches(context.Background())
			if err != nil {
				logger.Error("sla scan failed", "error", err)
				return
			}
			if acted > 0 {
				logger.Info("sla scan done", "breaches_acted_on", acted)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("sla scan schedule %q: %w", scanSpec, err)
		}
	}

	if timerSpec != "" && timers != nil {
		_, err := c.AddFunc(timerSpec, func() {
			fired, err := timers.RunDueTimers(context.Background())
			if err != nil {
				logger.Error("timer sweep failed", "error", err)
				return
			}
			if fired > 0 {
				logger.Info("timer sweep done", "fired", fired)
			}
		})
		if err != nil {
			return nil, fmt.Errorf("timer sweep schedule %q: %w", timerSpec, err)
		}
	}

	return &Scheduler{cron: c, logger: logger}, nil
}

// Start begins running the scheduled jobs in their own goroutine.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts scheduling and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
