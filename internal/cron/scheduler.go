// Package cron runs periodic database maintenance on a cron schedule.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// DefaultSchedule runs maintenance daily at 04:00 local time.
const DefaultSchedule = "0 4 * * *"

const jobTimeout = 5 * time.Minute

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Optimizer is the store maintenance hook.
type Optimizer interface {
	Optimize(ctx context.Context) error
}

// Config holds the dependencies for the maintenance scheduler.
type Config struct {
	Store    Optimizer
	Logger   *slog.Logger
	Schedule string // defaults to DefaultSchedule
}

// Scheduler runs Store.Optimize on Schedule. Runs never overlap.
type Scheduler struct {
	store    Optimizer
	logger   *slog.Logger
	schedule string
	c        *cronlib.Cron

	mu      sync.Mutex
	running bool
	lastRun time.Time
	lastErr error
	ctx     context.Context
	cancel  context.CancelFunc
}

// ValidateSchedule reports whether expr is a valid 5-field cron expression.
func ValidateSchedule(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("cron: invalid schedule %q: %w", expr, err)
	}
	return nil
}

// NewScheduler validates the schedule and returns a stopped scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("cron: nil store")
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = DefaultSchedule
	}
	if err := ValidateSchedule(schedule); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		logger:   logger,
		schedule: schedule,
		c:        cronlib.New(cronlib.WithParser(cronParser)),
	}
	if _, err := s.c.AddFunc(schedule, s.runScheduled); err != nil {
		return nil, fmt.Errorf("cron: add job: %w", err)
	}
	return s, nil
}

// Start begins firing jobs until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()
	s.c.Start()
	s.logger.Info("maintenance scheduler started", "schedule", s.schedule)
	go func() {
		<-s.ctx.Done()
		s.c.Stop()
	}()
}

// Stop cancels any in-flight run and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	<-s.c.Stop().Done()
	s.logger.Info("maintenance scheduler stopped")
}

// Next returns the next scheduled run after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	next, _ := NextRunTime(s.schedule, t)
	return next
}

// LastRun reports when maintenance last finished and its error.
func (s *Scheduler) LastRun() (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.lastErr
}

func (s *Scheduler) runScheduled() {
	s.mu.Lock()
	ctx := s.ctx
	s.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	_ = s.RunNow(ctx)
}

// RunNow runs maintenance immediately. It returns an error without running
// if a run is already in progress.
func (s *Scheduler) RunNow(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("cron: maintenance already running")
	}
	s.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()
	start := time.Now()
	err := s.store.Optimize(ctx)

	s.mu.Lock()
	s.running = false
	s.lastRun = time.Now()
	s.lastErr = err
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("maintenance failed", "error", err)
		return err
	}
	s.logger.Info("maintenance completed", "duration_ms", time.Since(start).Milliseconds())
	return nil
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
