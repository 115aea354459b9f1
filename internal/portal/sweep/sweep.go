// Package sweep runs the periodic subscription expiry pass and housekeeping
// (expired sessions, stale codes, rate limiter entries) on a cron schedule.
package sweep

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/dukerupert/portal/internal/portal/model"
)

const DefaultSchedule = "@hourly"

// Expirer moves overdue subscriptions to EXPIRED.
type Expirer interface {
	ExpireDue(ctx context.Context) ([]model.Subscription, error)
}

type job struct {
	name string
	fn   func(context.Context) error
}

type Result struct {
	Expired  []model.Subscription `json:"expired"`
	Duration time.Duration        `json:"duration"`
}

type Status struct {
	Running     bool      `json:"running"`
	Schedule    string    `json:"schedule"`
	NextRun     time.Time `json:"next_run,omitzero"`
	LastRun     time.Time `json:"last_run,omitzero"`
	LastExpired int       `json:"last_expired"`
}

type Scheduler struct {
	expirer      Expirer
	schedule     string
	housekeeping []job
	logger       *slog.Logger

	mu          sync.Mutex
	cron        *cron.Cron
	running     bool
	lastRun     time.Time
	lastExpired int
	runMu       sync.Mutex
}

func New(expirer Expirer, schedule string, logger *slog.Logger) *Scheduler {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	return &Scheduler{
		expirer:  expirer,
		schedule: schedule,
		logger:   logger.With("component", "sweep"),
	}
}

// AddHousekeeping registers a job that runs after every expiry pass. A failing
// job is logged and does not stop the others.
func (s *Scheduler) AddHousekeeping(name string, fn func(context.Context) error) {
	s.housekeeping = append(s.housekeeping, job{name: name, fn: fn})
}

// Start schedules the sweep. Standard five-field specs and descriptors such
// as @hourly or @every 15m are accepted.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("parse sweep schedule %q: %w", s.schedule, err)
	}

	s.cron = cron.New()
	if _, err := s.cron.AddFunc(s.schedule, s.scheduled); err != nil {
		return fmt.Errorf("schedule sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("sweep scheduler started", "schedule", s.schedule)
	return nil
}

// Stop halts the schedule and waits for a running pass to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("sweep scheduler stopped")
}

func (s *Scheduler) scheduled() {
	if _, err := s.RunOnce(context.Background()); err != nil {
		s.logger.Error("sweep failed", "error", err)
	}
}

// RunOnce performs one expiry pass followed by housekeeping. Overlapping
// calls are serialized.
func (s *Scheduler) RunOnce(ctx context.Context) (*Result, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	start := time.Now()
	expired, err := s.expirer.ExpireDue(ctx)
	errs := []error{err}

	for _, j := range s.housekeeping {
		if jerr := j.fn(ctx); jerr != nil {
			s.logger.Warn("housekeeping failed", "job", j.name, "error", jerr)
			errs = append(errs, fmt.Errorf("%s: %w", j.name, jerr))
		}
	}

	res := &Result{Expired: expired, Duration: time.Since(start)}
	if res.Expired == nil {
		res.Expired = []model.Subscription{}
	}

	s.mu.Lock()
	s.lastRun = start
	s.lastExpired = len(expired)
	s.mu.Unlock()

	s.logger.Info("sweep completed", "expired", len(expired), "duration", res.Duration)
	return res, errors.Join(errs...)
}

func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Running:     s.running,
		Schedule:    s.schedule,
		LastRun:     s.lastRun,
		LastExpired: s.lastExpired,
	}
	if s.cron != nil && s.running {
		if entries := s.cron.Entries(); len(entries) > 0 {
			st.NextRun = entries[0].Next
		}
	}
	return st
}
