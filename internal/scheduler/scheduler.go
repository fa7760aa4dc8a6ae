package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// JobFunc is one scheduled unit of background work.
type JobFunc func(ctx context.Context) error

type job struct {
	name     string
	schedule cron.Schedule
	run      JobFunc
	nextRun  time.Time
}

// Scheduler runs registered jobs on cron schedules with a coarse ticker.
// Jobs are registered before Start; an overdue job is run at most once per
// tick and never concurrently with itself.
type Scheduler struct {
	parser cron.Parser
	logger *slog.Logger

	mu     sync.Mutex
	jobs   []*job
	cancel context.CancelFunc
	done   chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// New creates a Scheduler.
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		logger:   logger,
		inflight: make(map[string]struct{}),
	}
}

// Register adds a job under a cron expression.
func (s *Scheduler) Register(name, cronExpr string, fn JobFunc) error {
	schedule, err := s.parser.Parse(cronExpr)
	if err != nil {
		return fmt.Errorf("parse cron expression %q for job %q: %w", cronExpr, name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done != nil {
		return fmt.Errorf("scheduler already started")
	}
	s.jobs = append(s.jobs, &job{
		name:     name,
		schedule: schedule,
		run:      fn,
		nextRun:  schedule.Next(time.Now().UTC()),
	})
	return nil
}

// Start launches the background loop with a 30s ticker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.done != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.loop(runCtx)
	s.logger.Info("scheduler started", "jobs", len(s.jobs))
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now().UTC()

	s.mu.Lock()
	due := make([]*job, 0, len(s.jobs))
	for _, j := range s.jobs {
		if !j.nextRun.After(now) {
			j.nextRun = j.schedule.Next(now)
			due = append(due, j)
		}
	}
	s.mu.Unlock()

	for _, j := range due {
		if !s.tryAcquire(j.name) {
			continue
		}
		go func(j *job) {
			defer s.release(j.name)
			if err := j.run(ctx); err != nil {
				s.logger.Error("scheduled job failed",
					slog.String("job", j.name),
					slog.String("error", err.Error()))
			}
		}(j)
	}
}

// RunNow executes one registered job immediately, outside its schedule.
func (s *Scheduler) RunNow(ctx context.Context, name string) error {
	s.mu.Lock()
	var target *job
	for _, j := range s.jobs {
		if j.name == name {
			target = j
			break
		}
	}
	s.mu.Unlock()
	if target == nil {
		return fmt.Errorf("job %q not registered", name)
	}
	if !s.tryAcquire(name) {
		return fmt.Errorf("job %q already running", name)
	}
	defer s.release(name)
	return target.run(ctx)
}

func (s *Scheduler) tryAcquire(name string) bool {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	if _, ok := s.inflight[name]; ok {
		return false
	}
	s.inflight[name] = struct{}{}
	return true
}

func (s *Scheduler) release(name string) {
	s.inflightMu.Lock()
	defer s.inflightMu.Unlock()
	delete(s.inflight, name)
}

// Stop gracefully shuts down the scheduler loop.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil
	s.logger.Info("scheduler stopped")
}
