// Package sweep wraps gocron for periodic background jobs. Its one caller is
// the slot daemon's dead-holder reclamation ("slot-cleanup"); no cache GC or
// dedup-window expiry job is scheduled. It is intentionally thin — no progress tracking, no UI polling —
// because nothing here has a frontend to report to.
package sweep

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/go-co-op/gocron/v2"

	"han/internal/logging"
)

// Sweeper runs named cron jobs against a shared gocron scheduler.
type Sweeper struct {
	mu        sync.Mutex
	scheduler gocron.Scheduler
	jobs      map[string]gocron.Job
	logger    *slog.Logger
}

// New creates and starts a Sweeper.
func New(logger *slog.Logger) (*Sweeper, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("create cron scheduler: %w", err)
	}
	s.Start()
	return &Sweeper{
		scheduler: s,
		jobs:      make(map[string]gocron.Job),
		logger:    logging.Default(logger).With("component", "sweep"),
	}, nil
}

// AddJob registers a named recurring job. cronExpr uses the 6-field
// seconds-enabled cron syntax (e.g. "*/5 * * * * *" for every 5 seconds).
func (s *Sweeper) AddJob(name, cronExpr string, taskFn func()) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("sweep job already registered: %s", name)
	}

	j, err := s.scheduler.NewJob(
		gocron.CronJob(cronExpr, true),
		gocron.NewTask(taskFn),
		gocron.WithName(name),
	)
	if err != nil {
		return fmt.Errorf("schedule sweep job %s: %w", name, err)
	}

	s.jobs[name] = j
	s.logger.Info("sweep job scheduled", "name", name, "cron", cronExpr)
	return nil
}

// RemoveJob stops and removes a named job. No-op if absent.
func (s *Sweeper) RemoveJob(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[name]
	if !ok {
		return
	}
	if err := s.scheduler.RemoveJob(j.ID()); err != nil {
		s.logger.Warn("failed to remove sweep job", "name", name, "error", err)
	}
	delete(s.jobs, name)
}

// Stop shuts down the scheduler and waits for running jobs to finish.
func (s *Sweeper) Stop() error {
	return s.scheduler.Shutdown()
}
