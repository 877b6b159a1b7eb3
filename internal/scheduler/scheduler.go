// Package scheduler runs the periodic maintenance of the platform: the
// corpus configuration refresh, the websocket sweep and the export TTL
// sweep. Jobs are cron-scheduled, serialized and panic-isolated.
package scheduler

import (
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
)

// jobEntry tracks one registered job and its last outcome.
type jobEntry struct {
	name      string
	schedule  string
	handler   func() error
	cronID    cron.EntryID
	lastRun   *time.Time
	lastError string
	isRunning bool
}

// JobStatus is the externally visible state of a registered job.
type JobStatus struct {
	Name      string     `json:"name"`
	Schedule  string     `json:"schedule"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   *time.Time `json:"next_run,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	IsRunning bool       `json:"is_running"`
}

// Scheduler wraps a cron runner with registration, manual triggering and
// status reporting.
type Scheduler struct {
	cron    *cron.Cron
	logger  arbor.ILogger
	mu      sync.Mutex
	jobs    map[string]*jobEntry
	running bool
}

// New creates an empty scheduler.
func New(logger arbor.ILogger) *Scheduler {
	return &Scheduler{
		cron:   cron.New(),
		logger: logger,
		jobs:   make(map[string]*jobEntry),
	}
}

// Register adds a job under a cron schedule. Registration must happen
// before Start.
func (s *Scheduler) Register(name, schedule string, handler func() error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[name]; exists {
		return fmt.Errorf("job %s already registered", name)
	}

	entry := &jobEntry{name: name, schedule: schedule, handler: handler}
	cronID, err := s.cron.AddFunc(schedule, func() { s.execute(name) })
	if err != nil {
		return fmt.Errorf("failed to schedule job %s: %w", name, err)
	}
	entry.cronID = cronID
	s.jobs[name] = entry

	s.logger.Info().Str("job", name).Str("schedule", schedule).Msg("Maintenance job registered")
	return nil
}

// Start launches the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("scheduler already running")
	}
	s.cron.Start()
	s.running = true
	s.logger.Info().Int("jobs", len(s.jobs)).Msg("Scheduler started")
	return nil
}

// Stop halts the cron runner and waits for running jobs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.logger.Info().Msg("Scheduler stopped")
}

// Trigger runs a job immediately, off the cron cadence.
func (s *Scheduler) Trigger(name string) error {
	s.mu.Lock()
	entry, exists := s.jobs[name]
	if !exists {
		s.mu.Unlock()
		return fmt.Errorf("job %s not found", name)
	}
	if entry.isRunning {
		s.mu.Unlock()
		return fmt.Errorf("job %s is already running", name)
	}
	s.mu.Unlock()

	go s.execute(name)
	return nil
}

// Statuses reports every job's schedule and last outcome.
func (s *Scheduler) Statuses() []JobStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make(map[cron.EntryID]time.Time, len(s.jobs))
	for _, ce := range s.cron.Entries() {
		next[ce.ID] = ce.Next
	}

	out := make([]JobStatus, 0, len(s.jobs))
	for _, entry := range s.jobs {
		status := JobStatus{
			Name:      entry.name,
			Schedule:  entry.schedule,
			LastRun:   entry.lastRun,
			LastError: entry.lastError,
			IsRunning: entry.isRunning,
		}
		if n, ok := next[entry.cronID]; ok && !n.IsZero() {
			status.NextRun = &n
		}
		out = append(out, status)
	}
	return out
}

// execute runs one job with panic recovery and outcome tracking. Jobs do
// not overlap themselves; a tick landing mid-run is skipped.
func (s *Scheduler) execute(name string) {
	s.mu.Lock()
	entry, exists := s.jobs[name]
	if !exists || entry.isRunning {
		s.mu.Unlock()
		return
	}
	entry.isRunning = true
	handler := entry.handler
	s.mu.Unlock()

	started := time.Now()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Str("job", name).
				Str("panic", fmt.Sprintf("%v", r)).
				Msg("Recovered from panic in maintenance job")
			s.finish(name, started, fmt.Errorf("panic: %v", r))
		}
	}()

	err := handler()
	s.finish(name, started, err)
}

func (s *Scheduler) finish(name string, started time.Time, err error) {
	now := time.Now()

	s.mu.Lock()
	if entry, exists := s.jobs[name]; exists {
		entry.isRunning = false
		entry.lastRun = &now
		if err != nil {
			entry.lastError = err.Error()
		} else {
			entry.lastError = ""
		}
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Warn().
			Str("job", name).
			Dur("duration", now.Sub(started)).
			Err(err).
			Msg("Maintenance job failed")
		return
	}
	s.logger.Debug().
		Str("job", name).
		Dur("duration", now.Sub(started)).
		Msg("Maintenance job completed")
}
