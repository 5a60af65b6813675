// Package scheduler runs periodic maintenance jobs on cron schedules using
// robfig/cron. Jobs are in-process functions; a job that is still running
// when its next tick fires is skipped.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultJobTimeout bounds a single job execution.
const DefaultJobTimeout = 2 * time.Minute

// JobFunc is the work a job performs.
type JobFunc func(ctx context.Context) error

// Job is a named function on a cron schedule.
type Job struct {
	// Name identifies the job in logs.
	Name string

	// Schedule is a 5-field cron expression or a descriptor such as
	// @hourly or "@every 15m".
	Schedule string

	Run JobFunc
}

// Status describes a registered job.
type Status struct {
	Name      string
	Schedule  string
	RunCount  int
	LastRunAt *time.Time
	LastError string
	Next      time.Time
}

type entry struct {
	job     Job
	id      cron.EntryID
	running bool
	runs    int
	lastRun *time.Time
	lastErr string
}

// Scheduler manages cron jobs.
type Scheduler struct {
	cron       *cron.Cron
	jobTimeout time.Duration
	logger     *slog.Logger

	mu      sync.Mutex
	entries map[string]*entry

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Scheduler. Jobs may be added before or after Start.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		jobTimeout: DefaultJobTimeout,
		logger:     logger.With("component", "scheduler"),
		entries:    make(map[string]*entry),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// SetJobTimeout overrides DefaultJobTimeout.
func (s *Scheduler) SetJobTimeout(d time.Duration) {
	if d > 0 {
		s.jobTimeout = d
	}
}

// Add registers job. The schedule is parsed immediately.
func (s *Scheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if job.Run == nil {
		return fmt.Errorf("job %q has no function", job.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("job %q already exists", job.Name)
	}
	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() { s.execute(e) })
	if err != nil {
		return fmt.Errorf("invalid schedule %q: %w", job.Schedule, err)
	}
	e.id = id
	s.entries[job.Name] = e

	s.logger.Info("job added", "job", job.Name, "schedule", job.Schedule)
	return nil
}

// Remove unregisters a job.
func (s *Scheduler) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	s.cron.Remove(e.id)
	delete(s.entries, name)
	return nil
}

// RunNow executes a job synchronously, outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("job %q not found", name)
	}
	return s.execute(e)
}

// List returns the status of every job, sorted by name.
func (s *Scheduler) List() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, Status{
			Name:      e.job.Name,
			Schedule:  e.job.Schedule,
			RunCount:  e.runs,
			LastRunAt: e.lastRun,
			LastError: e.lastErr,
			Next:      s.cron.Entry(e.id).Next,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Start begins firing jobs.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.mu.Lock()
	n := len(s.entries)
	s.mu.Unlock()
	s.logger.Info("scheduler started", "jobs", n)
}

// Stop halts the cron loop, cancels running jobs and waits for them to
// return.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) execute(e *entry) error {
	s.mu.Lock()
	if e.running {
		s.mu.Unlock()
		s.logger.Warn("job still running, skipping", "job", e.job.Name)
		return nil
	}
	e.running = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(s.ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := e.job.Run(ctx)

	s.mu.Lock()
	e.running = false
	e.runs++
	e.lastRun = &start
	e.lastErr = ""
	if err != nil {
		e.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("job failed", "job", e.job.Name, "error", err, "duration_ms", time.Since(start).Milliseconds())
		return err
	}
	s.logger.Debug("job completed", "job", e.job.Name, "duration_ms", time.Since(start).Milliseconds())
	return nil
}
