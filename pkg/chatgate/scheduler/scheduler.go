// Package scheduler runs named periodic tasks (the delayed-job promoter,
// the health reconciler sweep) on robfig/cron. A task never overlaps with
// itself: a tick that fires while the previous run is still active is
// skipped. Panics are recovered so one broken task cannot stop the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskFunc is the body of a periodic task.
type TaskFunc func(ctx context.Context) error

// Task is a registered periodic task.
type Task struct {
	Name     string        `json:"name"`
	Schedule string        `json:"schedule"`
	Timeout  time.Duration `json:"timeout"`

	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	LastError string     `json:"last_error,omitempty"`
	RunCount  int        `json:"run_count"`
	Skipped   int        `json:"skipped"`

	fn TaskFunc
}

// ErrUnknownTask is returned by RunNow for an unregistered name.
var ErrUnknownTask = errors.New("scheduler: unknown task")

// Scheduler owns a cron instance and its tasks.
type Scheduler struct {
	cron    *cron.Cron
	tasks   map[string]*Task
	running map[string]bool

	logger *slog.Logger
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a scheduler. Schedules accept standard 5-field cron
// expressions and descriptors such as "@every 30s".
func New(logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cron: cron.New(cron.WithParser(cron.NewParser(
			cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
		))),
		tasks:   make(map[string]*Task),
		running: make(map[string]bool),
		logger:  logger.With("component", "scheduler"),
		ctx:     context.Background(),
	}
}

// Add registers a task. timeout <= 0 means the task runs under the
// scheduler context only.
func (s *Scheduler) Add(name, schedule string, timeout time.Duration, fn TaskFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tasks[name]; exists {
		return fmt.Errorf("scheduler: task %q already registered", name)
	}

	task := &Task{Name: name, Schedule: schedule, Timeout: timeout, fn: fn}
	if _, err := s.cron.AddFunc(schedule, func() { s.execute(task) }); err != nil {
		return fmt.Errorf("scheduler: invalid schedule %q for %s: %w", schedule, name, err)
	}
	s.tasks[name] = task
	return nil
}

// Start begins firing tasks.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	s.ctx, s.cancel = context.WithCancel(ctx)
	count := len(s.tasks)
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", "tasks", count)
}

// Stop stops firing and waits up to timeout for running tasks.
func (s *Scheduler) Stop(timeout time.Duration) {
	done := s.cron.Stop()
	select {
	case <-done.Done():
	case <-time.After(timeout):
		s.logger.Warn("scheduler stop timed out")
	}

	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// RunNow executes a task synchronously outside its schedule.
func (s *Scheduler) RunNow(name string) error {
	s.mu.Lock()
	task, ok := s.tasks[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	s.execute(task)

	s.mu.Lock()
	defer s.mu.Unlock()
	if task.LastError != "" {
		return errors.New(task.LastError)
	}
	return nil
}

// Tasks returns a snapshot of registered tasks sorted by name.
func (s *Scheduler) Tasks() []Task {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Task, 0, len(s.tasks))
	for _, t := range s.tasks {
		c := *t
		c.fn = nil
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Scheduler) execute(task *Task) {
	s.mu.Lock()
	if s.running[task.Name] {
		task.Skipped++
		s.mu.Unlock()
		s.logger.Debug("skipping task (already running)", "task", task.Name)
		return
	}
	s.running[task.Name] = true
	now := time.Now()
	task.LastRunAt = &now
	task.RunCount++
	parent := s.ctx
	s.mu.Unlock()

	var err error
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.logger.Error("scheduled task panicked", "task", task.Name, "panic", r)
		}

		s.mu.Lock()
		delete(s.running, task.Name)
		task.LastError = ""
		if err != nil {
			task.LastError = err.Error()
		}
		s.mu.Unlock()

		if err != nil {
			s.logger.Warn("scheduled task failed", "task", task.Name, "error", err)
		}
	}()

	ctx := parent
	if task.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, task.Timeout)
		defer cancel()
	}
	err = task.fn(ctx)
}
