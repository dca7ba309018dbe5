// Package scheduler asks saved questions on cron schedules.
package scheduler

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/user/askstream/internal/state"
)

// Handler is the callback invoked when a scheduled task fires.
type Handler func(task *state.Task)

// Scheduler evaluates cron expressions from the task store and fires tasks
// through a handler callback.
type Scheduler struct {
	store   *state.TaskStore
	handler Handler
	logger  *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// cronParser accepts both standard 5-field cron expressions and 6-field
// expressions with an optional seconds field.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Validate reports whether expr is a schedule the scheduler accepts.
func Validate(expr string) error {
	if _, err := cronParser.Parse(expr); err != nil {
		return fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return nil
}

// New creates a new Scheduler backed by the given task store. The handler is
// called each time a scheduled task fires.
func New(store *state.TaskStore, handler Handler) *Scheduler {
	return &Scheduler{
		store:   store,
		handler: handler,
		logger:  slog.Default().With("component", "scheduler"),
		cron:    cron.New(cron.WithParser(cronParser)),
	}
}

// Start loads tasks from the store, registers enabled tasks that have a
// schedule as cron entries, and starts the cron ticker. It returns the
// number of tasks scheduled.
func (s *Scheduler) Start() (int, error) {
	tasks, err := s.store.List()
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	scheduled := 0
	for _, task := range tasks {
		if task.Schedule == "" || !task.Enabled {
			continue
		}

		_, err := s.cron.AddFunc(task.Schedule, func() {
			s.logger.Info("cron firing task", "name", task.Name, "thread_key", string(task.ThreadKey))
			s.handler(task)
		})
		if err != nil {
			s.logger.Error("invalid cron schedule", "name", task.Name, "schedule", task.Schedule, "error", err)
			continue
		}
		scheduled++
		s.logger.Info("scheduled task", "name", task.Name, "schedule", task.Schedule)
	}

	s.cron.Start()
	return scheduled, nil
}

// Reload stops the existing cron, creates a new one, and calls Start() again.
func (s *Scheduler) Reload() (int, error) {
	s.Stop()
	s.mu.Lock()
	s.cron = cron.New(cron.WithParser(cronParser))
	s.mu.Unlock()
	return s.Start()
}

// Stop stops the cron ticker and waits for running handlers.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	<-c.Stop().Done()
}
