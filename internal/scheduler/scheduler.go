// Package scheduler triggers task runs on interval or cron schedules and
// serialises runs per task. A trigger that lands while the same task is
// still running fails fast instead of queueing.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"

	"github.com/strmgate/strmgate/internal/store"
)

// ErrRunInProgress is returned when a trigger lands on a task that is
// already running.
var ErrRunInProgress = errors.New("scheduler: task run already in progress")

// ErrNotRegistered is returned for operations on an unknown task.
var ErrNotRegistered = errors.New("scheduler: task not registered")

// Runner executes one task run to completion.
type Runner interface {
	Run(ctx context.Context, taskID string) (*store.RunLog, error)
}

// cronParser accepts standard five-field expressions.
var cronParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow,
)

// job is one registered schedule.
type job struct {
	taskID   string
	schedule store.Schedule
	cronExpr cron.Schedule // non-nil for cron schedules
	next     time.Time
	paused   bool
}

// Scheduler owns the trigger loop. All schedule state lives behind one
// mutex; runs execute on their own goroutines.
type Scheduler struct {
	runner Runner
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	jobs    map[string]*job
	running map[string]bool
	wake    chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler. A nil clock selects the real one.
func New(runner Runner, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		runner:  runner,
		clock:   clock,
		logger:  logger,
		jobs:    make(map[string]*job),
		running: make(map[string]bool),
		wake:    make(chan struct{}, 1),
	}
}

// Register adds or replaces the schedule for a task. Disabled or none
// schedules unregister instead, so callers can pass every task through.
func (s *Scheduler) Register(task *store.Task) error {
	if !task.Schedule.Enabled || task.Schedule.Kind == store.ScheduleNone {
		s.Unregister(task.TaskID)
		return nil
	}

	j := &job{taskID: task.TaskID, schedule: task.Schedule}

	switch task.Schedule.Kind {
	case store.ScheduleInterval:
		if task.Schedule.Period() <= 0 {
			return fmt.Errorf("scheduler: task %s has a non-positive interval", task.TaskID)
		}

		j.next = s.clock.Now().Add(task.Schedule.Period())
	case store.ScheduleCron:
		expr, err := cronParser.Parse(task.Schedule.CronExpr)
		if err != nil {
			return fmt.Errorf("scheduler: parsing cron %q for task %s: %w",
				task.Schedule.CronExpr, task.TaskID, err)
		}

		j.cronExpr = expr
		j.next = expr.Next(s.clock.Now())
	default:
		return fmt.Errorf("scheduler: unknown schedule kind %q", task.Schedule.Kind)
	}

	s.mu.Lock()
	s.jobs[task.TaskID] = j
	s.mu.Unlock()

	s.logger.Info("registered schedule",
		slog.String("task_id", task.TaskID),
		slog.String("kind", string(task.Schedule.Kind)),
		slog.Time("next_run", j.next),
	)

	s.poke()

	return nil
}

// Unregister removes a task's schedule. A run already in flight finishes.
func (s *Scheduler) Unregister(taskID string) {
	s.mu.Lock()
	_, existed := s.jobs[taskID]
	delete(s.jobs, taskID)
	s.mu.Unlock()

	if existed {
		s.logger.Info("unregistered schedule", slog.String("task_id", taskID))
		s.poke()
	}
}

// Pause keeps the schedule registered but stops it from firing.
func (s *Scheduler) Pause(taskID string) error {
	return s.setPaused(taskID, true)
}

// Resume re-arms a paused schedule. The next fire time is recomputed so a
// long pause does not cause an immediate backlog run.
func (s *Scheduler) Resume(taskID string) error {
	return s.setPaused(taskID, false)
}

func (s *Scheduler) setPaused(taskID string, paused bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	j, ok := s.jobs[taskID]
	if !ok {
		return ErrNotRegistered
	}

	j.paused = paused

	if !paused {
		j.next = s.nextFire(j, s.clock.Now())
	}

	s.poke()

	return nil
}

// TriggerNow starts a run immediately, outside any schedule. It returns
// ErrRunInProgress without blocking when the task is mid-run.
func (s *Scheduler) TriggerNow(ctx context.Context, taskID string) error {
	if !s.begin(taskID) {
		return ErrRunInProgress
	}

	s.launch(ctx, taskID, "manual")

	return nil
}

// IsRunning reports whether a run for the task is currently in flight.
func (s *Scheduler) IsRunning(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.running[taskID]
}

// Run drives the trigger loop until ctx is canceled, then waits for
// in-flight runs to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.wg.Wait()

	for {
		timer := s.clock.NewTimer(s.sleepFor())

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-s.wake:
			timer.Stop()
		case <-timer.Chan():
		}

		s.fireDue(ctx)
	}
}

// sleepFor returns the time until the earliest armed job, clamped so a
// registration race never leaves the loop asleep for long.
func (s *Scheduler) sleepFor() time.Duration {
	const idleSleep = time.Minute

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	sleep := idleSleep

	for _, j := range s.jobs {
		if j.paused {
			continue
		}

		if d := j.next.Sub(now); d < sleep {
			sleep = d
		}
	}

	if sleep < 0 {
		return 0
	}

	return sleep
}

// fireDue launches every due job and advances its next fire time. A job
// whose previous run is still going is skipped for this cycle.
func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.clock.Now()

	s.mu.Lock()

	var due []string

	for _, j := range s.jobs {
		if j.paused || j.next.After(now) {
			continue
		}

		j.next = s.nextFire(j, now)

		if s.running[j.taskID] {
			s.logger.Warn("skipping scheduled run, previous run still active",
				slog.String("task_id", j.taskID),
			)

			continue
		}

		s.running[j.taskID] = true
		due = append(due, j.taskID)
	}

	s.mu.Unlock()

	for _, taskID := range due {
		s.launch(ctx, taskID, "schedule")
	}
}

// nextFire computes the fire time after now for a job.
func (s *Scheduler) nextFire(j *job, now time.Time) time.Time {
	if j.cronExpr != nil {
		return j.cronExpr.Next(now)
	}

	return now.Add(j.schedule.Period())
}

// begin marks a task as running; false when it already is.
func (s *Scheduler) begin(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running[taskID] {
		return false
	}

	s.running[taskID] = true

	return true
}

// launch runs one task on its own goroutine. The caller must have marked
// the task running via begin or fireDue.
func (s *Scheduler) launch(ctx context.Context, taskID, trigger string) {
	s.wg.Add(1)

	go func() {
		defer s.wg.Done()

		defer func() {
			s.mu.Lock()
			delete(s.running, taskID)
			s.mu.Unlock()
		}()

		s.logger.Info("triggering run",
			slog.String("task_id", taskID),
			slog.String("trigger", trigger),
		)

		if _, err := s.runner.Run(ctx, taskID); err != nil {
			s.logger.Error("run failed",
				slog.String("task_id", taskID),
				slog.String("trigger", trigger),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// poke nudges the loop to recompute its sleep.
func (s *Scheduler) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
