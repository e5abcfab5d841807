// Package watcher polls the upstream change-event feed per task and
// triggers a re-sync when relevant activity lands under a watched subtree.
package watcher

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/scheduler"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

// Watch loop states, as reported by Status.
const (
	StateStarting = "starting"
	StateRunning  = "running"
	StateFailed   = "failed"
	StateStopped  = "stopped"
)

// DefaultPollPeriod applies when a task enables watching without a period.
const DefaultPollPeriod = 300 * time.Second

// minPollPeriod floors configured periods so a typo cannot hammer the
// event feed.
const minPollPeriod = 10 * time.Second

// Trigger starts a task run; ErrRunInProgress is tolerated.
type Trigger interface {
	TriggerNow(ctx context.Context, taskID string) error
}

// Status describes one watch loop.
type Status struct {
	TaskID  string
	State   string
	Message string
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	state   string
	message string
}

func (l *loop) set(state, message string) {
	l.mu.Lock()
	l.state = state
	l.message = message
	l.mu.Unlock()
}

func (l *loop) status(taskID string) Status {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Status{TaskID: taskID, State: l.state, Message: l.message}
}

// Watcher manages one polling goroutine per watch-enabled task.
type Watcher struct {
	store   *store.Store
	pool    *pool.Pool
	trigger Trigger
	clock   clockwork.Clock
	logger  *slog.Logger

	mu    sync.Mutex
	loops map[string]*loop
}

// New creates a watcher. A nil clock selects the real one.
func New(st *store.Store, p *pool.Pool, trigger Trigger, clock clockwork.Clock, logger *slog.Logger) *Watcher {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Watcher{
		store:   st,
		pool:    p,
		trigger: trigger,
		clock:   clock,
		logger:  logger,
		loops:   make(map[string]*loop),
	}
}

// Start launches the watch loop for a task, replacing any previous loop.
// Tasks without watching enabled just stop their loop.
func (w *Watcher) Start(ctx context.Context, task *store.Task) {
	w.Stop(task.TaskID)

	if !task.Watch.Enabled {
		return
	}

	loopCtx, cancel := context.WithCancel(ctx)
	l := &loop{cancel: cancel, done: make(chan struct{}), state: StateStarting}

	w.mu.Lock()
	w.loops[task.TaskID] = l
	w.mu.Unlock()

	go w.run(loopCtx, task.TaskID, l)
}

// Stop ends the watch loop for a task and waits for it to exit.
func (w *Watcher) Stop(taskID string) {
	w.mu.Lock()
	l := w.loops[taskID]
	delete(w.loops, taskID)
	w.mu.Unlock()

	if l == nil {
		return
	}

	l.cancel()
	<-l.done
}

// StopAll ends every watch loop.
func (w *Watcher) StopAll() {
	w.mu.Lock()
	loops := w.loops
	w.loops = make(map[string]*loop)
	w.mu.Unlock()

	for _, l := range loops {
		l.cancel()
	}

	for _, l := range loops {
		<-l.done
	}
}

// StatusOf reports the loop state for one task; stopped when no loop runs.
func (w *Watcher) StatusOf(taskID string) Status {
	w.mu.Lock()
	l := w.loops[taskID]
	w.mu.Unlock()

	if l == nil {
		return Status{TaskID: taskID, State: StateStopped}
	}

	return l.status(taskID)
}

// Statuses reports every active loop.
func (w *Watcher) Statuses() []Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	out := make([]Status, 0, len(w.loops))
	for taskID, l := range w.loops {
		out = append(out, l.status(taskID))
	}

	return out
}

// run is the per-task poll loop. It reloads the task each cycle so cursor
// and watch settings edited elsewhere take effect without a restart.
func (w *Watcher) run(ctx context.Context, taskID string, l *loop) {
	defer close(l.done)

	w.logger.Info("watch loop started", slog.String("task_id", taskID))

	for {
		task, err := w.store.GetTask(ctx, taskID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				l.set(StateStopped, "task deleted")
			} else {
				l.set(StateFailed, err.Error())
			}

			w.logger.Warn("watch loop ending", slog.String("task_id", taskID), slog.String("error", err.Error()))

			return
		}

		if !task.Watch.Enabled {
			l.set(StateStopped, "watching disabled")
			return
		}

		l.set(StateRunning, "")

		if err := w.poll(ctx, task); err != nil {
			if errors.Is(err, upstream.ErrUnauthorized) {
				l.set(StateFailed, "upstream credential rejected")

				w.logger.Error("watch loop stopped, credential rejected",
					slog.String("task_id", taskID),
					slog.String("drive_id", task.DriveID),
				)

				return
			}

			// Transient failures keep the loop alive; the next cycle
			// retries from the persisted cursor.
			w.logger.Warn("event poll failed",
				slog.String("task_id", taskID),
				slog.String("error", err.Error()),
			)
		}

		select {
		case <-ctx.Done():
			l.set(StateStopped, "")
			return
		case <-w.clock.After(pollPeriod(task)):
		}
	}
}

// poll drains new events since the task's cursor, advances the cursor, and
// triggers a re-sync when any relevant event touched the watched subtree.
func (w *Watcher) poll(ctx context.Context, task *store.Task) error {
	drive, err := w.store.GetDrive(ctx, task.DriveID)
	if err != nil {
		return err
	}

	entry, err := w.pool.Acquire(ctx, drive.DriveID, drive.Kind)
	if err != nil {
		return err
	}

	cursor := task.Watch.LastEventCursor
	relevant := false

	for {
		events, next, err := entry.Client.ListEvents(ctx, entry.Credential, cursor, 0)
		if err != nil {
			w.pool.HandleUnauth(drive.DriveID, err)
			return err
		}

		for i := range events {
			if w.eventRelevant(ctx, entry, task, &events[i]) {
				relevant = true
			}
		}

		if next <= cursor {
			break
		}

		cursor = next

		if len(events) == 0 {
			break
		}
	}

	if cursor > task.Watch.LastEventCursor {
		if err := w.store.SetEventCursor(ctx, task.TaskID, cursor); err != nil {
			return err
		}
	}

	if !relevant {
		return nil
	}

	w.logger.Info("change events under watched subtree, triggering sync",
		slog.String("task_id", task.TaskID),
		slog.Int64("cursor", cursor),
	)

	err = w.trigger.TriggerNow(ctx, task.TaskID)
	if err != nil && !errors.Is(err, scheduler.ErrRunInProgress) {
		return err
	}

	return nil
}

// eventRelevant reports whether one event should trigger a re-sync. The
// scope check is best-effort: direct children of the root match on parent
// id alone; deeper events need one lookup of the parent folder, and lookup
// failures count as relevant so a sync is never wrongly suppressed.
func (w *Watcher) eventRelevant(ctx context.Context, entry *pool.Entry, task *store.Task, ev *upstream.Event) bool {
	if !upstream.SyncTriggerTypes[ev.TypeCode] {
		return false
	}

	if ev.ParentID == "" {
		return true
	}

	if ev.ParentID == task.SourceRootID {
		return true
	}

	parent, err := entry.Client.GetItem(ctx, entry.Credential, ev.ParentID)
	if err != nil {
		if errors.Is(err, upstream.ErrNotFound) {
			return false
		}

		return true
	}

	return parent.ParentID == task.SourceRootID || parent.ID == task.SourceRootID
}

func pollPeriod(task *store.Task) time.Duration {
	period := time.Duration(task.Watch.PollPeriodSeconds) * time.Second

	if period <= 0 {
		return DefaultPollPeriod
	}

	if period < minPollPeriod {
		return minPollPeriod
	}

	return period
}
