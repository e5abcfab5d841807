package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
)

// Task states.
const (
	TaskIdle    = "idle"
	TaskPending = "pending"
	TaskRunning = "running"
	TaskSuccess = "success"
	TaskError   = "error"
)

// ScheduleKind selects the trigger variant of a task schedule.
type ScheduleKind string

const (
	ScheduleNone     ScheduleKind = "none"
	ScheduleInterval ScheduleKind = "interval"
	ScheduleCron     ScheduleKind = "cron"
)

// Interval units.
const (
	UnitMinutes = "minutes"
	UnitHours   = "hours"
	UnitDays    = "days"
)

// Schedule is a tagged union: none, interval(value, unit), or a five-field
// cron expression.
type Schedule struct {
	Enabled       bool
	Kind          ScheduleKind
	IntervalValue int
	IntervalUnit  string
	CronExpr      string
}

// Period returns the interval duration for interval schedules.
func (s *Schedule) Period() time.Duration {
	switch s.IntervalUnit {
	case UnitHours:
		return time.Duration(s.IntervalValue) * time.Hour
	case UnitDays:
		return time.Duration(s.IntervalValue) * 24 * time.Hour
	default:
		return time.Duration(s.IntervalValue) * time.Minute
	}
}

// Filter selects which remote files become stubs.
type Filter struct {
	IncludeVideo     bool
	IncludeAudio     bool
	CustomExtensions []string
}

// Watch configures the change-event poller for a task.
type Watch struct {
	Enabled           bool
	PollPeriodSeconds int
	LastEventCursor   int64
}

// SyncOptions tune a single run of the sync engine.
type SyncOptions struct {
	DeleteOrphans     bool
	PreserveLayout    bool
	OverwriteExisting bool
	CopySidecars      bool
}

// Task is one stub-synchronization definition.
type Task struct {
	TaskID       string
	Name         string
	DriveID      string
	SourceRootID string
	OutputDir    string
	StubBaseURL  string

	Filter   Filter
	Schedule Schedule
	Watch    Watch
	Options  SyncOptions

	State             string
	LastRunAt         time.Time
	LastRunStatus     string
	LastRunMessage    string
	TotalRuns         int
	TotalItemsCreated int
	TotalItems        int
	CurrentIndex      int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewTaskID returns a fresh task identity.
func NewTaskID() string {
	return "task_" + uuid.NewString()
}

// Validate checks the fields a task must carry before it is persisted.
func (t *Task) Validate() error {
	switch {
	case t.Name == "":
		return errors.New("store: task name must not be empty")
	case t.DriveID == "":
		return errors.New("store: task drive_id must not be empty")
	case t.SourceRootID == "":
		return errors.New("store: task source_root_id must not be empty")
	case !filepath.IsAbs(t.OutputDir):
		return fmt.Errorf("store: task output_dir %q must be absolute", t.OutputDir)
	}

	if t.Schedule.Kind == ScheduleInterval && t.Schedule.IntervalValue <= 0 {
		return errors.New("store: interval schedule requires a positive period")
	}

	if t.Schedule.Kind == ScheduleCron && t.Schedule.CronExpr == "" {
		return errors.New("store: cron schedule requires an expression")
	}

	return nil
}

// CreateTask inserts a task after validation. The referenced drive must
// exist (enforced by the foreign key).
func (s *Store) CreateTask(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	now := time.Now().UTC()
	t.CreatedAt = now
	t.UpdatedAt = now

	if t.State == "" {
		t.State = TaskIdle
	}

	if t.Schedule.Kind == "" {
		t.Schedule.Kind = ScheduleNone
	}

	exts, err := encodeExtensions(t.Filter.CustomExtensions)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (task_id, name, drive_id, source_root_id, output_dir, stub_base_url,
			include_video, include_audio, custom_extensions,
			schedule_enabled, schedule_kind, interval_value, interval_unit, cron_expr,
			watch_enabled, poll_period_seconds, last_event_cursor,
			delete_orphans, preserve_layout, overwrite_existing, copy_sidecars,
			state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.TaskID, t.Name, t.DriveID, t.SourceRootID, t.OutputDir, t.StubBaseURL,
		boolToInt(t.Filter.IncludeVideo), boolToInt(t.Filter.IncludeAudio), exts,
		boolToInt(t.Schedule.Enabled), string(t.Schedule.Kind), t.Schedule.IntervalValue,
		t.Schedule.IntervalUnit, t.Schedule.CronExpr,
		boolToInt(t.Watch.Enabled), t.Watch.PollPeriodSeconds, t.Watch.LastEventCursor,
		boolToInt(t.Options.DeleteOrphans), boolToInt(t.Options.PreserveLayout),
		boolToInt(t.Options.OverwriteExisting), boolToInt(t.Options.CopySidecars),
		t.State, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("store: inserting task %s: %w", t.TaskID, err)
	}

	return nil
}

// UpdateTask rewrites the definition fields of a task (not status or
// progress). Callers that change schedule or watch fields must re-register
// the task with the scheduler.
func (s *Store) UpdateTask(ctx context.Context, t *Task) error {
	if err := t.Validate(); err != nil {
		return err
	}

	exts, err := encodeExtensions(t.Filter.CustomExtensions)
	if err != nil {
		return err
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET name = ?, source_root_id = ?, output_dir = ?, stub_base_url = ?,
			include_video = ?, include_audio = ?, custom_extensions = ?,
			schedule_enabled = ?, schedule_kind = ?, interval_value = ?, interval_unit = ?, cron_expr = ?,
			watch_enabled = ?, poll_period_seconds = ?,
			delete_orphans = ?, preserve_layout = ?, overwrite_existing = ?, copy_sidecars = ?,
			updated_at = ?
		 WHERE task_id = ?`,
		t.Name, t.SourceRootID, t.OutputDir, t.StubBaseURL,
		boolToInt(t.Filter.IncludeVideo), boolToInt(t.Filter.IncludeAudio), exts,
		boolToInt(t.Schedule.Enabled), string(t.Schedule.Kind), t.Schedule.IntervalValue,
		t.Schedule.IntervalUnit, t.Schedule.CronExpr,
		boolToInt(t.Watch.Enabled), t.Watch.PollPeriodSeconds,
		boolToInt(t.Options.DeleteOrphans), boolToInt(t.Options.PreserveLayout),
		boolToInt(t.Options.OverwriteExisting), boolToInt(t.Options.CopySidecars),
		time.Now().Unix(), t.TaskID)
	if err != nil {
		return fmt.Errorf("store: updating task %s: %w", t.TaskID, err)
	}

	return requireRow(result, "task "+t.TaskID)
}

// GetTask returns one task by id.
func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	t, err := scanTaskFrom(s.db.QueryRowContext(ctx, taskSelectCols+`WHERE task_id = ?`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return t, err
}

// ListTasks returns all tasks, optionally restricted to one drive.
func (s *Store) ListTasks(ctx context.Context, driveID string) ([]Task, error) {
	query := taskSelectCols + `ORDER BY created_at`
	args := []any{}

	if driveID != "" {
		query = taskSelectCols + `WHERE drive_id = ? ORDER BY created_at`
		args = append(args, driveID)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: listing tasks: %w", err)
	}
	defer rows.Close()

	var tasks []Task

	for rows.Next() {
		t, scanErr := scanTaskFrom(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		tasks = append(tasks, *t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating tasks: %w", err)
	}

	return tasks, nil
}

// DeleteTask removes a task; stub records and run logs cascade.
func (s *Store) DeleteTask(ctx context.Context, taskID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE task_id = ?`, taskID)
	if err != nil {
		return fmt.Errorf("store: deleting task %s: %w", taskID, err)
	}

	return requireRow(result, "task "+taskID)
}

// SetTaskState updates the task state column only.
func (s *Store) SetTaskState(ctx context.Context, taskID, state string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, updated_at = ? WHERE task_id = ?`,
		state, time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("store: setting task %s state: %w", taskID, err)
	}

	return requireRow(result, "task "+taskID)
}

// SetTaskProgress updates the live progress counters set during a run.
func (s *Store) SetTaskProgress(ctx context.Context, taskID string, totalItems, currentIndex int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET total_items = ?, current_index = ? WHERE task_id = ?`,
		totalItems, currentIndex, taskID)
	if err != nil {
		return fmt.Errorf("store: setting task %s progress: %w", taskID, err)
	}

	return nil
}

// FinishTaskRun records the terminal status of a run on the task row and
// clears the transient progress fields. itemsCreated accumulates into the
// lifetime counter.
func (s *Store) FinishTaskRun(ctx context.Context, taskID, status, message string, itemsCreated int) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, last_run_at = ?, last_run_status = ?, last_run_message = ?,
			total_runs = total_runs + 1, total_items_created = total_items_created + ?,
			total_items = 0, current_index = 0, updated_at = ?
		 WHERE task_id = ?`,
		status, time.Now().Unix(), status, message, itemsCreated, time.Now().Unix(), taskID)
	if err != nil {
		return fmt.Errorf("store: finishing task %s run: %w", taskID, err)
	}

	return nil
}

// SetEventCursor advances the persisted watch cursor. The cursor is
// monotonic: a smaller value than the stored one is ignored.
func (s *Store) SetEventCursor(ctx context.Context, taskID string, cursor int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET last_event_cursor = ? WHERE task_id = ? AND last_event_cursor < ?`,
		cursor, taskID, cursor)
	if err != nil {
		return fmt.Errorf("store: setting task %s event cursor: %w", taskID, err)
	}

	return nil
}

const taskSelectCols = `SELECT task_id, name, drive_id, source_root_id, output_dir, stub_base_url,
	include_video, include_audio, custom_extensions,
	schedule_enabled, schedule_kind, interval_value, interval_unit, cron_expr,
	watch_enabled, poll_period_seconds, last_event_cursor,
	delete_orphans, preserve_layout, overwrite_existing, copy_sidecars,
	state, last_run_at, last_run_status, last_run_message,
	total_runs, total_items_created, total_items, current_index,
	created_at, updated_at
 FROM tasks `

func scanTaskFrom(sc rowScanner) (*Task, error) {
	var (
		t          Task
		incVideo   int
		incAudio   int
		exts       string
		schedOn    int
		schedKind  string
		watchOn    int
		delOrphans int
		preserve   int
		overwrite  int
		sidecars   int
		lastRunAt  int64
		createdAt  int64
		updatedAt  int64
	)

	err := sc.Scan(&t.TaskID, &t.Name, &t.DriveID, &t.SourceRootID, &t.OutputDir, &t.StubBaseURL,
		&incVideo, &incAudio, &exts,
		&schedOn, &schedKind, &t.Schedule.IntervalValue, &t.Schedule.IntervalUnit, &t.Schedule.CronExpr,
		&watchOn, &t.Watch.PollPeriodSeconds, &t.Watch.LastEventCursor,
		&delOrphans, &preserve, &overwrite, &sidecars,
		&t.State, &lastRunAt, &t.LastRunStatus, &t.LastRunMessage,
		&t.TotalRuns, &t.TotalItemsCreated, &t.TotalItems, &t.CurrentIndex,
		&createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("store: scanning task: %w", err)
	}

	t.Filter.IncludeVideo = incVideo == 1
	t.Filter.IncludeAudio = incAudio == 1
	t.Schedule.Enabled = schedOn == 1
	t.Schedule.Kind = ScheduleKind(schedKind)
	t.Watch.Enabled = watchOn == 1
	t.Options.DeleteOrphans = delOrphans == 1
	t.Options.PreserveLayout = preserve == 1
	t.Options.OverwriteExisting = overwrite == 1
	t.Options.CopySidecars = sidecars == 1
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if lastRunAt > 0 {
		t.LastRunAt = time.Unix(lastRunAt, 0).UTC()
	}

	if exts != "" {
		if err := json.Unmarshal([]byte(exts), &t.Filter.CustomExtensions); err != nil {
			return nil, fmt.Errorf("store: parsing custom extensions for %s: %w", t.TaskID, err)
		}
	}

	return &t, nil
}

// encodeExtensions serialises the custom extension set as a JSON array,
// or "" when the set is empty.
func encodeExtensions(exts []string) (string, error) {
	if len(exts) == 0 {
		return "", nil
	}

	b, err := json.Marshal(exts)
	if err != nil {
		return "", fmt.Errorf("store: encoding custom extensions: %w", err)
	}

	return string(b), nil
}

// requireRow converts a zero-rows-affected update into ErrNotFound.
func requireRow(result sql.Result, what string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: %s rows affected: %w", what, err)
	}

	if n == 0 {
		return fmt.Errorf("store: %s: %w", what, ErrNotFound)
	}

	return nil
}
