package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/strmgate/strmgate/internal/store"
)

// taskRequest is the JSON body for task create and update.
type taskRequest struct {
	Name         string `json:"name"`
	DriveID      string `json:"drive_id"`
	SourceRootID string `json:"source_root_id"`
	OutputDir    string `json:"output_dir"`
	StubBaseURL  string `json:"stub_base_url"`

	Filter struct {
		IncludeVideo     bool     `json:"include_video"`
		IncludeAudio     bool     `json:"include_audio"`
		CustomExtensions []string `json:"custom_extensions"`
	} `json:"filter"`

	Schedule struct {
		Enabled       bool   `json:"enabled"`
		Kind          string `json:"kind"`
		IntervalValue int    `json:"interval_value"`
		IntervalUnit  string `json:"interval_unit"`
		CronExpr      string `json:"cron_expr"`
	} `json:"schedule"`

	Watch struct {
		Enabled           bool `json:"enabled"`
		PollPeriodSeconds int  `json:"poll_period_seconds"`
	} `json:"watch"`

	Options struct {
		DeleteOrphans     bool `json:"delete_orphans"`
		PreserveLayout    bool `json:"preserve_layout"`
		OverwriteExisting bool `json:"overwrite_existing"`
		CopySidecars      bool `json:"copy_sidecars"`
	} `json:"options"`
}

// apply copies the request onto a task, leaving identity and status alone.
func (req *taskRequest) apply(t *store.Task) {
	t.Name = req.Name
	t.SourceRootID = req.SourceRootID
	t.OutputDir = req.OutputDir
	t.StubBaseURL = req.StubBaseURL

	t.Filter.IncludeVideo = req.Filter.IncludeVideo
	t.Filter.IncludeAudio = req.Filter.IncludeAudio
	t.Filter.CustomExtensions = req.Filter.CustomExtensions

	t.Schedule.Enabled = req.Schedule.Enabled
	t.Schedule.Kind = store.ScheduleKind(req.Schedule.Kind)
	t.Schedule.IntervalValue = req.Schedule.IntervalValue
	t.Schedule.IntervalUnit = req.Schedule.IntervalUnit
	t.Schedule.CronExpr = req.Schedule.CronExpr

	t.Watch.Enabled = req.Watch.Enabled
	t.Watch.PollPeriodSeconds = req.Watch.PollPeriodSeconds

	t.Options.DeleteOrphans = req.Options.DeleteOrphans
	t.Options.PreserveLayout = req.Options.PreserveLayout
	t.Options.OverwriteExisting = req.Options.OverwriteExisting
	t.Options.CopySidecars = req.Options.CopySidecars
}

// taskView is the JSON rendering of one task.
type taskView struct {
	TaskID       string `json:"task_id"`
	Name         string `json:"name"`
	DriveID      string `json:"drive_id"`
	SourceRootID string `json:"source_root_id"`
	OutputDir    string `json:"output_dir"`
	StubBaseURL  string `json:"stub_base_url,omitempty"`

	Filter struct {
		IncludeVideo     bool     `json:"include_video"`
		IncludeAudio     bool     `json:"include_audio"`
		CustomExtensions []string `json:"custom_extensions,omitempty"`
	} `json:"filter"`

	Schedule struct {
		Enabled       bool   `json:"enabled"`
		Kind          string `json:"kind"`
		IntervalValue int    `json:"interval_value,omitempty"`
		IntervalUnit  string `json:"interval_unit,omitempty"`
		CronExpr      string `json:"cron_expr,omitempty"`
	} `json:"schedule"`

	Watch struct {
		Enabled           bool   `json:"enabled"`
		PollPeriodSeconds int    `json:"poll_period_seconds,omitempty"`
		LastEventCursor   int64  `json:"last_event_cursor,omitempty"`
		LoopState         string `json:"loop_state,omitempty"`
	} `json:"watch"`

	Options struct {
		DeleteOrphans     bool `json:"delete_orphans"`
		PreserveLayout    bool `json:"preserve_layout"`
		OverwriteExisting bool `json:"overwrite_existing"`
		CopySidecars      bool `json:"copy_sidecars"`
	} `json:"options"`

	State             string `json:"state"`
	LastRunAt         string `json:"last_run_at,omitempty"`
	LastRunStatus     string `json:"last_run_status,omitempty"`
	LastRunMessage    string `json:"last_run_message,omitempty"`
	TotalRuns         int    `json:"total_runs"`
	TotalItemsCreated int    `json:"total_items_created"`
	TotalItems        int    `json:"total_items,omitempty"`
	CurrentIndex      int    `json:"current_index,omitempty"`
	CreatedAt         string `json:"created_at"`
	UpdatedAt         string `json:"updated_at"`
}

func (s *Server) toTaskView(t *store.Task) taskView {
	var v taskView

	v.TaskID = t.TaskID
	v.Name = t.Name
	v.DriveID = t.DriveID
	v.SourceRootID = t.SourceRootID
	v.OutputDir = t.OutputDir
	v.StubBaseURL = t.StubBaseURL

	v.Filter.IncludeVideo = t.Filter.IncludeVideo
	v.Filter.IncludeAudio = t.Filter.IncludeAudio
	v.Filter.CustomExtensions = t.Filter.CustomExtensions

	v.Schedule.Enabled = t.Schedule.Enabled
	v.Schedule.Kind = string(t.Schedule.Kind)
	v.Schedule.IntervalValue = t.Schedule.IntervalValue
	v.Schedule.IntervalUnit = t.Schedule.IntervalUnit
	v.Schedule.CronExpr = t.Schedule.CronExpr

	v.Watch.Enabled = t.Watch.Enabled
	v.Watch.PollPeriodSeconds = t.Watch.PollPeriodSeconds
	v.Watch.LastEventCursor = t.Watch.LastEventCursor
	v.Watch.LoopState = s.watcher.StatusOf(t.TaskID).State

	v.Options.DeleteOrphans = t.Options.DeleteOrphans
	v.Options.PreserveLayout = t.Options.PreserveLayout
	v.Options.OverwriteExisting = t.Options.OverwriteExisting
	v.Options.CopySidecars = t.Options.CopySidecars

	v.State = t.State
	v.LastRunStatus = t.LastRunStatus
	v.LastRunMessage = t.LastRunMessage
	v.TotalRuns = t.TotalRuns
	v.TotalItemsCreated = t.TotalItemsCreated
	v.TotalItems = t.TotalItems
	v.CurrentIndex = t.CurrentIndex
	v.CreatedAt = t.CreatedAt.UTC().Format(time.RFC3339)
	v.UpdatedAt = t.UpdatedAt.UTC().Format(time.RFC3339)

	if !t.LastRunAt.IsZero() {
		v.LastRunAt = t.LastRunAt.UTC().Format(time.RFC3339)
	}

	return v
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.ListTasks(r.Context(), r.URL.Query().Get("drive_id"))
	if err != nil {
		writeError(w, err)
		return
	}

	views := make([]taskView, len(tasks))
	for i := range tasks {
		views[i] = s.toTaskView(&tasks[i])
	}

	writeJSON(w, http.StatusOK, map[string]any{"tasks": views})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	task := &store.Task{TaskID: store.NewTaskID(), DriveID: req.DriveID}
	req.apply(task)

	if err := task.Validate(); err != nil {
		badRequest(w, err.Error())
		return
	}

	if _, err := s.store.GetDrive(r.Context(), task.DriveID); err != nil {
		writeError(w, err)
		return
	}

	if err := s.store.CreateTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}

	if err := s.registerTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, s.toTaskView(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.toTaskView(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req taskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		badRequest(w, "invalid JSON body")
		return
	}

	req.apply(task)

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}

	if err := s.registerTask(r.Context(), task); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, s.toTaskView(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	s.scheduler.Unregister(taskID)
	s.watcher.Stop(taskID)

	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"deleted": taskID})
}

// handleExecuteTask starts a manual run: 202 when started, 409 when the
// task is already running.
func (s *Server) handleExecuteTask(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}

	// The run outlives the request; it gets the server's base context,
	// not the request's.
	if err := s.scheduler.TriggerNow(s.baseCtx(), taskID); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID, "state": "started"})
}

func (s *Server) handleTaskLogs(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		writeError(w, err)
		return
	}

	logs, err := s.store.ListRunLogs(r.Context(), taskID, queryInt(r, "limit", 0))
	if err != nil {
		writeError(w, err)
		return
	}

	type logView struct {
		RunID      string `json:"run_id"`
		StartedAt  string `json:"started_at"`
		FinishedAt string `json:"finished_at,omitempty"`
		DurationMS int64  `json:"duration_ms"`
		Status     string `json:"status"`
		Scanned    int    `json:"scanned"`
		Created    int    `json:"created"`
		Updated    int    `json:"updated"`
		Deleted    int    `json:"deleted"`
		Skipped    int    `json:"skipped"`
		Errors     int    `json:"errors"`
		Message    string `json:"message,omitempty"`
		Trace      string `json:"trace,omitempty"`
	}

	views := make([]logView, len(logs))

	for i, rl := range logs {
		views[i] = logView{
			RunID:      rl.RunID,
			StartedAt:  rl.StartedAt.UTC().Format(time.RFC3339),
			DurationMS: rl.Duration.Milliseconds(),
			Status:     rl.Status,
			Scanned:    rl.Counters.Scanned,
			Created:    rl.Counters.Created,
			Updated:    rl.Counters.Updated,
			Deleted:    rl.Counters.Deleted,
			Skipped:    rl.Counters.Skipped,
			Errors:     rl.Counters.Errors,
			Message:    rl.Message,
			Trace:      rl.Trace,
		}

		if !rl.FinishedAt.IsZero() {
			views[i].FinishedAt = rl.FinishedAt.UTC().Format(time.RFC3339)
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{"logs": views})
}

// registerTask pushes a task's schedule and watch config to the runtime
// components after create or update.
func (s *Server) registerTask(ctx context.Context, task *store.Task) error {
	if err := s.scheduler.Register(task); err != nil {
		return err
	}

	s.watcher.Start(s.baseCtx(), task)

	return nil
}
