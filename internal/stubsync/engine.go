package stubsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
)

// maxCapturedErrors bounds how many per-item error lines a run log keeps.
const maxCapturedErrors = 20

// progressEvery controls how often the live progress row is written
// during the apply loop.
const progressEvery = 1

// Engine executes one stub-synchronization run at a time per task. The
// scheduler enforces the per-task mutual exclusion; the engine itself is
// single-threaded within a run.
type Engine struct {
	store         *store.Store
	pool          *pool.Pool
	logger        *slog.Logger
	retryAttempts int
	httpClient    *http.Client
}

// New creates an engine.
func New(st *store.Store, p *pool.Pool, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}

	return &Engine{
		store:         st,
		pool:          p,
		logger:        logger,
		retryAttempts: upstream.DefaultRetryAttempts,
		httpClient:    &http.Client{Timeout: 5 * time.Minute},
	}
}

// mediaFolder is a remote folder containing at least one kept file; the
// scope for sidecar downloads.
type mediaFolder struct {
	id  string
	rel string
}

// Run executes the task top to bottom: walk, plan, apply, sidecars,
// finalise. Per-item failures are counted and the run continues; a failed
// walk or an unauthenticated upstream ends the run as error.
func (e *Engine) Run(ctx context.Context, taskID string) (*store.RunLog, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	drive, err := e.store.GetDrive(ctx, task.DriveID)
	if err != nil {
		return nil, err
	}

	runLog := &store.RunLog{
		RunID:     uuid.NewString(),
		TaskID:    taskID,
		StartedAt: time.Now().UTC(),
		Status:    store.TaskRunning,
	}

	if err := e.store.SetTaskState(ctx, taskID, store.TaskRunning); err != nil {
		return nil, err
	}

	e.logger.Info("starting sync run",
		slog.String("task_id", taskID),
		slog.String("run_id", runLog.RunID),
		slog.String("root_id", task.SourceRootID),
	)

	fatal := e.execute(ctx, task, drive, runLog)

	return runLog, e.finalize(ctx, task, runLog, fatal)
}

// execute performs the walk/plan/apply/sidecar phases, mutating runLog
// counters as it goes. A non-nil return is a fatal run error.
func (e *Engine) execute(ctx context.Context, task *store.Task, drive *store.Drive, runLog *store.RunLog) error {
	entry, err := e.pool.Acquire(ctx, drive.DriveID, drive.Kind)
	if err != nil {
		return err
	}

	kept, folders, scanned, err := e.walk(ctx, entry, task)
	if err != nil {
		e.pool.HandleUnauth(drive.DriveID, err)
		return err
	}

	runLog.Counters.Scanned = scanned

	records, err := e.store.FindRecordsByTask(ctx, task.TaskID, "")
	if err != nil {
		return err
	}

	plan := BuildPlan(task, kept, records)
	runLog.Counters.Skipped = plan.Skipped

	var capture []string

	for _, msg := range plan.CollisionErrors() {
		runLog.Counters.Errors++
		capture = appendCapped(capture, msg)
	}

	if err := e.store.SetTaskProgress(ctx, task.TaskID, len(plan.Actions), 0); err != nil {
		return err
	}

	for i := range plan.Actions {
		if err := ctx.Err(); err != nil {
			runLog.Trace = strings.Join(capture, "\n")
			return fmt.Errorf("stubsync: run canceled: %w", err)
		}

		action := &plan.Actions[i]

		if err := e.apply(ctx, entry, task, action, &runLog.Counters); err != nil {
			if errors.Is(err, upstream.ErrUnauthorized) {
				e.pool.HandleUnauth(drive.DriveID, err)
				runLog.Trace = strings.Join(capture, "\n")

				return err
			}

			runLog.Counters.Errors++
			capture = appendCapped(capture, fmt.Sprintf("%s %s: %v", action.Type, action.Item.Name, err))

			e.logger.Warn("apply step failed",
				slog.String("task_id", task.TaskID),
				slog.String("action", action.Type.String()),
				slog.String("item", action.Item.Name),
				slog.String("error", err.Error()),
			)
		}

		if (i+1)%progressEvery == 0 {
			if err := e.store.SetTaskProgress(ctx, task.TaskID, len(plan.Actions), i+1); err != nil {
				e.logger.Warn("progress update failed", slog.String("error", err.Error()))
			}
		}
	}

	if task.Options.CopySidecars {
		e.copySidecars(ctx, entry, task, folders, &runLog.Counters, &capture)
	}

	runLog.Trace = strings.Join(capture, "\n")

	return nil
}

// walk enumerates the source subtree, returning kept files in walker
// order, the media folders, and the count of files scanned.
func (e *Engine) walk(
	ctx context.Context, entry *pool.Entry, task *store.Task,
) ([]upstream.WalkEntry, []mediaFolder, int, error) {
	pred := NewPredicate(task.Filter)

	var (
		kept    []upstream.WalkEntry
		scanned int
		folders []mediaFolder
	)

	folderSeen := make(map[string]bool)

	// The whole walk restarts on a retryable failure, so the accumulators
	// reset with it.
	err := upstream.WithRetry(ctx, e.retryAttempts, func() error {
		kept = kept[:0]
		folders = folders[:0]
		scanned = 0
		clear(folderSeen)

		return entry.Client.WalkSubtree(ctx, entry.Credential, task.SourceRootID, false,
			func(we upstream.WalkEntry) error {
				scanned++

				if !pred.Keep(&we.Item) {
					return nil
				}

				kept = append(kept, we)

				if !folderSeen[we.Item.ParentID] {
					folderSeen[we.Item.ParentID] = true
					folders = append(folders, mediaFolder{
						id:  we.Item.ParentID,
						rel: path.Dir(we.RelPath),
					})
				}

				return nil
			})
	})
	if err != nil {
		return nil, nil, 0, err
	}

	return kept, folders, scanned, nil
}

// apply performs one planned action against the filesystem and record
// store, in that order for creates/updates and the reverse for deletes.
func (e *Engine) apply(
	ctx context.Context, entry *pool.Entry, task *store.Task, action *Action, counters *store.RunCounters,
) error {
	switch action.Type {
	case ActionCreate, ActionUpdate:
		return e.applyWrite(ctx, entry, task, action, counters)
	case ActionDelete:
		return e.applyDelete(ctx, action, counters)
	default:
		return fmt.Errorf("stubsync: unknown action type %d", action.Type)
	}
}

func (e *Engine) applyWrite(
	ctx context.Context, entry *pool.Entry, task *store.Task, action *Action, counters *store.RunCounters,
) error {
	item := action.Item

	// Listings usually carry the pick handle; fall back to a lookup.
	if item.PickHandle == "" {
		fetched, err := e.getItemRetry(ctx, entry, item.ID)
		if err != nil {
			return err
		}

		item.PickHandle = fetched.PickHandle
		action.Contents = StubContents(task.StubBaseURL, placeholderKind(task), item.PickHandle)
	}

	// A rename or layout change leaves the old stub behind; remove it
	// before writing the new one.
	if action.Record != nil && action.Record.StubPath != "" && action.Record.StubPath != action.StubPath {
		if err := os.Remove(action.Record.StubPath); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("stubsync: removing old stub %s: %w", action.Record.StubPath, err)
		}
	}

	if err := writeStub(action.StubPath, action.Contents); err != nil {
		return err
	}

	rec := &store.StubRecord{
		RecordID:     store.RecordID(task.TaskID, item.ID),
		TaskID:       task.TaskID,
		ItemID:       item.ID,
		FileName:     item.Name,
		FileSize:     item.Size,
		ParentID:     item.ParentID,
		PickHandle:   item.PickHandle,
		SHA1:         item.SHA1,
		ModifiedAt:   item.ModifiedAt,
		StubPath:     action.StubPath,
		StubContents: action.Contents,
		State:        store.RecordActive,
	}

	if err := e.store.UpsertRecord(ctx, rec); err != nil {
		return err
	}

	if action.Type == ActionCreate {
		counters.Created++
	} else {
		counters.Updated++
	}

	return nil
}

func (e *Engine) applyDelete(ctx context.Context, action *Action, counters *store.RunCounters) error {
	if err := os.Remove(action.Record.StubPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("stubsync: removing stub %s: %w", action.Record.StubPath, err)
	}

	if err := e.store.MarkRecordDeleted(ctx, action.Record.RecordID); err != nil {
		return err
	}

	counters.Deleted++

	return nil
}

// getItemRetry wraps the single-item lookup in the call-site retry policy.
func (e *Engine) getItemRetry(ctx context.Context, entry *pool.Entry, itemID string) (*upstream.Item, error) {
	var item *upstream.Item

	err := upstream.WithRetry(ctx, e.retryAttempts, func() error {
		var err error
		item, err = entry.Client.GetItem(ctx, entry.Credential, itemID)

		return err
	})

	return item, err
}

// finalize writes the run log, resets progress, and updates the task's
// terminal state. Transient progress fields clear even on failure.
func (e *Engine) finalize(ctx context.Context, task *store.Task, runLog *store.RunLog, fatal error) error {
	runLog.FinishedAt = time.Now().UTC()
	runLog.Duration = runLog.FinishedAt.Sub(runLog.StartedAt)

	status := store.TaskSuccess
	message := fmt.Sprintf("created %d, updated %d, deleted %d, skipped %d",
		runLog.Counters.Created, runLog.Counters.Updated, runLog.Counters.Deleted, runLog.Counters.Skipped)

	if fatal != nil {
		status = store.TaskError
		message = fatal.Error()
	}

	runLog.Status = status
	runLog.Message = message

	// The run may have been canceled; the bookkeeping writes still go
	// through so disk and records stay explainable.
	logCtx := ctx
	if logCtx.Err() != nil {
		var cancel context.CancelFunc
		logCtx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
	}

	if err := e.store.AppendRunLog(logCtx, runLog); err != nil {
		e.logger.Error("failed to append run log",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}

	if err := e.store.FinishTaskRun(logCtx, task.TaskID, status, message, runLog.Counters.Created); err != nil {
		e.logger.Error("failed to record run result",
			slog.String("task_id", task.TaskID),
			slog.String("error", err.Error()),
		)
	}

	e.logger.Info("sync run finished",
		slog.String("task_id", task.TaskID),
		slog.String("run_id", runLog.RunID),
		slog.String("status", status),
		slog.Int("scanned", runLog.Counters.Scanned),
		slog.Int("created", runLog.Counters.Created),
		slog.Int("updated", runLog.Counters.Updated),
		slog.Int("deleted", runLog.Counters.Deleted),
		slog.Int("errors", runLog.Counters.Errors),
		slog.Duration("duration", runLog.Duration),
	)

	return fatal
}

// writeStub writes a one-line stub file, creating parent directories.
func writeStub(path, contents string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("stubsync: creating directory for %s: %w", path, err)
	}

	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		return fmt.Errorf("stubsync: writing stub %s: %w", path, err)
	}

	return nil
}

func appendCapped(capture []string, msg string) []string {
	if len(capture) >= maxCapturedErrors {
		return capture
	}

	return append(capture, msg)
}
