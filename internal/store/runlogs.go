package store

import (
	"context"
	"fmt"
	"time"
)

// RunCounters are the aggregate counters of one sync run.
type RunCounters struct {
	Scanned         int
	Created         int
	Updated         int
	Deleted         int
	Skipped         int
	SidecarsCopied  int
	SidecarsSkipped int
	Errors          int
}

// RunLog is one persisted task execution.
type RunLog struct {
	ID         int64
	RunID      string
	TaskID     string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Status     string
	Counters   RunCounters
	Message    string
	Trace      string
}

// AppendRunLog writes the terminal row for a run.
func (s *Store) AppendRunLog(ctx context.Context, rl *RunLog) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO run_logs (run_id, task_id, started_at, finished_at, duration_ms, status,
			scanned, created, updated, deleted, skipped, sidecars_copied, sidecars_skipped,
			errors, message, trace)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rl.RunID, rl.TaskID, rl.StartedAt.Unix(), rl.FinishedAt.Unix(),
		rl.Duration.Milliseconds(), rl.Status,
		rl.Counters.Scanned, rl.Counters.Created, rl.Counters.Updated, rl.Counters.Deleted,
		rl.Counters.Skipped, rl.Counters.SidecarsCopied, rl.Counters.SidecarsSkipped,
		rl.Counters.Errors, rl.Message, rl.Trace)
	if err != nil {
		return fmt.Errorf("store: appending run log for %s: %w", rl.TaskID, err)
	}

	return nil
}

// ListRunLogs returns a task's run history, newest first.
func (s *Store) ListRunLogs(ctx context.Context, taskID string, limit int) ([]RunLog, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, run_id, task_id, started_at, finished_at, duration_ms, status,
			scanned, created, updated, deleted, skipped, sidecars_copied, sidecars_skipped,
			errors, message, trace
		 FROM run_logs WHERE task_id = ? ORDER BY id DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("store: listing run logs for %s: %w", taskID, err)
	}
	defer rows.Close()

	var logs []RunLog

	for rows.Next() {
		var (
			rl         RunLog
			startedAt  int64
			finishedAt int64
			durationMS int64
		)

		err := rows.Scan(&rl.ID, &rl.RunID, &rl.TaskID, &startedAt, &finishedAt, &durationMS,
			&rl.Status, &rl.Counters.Scanned, &rl.Counters.Created, &rl.Counters.Updated,
			&rl.Counters.Deleted, &rl.Counters.Skipped, &rl.Counters.SidecarsCopied,
			&rl.Counters.SidecarsSkipped, &rl.Counters.Errors, &rl.Message, &rl.Trace)
		if err != nil {
			return nil, fmt.Errorf("store: scanning run log: %w", err)
		}

		rl.StartedAt = time.Unix(startedAt, 0).UTC()
		rl.Duration = time.Duration(durationMS) * time.Millisecond

		if finishedAt > 0 {
			rl.FinishedAt = time.Unix(finishedAt, 0).UTC()
		}

		logs = append(logs, rl)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating run logs: %w", err)
	}

	return logs, nil
}
