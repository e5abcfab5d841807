package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Stub record states.
const (
	RecordActive  = "active"
	RecordDeleted = "deleted"
)

// StubRecord is the persisted trace of one generated stub file: a snapshot
// of the remote item at write time plus the local path and contents.
type StubRecord struct {
	RecordID     string
	TaskID       string
	ItemID       string
	FileName     string
	FileSize     int64
	ParentID     string
	PickHandle   string
	SHA1         string
	ModifiedAt   time.Time
	StubPath     string
	StubContents string
	State        string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// RecordID builds the natural key task_id ⊕ item_id.
func RecordID(taskID, itemID string) string {
	return taskID + ":" + itemID
}

// UpsertRecord inserts or replaces a stub record keyed on (task, item).
func (s *Store) UpsertRecord(ctx context.Context, r *StubRecord) error {
	now := time.Now().UTC()

	if r.RecordID == "" {
		r.RecordID = RecordID(r.TaskID, r.ItemID)
	}

	if r.State == "" {
		r.State = RecordActive
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO stub_records (record_id, task_id, item_id, file_name, file_size, parent_id,
			pick_handle, sha1, modified_at, stub_path, stub_contents, state, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (task_id, item_id) DO UPDATE SET
			file_name = excluded.file_name,
			file_size = excluded.file_size,
			parent_id = excluded.parent_id,
			pick_handle = excluded.pick_handle,
			sha1 = excluded.sha1,
			modified_at = excluded.modified_at,
			stub_path = excluded.stub_path,
			stub_contents = excluded.stub_contents,
			state = excluded.state,
			updated_at = excluded.updated_at`,
		r.RecordID, r.TaskID, r.ItemID, r.FileName, r.FileSize, r.ParentID,
		r.PickHandle, r.SHA1, r.ModifiedAt.Unix(), r.StubPath, r.StubContents,
		r.State, now.Unix(), now.Unix())
	if err != nil {
		return fmt.Errorf("store: upserting record %s: %w", r.RecordID, err)
	}

	return nil
}

// DeleteRecord removes a record outright.
func (s *Store) DeleteRecord(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM stub_records WHERE record_id = ?`, recordID)
	if err != nil {
		return fmt.Errorf("store: deleting record %s: %w", recordID, err)
	}

	return nil
}

// MarkRecordDeleted soft-deletes a record.
func (s *Store) MarkRecordDeleted(ctx context.Context, recordID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE stub_records SET state = ?, updated_at = ? WHERE record_id = ?`,
		RecordDeleted, time.Now().Unix(), recordID)
	if err != nil {
		return fmt.Errorf("store: marking record %s deleted: %w", recordID, err)
	}

	return requireRow(result, "record "+recordID)
}

// FindRecordsByTask returns a task's records, optionally filtered by state
// ("" returns all). Ordered by item id for deterministic iteration.
func (s *Store) FindRecordsByTask(ctx context.Context, taskID, state string) ([]StubRecord, error) {
	query := recordSelectCols + `WHERE task_id = ? ORDER BY item_id`
	args := []any{taskID}

	if state != "" {
		query = recordSelectCols + `WHERE task_id = ? AND state = ? ORDER BY item_id`
		args = append(args, state)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: finding records for task %s: %w", taskID, err)
	}
	defer rows.Close()

	var records []StubRecord

	for rows.Next() {
		r, scanErr := scanRecordFrom(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		records = append(records, *r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating records: %w", err)
	}

	return records, nil
}

// FindRecordByItem returns the record for one (task, item) pair.
func (s *Store) FindRecordByItem(ctx context.Context, taskID, itemID string) (*StubRecord, error) {
	r, err := scanRecordFrom(s.db.QueryRowContext(ctx,
		recordSelectCols+`WHERE task_id = ? AND item_id = ?`, taskID, itemID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return r, err
}

const recordSelectCols = `SELECT record_id, task_id, item_id, file_name, file_size, parent_id,
	pick_handle, sha1, modified_at, stub_path, stub_contents, state, created_at, updated_at
 FROM stub_records `

func scanRecordFrom(sc rowScanner) (*StubRecord, error) {
	var (
		r          StubRecord
		modifiedAt int64
		createdAt  int64
		updatedAt  int64
	)

	err := sc.Scan(&r.RecordID, &r.TaskID, &r.ItemID, &r.FileName, &r.FileSize, &r.ParentID,
		&r.PickHandle, &r.SHA1, &modifiedAt, &r.StubPath, &r.StubContents,
		&r.State, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("store: scanning record: %w", err)
	}

	r.ModifiedAt = time.Unix(modifiedAt, 0).UTC()
	r.CreatedAt = time.Unix(createdAt, 0).UTC()
	r.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return &r, nil
}
