package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a uniqueness constraint would be violated,
// e.g. creating a drive whose name collides.
var ErrConflict = errors.New("store: conflict")

// Drive is one authenticated account against the upstream.
type Drive struct {
	DriveID       string
	Name          string
	Kind          string
	CredentialRef string
	IsCurrent     bool
	CreatedAt     time.Time
	LastUsedAt    time.Time
}

// NewDriveID builds a drive identity of the shape {kind}_{monotonic-ms}.
func NewDriveID(kind string) string {
	return fmt.Sprintf("%s_%d", kind, time.Now().UnixMilli())
}

// CreateDrive inserts a drive. The first drive in the store becomes the
// current one. A name collision returns ErrConflict.
func (s *Store) CreateDrive(ctx context.Context, d *Drive) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM drives`).Scan(&count); err != nil {
		return fmt.Errorf("store: counting drives: %w", err)
	}

	if count == 0 {
		d.IsCurrent = true
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO drives (drive_id, name, kind, credential_ref, is_current, created_at, last_used_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		d.DriveID, d.Name, d.Kind, d.CredentialRef, boolToInt(d.IsCurrent),
		d.CreatedAt.Unix(), d.LastUsedAt.Unix())
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("store: drive name %q: %w", d.Name, ErrConflict)
		}

		return fmt.Errorf("store: inserting drive %s: %w", d.DriveID, err)
	}

	return nil
}

// GetDrive returns one drive by id.
func (s *Store) GetDrive(ctx context.Context, driveID string) (*Drive, error) {
	return s.scanDrive(s.db.QueryRowContext(ctx,
		driveSelectCols+`WHERE drive_id = ?`, driveID))
}

// CurrentDrive returns the drive flagged current, or ErrNotFound when no
// drive exists.
func (s *Store) CurrentDrive(ctx context.Context) (*Drive, error) {
	return s.scanDrive(s.db.QueryRowContext(ctx,
		driveSelectCols+`WHERE is_current = 1 LIMIT 1`))
}

// ListDrives returns all drives ordered by creation time.
func (s *Store) ListDrives(ctx context.Context) ([]Drive, error) {
	rows, err := s.db.QueryContext(ctx, driveSelectCols+`ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("store: listing drives: %w", err)
	}
	defer rows.Close()

	var drives []Drive

	for rows.Next() {
		d, scanErr := s.scanDriveRows(rows)
		if scanErr != nil {
			return nil, scanErr
		}

		drives = append(drives, *d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterating drives: %w", err)
	}

	return drives, nil
}

// SetCurrentDrive makes the given drive the current one. At most one drive
// is current; the previous flag is cleared in the same transaction.
func (s *Store) SetCurrentDrive(ctx context.Context, driveID string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin set current drive: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `UPDATE drives SET is_current = 0`); err != nil {
		return fmt.Errorf("store: clearing current drive: %w", err)
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE drives SET is_current = 1 WHERE drive_id = ?`, driveID)
	if err != nil {
		return fmt.Errorf("store: setting current drive: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: set current rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("store: drive %s: %w", driveID, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit set current drive: %w", err)
	}

	return nil
}

// TouchDrive updates last_used_at to now.
func (s *Store) TouchDrive(ctx context.Context, driveID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE drives SET last_used_at = ? WHERE drive_id = ?`,
		time.Now().Unix(), driveID)
	if err != nil {
		return fmt.Errorf("store: touching drive %s: %w", driveID, err)
	}

	return nil
}

// DeleteDrive removes a drive. Tasks, stub records, and run logs cascade.
func (s *Store) DeleteDrive(ctx context.Context, driveID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM drives WHERE drive_id = ?`, driveID)
	if err != nil {
		return fmt.Errorf("store: deleting drive %s: %w", driveID, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: delete drive rows affected: %w", err)
	}

	if n == 0 {
		return fmt.Errorf("store: drive %s: %w", driveID, ErrNotFound)
	}

	return nil
}

const driveSelectCols = `SELECT drive_id, name, kind, credential_ref, is_current, created_at, last_used_at
 FROM drives `

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanDrive(row *sql.Row) (*Drive, error) {
	d, err := scanDriveFrom(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}

	return d, err
}

func (s *Store) scanDriveRows(rows *sql.Rows) (*Drive, error) {
	return scanDriveFrom(rows)
}

func scanDriveFrom(sc rowScanner) (*Drive, error) {
	var (
		d         Drive
		isCurrent int
		createdAt int64
		lastUsed  int64
	)

	err := sc.Scan(&d.DriveID, &d.Name, &d.Kind, &d.CredentialRef, &isCurrent, &createdAt, &lastUsed)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		return nil, fmt.Errorf("store: scanning drive: %w", err)
	}

	d.IsCurrent = isCurrent == 1
	d.CreatedAt = time.Unix(createdAt, 0).UTC()

	if lastUsed > 0 {
		d.LastUsedAt = time.Unix(lastUsed, 0).UTC()
	}

	return &d, nil
}

// isUniqueViolation reports whether err is a sqlite uniqueness failure.
// modernc.org/sqlite does not export typed extended result codes, so the
// error text is matched.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
