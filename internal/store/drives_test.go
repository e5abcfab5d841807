package store

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDrive(id, name string) *Drive {
	return &Drive{
		DriveID:       id,
		Name:          name,
		Kind:          "open",
		CredentialRef: id + ".json",
	}
}

func TestNewDriveID(t *testing.T) {
	id := NewDriveID("open")
	assert.True(t, strings.HasPrefix(id, "open_"))

	id = NewDriveID("web")
	assert.True(t, strings.HasPrefix(id, "web_"))
}

func TestCreateDrive_FirstBecomesCurrent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first := testDrive("open_1", "main")
	require.NoError(t, s.CreateDrive(ctx, first))
	assert.True(t, first.IsCurrent)

	second := testDrive("open_2", "backup")
	require.NoError(t, s.CreateDrive(ctx, second))
	assert.False(t, second.IsCurrent)

	current, err := s.CurrentDrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open_1", current.DriveID)
}

func TestCreateDrive_NameConflict(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDrive(ctx, testDrive("open_1", "main")))

	err := s.CreateDrive(ctx, testDrive("open_2", "main"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestGetDrive_NotFound(t *testing.T) {
	s := openTestStore(t)

	_, err := s.GetDrive(context.Background(), "open_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCurrentDrive_EmptyStore(t *testing.T) {
	s := openTestStore(t)

	_, err := s.CurrentDrive(context.Background())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListDrives(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDrive(ctx, testDrive("open_1", "main")))
	require.NoError(t, s.CreateDrive(ctx, testDrive("web_1", "web")))

	drives, err := s.ListDrives(ctx)
	require.NoError(t, err)
	require.Len(t, drives, 2)
	assert.Equal(t, "open_1", drives[0].DriveID)
	assert.Equal(t, "web_1", drives[1].DriveID)
}

func TestSetCurrentDrive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDrive(ctx, testDrive("open_1", "main")))
	require.NoError(t, s.CreateDrive(ctx, testDrive("open_2", "backup")))

	require.NoError(t, s.SetCurrentDrive(ctx, "open_2"))

	current, err := s.CurrentDrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open_2", current.DriveID)

	// Exactly one drive is current.
	drives, err := s.ListDrives(ctx)
	require.NoError(t, err)

	var currents int

	for _, d := range drives {
		if d.IsCurrent {
			currents++
		}
	}

	assert.Equal(t, 1, currents)
}

func TestSetCurrentDrive_NotFound(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDrive(ctx, testDrive("open_1", "main")))

	err := s.SetCurrentDrive(ctx, "open_missing")
	assert.ErrorIs(t, err, ErrNotFound)

	// The previous current flag survives the failed switch attempt only
	// if the transaction rolled back.
	current, err := s.CurrentDrive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "open_1", current.DriveID)
}

func TestTouchDrive(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDrive(ctx, testDrive("open_1", "main")))

	before, err := s.GetDrive(ctx, "open_1")
	require.NoError(t, err)
	assert.True(t, before.LastUsedAt.IsZero())

	require.NoError(t, s.TouchDrive(ctx, "open_1"))

	after, err := s.GetDrive(ctx, "open_1")
	require.NoError(t, err)
	assert.False(t, after.LastUsedAt.IsZero())
}

func TestDeleteDrive_CascadesToTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateDrive(ctx, testDrive("open_1", "main")))

	task := testTask("open_1")
	require.NoError(t, s.CreateTask(ctx, task))

	require.NoError(t, s.DeleteDrive(ctx, "open_1"))

	_, err := s.GetTask(ctx, task.TaskID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteDrive_NotFound(t *testing.T) {
	s := openTestStore(t)

	err := s.DeleteDrive(context.Background(), "open_missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
