package upstream

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strmgate/strmgate/testutil"
)

func TestListEvents(t *testing.T) {
	fake := testutil.NewFakeUpstream()
	t.Cleanup(fake.Close)

	fake.AddEvent(testutil.Event{ID: 1, Type: EventUpload, FileID: "f1", FileName: "a.mp4", ParentID: "root"})
	fake.AddEvent(testutil.Event{ID: 2, Type: EventDelete, FileID: "f2", FileName: "b.mkv", ParentID: "root"})
	fake.AddEvent(testutil.Event{ID: 3, Type: EventBrowseVideo, FileID: "f1", FileName: "a.mp4", ParentID: "root"})

	c := testClient(fake.URL())

	events, cursor, err := c.ListEvents(context.Background(), testCred(), 0, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, int64(3), cursor)
	assert.Equal(t, EventUpload, events[0].TypeCode)
	assert.Equal(t, "f1", events[0].FileID)
}

func TestListEvents_CursorSkipsSeen(t *testing.T) {
	fake := testutil.NewFakeUpstream()
	t.Cleanup(fake.Close)

	fake.AddEvent(testutil.Event{ID: 5, Type: EventUpload, FileID: "f1"})
	fake.AddEvent(testutil.Event{ID: 8, Type: EventMove, FileID: "f2"})

	c := testClient(fake.URL())

	events, cursor, err := c.ListEvents(context.Background(), testCred(), 5, 0)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, int64(8), events[0].ID)
	assert.Equal(t, int64(8), cursor)
}

func TestListEvents_EmptyFeedKeepsCursor(t *testing.T) {
	fake := testutil.NewFakeUpstream()
	t.Cleanup(fake.Close)

	c := testClient(fake.URL())

	events, cursor, err := c.ListEvents(context.Background(), testCred(), 42, 0)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Equal(t, int64(42), cursor)
}

func TestSyncTriggerTypes(t *testing.T) {
	// Mutating events re-sync; browse and star events never do.
	assert.True(t, SyncTriggerTypes[EventUpload])
	assert.True(t, SyncTriggerTypes[EventDelete])
	assert.True(t, SyncTriggerTypes[EventRename])
	assert.False(t, SyncTriggerTypes[EventBrowseVideo])
	assert.False(t, SyncTriggerTypes[EventFileStar])
	assert.False(t, SyncTriggerTypes[EventFolderLabel])
}
