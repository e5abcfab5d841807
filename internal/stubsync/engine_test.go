package stubsync

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/upstream"
	"github.com/strmgate/strmgate/testutil"
)

type engineEnv struct {
	fake   *testutil.FakeUpstream
	store  *store.Store
	engine *Engine
	task   *store.Task
}

func newEngineEnv(t *testing.T, mutate func(*store.Task)) *engineEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := testutil.NewFakeUpstream()
	t.Cleanup(fake.Close)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "strmgate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	require.NoError(t, st.CreateDrive(context.Background(), &store.Drive{
		DriveID: "open_1", Name: "main", Kind: "open", CredentialRef: "open_1.json",
	}))

	creds := credfile.NewStore(t.TempDir())
	require.NoError(t, creds.Save("open_1", &credfile.Credential{
		Kind:  credfile.KindOpen,
		Token: &oauth2.Token{AccessToken: "tok"},
	}))

	p := pool.New(creds, func(_, _ string) *upstream.Client {
		return upstream.NewClient(fake.URL(), upstream.Options{RequestsPerSecond: 1000}, logger)
	}, logger)

	task := &store.Task{
		TaskID:       store.NewTaskID(),
		Name:         "movies",
		DriveID:      "open_1",
		SourceRootID: "root",
		OutputDir:    t.TempDir(),
		StubBaseURL:  "http://localhost:8115",
		Filter:       store.Filter{IncludeVideo: true},
	}

	if mutate != nil {
		mutate(task)
	}

	require.NoError(t, st.CreateTask(context.Background(), task))

	return &engineEnv{
		fake:   fake,
		store:  st,
		engine: New(st, p, logger),
		task:   task,
	}
}

func (env *engineEnv) seedTree() {
	env.fake.AddItem(testutil.Item{FileID: "f-a", FileName: "a.mp4", ParentID: "root", PickCode: "pa"})
	env.fake.AddItem(testutil.Item{FileID: "d-sub", FileName: "sub", IsDir: true, ParentID: "root"})
	env.fake.AddItem(testutil.Item{FileID: "f-b", FileName: "b.mkv", ParentID: "d-sub", PickCode: "pb"})
	env.fake.AddItem(testutil.Item{FileID: "f-n", FileName: "notes.txt", ParentID: "root", PickCode: "pn"})
}

func TestRun_FirstSyncCreatesStubs(t *testing.T) {
	env := newEngineEnv(t, func(tk *store.Task) { tk.Options.PreserveLayout = true })
	env.seedTree()

	runLog, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskSuccess, runLog.Status)
	assert.Equal(t, 3, runLog.Counters.Scanned)
	assert.Equal(t, 2, runLog.Counters.Created)
	assert.Zero(t, runLog.Counters.Errors)

	body, err := os.ReadFile(filepath.Join(env.task.OutputDir, "a.strm"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8115/stream/pa", string(body))

	body, err = os.ReadFile(filepath.Join(env.task.OutputDir, "sub", "b.strm"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8115/stream/pb", string(body))

	// Excluded file produced no stub.
	_, err = os.Stat(filepath.Join(env.task.OutputDir, "notes.strm"))
	assert.True(t, os.IsNotExist(err))

	records, err := env.store.FindRecordsByTask(context.Background(), env.task.TaskID, store.RecordActive)
	require.NoError(t, err)
	assert.Len(t, records, 2)

	got, err := env.store.GetTask(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.TaskSuccess, got.State)
	assert.Equal(t, 1, got.TotalRuns)
	assert.Equal(t, 2, got.TotalItemsCreated)

	logs, err := env.store.ListRunLogs(context.Background(), env.task.TaskID, 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, runLog.RunID, logs[0].RunID)
}

func TestRun_SecondSyncSkipsUnchanged(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.seedTree()

	_, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)

	runLog, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Zero(t, runLog.Counters.Created)
	assert.Zero(t, runLog.Counters.Updated)
	assert.Equal(t, 2, runLog.Counters.Skipped)
}

func TestRun_RenameMovesStub(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.seedTree()

	_, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)

	env.fake.AddItem(testutil.Item{FileID: "f-a", FileName: "renamed.mp4", ParentID: "root", PickCode: "pa"})

	runLog, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, runLog.Counters.Updated)

	_, err = os.Stat(filepath.Join(env.task.OutputDir, "a.strm"))
	assert.True(t, os.IsNotExist(err))

	body, err := os.ReadFile(filepath.Join(env.task.OutputDir, "renamed.strm"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8115/stream/pa", string(body))

	rec, err := env.store.FindRecordByItem(context.Background(), env.task.TaskID, "f-a")
	require.NoError(t, err)
	assert.Equal(t, "renamed.mp4", rec.FileName)
}

func TestRun_OrphanDeleted(t *testing.T) {
	env := newEngineEnv(t, func(tk *store.Task) { tk.Options.DeleteOrphans = true })
	env.seedTree()

	_, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)

	env.fake.RemoveItem("f-a")

	runLog, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 1, runLog.Counters.Deleted)

	_, err = os.Stat(filepath.Join(env.task.OutputDir, "a.strm"))
	assert.True(t, os.IsNotExist(err))

	rec, err := env.store.FindRecordByItem(context.Background(), env.task.TaskID, "f-a")
	require.NoError(t, err)
	assert.Equal(t, store.RecordDeleted, rec.State)
}

func TestRun_OrphanKeptWithoutOptIn(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.seedTree()

	_, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)

	env.fake.RemoveItem("f-a")

	runLog, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Zero(t, runLog.Counters.Deleted)

	_, err = os.Stat(filepath.Join(env.task.OutputDir, "a.strm"))
	assert.NoError(t, err)
}

func TestRun_UnauthFailsRun(t *testing.T) {
	env := newEngineEnv(t, nil)
	env.seedTree()
	env.fake.SetUnauth(true)

	runLog, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.Error(t, err)
	assert.ErrorIs(t, err, upstream.ErrUnauthorized)
	assert.Equal(t, store.TaskError, runLog.Status)

	got, getErr := env.store.GetTask(context.Background(), env.task.TaskID)
	require.NoError(t, getErr)
	assert.Equal(t, store.TaskError, got.State)
	assert.Equal(t, 1, got.TotalRuns)
}

func TestRun_CopiesSidecars(t *testing.T) {
	env := newEngineEnv(t, func(tk *store.Task) {
		tk.Options.CopySidecars = true
		tk.Options.PreserveLayout = true
	})
	env.seedTree()
	env.fake.AddItem(testutil.Item{FileID: "f-s", FileName: "a.srt", ParentID: "root", PickCode: "ps"})
	env.fake.AddItem(testutil.Item{FileID: "f-p", FileName: "poster.jpg", ParentID: "d-sub", PickCode: "pp"})
	env.fake.AddItem(testutil.Item{FileID: "f-x", FileName: "holiday.jpg", ParentID: "root", PickCode: "px"})

	runLog, err := env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Equal(t, 2, runLog.Counters.SidecarsCopied)

	body, err := os.ReadFile(filepath.Join(env.task.OutputDir, "a.srt"))
	require.NoError(t, err)
	assert.Equal(t, "content-of-ps", string(body))

	body, err = os.ReadFile(filepath.Join(env.task.OutputDir, "sub", "poster.jpg"))
	require.NoError(t, err)
	assert.Equal(t, "content-of-pp", string(body))

	// A plain image without an artwork stem is not a sidecar.
	_, err = os.Stat(filepath.Join(env.task.OutputDir, "holiday.jpg"))
	assert.True(t, os.IsNotExist(err))

	// Second run skips the existing copies.
	runLog, err = env.engine.Run(context.Background(), env.task.TaskID)
	require.NoError(t, err)
	assert.Zero(t, runLog.Counters.SidecarsCopied)
	assert.Equal(t, 2, runLog.Counters.SidecarsSkipped)
}

func TestRun_TaskNotFound(t *testing.T) {
	env := newEngineEnv(t, nil)

	_, err := env.engine.Run(context.Background(), "task_missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}
