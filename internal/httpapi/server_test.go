package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/strmgate/strmgate/internal/authflow"
	"github.com/strmgate/strmgate/internal/credfile"
	"github.com/strmgate/strmgate/internal/pool"
	"github.com/strmgate/strmgate/internal/redirect"
	"github.com/strmgate/strmgate/internal/scheduler"
	"github.com/strmgate/strmgate/internal/store"
	"github.com/strmgate/strmgate/internal/stubsync"
	"github.com/strmgate/strmgate/internal/upstream"
	"github.com/strmgate/strmgate/internal/watcher"
	"github.com/strmgate/strmgate/testutil"
)

type apiEnv struct {
	fake   *testutil.FakeUpstream
	store  *store.Store
	creds  *credfile.Store
	server *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	fake := testutil.NewFakeUpstream()
	t.Cleanup(fake.Close)

	st, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "strmgate.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	creds := credfile.NewStore(t.TempDir())

	client := upstream.NewClient(fake.URL(), upstream.Options{RequestsPerSecond: 1000}, logger)

	p := pool.New(creds, func(_, _ string) *upstream.Client {
		return client
	}, logger)

	cache := redirect.New(time.Minute, logger)
	flow := authflow.New(st, creds, p, client, logger)
	engine := stubsync.New(st, p, logger)
	sched := scheduler.New(engine, nil, logger)
	watch := watcher.New(st, p, sched, clockwork.NewFakeClock(), logger)
	t.Cleanup(watch.StopAll)

	srv := New(context.Background(), st, p, cache, flow, sched, watch,
		Options{UserAgent: "strmgate/1.0"}, logger)

	ts := httptest.NewServer(srv.Router())
	t.Cleanup(ts.Close)

	return &apiEnv{fake: fake, store: st, creds: creds, server: ts}
}

// addLoggedInDrive seeds one authenticated open drive.
func (env *apiEnv) addLoggedInDrive(t *testing.T) {
	t.Helper()

	require.NoError(t, env.store.CreateDrive(context.Background(), &store.Drive{
		DriveID: "open_1", Name: "main", Kind: "open", CredentialRef: "open_1.json",
	}))
	require.NoError(t, env.creds.Save("open_1", &credfile.Credential{
		Kind:  credfile.KindOpen,
		Token: &oauth2.Token{AccessToken: "tok"},
	}))
}

func (env *apiEnv) get(t *testing.T, path string) (int, map[string]any) {
	t.Helper()
	return env.do(t, http.MethodGet, path, nil)
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()

	var reader io.Reader

	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, env.server.URL+path, reader)
	require.NoError(t, err)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]any

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	if len(raw) > 0 {
		require.NoError(t, json.Unmarshal(raw, &decoded), "body: %s", raw)
	}

	return resp.StatusCode, decoded
}

// noRedirectClient stops at the first redirect so tests can inspect it.
var noRedirectClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ok", body["status"])
}

func TestStream_Redirects(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)
	env.fake.AddItem(testutil.Item{FileID: "f1", FileName: "a.mp4", ParentID: "root", PickCode: "pa"})

	resp, err := noRedirectClient.Get(env.server.URL + "/stream/pa")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, env.fake.URL()+"/signed/pa", resp.Header.Get("Location"))
}

func TestStream_NoDrive(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.get(t, "/stream/pa")
	assert.Equal(t, http.StatusNotFound, status)
	assert.NotEmpty(t, body["error"])
}

func TestStream_NoCredential(t *testing.T) {
	env := newAPIEnv(t)

	require.NoError(t, env.store.CreateDrive(context.Background(), &store.Drive{
		DriveID: "open_1", Name: "main", Kind: "open", CredentialRef: "open_1.json",
	}))

	status, _ := env.get(t, "/stream/pa")
	assert.Equal(t, http.StatusUnauthorized, status)
}

func TestStream_DriveIDParam(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)
	env.fake.AddItem(testutil.Item{FileID: "f1", FileName: "a.mp4", ParentID: "root", PickCode: "pa"})

	// A credential-less drive takes over as current; the named drive must
	// still serve.
	require.NoError(t, env.store.CreateDrive(context.Background(), &store.Drive{
		DriveID: "web_1", Name: "browser", Kind: "web", CredentialRef: "web_1.json",
	}))
	require.NoError(t, env.store.SetCurrentDrive(context.Background(), "web_1"))

	status, _ := env.get(t, "/stream/pa")
	assert.Equal(t, http.StatusUnauthorized, status)

	resp, err := noRedirectClient.Get(env.server.URL + "/stream/pa?drive_id=open_1")
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, env.fake.URL()+"/signed/pa", resp.Header.Get("Location"))

	status, _ = env.get(t, "/stream/pa?drive_id=open_missing")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestDownload(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)
	env.fake.AddItem(testutil.Item{FileID: "f1", FileName: "a.mp4", ParentID: "root", PickCode: "pa"})

	status, body := env.get(t, "/api/download/pa")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, env.fake.URL()+"/signed/pa", body["url"])
}

func TestList(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)
	env.fake.AddItem(testutil.Item{FileID: "f1", FileName: "a.mp4", ParentID: "root", PickCode: "pa", Size: 42})
	env.fake.AddItem(testutil.Item{FileID: "d1", FileName: "sub", IsDir: true, ParentID: "root"})

	status, body := env.get(t, "/api/list?cid=root")
	assert.Equal(t, http.StatusOK, status)
	assert.EqualValues(t, 2, body["total"])

	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 2)

	first, ok := items[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "a.mp4", first["name"])
	assert.EqualValues(t, 42, first["size"])
	assert.Equal(t, false, first["is_folder"])
}

func TestSearch(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)
	env.fake.AddItem(testutil.Item{FileID: "f1", FileName: "inception.mkv", ParentID: "root", PickCode: "pa"})
	env.fake.AddItem(testutil.Item{FileID: "f2", FileName: "other.mkv", ParentID: "root", PickCode: "pb"})

	status, _ := env.get(t, "/api/search")
	assert.Equal(t, http.StatusBadRequest, status)

	status, body := env.get(t, "/api/search?keyword=inception")
	assert.Equal(t, http.StatusOK, status)

	items, ok := body["items"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
}

func TestDrives_CRUD(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/drives/", map[string]any{"name": "main"})
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "open", body["kind"])
	assert.Equal(t, true, body["is_current"])

	driveID, ok := body["drive_id"].(string)
	require.True(t, ok)
	require.NotEmpty(t, driveID)

	status, body = env.get(t, "/api/drives/"+driveID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "main", body["name"])

	status, body = env.get(t, "/api/drives/")
	assert.Equal(t, http.StatusOK, status)
	drives, _ := body["drives"].([]any)
	assert.Len(t, drives, 1)

	status, _ = env.get(t, "/api/drives/open_missing")
	assert.Equal(t, http.StatusNotFound, status)

	status, body = env.do(t, http.MethodDelete, "/api/drives/"+driveID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, driveID, body["deleted"])
}

func TestCreateDrive_Validation(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/drives/", map[string]any{"kind": "open"})
	assert.Equal(t, http.StatusBadRequest, status)

	status, _ = env.do(t, http.MethodPost, "/api/drives/", map[string]any{"name": "x", "kind": "ftp"})
	assert.Equal(t, http.StatusBadRequest, status)
}

func TestCreateDrive_NameConflict(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/drives/", map[string]any{"name": "main"})
	require.Equal(t, http.StatusCreated, status)

	status, _ = env.do(t, http.MethodPost, "/api/drives/", map[string]any{"name": "main", "kind": "web"})
	assert.Equal(t, http.StatusConflict, status)
}

func TestSetCurrentDrive(t *testing.T) {
	env := newAPIEnv(t)

	status, body := env.do(t, http.MethodPost, "/api/drives/", map[string]any{"name": "main"})
	require.Equal(t, http.StatusCreated, status)
	first, _ := body["drive_id"].(string)

	status, body = env.do(t, http.MethodPost, "/api/drives/", map[string]any{"name": "web", "kind": "web"})
	require.Equal(t, http.StatusCreated, status)
	second, _ := body["drive_id"].(string)

	status, body = env.do(t, http.MethodPost, "/api/drives/"+second+"/current", nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, true, body["is_current"])

	status, body = env.get(t, "/api/drives/"+first)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, body["is_current"])
}

func taskBody(t *testing.T, outputDir string) map[string]any {
	t.Helper()

	return map[string]any{
		"name":           "movies",
		"drive_id":       "open_1",
		"source_root_id": "root",
		"output_dir":     outputDir,
		"stub_base_url":  "http://localhost:8115",
		"filter":         map[string]any{"include_video": true},
	}
}

func TestTasks_CRUD(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)

	status, body := env.do(t, http.MethodPost, "/api/tasks/", taskBody(t, t.TempDir()))
	assert.Equal(t, http.StatusCreated, status)
	assert.Equal(t, store.TaskIdle, body["state"])

	taskID, ok := body["task_id"].(string)
	require.True(t, ok)

	status, body = env.get(t, "/api/tasks/"+taskID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "movies", body["name"])

	update := taskBody(t, t.TempDir())
	update["name"] = "renamed"

	status, body = env.do(t, http.MethodPut, "/api/tasks/"+taskID, update)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "renamed", body["name"])

	status, body = env.get(t, "/api/tasks/")
	assert.Equal(t, http.StatusOK, status)
	tasks, _ := body["tasks"].([]any)
	assert.Len(t, tasks, 1)

	status, body = env.do(t, http.MethodDelete, "/api/tasks/"+taskID, nil)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, taskID, body["deleted"])

	status, _ = env.get(t, "/api/tasks/"+taskID)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestCreateTask_Validation(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)

	invalid := taskBody(t, t.TempDir())
	invalid["output_dir"] = "relative/path"

	status, body := env.do(t, http.MethodPost, "/api/tasks/", invalid)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Contains(t, body["error"], "absolute")

	unknown := taskBody(t, t.TempDir())
	unknown["drive_id"] = "open_missing"

	status, _ = env.do(t, http.MethodPost, "/api/tasks/", unknown)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestExecuteTask_RunsAndLogs(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)
	env.fake.AddItem(testutil.Item{FileID: "f1", FileName: "a.mp4", ParentID: "root", PickCode: "pa"})

	status, body := env.do(t, http.MethodPost, "/api/tasks/", taskBody(t, t.TempDir()))
	require.Equal(t, http.StatusCreated, status)
	taskID, _ := body["task_id"].(string)

	status, body = env.do(t, http.MethodPost, fmt.Sprintf("/api/tasks/%s/execute", taskID), nil)
	assert.Equal(t, http.StatusAccepted, status)
	assert.Equal(t, "started", body["state"])

	require.Eventually(t, func() bool {
		_, got := env.get(t, "/api/tasks/"+taskID)
		return got["state"] == store.TaskSuccess
	}, 5*time.Second, 20*time.Millisecond)

	status, body = env.get(t, fmt.Sprintf("/api/tasks/%s/logs", taskID))
	assert.Equal(t, http.StatusOK, status)

	logs, ok := body["logs"].([]any)
	require.True(t, ok)
	require.Len(t, logs, 1)

	entry, ok := logs[0].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, store.TaskSuccess, entry["status"])
	assert.EqualValues(t, 1, entry["created"])
}

func TestExecuteTask_NotFound(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.do(t, http.MethodPost, "/api/tasks/task_missing/execute", nil)
	assert.Equal(t, http.StatusNotFound, status)
}

func TestAuthFlow_EndToEnd(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)

	status, body := env.get(t, "/api/auth/qrcode?kind=open")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, authflow.StateAwaitingScan, body["state"])
	assert.Contains(t, body["qrcode_url"], "fake-qr-uid")

	sessionID, ok := body["session_id"].(string)
	require.True(t, ok)

	status, body = env.get(t, "/api/auth/status?session_id="+sessionID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, authflow.StateAwaitingScan, body["state"])

	// Exchange before the user confirmed fails.
	status, _ = env.do(t, http.MethodPost, "/api/auth/exchange", map[string]any{"session_id": sessionID})
	assert.Equal(t, http.StatusBadRequest, status)

	env.fake.SetQRState(upstream.QRConfirmed)

	// The status poll reports the confirmation, the cue to exchange.
	status, body = env.get(t, "/api/auth/status?session_id="+sessionID)
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, authflow.StateConfirmed, body["state"])

	status, body = env.do(t, http.MethodPost, "/api/auth/exchange", map[string]any{"session_id": sessionID})
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "open_1", body["drive_id"])

	cred, err := env.creds.Load("open_1")
	require.NoError(t, err)
	require.NotNil(t, cred)
	assert.Equal(t, "fake-access", cred.Token.AccessToken)
}

func (env *apiEnv) waitLoopState(t *testing.T, taskID, want string) {
	t.Helper()

	require.Eventually(t, func() bool {
		_, body := env.get(t, "/api/tasks/"+taskID)
		watch, _ := body["watch"].(map[string]any)

		return watch["loop_state"] == want
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAuthExchange_RevivesFailedWatcher(t *testing.T) {
	env := newAPIEnv(t)
	env.addLoggedInDrive(t)
	env.fake.SetUnauth(true)

	body := taskBody(t, t.TempDir())
	body["watch"] = map[string]any{"enabled": true, "poll_period_seconds": 60}

	status, created := env.do(t, http.MethodPost, "/api/tasks/", body)
	require.Equal(t, http.StatusCreated, status)
	taskID, _ := created["task_id"].(string)

	// The rejected credential ends the watch loop.
	env.waitLoopState(t, taskID, watcher.StateFailed)

	env.fake.SetUnauth(false)

	status, qr := env.get(t, "/api/auth/qrcode?kind=open")
	require.Equal(t, http.StatusOK, status)
	sessionID, _ := qr["session_id"].(string)

	env.fake.SetQRState(upstream.QRConfirmed)

	status, _ = env.do(t, http.MethodPost, "/api/auth/exchange", map[string]any{"session_id": sessionID})
	require.Equal(t, http.StatusOK, status)

	// The fresh login brings the loop back without a process restart.
	env.waitLoopState(t, taskID, watcher.StateRunning)
}

func TestAuthStatus_UnknownSession(t *testing.T) {
	env := newAPIEnv(t)

	status, _ := env.get(t, "/api/auth/status?session_id=nope")
	assert.Equal(t, http.StatusNotFound, status)

	status, _ = env.get(t, "/api/auth/status")
	assert.Equal(t, http.StatusBadRequest, status)
}
