package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/strmgate/strmgate/internal/store"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeRunner records triggered runs and can block mid-run.
type fakeRunner struct {
	mu      sync.Mutex
	runs    []string
	started chan string
	block   chan struct{} // when non-nil, Run waits for close
}

func (r *fakeRunner) Run(_ context.Context, taskID string) (*store.RunLog, error) {
	r.mu.Lock()
	r.runs = append(r.runs, taskID)
	r.mu.Unlock()

	if r.started != nil {
		r.started <- taskID
	}

	if r.block != nil {
		<-r.block
	}

	return &store.RunLog{TaskID: taskID}, nil
}

func (r *fakeRunner) runCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return len(r.runs)
}

func intervalTask(id string, minutes int) *store.Task {
	return &store.Task{
		TaskID: id,
		Schedule: store.Schedule{
			Enabled:       true,
			Kind:          store.ScheduleInterval,
			IntervalValue: minutes,
			IntervalUnit:  store.UnitMinutes,
		},
	}
}

// startLoop runs the trigger loop on the fake clock and returns a stopper.
func startLoop(t *testing.T, s *Scheduler) (context.Context, func()) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	go func() {
		_ = s.Run(ctx)
		close(done)
	}()

	return ctx, func() {
		cancel()
		<-done
	}
}

func waitForRun(t *testing.T, started chan string, want string) {
	t.Helper()

	select {
	case id := <-started:
		assert.Equal(t, want, id)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduled run never fired")
	}
}

func TestTriggerNow_SerializesPerTask(t *testing.T) {
	runner := &fakeRunner{started: make(chan string, 1), block: make(chan struct{})}
	s := New(runner, clockwork.NewFakeClock(), testLogger())

	require.NoError(t, s.TriggerNow(context.Background(), "task_1"))
	waitForRun(t, runner.started, "task_1")
	assert.True(t, s.IsRunning("task_1"))

	err := s.TriggerNow(context.Background(), "task_1")
	assert.ErrorIs(t, err, ErrRunInProgress)

	// A different task is unaffected.
	require.NoError(t, s.TriggerNow(context.Background(), "task_2"))

	close(runner.block)

	assert.Eventually(t, func() bool {
		return !s.IsRunning("task_1") && !s.IsRunning("task_2")
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, s.TriggerNow(context.Background(), "task_1"))
}

func TestRegister_IntervalFires(t *testing.T) {
	fc := clockwork.NewFakeClock()
	runner := &fakeRunner{started: make(chan string, 4)}
	s := New(runner, fc, testLogger())

	require.NoError(t, s.Register(intervalTask("task_1", 5)))

	ctx, stop := startLoop(t, s)
	defer stop()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(5 * time.Minute)

	waitForRun(t, runner.started, "task_1")
}

func TestRegister_CronFires(t *testing.T) {
	fc := clockwork.NewFakeClockAt(time.Date(2026, 1, 1, 2, 0, 0, 0, time.UTC))
	runner := &fakeRunner{started: make(chan string, 4)}
	s := New(runner, fc, testLogger())

	require.NoError(t, s.Register(&store.Task{
		TaskID: "task_1",
		Schedule: store.Schedule{
			Enabled:  true,
			Kind:     store.ScheduleCron,
			CronExpr: "30 2 * * *",
		},
	}))

	ctx, stop := startLoop(t, s)
	defer stop()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(30 * time.Minute)

	waitForRun(t, runner.started, "task_1")
}

func TestRegister_InvalidCron(t *testing.T) {
	s := New(&fakeRunner{}, clockwork.NewFakeClock(), testLogger())

	err := s.Register(&store.Task{
		TaskID:   "task_1",
		Schedule: store.Schedule{Enabled: true, Kind: store.ScheduleCron, CronExpr: "not a cron"},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing cron")
}

func TestRegister_DisabledUnregisters(t *testing.T) {
	s := New(&fakeRunner{}, clockwork.NewFakeClock(), testLogger())

	require.NoError(t, s.Register(intervalTask("task_1", 5)))
	require.NoError(t, s.Pause("task_1"))

	disabled := intervalTask("task_1", 5)
	disabled.Schedule.Enabled = false
	require.NoError(t, s.Register(disabled))

	assert.ErrorIs(t, s.Pause("task_1"), ErrNotRegistered)
}

func TestScheduledRun_SkippedWhileRunning(t *testing.T) {
	fc := clockwork.NewFakeClock()
	runner := &fakeRunner{started: make(chan string, 4), block: make(chan struct{})}
	s := New(runner, fc, testLogger())

	require.NoError(t, s.Register(intervalTask("task_1", 1)))

	ctx, stop := startLoop(t, s)

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Minute)
	waitForRun(t, runner.started, "task_1")

	// The next tick lands while the first run is still blocked.
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Minute)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, runner.runCount())

	close(runner.block)
	stop()
}

func TestPauseResume(t *testing.T) {
	fc := clockwork.NewFakeClock()
	runner := &fakeRunner{started: make(chan string, 4)}
	s := New(runner, fc, testLogger())

	require.NoError(t, s.Register(intervalTask("task_1", 1)))
	require.NoError(t, s.Pause("task_1"))

	ctx, stop := startLoop(t, s)
	defer stop()

	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(5 * time.Minute)

	time.Sleep(50 * time.Millisecond)
	assert.Zero(t, runner.runCount())

	// Resume re-arms from now rather than firing the backlog at once.
	require.NoError(t, s.Resume("task_1"))
	require.NoError(t, fc.BlockUntilContext(ctx, 1))
	fc.Advance(time.Minute)

	waitForRun(t, runner.started, "task_1")
	assert.Equal(t, 1, runner.runCount())
}

func TestPause_NotRegistered(t *testing.T) {
	s := New(&fakeRunner{}, clockwork.NewFakeClock(), testLogger())

	assert.ErrorIs(t, s.Pause("task_missing"), ErrNotRegistered)
	assert.ErrorIs(t, s.Resume("task_missing"), ErrNotRegistered)
}
