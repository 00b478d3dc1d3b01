package bridge

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/foreman/internal/executor"
	"github.com/fentz26/foreman/internal/locks"
	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/notify"
	"github.com/fentz26/foreman/internal/progress"
	"github.com/fentz26/foreman/internal/store"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fixture struct {
	bridge  *Bridge
	store   *store.Store
	locks   *locks.Manager
	tracker *progress.Tracker
	exec    *executor.Mock
	notes   *notify.Recorder
	metrics *metrics.Registry
	clock   *fakeClock
}

func newFixture(t *testing.T, cfg Config, agents ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := metrics.NewRegistry()
	lm := locks.NewManager(s, reg, nil)
	for _, name := range agents {
		_, err := lm.Hire(ctx, models.Agent{Name: name})
		require.NoError(t, err)
	}
	tr, err := progress.New(ctx, s, reg, nil)
	require.NoError(t, err)

	f := &fixture{
		store:   s,
		locks:   lm,
		tracker: tr,
		exec:    executor.NewMock(),
		notes:   &notify.Recorder{},
		metrics: reg,
		clock:   &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.bridge = New(cfg, lm, tr, f.exec, f.notes, reg, nil)
	f.bridge.nowFunc = f.clock.Now
	return f
}

func TestAssign(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	ctx := context.Background()

	res, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "add login", Files: []string{"a.py", "b.py"}})
	require.NoError(t, err)
	assert.Equal(t, f.exec.SessionFor("alice"), res.SessionID)
	assert.Equal(t, map[string]models.LockOutcome{"a.py": models.LockLocked, "b.py": models.LockLocked}, res.Locks)

	e, ok := f.bridge.Entry("alice")
	require.True(t, ok)
	assert.Equal(t, StateWorking, e.State)
	assert.Equal(t, res.SessionID, e.SessionID)

	rec := f.tracker.Snapshot("alice")
	require.NotNil(t, rec)
	assert.Equal(t, "add login", rec.Description)

	acks := f.notes.OfKind(notify.KindAck)
	require.Len(t, acks, 1)
	assert.Equal(t, "alice", acks[0].Agent)

	_, err = f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "second"})
	assert.ErrorIs(t, err, models.ErrAlreadyAssigned)
	assert.Equal(t, 1, f.exec.Starts())
}

func TestAssign_UnknownAgent(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	_, err := f.bridge.Assign(ctx, AssignRequest{Agent: "carol", Description: "write tests"})
	assert.ErrorIs(t, err, models.ErrInvalidAgent)

	assert.Nil(t, f.tracker.Snapshot("carol"))
	rec, err := f.store.GetActiveTask(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, rec)
	assert.Zero(t, f.exec.Starts())
	_, ok := f.bridge.Entry("carol")
	assert.False(t, ok)
}

func TestAssign_PartialLocks(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()

	_, err := f.locks.Lock(ctx, "bob", []string{"b.py"}, "")
	require.NoError(t, err)

	res, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "refactor", Files: []string{"a.py", "b.py"}})
	require.NoError(t, err)
	assert.Equal(t, models.LockLocked, res.Locks["a.py"])
	assert.Equal(t, models.LockLockedByOther, res.Locks["b.py"])
	assert.Contains(t, f.notes.OfKind(notify.KindAck)[0].Text, "held by others: b.py")
}

func TestAssign_SessionStartFailureRollsBack(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	ctx := context.Background()
	f.exec.SetStartErr(errors.New("no worker available"))

	_, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "add login", Files: []string{"a.py"}})
	assert.ErrorIs(t, err, models.ErrSessionStart)

	_, ok := f.bridge.Entry("alice")
	assert.False(t, ok)
	assert.Nil(t, f.tracker.Snapshot("alice"))

	owner, err := f.locks.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Empty(t, owner)

	history, err := f.tracker.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TaskAbandoned, history[0].Status)
	assert.Empty(t, f.notes.OfKind(notify.KindAck))
	assert.Equal(t, 1.0, f.metrics.Counter("session_start_failures_total", nil))

	// The agent can be assigned again once the executor recovers.
	f.exec.SetStartErr(nil)
	_, err = f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "add login", Files: []string{"a.py"}})
	require.NoError(t, err)
}

func TestAssign_StartFailureKeepsPriorLocks(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()

	_, err := f.locks.Lock(ctx, "alice", []string{"a.py"}, "refactor")
	require.NoError(t, err)

	f.exec.SetStartErr(errors.New("no worker available"))
	_, err = f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "add login", Files: []string{"a.py", "b.py"}})
	assert.ErrorIs(t, err, models.ErrSessionStart)

	owner, err := f.locks.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
	owner, err = f.locks.Owner(ctx, "b.py")
	require.NoError(t, err)
	assert.Empty(t, owner)

	outcomes, err := f.locks.Lock(ctx, "bob", []string{"a.py"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.LockLockedByOther, outcomes["a.py"])
}

func TestAssign_StartTimeout(t *testing.T) {
	f := newFixture(t, Config{StartTimeout: 20 * time.Millisecond}, "alice")
	f.exec.StartDelay = time.Second

	_, err := f.bridge.Assign(context.Background(), AssignRequest{Agent: "alice", Description: "slow"})
	assert.ErrorIs(t, err, models.ErrSessionStart)
	_, ok := f.bridge.Entry("alice")
	assert.False(t, ok)
}

func TestCheckStuck_FiresOnce(t *testing.T) {
	f := newFixture(t, Config{StuckTimeout: 10 * time.Minute}, "alice")
	ctx := context.Background()

	_, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "add login", Files: []string{"a.py"}})
	require.NoError(t, err)

	f.clock.Advance(5 * time.Minute)
	assert.Empty(t, f.bridge.CheckStuck(ctx))

	f.clock.Advance(6 * time.Minute)
	for i := 0; i < 3; i++ {
		stuck := f.bridge.CheckStuck(ctx)
		if i == 0 {
			assert.Equal(t, []string{"alice"}, stuck)
		} else {
			assert.Empty(t, stuck)
		}
		f.clock.Advance(time.Minute)
	}

	e, _ := f.bridge.Entry("alice")
	assert.Equal(t, StateStuck, e.State)
	require.Len(t, f.notes.OfKind(notify.KindHelpRequest), 1)
	assert.Equal(t, 1, f.bridge.Status().StuckCount)

	// Progress moves the agent back to WORKING and resets the timer.
	_, err = f.bridge.ReportProgress(ctx, "alice", "a.py", 30, "parsing")
	require.NoError(t, err)
	e, _ = f.bridge.Entry("alice")
	assert.Equal(t, StateWorking, e.State)
	assert.Empty(t, f.bridge.CheckStuck(ctx))

	f.clock.Advance(11 * time.Minute)
	assert.Equal(t, []string{"alice"}, f.bridge.CheckStuck(ctx))
	assert.Len(t, f.notes.OfKind(notify.KindHelpRequest), 2)
}

func TestReportWorkNote_ResetsStuck(t *testing.T) {
	f := newFixture(t, Config{StuckTimeout: time.Minute}, "alice")
	ctx := context.Background()

	_, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "docs"})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	f.bridge.CheckStuck(ctx)

	rec, err := f.bridge.ReportWorkNote(ctx, "alice", "drafting README")
	require.NoError(t, err)
	assert.Equal(t, "drafting README", rec.CurrentWork)

	e, _ := f.bridge.Entry("alice")
	assert.Equal(t, StateWorking, e.State)
	assert.Equal(t, f.clock.Now(), e.LastProgressAt)
}

func TestCheckCompletion_ExactlyOnce(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()

	res, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "add login", Files: []string{"a.py", "b.py"}})
	require.NoError(t, err)
	_, err = f.bridge.ReportProgress(ctx, "alice", "a.py", 100, "done")
	require.NoError(t, err)
	f.clock.Advance(3 * time.Minute)
	f.exec.Finish(res.SessionID, "2 files changed")

	const callers = 8
	var wg sync.WaitGroup
	results := make(chan []Completion, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			results <- f.bridge.CheckCompletion(ctx)
		}()
	}
	close(start)
	wg.Wait()
	close(results)

	var all []Completion
	for r := range results {
		all = append(all, r...)
	}
	require.Len(t, all, 1)
	assert.Equal(t, "alice", all[0].Agent)
	assert.Equal(t, "2 files changed", all[0].Output)
	assert.Equal(t, 3*time.Minute, all[0].Elapsed)
	require.NotNil(t, all[0].Task)
	assert.Equal(t, 50, all[0].Task.OverallProgress)

	assert.Len(t, f.notes.OfKind(notify.KindCompletion), 1)

	history, err := f.tracker.History(ctx, "alice", 0)
	require.NoError(t, err)
	assert.Len(t, history, 1)

	_, ok := f.bridge.Entry("alice")
	assert.False(t, ok)

	got, err := f.locks.Lock(ctx, "bob", []string{"a.py", "b.py"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.LockLocked, got["a.py"])
	assert.Equal(t, models.LockLocked, got["b.py"])
}

func TestCheckCompletion_StatusErrorIsolated(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()

	a, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "one"})
	require.NoError(t, err)
	b, err := f.bridge.Assign(ctx, AssignRequest{Agent: "bob", Description: "two"})
	require.NoError(t, err)

	f.exec.SetStatusErr(a.SessionID, errors.New("status backend down"))
	f.exec.Finish(a.SessionID, "")
	f.exec.Finish(b.SessionID, "ok")

	done := f.bridge.CheckCompletion(ctx)
	require.Len(t, done, 1)
	assert.Equal(t, "bob", done[0].Agent)

	_, ok := f.bridge.Entry("alice")
	assert.True(t, ok)

	f.exec.SetStatusErr(a.SessionID, nil)
	done = f.bridge.CheckCompletion(ctx)
	require.Len(t, done, 1)
	assert.Equal(t, "alice", done[0].Agent)
}

func TestCheckCompletion_FaultIsNotCompletion(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	ctx := context.Background()

	res, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "one"})
	require.NoError(t, err)
	f.exec.Fail(res.SessionID, "exit status 1")

	assert.Empty(t, f.bridge.CheckCompletion(ctx))
	_, ok := f.bridge.Entry("alice")
	assert.True(t, ok)
	assert.Empty(t, f.notes.OfKind(notify.KindCompletion))
}

func TestStop(t *testing.T) {
	f := newFixture(t, Config{}, "alice", "bob")
	ctx := context.Background()

	assert.ErrorIs(t, f.bridge.Stop(ctx, "alice"), models.ErrNotAssigned)

	res, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "add login", Files: []string{"a.py"}})
	require.NoError(t, err)

	require.NoError(t, f.bridge.Stop(ctx, "alice"))

	assert.Equal(t, []string{res.SessionID}, f.exec.Stopped())
	_, ok := f.bridge.Entry("alice")
	assert.False(t, ok)
	assert.Nil(t, f.tracker.Snapshot("alice"))

	history, err := f.tracker.History(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, models.TaskAbandoned, history[0].Status)

	got, err := f.locks.Lock(ctx, "bob", []string{"a.py"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.LockLocked, got["a.py"])
	assert.Len(t, f.notes.OfKind(notify.KindStopped), 1)

	assert.ErrorIs(t, f.bridge.Stop(ctx, "alice"), models.ErrNotAssigned)
}

func TestStop_ContinuesAfterSessionError(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	ctx := context.Background()

	res, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "x", Files: []string{"a.py"}})
	require.NoError(t, err)
	f.exec.Vanish(res.SessionID)

	require.NoError(t, f.bridge.Stop(ctx, "alice"))

	owner, err := f.locks.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Empty(t, owner)
	assert.Nil(t, f.tracker.Snapshot("alice"))
	_, ok := f.bridge.Entry("alice")
	assert.False(t, ok)
}

func TestStop_DuringStart(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	ctx := context.Background()
	f.exec.StartDelay = 100 * time.Millisecond

	errCh := make(chan error, 1)
	go func() {
		_, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "x", Files: []string{"a.py"}})
		errCh <- err
	}()

	require.Eventually(t, func() bool {
		e, ok := f.bridge.Entry("alice")
		return ok && e.State == StateAssigned
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, f.bridge.Stop(ctx, "alice"))

	assert.ErrorIs(t, <-errCh, ErrCancelled)
	_, ok := f.bridge.Entry("alice")
	assert.False(t, ok)
	assert.Nil(t, f.tracker.Snapshot("alice"))
	assert.Len(t, f.exec.Stopped(), 1)
}

func TestRestart(t *testing.T) {
	f := newFixture(t, Config{StuckTimeout: time.Minute}, "alice")
	ctx := context.Background()

	res, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "x", Files: []string{"a.py"}})
	require.NoError(t, err)
	_, err = f.bridge.ReportProgress(ctx, "alice", "a.py", 60, "")
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	f.bridge.CheckStuck(ctx)

	require.NoError(t, f.bridge.Restart(ctx, "alice"))

	e, ok := f.bridge.Entry("alice")
	require.True(t, ok)
	assert.NotEqual(t, res.SessionID, e.SessionID)
	assert.Equal(t, StateWorking, e.State)
	assert.Equal(t, 1, e.Restarts)
	assert.Contains(t, f.exec.Stopped(), res.SessionID)

	assert.Equal(t, 60, f.tracker.Snapshot("alice").OverallProgress)
	owner, err := f.locks.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	assert.ErrorIs(t, f.bridge.Restart(ctx, "nobody"), models.ErrNotAssigned)

	f.exec.SetStartErr(errors.New("down"))
	assert.ErrorIs(t, f.bridge.Restart(ctx, "alice"), models.ErrSessionStart)
}

func TestResume(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	ctx := context.Background()

	_, err := f.tracker.Create(ctx, "alice", "survived restart", []string{"a.py"})
	require.NoError(t, err)

	require.NoError(t, f.bridge.Resume(ctx, "alice"))
	e, ok := f.bridge.Entry("alice")
	require.True(t, ok)
	assert.Equal(t, StateWorking, e.State)
	assert.Equal(t, []string{"a.py"}, e.Files)

	owner, err := f.locks.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	assert.ErrorIs(t, f.bridge.Resume(ctx, "alice"), models.ErrAlreadyAssigned)
	assert.ErrorIs(t, f.bridge.Resume(ctx, "bob"), models.ErrNoActiveTask)
}

func TestResume_StartFailureKeepsRecord(t *testing.T) {
	f := newFixture(t, Config{}, "alice")
	ctx := context.Background()

	_, err := f.tracker.Create(ctx, "alice", "survived restart", nil)
	require.NoError(t, err)
	f.exec.SetStartErr(errors.New("down"))

	assert.ErrorIs(t, f.bridge.Resume(ctx, "alice"), models.ErrSessionStart)
	assert.False(t, f.bridge.HasEntry("alice"))
	assert.NotNil(t, f.tracker.Snapshot("alice"))
}

func TestStatus(t *testing.T) {
	f := newFixture(t, Config{StuckTimeout: time.Minute}, "alice", "bob")
	ctx := context.Background()

	_, err := f.bridge.Assign(ctx, AssignRequest{Agent: "alice", Description: "one"})
	require.NoError(t, err)
	f.clock.Advance(2 * time.Minute)
	_, err = f.bridge.Assign(ctx, AssignRequest{Agent: "bob", Description: "two"})
	require.NoError(t, err)
	f.bridge.CheckStuck(ctx)

	st := f.bridge.Status()
	assert.Equal(t, 2, st.ActiveCount)
	assert.Equal(t, 1, st.StuckCount)
	require.Len(t, st.Agents, 2)
	assert.Equal(t, "alice", st.Agents[0].Agent)
	assert.Equal(t, 2*time.Minute, st.Agents[0].Elapsed)
	assert.Equal(t, StateStuck, st.Agents[0].State)
	assert.Equal(t, time.Duration(0), st.Agents[1].Elapsed)

	assert.Equal(t, 2.0, f.metrics.Gauge("bridge_active", nil))
	assert.Equal(t, 1.0, f.metrics.Gauge("bridge_stuck", nil))
}
