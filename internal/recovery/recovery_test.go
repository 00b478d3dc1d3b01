package recovery

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/notify"
	"github.com/fentz26/foreman/internal/store"
)

type fakeTarget struct {
	mu       sync.Mutex
	entries  map[string]bool
	err      error
	restarts int
	resumes  int
}

func (f *fakeTarget) HasEntry(agent string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.entries[agent]
}

func (f *fakeTarget) Restart(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarts++
	return f.err
}

func (f *fakeTarget) Resume(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resumes++
	return f.err
}

func (f *fakeTarget) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

type fixture struct {
	store    *store.Store
	target   *fakeTarget
	notifier *notify.Recorder
	manager  *Manager
	now      time.Time
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	f := &fixture{
		store:    s,
		target:   &fakeTarget{entries: map[string]bool{"alice": true}},
		notifier: &notify.Recorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.manager = f.newManager(t, cfg)
	return f
}

func (f *fixture) newManager(t *testing.T, cfg Config) *Manager {
	t.Helper()
	m, err := New(context.Background(), cfg, f.store, f.target, f.notifier, nil, nil)
	require.NoError(t, err)
	m.nowFunc = func() time.Time { return f.now }
	return m
}

func (f *fixture) attempts(t *testing.T) []models.RecoveryAttempt {
	t.Helper()
	all, err := f.store.ListRecoveryAttempts(context.Background(), time.Time{})
	require.NoError(t, err)
	return all
}

func TestObserve_RestartWhenEntryExists(t *testing.T) {
	f := newFixture(t, Config{})
	f.manager.Observe(context.Background(), "alice", models.HealthStuck, "bridge reports stuck")

	all := f.attempts(t)
	require.Len(t, all, 1)
	assert.Equal(t, ActionRestartSession, all[0].Action)
	assert.Equal(t, models.RecoverySuccess, all[0].Outcome)
	assert.Equal(t, "bridge reports stuck", all[0].Reason)
	assert.False(t, all[0].Escalated)
	assert.Equal(t, 1, f.target.restarts)
}

func TestObserve_ResumeWithoutEntry(t *testing.T) {
	f := newFixture(t, Config{})
	f.manager.Observe(context.Background(), "bob", models.HealthError, "active task has no session")

	all := f.attempts(t)
	require.Len(t, all, 1)
	assert.Equal(t, ActionResumeTask, all[0].Action)
	assert.Equal(t, 1, f.target.resumes)
}

func TestObserve_StagnantDoesNothing(t *testing.T) {
	f := newFixture(t, Config{})
	f.manager.Observe(context.Background(), "alice", models.HealthStagnant, "no progress")
	assert.Empty(t, f.attempts(t))
}

func TestEscalation_AfterThreeConsecutiveFailures(t *testing.T) {
	f := newFixture(t, Config{Cooldown: time.Minute})
	ctx := context.Background()
	f.target.setErr(errors.New("executor unavailable"))

	for i := 0; i < 4; i++ {
		f.manager.Observe(ctx, "alice", models.HealthError, "session fault")
		f.now = f.now.Add(2 * time.Minute)
	}

	all := f.attempts(t)
	require.Len(t, all, 3, "the fourth tick must not attempt recovery")
	for _, a := range all {
		assert.Equal(t, models.RecoveryFailure, a.Outcome)
		assert.Equal(t, "executor unavailable", a.Detail)
	}
	assert.False(t, all[1].Escalated)
	assert.True(t, all[2].Escalated)
	assert.True(t, f.manager.IsEscalated("alice"))

	escalated, err := f.store.ListEscalated(ctx)
	require.NoError(t, err)
	require.Len(t, escalated, 1)
	assert.Equal(t, "alice", escalated[0].Agent)

	notes := f.notifier.OfKind(notify.KindEscalation)
	require.Len(t, notes, 1)
	assert.True(t, notes[0].Broadcast())
	assert.Contains(t, notes[0].Text, "[ESCALATION] alice")

	_, err = f.manager.Recover(ctx, "alice", "manual")
	assert.ErrorIs(t, err, models.ErrRecoveryExhausted)
}

func TestHealthyResetsConsecutiveFailures(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()
	f.target.setErr(errors.New("boom"))

	f.manager.Observe(ctx, "alice", models.HealthError, "")
	f.manager.Observe(ctx, "alice", models.HealthError, "")
	f.manager.Observe(ctx, "alice", models.HealthHealthy, "")
	f.manager.Observe(ctx, "alice", models.HealthError, "")
	f.manager.Observe(ctx, "alice", models.HealthError, "")

	assert.Len(t, f.attempts(t), 4)
	assert.False(t, f.manager.IsEscalated("alice"))
}

func TestSuccessResetsConsecutiveButNotEpisode(t *testing.T) {
	f := newFixture(t, Config{MaxAttemptsPerEpisode: 4})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.manager.Observe(ctx, "alice", models.HealthError, "keeps crashing")
		assert.False(t, f.manager.IsEscalated("alice"))
	}
	f.manager.Observe(ctx, "alice", models.HealthError, "keeps crashing")
	assert.True(t, f.manager.IsEscalated("alice"))

	all := f.attempts(t)
	require.Len(t, all, 4)
	assert.Equal(t, models.RecoverySuccess, all[3].Outcome)
	assert.True(t, all[3].Escalated)
}

func TestRecover_NothingToRecoverIsNotAnAttempt(t *testing.T) {
	f := newFixture(t, Config{Cooldown: time.Minute})
	ctx := context.Background()

	f.target.setErr(models.ErrNotAssigned)
	for i := 0; i < 3; i++ {
		attempt, err := f.manager.Recover(ctx, "alice", "manual")
		assert.ErrorIs(t, err, models.ErrNotAssigned)
		assert.Nil(t, attempt)
	}
	f.target.setErr(models.ErrNoActiveTask)
	f.manager.Observe(ctx, "bob", models.HealthError, "orphaned task")

	assert.Empty(t, f.attempts(t))
	assert.False(t, f.manager.IsEscalated("alice"))
	assert.Empty(t, f.notifier.OfKind(notify.KindEscalation))

	// No cooldown was started.
	f.target.setErr(nil)
	attempt, err := f.manager.Recover(ctx, "alice", "manual")
	require.NoError(t, err)
	assert.Equal(t, models.RecoverySuccess, attempt.Outcome)
}

func TestCooldown(t *testing.T) {
	f := newFixture(t, Config{Cooldown: time.Minute})
	ctx := context.Background()

	_, err := f.manager.Recover(ctx, "alice", "")
	require.NoError(t, err)
	_, err = f.manager.Recover(ctx, "alice", "")
	assert.ErrorIs(t, err, ErrCoolingDown)

	f.now = f.now.Add(61 * time.Second)
	_, err = f.manager.Recover(ctx, "alice", "")
	assert.NoError(t, err)
	assert.Len(t, f.attempts(t), 2)
}

func TestClear(t *testing.T) {
	f := newFixture(t, Config{MaxConsecutiveFailures: 1})
	ctx := context.Background()
	f.target.setErr(errors.New("boom"))

	f.manager.Observe(ctx, "alice", models.HealthError, "")
	require.True(t, f.manager.IsEscalated("alice"))

	cleared, err := f.manager.Clear(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, cleared)
	assert.False(t, f.manager.IsEscalated("alice"))

	escalated, err := f.store.ListEscalated(ctx)
	require.NoError(t, err)
	assert.Empty(t, escalated)

	cleared, err = f.manager.Clear(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, cleared)

	f.target.setErr(nil)
	attempt, err := f.manager.Recover(ctx, "alice", "manual")
	require.NoError(t, err)
	assert.Equal(t, models.RecoverySuccess, attempt.Outcome)
}

func TestEscalationSurvivesRestart(t *testing.T) {
	f := newFixture(t, Config{MaxConsecutiveFailures: 1})
	ctx := context.Background()
	f.target.setErr(errors.New("boom"))
	f.manager.Observe(ctx, "alice", models.HealthError, "")

	reloaded := f.newManager(t, Config{})
	assert.True(t, reloaded.IsEscalated("alice"))
	require.Len(t, reloaded.Escalations(), 1)

	reloaded.Observe(ctx, "alice", models.HealthError, "")
	assert.Len(t, f.attempts(t), 1)
}

func TestSummaryAndHistory(t *testing.T) {
	f := newFixture(t, Config{})
	ctx := context.Background()

	f.manager.Observe(ctx, "alice", models.HealthStuck, "")
	f.target.setErr(errors.New("boom"))
	f.manager.Observe(ctx, "bob", models.HealthError, "")

	f.now = f.now.Add(3 * time.Hour)
	f.target.setErr(nil)
	f.manager.Observe(ctx, "alice", models.HealthStuck, "")

	sum, err := f.manager.Summary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, sum.TotalAttempts)
	assert.Equal(t, 2, sum.Successes)
	assert.Equal(t, 1, sum.Failures)
	require.Len(t, sum.Agents, 2)
	assert.Equal(t, "alice", sum.Agents[0].Agent)
	assert.Equal(t, 2, sum.Agents[0].Attempts)
	assert.Equal(t, "bob", sum.Agents[1].Agent)
	assert.Equal(t, 1, sum.Agents[1].Failures)
	assert.Empty(t, sum.Escalated)

	recent, err := f.manager.History(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "alice", recent[0].Agent)

	all, err := f.manager.History(ctx, 24)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
