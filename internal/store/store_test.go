package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/foreman/internal/models"
)

func TestNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "nested", "test.db")

	s, err := New(dbPath)
	require.NoError(t, err)
	defer s.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
}

func TestAgentCRUD(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateAgent(ctx, &models.Agent{Name: "alice", Role: "backend", Capabilities: []string{"go", "sql"}}))
	require.NoError(t, s.CreateAgent(ctx, &models.Agent{Name: "bob"}))

	err := s.CreateAgent(ctx, &models.Agent{Name: "alice"})
	assert.ErrorIs(t, err, models.ErrAgentExists)

	got, err := s.GetAgent(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "backend", got.Role)
	assert.Equal(t, []string{"go", "sql"}, got.Capabilities)

	missing, err := s.GetAgent(ctx, "carol")
	require.NoError(t, err)
	assert.Nil(t, missing)

	ok, err := s.AgentExists(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, ok)

	agents, err := s.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "alice", agents[0].Name)
	assert.Equal(t, []string{}, agents[1].Capabilities)
}

func TestAcquireLock(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hire(t, s, "alice", "bob")

	holder, err := s.AcquireLock(ctx, "a.py", "alice", "refactor")
	require.NoError(t, err)
	assert.Equal(t, "alice", holder)

	// Re-lock by the owner reports the owner again.
	holder, err = s.AcquireLock(ctx, "a.py", "alice", "again")
	require.NoError(t, err)
	assert.Equal(t, "alice", holder)

	holder, err = s.AcquireLock(ctx, "a.py", "bob", "hotfix")
	require.NoError(t, err)
	assert.Equal(t, "alice", holder)

	lock, err := s.GetLock(ctx, "a.py")
	require.NoError(t, err)
	require.NotNil(t, lock)
	assert.Equal(t, "refactor", lock.Reason)
}

func TestAcquireLock_Race(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	const workers = 10
	names := make([]string, workers)
	for i := range names {
		names[i] = fmt.Sprintf("agent-%d", i)
	}
	hire(t, s, names...)

	var wg sync.WaitGroup
	holders := make(chan string, workers)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			holder, err := s.AcquireLock(ctx, "shared.go", name, "race")
			if err != nil {
				t.Errorf("AcquireLock(%s): %v", name, err)
				return
			}
			if holder == name {
				holders <- name
			}
		}(name)
	}
	wg.Wait()
	close(holders)

	var winners []string
	for h := range holders {
		winners = append(winners, h)
	}
	require.Len(t, winners, 1, "exactly one agent must win the lock")

	lock, err := s.GetLock(ctx, "shared.go")
	require.NoError(t, err)
	assert.Equal(t, winners[0], lock.Owner)
}

func TestReleaseLocks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hire(t, s, "alice", "bob")

	for _, f := range []string{"a.py", "b.py", "c.py"} {
		_, err := s.AcquireLock(ctx, f, "alice", "")
		require.NoError(t, err)
	}
	_, err := s.AcquireLock(ctx, "d.py", "bob", "")
	require.NoError(t, err)

	released, err := s.ReleaseLocks(ctx, "alice", []string{"a.py", "d.py", "nope.py"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, released)

	released, err = s.ReleaseLocks(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.py", "c.py"}, released)

	locks, err := s.ListLocks(ctx, "")
	require.NoError(t, err)
	require.Len(t, locks, 1)
	assert.Equal(t, "bob", locks[0].Owner)
}

func TestResolveFileRequest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hire(t, s, "alice", "bob")

	_, err := s.AcquireLock(ctx, "a.py", "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.CreateFileRequest(ctx, &models.FileRequest{
		ID: "r1", FilePath: "a.py", Requester: "bob", Owner: "alice", Reason: "hotfix",
	}))

	req, err := s.ResolveFileRequest(ctx, "r1", true)
	require.NoError(t, err)
	assert.Equal(t, models.RequestApproved, req.Status)
	assert.NotNil(t, req.ResolvedAt)

	lock, err := s.GetLock(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "bob", lock.Owner)

	_, err = s.ResolveFileRequest(ctx, "r1", true)
	assert.ErrorIs(t, err, models.ErrAlreadyResolved)

	_, err = s.ResolveFileRequest(ctx, "missing", false)
	assert.ErrorIs(t, err, models.ErrRequestNotFound)
}

func TestResolveFileRequest_OwnerChanged(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hire(t, s, "alice", "bob", "carol")

	_, err := s.AcquireLock(ctx, "a.py", "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.CreateFileRequest(ctx, &models.FileRequest{
		ID: "r1", FilePath: "a.py", Requester: "bob", Owner: "alice",
	}))

	// Ownership moves before the approval lands.
	_, err = s.ReleaseLocks(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = s.AcquireLock(ctx, "a.py", "carol", "")
	require.NoError(t, err)

	req, err := s.ResolveFileRequest(ctx, "r1", true)
	assert.ErrorIs(t, err, models.ErrOwnerChanged)
	require.NotNil(t, req)
	assert.Equal(t, models.RequestCancelled, req.Status)

	lock, err := s.GetLock(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "carol", lock.Owner)
}

func TestFireAgent_Cascade(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hire(t, s, "alice", "bob")

	for _, f := range []string{"a.py", "b.py"} {
		_, err := s.AcquireLock(ctx, f, "alice", "")
		require.NoError(t, err)
	}
	require.NoError(t, s.CreateFileRequest(ctx, &models.FileRequest{
		ID: "r1", FilePath: "a.py", Requester: "bob", Owner: "alice",
	}))
	require.NoError(t, s.InsertActiveTask(ctx, newTask("alice", "a.py")))

	released, err := s.FireAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py", "b.py"}, released)

	for _, f := range released {
		holder, err := s.AcquireLock(ctx, f, "bob", "")
		require.NoError(t, err)
		assert.Equal(t, "bob", holder)
	}

	req, err := s.GetFileRequest(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.Status)

	task, err := s.GetActiveTask(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, task)

	_, err = s.FireAgent(ctx, "alice")
	assert.ErrorIs(t, err, models.ErrInvalidAgent)
}

func TestActiveTaskLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hire(t, s, "alice")

	task := newTask("alice", "a.py", "b.py")
	require.NoError(t, s.InsertActiveTask(ctx, task))
	assert.ErrorIs(t, s.InsertActiveTask(ctx, task), models.ErrTaskExists)

	task.Files["a.py"] = models.FileProgress{Percent: 100, Note: "done"}
	task.OverallProgress = 50
	task.CurrentWork = "writing b.py"
	require.NoError(t, s.SaveActiveTask(ctx, task))

	got, err := s.GetActiveTask(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 50, got.OverallProgress)
	assert.Equal(t, "writing b.py", got.CurrentWork)
	assert.Equal(t, models.FileProgress{Percent: 100, Note: "done"}, got.Files["a.py"])

	active, err := s.ListActiveTasks(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 1)

	archived, err := s.ArchiveActiveTask(ctx, "alice", models.TaskCompleted, time.Now())
	require.NoError(t, err)
	require.NotNil(t, archived)
	assert.Equal(t, models.TaskCompleted, archived.Status)
	assert.NotZero(t, archived.ID)

	got, err = s.GetActiveTask(ctx, "alice")
	require.NoError(t, err)
	assert.Nil(t, got)

	again, err := s.ArchiveActiveTask(ctx, "alice", models.TaskCompleted, time.Now())
	require.NoError(t, err)
	assert.Nil(t, again)

	assert.ErrorIs(t, s.SaveActiveTask(ctx, task), models.ErrNoActiveTask)
}

func TestArchiveOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	hire(t, s, "alice")

	base := time.Now().UTC()
	for i, status := range []models.TaskStatus{models.TaskCompleted, models.TaskCompleted, models.TaskAbandoned} {
		task := newTask("alice", "a.py")
		task.Description = fmt.Sprintf("task %d", i)
		require.NoError(t, s.InsertActiveTask(ctx, task))
		_, err := s.ArchiveActiveTask(ctx, "alice", status, base.Add(time.Duration(i)*time.Second))
		require.NoError(t, err)
	}

	history, err := s.ListArchivedTasks(ctx, "alice", 0)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "task 2", history[0].Description)
	assert.Equal(t, "task 0", history[2].Description)

	limited, err := s.ListArchivedTasks(ctx, "alice", 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)

	last, err := s.LastArchivedTask(ctx, "alice")
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, "task 1", last.Description)
}

func TestRecoveryLog(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	old := &models.RecoveryAttempt{
		Agent: "alice", Action: "restart_session", Outcome: models.RecoveryFailure,
		Timestamp: time.Now().UTC().Add(-3 * time.Hour),
	}
	require.NoError(t, s.InsertRecoveryAttempt(ctx, old))
	recent := &models.RecoveryAttempt{
		Agent: "alice", Action: "restart_session", Outcome: models.RecoverySuccess, Escalated: true, Detail: "ok",
	}
	require.NoError(t, s.InsertRecoveryAttempt(ctx, recent))
	assert.NotZero(t, recent.ID)

	all, err := s.ListRecoveryAttempts(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	lastHour, err := s.ListRecoveryAttempts(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	require.Len(t, lastHour, 1)
	assert.True(t, lastHour[0].Escalated)
	assert.Equal(t, "ok", lastHour[0].Detail)

	require.NoError(t, s.SetEscalated(ctx, "alice", true, "3 consecutive failures"))
	require.NoError(t, s.SetEscalated(ctx, "alice", true, "again"))
	esc, err := s.ListEscalated(ctx)
	require.NoError(t, err)
	require.Len(t, esc, 1)
	assert.Equal(t, "again", esc[0].Reason)

	require.NoError(t, s.SetEscalated(ctx, "alice", false, ""))
	esc, err = s.ListEscalated(ctx)
	require.NoError(t, err)
	assert.Empty(t, esc)
}

func TestPDR(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.WritePDR(ctx, &models.PDREntry{
		ID: "p1", Action: "hire", InputsHash: "abc", Outcome: "success", Agent: "alice",
	}))

	entries, err := s.ListPDR(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "alice", entries[0].Agent)
	assert.False(t, entries[0].Timestamp.IsZero())
}

func TestPing(t *testing.T) {
	s := newTestStore(t)
	assert.NoError(t, s.Ping(context.Background()))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func hire(t *testing.T, s *Store, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, s.CreateAgent(context.Background(), &models.Agent{Name: name}))
	}
}

func newTask(owner string, files ...string) *models.TaskRecord {
	now := time.Now().UTC()
	task := &models.TaskRecord{
		Owner:       owner,
		Description: "test task",
		Files:       make(map[string]models.FileProgress),
		Status:      models.TaskActive,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, f := range files {
		task.Files[f] = models.FileProgress{Note: "pending"}
	}
	return task
}
