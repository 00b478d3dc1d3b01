package locks

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/store"
)

func TestLock_Exclusivity(t *testing.T) {
	m, _ := newTestManager(t, "alice", "bob")
	ctx := context.Background()

	got, err := m.Lock(ctx, "alice", []string{"a.py"}, "feature")
	require.NoError(t, err)
	assert.Equal(t, models.LockLocked, got["a.py"])

	got, err = m.Lock(ctx, "bob", []string{"a.py"}, "hotfix")
	require.NoError(t, err)
	assert.Equal(t, map[string]models.LockOutcome{"a.py": models.LockLockedByOther}, got)

	owner, err := m.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)
}

func TestLock_IdempotentRelock(t *testing.T) {
	m, _ := newTestManager(t, "alice")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		got, err := m.Lock(ctx, "alice", []string{"a.py"}, "feature")
		require.NoError(t, err)
		assert.Equal(t, models.LockLocked, got["a.py"], "call %d", i+1)
	}
}

func TestLock_PartialOutcome(t *testing.T) {
	m, reg := newTestManager(t, "alice", "bob")
	ctx := context.Background()

	_, err := m.Lock(ctx, "alice", []string{"b.py"}, "")
	require.NoError(t, err)

	got, err := m.Lock(ctx, "bob", []string{"a.py", "b.py", "c.py"}, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]models.LockOutcome{
		"a.py": models.LockLocked,
		"b.py": models.LockLockedByOther,
		"c.py": models.LockLocked,
	}, got)

	assert.Equal(t, 3.0, reg.Counter("locks_acquired_total", nil))
	assert.Equal(t, 1.0, reg.Counter("locks_conflicts_total", nil))
}

func TestLock_UnknownAgent(t *testing.T) {
	m, _ := newTestManager(t)
	_, err := m.Lock(context.Background(), "carol", []string{"a.py"}, "")
	assert.ErrorIs(t, err, models.ErrInvalidAgent)
}

func TestLock_ConcurrentSameFile(t *testing.T) {
	const n = 8
	names := make([]string, n)
	for i := range names {
		names[i] = fmt.Sprintf("agent-%d", i)
	}
	m, _ := newTestManager(t, names...)
	ctx := context.Background()

	var wg sync.WaitGroup
	var mu sync.Mutex
	winners := 0
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			got, err := m.Lock(ctx, name, []string{"main.go"}, "")
			if err != nil {
				t.Errorf("Lock(%s): %v", name, err)
				return
			}
			if got["main.go"] == models.LockLocked {
				mu.Lock()
				winners++
				mu.Unlock()
			}
		}(name)
	}
	wg.Wait()

	assert.Equal(t, 1, winners)
}

func TestRelease(t *testing.T) {
	m, _ := newTestManager(t, "alice", "bob")
	ctx := context.Background()

	_, err := m.Lock(ctx, "alice", []string{"a.py", "b.py"}, "")
	require.NoError(t, err)
	_, err = m.Lock(ctx, "bob", []string{"c.py"}, "")
	require.NoError(t, err)

	released, err := m.Release(ctx, "alice", []string{"a.py", "c.py", "unlocked.py"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a.py"}, released)

	released, err = m.Release(ctx, "alice", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"b.py"}, released)

	owner, err := m.Owner(ctx, "c.py")
	require.NoError(t, err)
	assert.Equal(t, "bob", owner)
}

func TestRequestApproveTransfer(t *testing.T) {
	m, _ := newTestManager(t, "alice", "bob")
	ctx := context.Background()

	_, err := m.Lock(ctx, "alice", []string{"a.py"}, "")
	require.NoError(t, err)

	res, err := m.Request(ctx, "bob", "a.py", "hotfix")
	require.NoError(t, err)
	assert.Equal(t, "request_sent_to_alice", res.String())
	require.NotEmpty(t, res.RequestID)

	ok, err := m.Approve(ctx, res.RequestID)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := m.Lock(ctx, "bob", []string{"a.py"}, "probe")
	require.NoError(t, err)
	assert.Equal(t, models.LockLocked, got["a.py"])

	got, err = m.Lock(ctx, "alice", []string{"a.py"}, "probe")
	require.NoError(t, err)
	assert.Equal(t, models.LockLockedByOther, got["a.py"])

	// Stale resolution is rejected.
	ok, err = m.Approve(ctx, res.RequestID)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = m.Deny(ctx, res.RequestID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRequestOutcomes(t *testing.T) {
	m, _ := newTestManager(t, "alice", "bob")
	ctx := context.Background()

	res, err := m.Request(ctx, "bob", "free.py", "")
	require.NoError(t, err)
	assert.Equal(t, "file_not_locked", res.String())
	assert.Empty(t, res.RequestID)

	_, err = m.Lock(ctx, "bob", []string{"mine.py"}, "")
	require.NoError(t, err)
	res, err = m.Request(ctx, "bob", "mine.py", "")
	require.NoError(t, err)
	assert.Equal(t, "already_owner", res.String())

	pending, err := m.Requests(ctx, models.RequestPending)
	require.NoError(t, err)
	assert.Empty(t, pending)

	_, err = m.Request(ctx, "carol", "mine.py", "")
	assert.ErrorIs(t, err, models.ErrInvalidAgent)
}

func TestDeny(t *testing.T) {
	m, _ := newTestManager(t, "alice", "bob")
	ctx := context.Background()

	_, err := m.Lock(ctx, "alice", []string{"a.py"}, "")
	require.NoError(t, err)
	res, err := m.Request(ctx, "bob", "a.py", "")
	require.NoError(t, err)

	ok, err := m.Deny(ctx, res.RequestID)
	require.NoError(t, err)
	assert.True(t, ok)

	owner, err := m.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "alice", owner)

	req, err := m.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestDenied, req.Status)

	ok, err = m.Approve(ctx, "does-not-exist")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestApprove_OwnerChanged(t *testing.T) {
	m, _ := newTestManager(t, "alice", "bob", "carol")
	ctx := context.Background()

	_, err := m.Lock(ctx, "alice", []string{"a.py"}, "")
	require.NoError(t, err)
	res, err := m.Request(ctx, "bob", "a.py", "")
	require.NoError(t, err)

	_, err = m.Release(ctx, "alice", nil)
	require.NoError(t, err)
	_, err = m.Lock(ctx, "carol", []string{"a.py"}, "")
	require.NoError(t, err)

	ok, err := m.Approve(ctx, res.RequestID)
	require.NoError(t, err)
	assert.False(t, ok)

	owner, err := m.Owner(ctx, "a.py")
	require.NoError(t, err)
	assert.Equal(t, "carol", owner)
}

func TestFire_Cascade(t *testing.T) {
	m, _ := newTestManager(t, "alice", "bob")
	ctx := context.Background()

	_, err := m.Lock(ctx, "alice", []string{"a.py", "b.py"}, "")
	require.NoError(t, err)
	res, err := m.Request(ctx, "bob", "a.py", "")
	require.NoError(t, err)

	released, err := m.Fire(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a.py", "b.py"}, released)

	got, err := m.Lock(ctx, "bob", []string{"a.py", "b.py"}, "")
	require.NoError(t, err)
	assert.Equal(t, models.LockLocked, got["a.py"])
	assert.Equal(t, models.LockLocked, got["b.py"])

	req, err := m.GetRequest(ctx, res.RequestID)
	require.NoError(t, err)
	assert.Equal(t, models.RequestCancelled, req.Status)

	ok, err := m.Exists(ctx, "alice")
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = m.Fire(ctx, "alice")
	assert.ErrorIs(t, err, models.ErrInvalidAgent)
}

func TestHire(t *testing.T) {
	m, _ := newTestManager(t)
	ctx := context.Background()

	a, err := m.Hire(ctx, models.Agent{Name: "alice", Role: "frontend"})
	require.NoError(t, err)
	assert.False(t, a.CreatedAt.IsZero())

	_, err = m.Hire(ctx, models.Agent{Name: "alice"})
	assert.ErrorIs(t, err, models.ErrAgentExists)

	_, err = m.Hire(ctx, models.Agent{})
	assert.ErrorIs(t, err, models.ErrInvalidAgent)

	agents, err := m.Agents(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 1)
}

func newTestManager(t *testing.T, agents ...string) (*Manager, *metrics.Registry) {
	t.Helper()
	s, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	reg := metrics.NewRegistry()
	m := NewManager(s, reg, nil)
	for _, name := range agents {
		_, err := m.Hire(context.Background(), models.Agent{Name: name})
		require.NoError(t, err)
	}
	return m, reg
}
