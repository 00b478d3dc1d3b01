package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Mock is a scriptable in-memory Executor for tests. Sessions run until the
// test finishes, fails or removes them.
type Mock struct {
	// StartErr, when set, makes Start fail.
	StartErr error
	// StartDelay makes Start block until it elapses or ctx is done.
	StartDelay time.Duration

	mu          sync.Mutex
	next        int
	sessions    map[string]*SessionStatus
	byAgent     map[string]string
	statusErr   map[string]error
	stopped     []string
	starts      int
	statusCalls atomic.Int64
}

// NewMock creates an empty mock executor.
func NewMock() *Mock {
	return &Mock{
		sessions:  make(map[string]*SessionStatus),
		byAgent:   make(map[string]string),
		statusErr: make(map[string]error),
	}
}

func (m *Mock) Name() string { return "mock" }

func (m *Mock) Start(ctx context.Context, agent, _ string) (string, error) {
	if m.StartDelay > 0 {
		select {
		case <-time.After(m.StartDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.StartErr != nil {
		return "", m.StartErr
	}
	m.next++
	m.starts++
	id := fmt.Sprintf("mock-%d", m.next)
	now := time.Now()
	m.sessions[id] = &SessionStatus{SessionID: id, Running: true, StartedAt: now, LastHeartbeat: now}
	m.byAgent[agent] = id
	return id, nil
}

func (m *Mock) IsRunning(ctx context.Context, id string) (bool, error) {
	st, err := m.Status(ctx, id)
	return st.Running, err
}

func (m *Mock) Status(_ context.Context, id string) (SessionStatus, error) {
	m.statusCalls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.statusErr[id]; err != nil {
		return SessionStatus{}, err
	}
	st, ok := m.sessions[id]
	if !ok {
		return SessionStatus{}, ErrUnknownSession
	}
	return *st, nil
}

func (m *Mock) Stop(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = append(m.stopped, id)
	if _, ok := m.sessions[id]; !ok {
		return ErrUnknownSession
	}
	delete(m.sessions, id)
	return nil
}

// Finish marks the session as successfully completed with output.
func (m *Mock) Finish(id, output string) {
	m.update(id, func(st *SessionStatus) {
		st.Running = false
		st.Done = true
		st.Output = output
	})
}

// Fail marks the session as exited with a fatal fault.
func (m *Mock) Fail(id, fault string) {
	m.update(id, func(st *SessionStatus) {
		st.Running = false
		st.ExitCode = 1
		st.Fault = fault
	})
}

// Vanish forgets the session, as if the worker disappeared.
func (m *Mock) Vanish(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Heartbeat sets the session's last heartbeat.
func (m *Mock) Heartbeat(id string, at time.Time) {
	m.update(id, func(st *SessionStatus) { st.LastHeartbeat = at })
}

// SetStatusErr makes Status fail for id until cleared with a nil error.
func (m *Mock) SetStatusErr(id string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.statusErr, id)
		return
	}
	m.statusErr[id] = err
}

// SetStartErr changes the error future Start calls return.
func (m *Mock) SetStartErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.StartErr = err
}

// SessionFor returns the most recent session started for agent.
func (m *Mock) SessionFor(agent string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byAgent[agent]
}

// Starts returns how many sessions were started.
func (m *Mock) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

// Stopped returns the session ids passed to Stop.
func (m *Mock) Stopped() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stopped...)
}

// StatusCalls returns how many times Status was called.
func (m *Mock) StatusCalls() int64 {
	return m.statusCalls.Load()
}

func (m *Mock) update(id string, fn func(*SessionStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.sessions[id]; ok {
		fn(st)
	}
}

var _ Executor = (*Mock)(nil)
var _ Executor = (*LocalExec)(nil)
