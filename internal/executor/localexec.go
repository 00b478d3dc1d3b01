package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// defaultAllowed is the allowlist used when none is configured: the worker
// CLIs DetectBackends knows about.
var defaultAllowed = []string{"claude", "aider", "gemini", "codex"}

const (
	defaultOutputLimit = 64 * 1024
	finishedRetention  = time.Hour
	stopGrace          = 5 * time.Second
)

// LocalConfig configures the local process executor.
type LocalConfig struct {
	Command         string   // worker binary
	Args            []string // may contain {agent} and {description}
	WorkDir         string
	AllowedCommands []string // binary base names; defaults to known worker CLIs
	OutputLimit     int      // bytes of output kept per session
	APIURL          string   // exported to workers as FOREMAN_API
}

func (c LocalConfig) withDefaults() LocalConfig {
	if len(c.AllowedCommands) == 0 {
		c.AllowedCommands = defaultAllowed
	}
	if c.OutputLimit <= 0 {
		c.OutputLimit = defaultOutputLimit
	}
	return c
}

// LocalExec runs each session as a local child process.
type LocalExec struct {
	cfg     LocalConfig
	allowed map[string]bool
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*localSession
}

type localSession struct {
	id        string
	agent     string
	cancel    context.CancelFunc
	out       *tailBuffer
	startedAt time.Time
	done      chan struct{}

	// set before done is closed
	exitCode   int
	fault      string
	stopped    bool
	finishedAt time.Time
}

// NewLocal creates a local executor.
func NewLocal(cfg LocalConfig, logger *slog.Logger) *LocalExec {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	allowed := make(map[string]bool, len(cfg.AllowedCommands))
	for _, c := range cfg.AllowedCommands {
		allowed[c] = true
	}
	return &LocalExec{
		cfg:      cfg,
		allowed:  allowed,
		logger:   logger.With("component", "executor"),
		sessions: make(map[string]*localSession),
	}
}

// Name returns the executor identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// IsAllowed checks the command's base name against the allowlist.
func (l *LocalExec) IsAllowed(cmd string) bool {
	if cmd == "" {
		return false
	}
	return l.allowed[filepath.Base(cmd)]
}

// Start spawns the worker command for agent.
func (l *LocalExec) Start(ctx context.Context, agent, description string) (string, error) {
	if !l.IsAllowed(l.cfg.Command) {
		return "", fmt.Errorf("%w: %q", ErrNotAllowed, l.cfg.Command)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.New().String()
	args := ExpandArgs(l.cfg.Args, agent, description)

	// The session outlives the request that started it.
	sessCtx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(sessCtx, l.cfg.Command, args...)
	cmd.WaitDelay = stopGrace
	if l.cfg.WorkDir != "" {
		cmd.Dir = l.cfg.WorkDir
	}
	cmd.Env = append(os.Environ(),
		"FOREMAN_AGENT="+agent,
		"FOREMAN_SESSION="+id,
		"FOREMAN_API="+l.cfg.APIURL,
	)

	sess := &localSession{
		id:        id,
		agent:     agent,
		cancel:    cancel,
		out:       newTailBuffer(l.cfg.OutputLimit),
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
	cmd.Stdout = sess.out
	cmd.Stderr = sess.out

	if err := cmd.Start(); err != nil {
		cancel()
		return "", fmt.Errorf("start %s: %w", l.cfg.Command, err)
	}

	l.mu.Lock()
	l.pruneLocked()
	l.sessions[id] = sess
	l.mu.Unlock()

	go l.wait(cmd, sess)

	l.logger.Info("session started", "agent", agent, "session", id, "pid", cmd.Process.Pid)
	return id, nil
}

func (l *LocalExec) wait(cmd *exec.Cmd, sess *localSession) {
	err := cmd.Wait()

	l.mu.Lock()
	sess.finishedAt = time.Now()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			sess.exitCode = exitErr.ExitCode()
		} else {
			sess.exitCode = -1
		}
		if !sess.stopped {
			sess.fault = err.Error()
		}
	}
	l.mu.Unlock()
	close(sess.done)
	sess.cancel()

	l.logger.Info("session exited", "agent", sess.agent, "session", sess.id, "exit_code", sess.exitCode)
}

// IsRunning reports whether the session's process is still alive.
func (l *LocalExec) IsRunning(ctx context.Context, sessionID string) (bool, error) {
	st, err := l.Status(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return st.Running, nil
}

// Status returns the session's state. A non-zero exit is a fault.
func (l *LocalExec) Status(_ context.Context, sessionID string) (SessionStatus, error) {
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	l.mu.Unlock()
	if !ok {
		return SessionStatus{}, ErrUnknownSession
	}

	st := SessionStatus{
		SessionID:     sessionID,
		Output:        sess.out.String(),
		StartedAt:     sess.startedAt,
		LastHeartbeat: sess.out.lastWrite(sess.startedAt),
	}
	select {
	case <-sess.done:
		l.mu.Lock()
		st.ExitCode = sess.exitCode
		st.Fault = sess.fault
		st.Done = sess.exitCode == 0 && !sess.stopped
		l.mu.Unlock()
	default:
		st.Running = true
	}
	return st, nil
}

// Stop kills the session's process and waits for it to exit.
func (l *LocalExec) Stop(ctx context.Context, sessionID string) error {
	l.mu.Lock()
	sess, ok := l.sessions[sessionID]
	if ok {
		sess.stopped = true
	}
	l.mu.Unlock()
	if !ok {
		return ErrUnknownSession
	}

	sess.cancel()
	select {
	case <-sess.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	l.mu.Lock()
	delete(l.sessions, sessionID)
	l.mu.Unlock()
	l.logger.Info("session stopped", "agent", sess.agent, "session", sessionID)
	return nil
}

// pruneLocked drops sessions that finished long ago. Caller holds l.mu.
func (l *LocalExec) pruneLocked() {
	cutoff := time.Now().Add(-finishedRetention)
	for id, s := range l.sessions {
		if !s.finishedAt.IsZero() && s.finishedAt.Before(cutoff) {
			delete(l.sessions, id)
		}
	}
}

// ExpandArgs substitutes {agent} and {description} in each argument.
func ExpandArgs(args []string, agent, description string) []string {
	r := strings.NewReplacer("{agent}", agent, "{description}", description)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// tailBuffer keeps the last limit bytes written to it. Every write counts as
// a heartbeat.
type tailBuffer struct {
	mu    sync.Mutex
	buf   []byte
	limit int
	last  atomic.Int64 // unix nanos of the last write
}

func newTailBuffer(limit int) *tailBuffer {
	return &tailBuffer{limit: limit}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.limit; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	b.mu.Unlock()
	b.last.Store(time.Now().UnixNano())
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}

// lastWrite returns the time of the last write, or fallback if none.
func (b *tailBuffer) lastWrite(fallback time.Time) time.Time {
	n := b.last.Load()
	if n == 0 {
		return fallback
	}
	return time.Unix(0, n)
}
