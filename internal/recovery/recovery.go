// Package recovery reacts to health classifications with bounded automatic
// recovery and escalates agents whose recovery keeps failing.
package recovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/foreman/internal/metrics"
	"github.com/fentz26/foreman/internal/models"
	"github.com/fentz26/foreman/internal/notify"
	"github.com/fentz26/foreman/internal/store"
)

var (
	// ErrCoolingDown is returned by Recover when the agent's previous attempt
	// is more recent than the cooldown.
	ErrCoolingDown = errors.New("recovery cooling down")
	// ErrInProgress is returned by Recover while another attempt for the same
	// agent is running.
	ErrInProgress = errors.New("recovery already in progress")
)

// Recovery actions.
const (
	ActionRestartSession = "restart_session"
	ActionResumeTask     = "resume_task"
)

// Recoverer performs recovery actions. The bridge implements it.
type Recoverer interface {
	HasEntry(agent string) bool
	Restart(ctx context.Context, agent string) error
	Resume(ctx context.Context, agent string) error
}

// Config bounds automatic recovery.
type Config struct {
	MaxConsecutiveFailures int           // failed attempts in a row before escalation
	MaxAttemptsPerEpisode  int           // attempts in one unhealthy episode before escalation
	Cooldown               time.Duration // minimum time between attempts for one agent
}

func (c Config) withDefaults() Config {
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = 3
	}
	if c.MaxAttemptsPerEpisode <= 0 {
		c.MaxAttemptsPerEpisode = 5
	}
	if c.Cooldown < 0 {
		c.Cooldown = 0
	}
	return c
}

// DefaultConfig returns the daemon defaults.
func DefaultConfig() Config {
	return Config{MaxConsecutiveFailures: 3, MaxAttemptsPerEpisode: 5, Cooldown: time.Minute}
}

type agentState struct {
	consecutive int // failures since the last success
	episode     int // attempts since the agent was last healthy
	lastAttempt time.Time
	inFlight    bool
}

// AgentSummary aggregates one agent's attempts.
type AgentSummary struct {
	Agent       string    `json:"agent"`
	Attempts    int       `json:"attempts"`
	Successes   int       `json:"successes"`
	Failures    int       `json:"failures"`
	LastAttempt time.Time `json:"last_attempt"`
	Escalated   bool      `json:"escalated"`
}

// Summary aggregates the whole attempt log.
type Summary struct {
	TotalAttempts int                 `json:"total_attempts"`
	Successes     int                 `json:"successes"`
	Failures      int                 `json:"failures"`
	Agents        []AgentSummary      `json:"agents"`
	Escalated     []models.Escalation `json:"escalated"`
}

// Manager runs recovery attempts and tracks escalations.
type Manager struct {
	cfg      Config
	store    *store.Store
	target   Recoverer
	notifier notify.Notifier
	metrics  metrics.Sink
	logger   *slog.Logger

	mu        sync.Mutex
	states    map[string]*agentState
	escalated map[string]models.Escalation

	nowFunc func() time.Time
}

// New creates a manager and reloads persisted escalations.
func New(ctx context.Context, cfg Config, s *store.Store, target Recoverer, n notify.Notifier, sink metrics.Sink, logger *slog.Logger) (*Manager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if n == nil {
		n = notify.NewLog(logger)
	}
	m := &Manager{
		cfg:       cfg.withDefaults(),
		store:     s,
		target:    target,
		notifier:  n,
		metrics:   metrics.OrNop(sink),
		logger:    logger.With("component", "recovery"),
		states:    make(map[string]*agentState),
		escalated: make(map[string]models.Escalation),
		nowFunc:   time.Now,
	}

	escalations, err := s.ListEscalated(ctx)
	if err != nil {
		return nil, fmt.Errorf("load escalations: %w", err)
	}
	for _, e := range escalations {
		m.escalated[e.Agent] = e
	}
	if len(escalations) > 0 {
		m.logger.Warn("escalated agents reloaded", "count", len(escalations))
	}
	m.publishGauge()
	return m, nil
}

// Observe handles one health classification. STUCK and ERROR trigger a
// recovery attempt, HEALTHY closes the unhealthy episode, STAGNANT waits.
func (m *Manager) Observe(ctx context.Context, agent string, h models.Health, reason string) {
	switch h {
	case models.HealthStuck, models.HealthError:
		_, err := m.Recover(ctx, agent, reason)
		switch {
		case err == nil:
		case errors.Is(err, models.ErrRecoveryExhausted), errors.Is(err, ErrCoolingDown),
			errors.Is(err, ErrInProgress), notActionable(err):
			m.logger.Debug("recovery skipped", "agent", agent, "reason", err)
		default:
			m.logger.Error("recovery failed", "agent", agent, "error", err)
		}
	case models.HealthHealthy:
		m.mu.Lock()
		if st, ok := m.states[agent]; ok && !st.inFlight {
			st.consecutive = 0
			st.episode = 0
		}
		m.mu.Unlock()
	}
}

// Recover runs one recovery action for agent and records the attempt. A
// failed action is reported in the attempt's outcome, not as an error. When
// there is nothing to recover the target's error is returned and no attempt
// is recorded.
func (m *Manager) Recover(ctx context.Context, agent, reason string) (*models.RecoveryAttempt, error) {
	now := m.now()

	m.mu.Lock()
	if _, ok := m.escalated[agent]; ok {
		m.mu.Unlock()
		return nil, models.ErrRecoveryExhausted
	}
	st := m.state(agent)
	if st.inFlight {
		m.mu.Unlock()
		return nil, ErrInProgress
	}
	if !st.lastAttempt.IsZero() && now.Sub(st.lastAttempt) < m.cfg.Cooldown {
		m.mu.Unlock()
		return nil, ErrCoolingDown
	}
	previous := st.lastAttempt
	st.inFlight = true
	st.lastAttempt = now
	m.mu.Unlock()

	action := ActionResumeTask
	var err error
	if m.target.HasEntry(agent) {
		action = ActionRestartSession
		err = m.target.Restart(ctx, agent)
	} else {
		err = m.target.Resume(ctx, agent)
	}

	if notActionable(err) {
		m.mu.Lock()
		st.inFlight = false
		st.lastAttempt = previous
		m.mu.Unlock()
		return nil, err
	}

	attempt := &models.RecoveryAttempt{
		Agent:     agent,
		Action:    action,
		Reason:    reason,
		Outcome:   models.RecoverySuccess,
		Timestamp: m.now(),
	}
	if err != nil {
		attempt.Outcome = models.RecoveryFailure
		attempt.Detail = err.Error()
	}

	m.mu.Lock()
	st.inFlight = false
	st.episode++
	if err != nil {
		st.consecutive++
	} else {
		st.consecutive = 0
	}
	var escalation string
	switch {
	case st.consecutive >= m.cfg.MaxConsecutiveFailures:
		escalation = fmt.Sprintf("%d consecutive failed recovery attempts", st.consecutive)
	case st.episode >= m.cfg.MaxAttemptsPerEpisode:
		escalation = fmt.Sprintf("%d recovery attempts without becoming healthy", st.episode)
	}
	attempts := st.episode
	if escalation != "" {
		attempt.Escalated = true
		m.escalated[agent] = models.Escalation{Agent: agent, Reason: escalation, EscalatedAt: attempt.Timestamp}
		delete(m.states, agent)
	}
	m.mu.Unlock()

	m.metrics.IncCounter("recovery_attempts_total", map[string]string{"action": action, "outcome": string(attempt.Outcome)}, 1)
	m.logger.Info("recovery attempt", "agent", agent, "action", action, "outcome", attempt.Outcome, "reason", reason, "error", err)

	if insertErr := m.store.InsertRecoveryAttempt(ctx, attempt); insertErr != nil {
		m.logger.Error("record recovery attempt", "agent", agent, "error", insertErr)
	}
	if attempt.Escalated {
		m.escalate(ctx, agent, escalation, attempts)
	}
	return attempt, nil
}

// notActionable reports target errors meaning the agent had nothing to
// recover.
func notActionable(err error) bool {
	return errors.Is(err, models.ErrNotAssigned) ||
		errors.Is(err, models.ErrNoActiveTask) ||
		errors.Is(err, models.ErrAlreadyAssigned)
}

func (m *Manager) escalate(ctx context.Context, agent, reason string, attempts int) {
	if err := m.store.SetEscalated(ctx, agent, true, reason); err != nil {
		m.logger.Error("persist escalation", "agent", agent, "error", err)
	}
	m.metrics.IncCounter("escalations_total", nil, 1)
	m.publishGauge()
	m.logger.Warn("agent escalated", "agent", agent, "reason", reason)

	n := notify.Notification{Kind: notify.KindEscalation, Text: notify.FormatEscalation(agent, reason, attempts)}
	if err := m.notifier.Notify(ctx, n); err != nil {
		m.logger.Warn("escalation notification failed", "agent", agent, "error", err)
	}
}

// Clear lifts an escalation and resets the agent's counters. Returns false
// when the agent was not escalated.
func (m *Manager) Clear(ctx context.Context, agent string) (bool, error) {
	m.mu.Lock()
	_, was := m.escalated[agent]
	delete(m.escalated, agent)
	delete(m.states, agent)
	m.mu.Unlock()

	if err := m.store.SetEscalated(ctx, agent, false, ""); err != nil {
		return was, err
	}
	if was {
		m.logger.Info("escalation cleared", "agent", agent)
		m.publishGauge()
	}
	return was, nil
}

// IsEscalated reports whether automatic recovery is suppressed for agent.
func (m *Manager) IsEscalated(agent string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.escalated[agent]
	return ok
}

// Escalations returns every escalated agent ordered by name.
func (m *Manager) Escalations() []models.Escalation {
	m.mu.Lock()
	out := make([]models.Escalation, 0, len(m.escalated))
	for _, e := range m.escalated {
		out = append(out, e)
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Agent < out[j].Agent })
	return out
}

// Summary aggregates the full attempt log.
func (m *Manager) Summary(ctx context.Context) (*Summary, error) {
	attempts, err := m.store.ListRecoveryAttempts(ctx, time.Time{})
	if err != nil {
		return nil, err
	}

	sum := &Summary{Agents: []AgentSummary{}, Escalated: m.Escalations()}
	byAgent := make(map[string]*AgentSummary)
	for _, a := range attempts {
		as, ok := byAgent[a.Agent]
		if !ok {
			as = &AgentSummary{Agent: a.Agent}
			byAgent[a.Agent] = as
		}
		as.Attempts++
		sum.TotalAttempts++
		if a.Outcome == models.RecoverySuccess {
			as.Successes++
			sum.Successes++
		} else {
			as.Failures++
			sum.Failures++
		}
		if a.Timestamp.After(as.LastAttempt) {
			as.LastAttempt = a.Timestamp
		}
	}
	for _, as := range byAgent {
		as.Escalated = m.IsEscalated(as.Agent)
		sum.Agents = append(sum.Agents, *as)
	}
	sort.Slice(sum.Agents, func(i, j int) bool { return sum.Agents[i].Agent < sum.Agents[j].Agent })
	return sum, nil
}

// History returns the attempts recorded in the last hours hours, oldest
// first. Non-positive hours means 24.
func (m *Manager) History(ctx context.Context, hours int) ([]models.RecoveryAttempt, error) {
	if hours <= 0 {
		hours = 24
	}
	since := m.now().Add(-time.Duration(hours) * time.Hour)
	return m.store.ListRecoveryAttempts(ctx, since)
}

func (m *Manager) state(agent string) *agentState {
	st, ok := m.states[agent]
	if !ok {
		st = &agentState{}
		m.states[agent] = st
	}
	return st
}

func (m *Manager) publishGauge() {
	m.mu.Lock()
	n := len(m.escalated)
	m.mu.Unlock()
	m.metrics.SetGauge("recovery_escalated", nil, float64(n))
}

func (m *Manager) now() time.Time {
	return m.nowFunc()
}
